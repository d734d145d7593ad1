package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "registry.json", cfg.RegistryPath)
	assert.Equal(t, 2, cfg.TenantMaxConcurrent)
	assert.Equal(t, 500*time.Millisecond, cfg.WorkerPoll)
	assert.Equal(t, time.Duration(0), cfg.ApprovalTimeout)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, 50, cfg.RefreshMVEvery)
	assert.Equal(t, 60*time.Second, cfg.MVRefreshInterval)
	assert.Equal(t, 600*time.Second, cfg.MVRefreshMaxBackoff)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("USE_POSTGRES", "1")
	t.Setenv("DATABASE_URL", "postgres://wmag@localhost/wmag")
	t.Setenv("APPROVAL_TIMEOUT_S", "600")
	t.Setenv("WORKER_POLL_MS", "50")
	t.Setenv("TENANT_MAX_CONCURRENCY", "5")
	t.Setenv("WORKER_ID", "w-test")
	t.Setenv("RATE_LIMIT_WINDOW_S", "10")
	t.Setenv("REFRESH_MV_EVERY", "7")
	t.Setenv("MV_REFRESH_MAX_BACKOFF_S", "120")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.UsePostgres)
	assert.Equal(t, "postgres://wmag@localhost/wmag", cfg.DatabaseURL)
	assert.Equal(t, 10*time.Minute, cfg.ApprovalTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.WorkerPoll)
	assert.Equal(t, 5, cfg.TenantMaxConcurrent)
	assert.Equal(t, "w-test", cfg.WorkerID)
	assert.Equal(t, 10*time.Second, cfg.RateLimitWindow)
	assert.Equal(t, 7, cfg.RefreshMVEvery)
	assert.Equal(t, 120*time.Second, cfg.MVRefreshMaxBackoff)
}

func TestLoadIgnoresGarbageNumbers(t *testing.T) {
	t.Setenv("SNAPSHOT_EVERY", "lots")
	cfg := Load()
	assert.Equal(t, 25, cfg.SnapshotEvery)
}
