// Package config loads kernel configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the full kernel configuration. Zero values mean "use the
// in-process default" (memory store, stub tools, no Redis).
type Config struct {
	Port     string
	LogLevel string

	// UsePostgres forces the Postgres store; otherwise a non-empty
	// DatabaseURL selects it and empty runs in-memory.
	UsePostgres bool
	DatabaseURL string
	// RedisAddr selects Redis-backed rate-limit counters; empty uses the
	// store's counters (Postgres) or in-process ones (memory).
	RedisAddr string

	// RegistryPath is the base registry document. RegistryLayersDir holds
	// org/tenant/user override layers.
	RegistryPath      string
	RegistryLayersDir string
	// PlanTemplatePath feeds the stub planner; empty synthesizes plans.
	PlanTemplatePath string

	// AuditSecret / AuditKeysJSON configure event signing.
	AuditSecret   string
	AuditKeysJSON string

	JWTSecret   string
	APIKeysJSON string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration

	ApprovalTimeout time.Duration
	ApprovalPoll    time.Duration
	SnapshotEvery   int

	WorkerID            string
	WorkerPoll          time.Duration
	WorkerLease         time.Duration
	TenantMaxConcurrent int
	ExecutorParallelism int

	StreamBuffer      int
	HeartbeatInterval time.Duration

	// RateLimitWindow is the fixed rate-limit window size.
	RateLimitWindow time.Duration

	// RefreshMVEvery triggers a best-effort materialized view refresh
	// after every N appended events; the interval/backoff pair drives the
	// background refresher loop.
	RefreshMVEvery      int
	MVRefreshInterval   time.Duration
	MVRefreshMaxBackoff time.Duration
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	return &Config{
		Port:     envStr("PORT", "8080"),
		LogLevel: envStr("LOG_LEVEL", "INFO"),

		UsePostgres: envBool("USE_POSTGRES", false),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),

		RegistryPath:      envStr("REGISTRY_PATH", "registry.json"),
		RegistryLayersDir: os.Getenv("REGISTRY_LAYERS_DIR"),
		PlanTemplatePath:  os.Getenv("PLAN_TEMPLATE_PATH"),

		AuditSecret:   os.Getenv("AUDIT_SECRET"),
		AuditKeysJSON: os.Getenv("AUDIT_KEYS_JSON"),

		JWTSecret:   os.Getenv("JWT_SECRET"),
		APIKeysJSON: os.Getenv("API_KEYS_JSON"),
		AccessTTL:   envDuration("ACCESS_TTL_S", 15*time.Minute),
		RefreshTTL:  envDuration("REFRESH_TTL_S", 30*24*time.Hour),

		ApprovalTimeout: envDuration("APPROVAL_TIMEOUT_S", 0),
		ApprovalPoll:    envDurationMS("APPROVAL_POLL_MS", 250*time.Millisecond),
		SnapshotEvery:   envInt("SNAPSHOT_EVERY", 25),

		WorkerID:            envStr("WORKER_ID", hostnameOr("worker-1")),
		WorkerPoll:          envDurationMS("WORKER_POLL_MS", 500*time.Millisecond),
		WorkerLease:         envDuration("WORKER_LEASE_S", 10*time.Minute),
		TenantMaxConcurrent: envInt("TENANT_MAX_CONCURRENCY", 2),
		ExecutorParallelism: envInt("EXECUTOR_PARALLELISM", 4),

		StreamBuffer:      envInt("STREAM_BUFFER", 256),
		HeartbeatInterval: envDuration("HEARTBEAT_INTERVAL_S", 15*time.Second),

		RateLimitWindow: envDuration("RATE_LIMIT_WINDOW_S", time.Minute),

		RefreshMVEvery:      envInt("REFRESH_MV_EVERY", 50),
		MVRefreshInterval:   envDuration("MV_REFRESH_INTERVAL_S", 60*time.Second),
		MVRefreshMaxBackoff: envDuration("MV_REFRESH_MAX_BACKOFF_S", 600*time.Second),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

func envDurationMS(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}

func hostnameOr(def string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return def
}
