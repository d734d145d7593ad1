package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedWindowLimit(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 30, 0, time.UTC)
	l := New(NewMemoryCounters(), time.Minute).WithClock(func() time.Time { return now })
	ctx := context.Background()

	scopes := []Scope{{Name: ScopeTenant, ID: "acme", RPM: 3}}
	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, scopes)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
	}

	d, err := l.Allow(ctx, scopes)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ScopeTenant, d.Scope)
	assert.Equal(t, 3, d.Limit)

	// Fixed window: the counter resets at the boundary.
	now = now.Add(time.Minute)
	d, err = l.Allow(ctx, scopes)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestFirstExhaustedScopeWins(t *testing.T) {
	l := New(NewMemoryCounters(), time.Minute)
	ctx := context.Background()

	scopes := []Scope{
		{Name: ScopeTenant, ID: "acme", RPM: 100},
		{Name: ScopeUser, ID: "u1", RPM: 1},
	}
	d, err := l.Allow(ctx, scopes)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Allow(ctx, scopes)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ScopeUser, d.Scope)
}

func TestZeroRPMAndEmptyIDSkipped(t *testing.T) {
	l := New(NewMemoryCounters(), time.Minute)
	d, err := l.Allow(context.Background(), []Scope{
		{Name: ScopeOrg, ID: "", RPM: 1},
		{Name: ScopeTenant, ID: "acme", RPM: 0},
	})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestScopesAreIndependent(t *testing.T) {
	l := New(NewMemoryCounters(), time.Minute)
	ctx := context.Background()

	a := []Scope{{Name: ScopeTenant, ID: "a", RPM: 1}}
	b := []Scope{{Name: ScopeTenant, ID: "b", RPM: 1}}

	d, _ := l.Allow(ctx, a)
	assert.True(t, d.Allowed)
	d, _ = l.Allow(ctx, b)
	assert.True(t, d.Allowed)
	d, _ = l.Allow(ctx, a)
	assert.False(t, d.Allowed)
}

func TestPostgresCountersIncr(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO rate_limits`).
		WithArgs(ScopeTenant, "acme", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectExec(`DELETE FROM rate_limits`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	c := NewPostgresCounters(db)
	count, err := c.Incr(context.Background(), ScopeTenant, "acme",
		time.Now().UTC().Truncate(time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
