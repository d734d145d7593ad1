package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresCounters persists windows in the rate_limits table so limits
// survive restarts and apply across instances sharing one database.
type PostgresCounters struct {
	db *sql.DB
}

// NewPostgresCounters wraps an open handle; the table is created by the
// store schema.
func NewPostgresCounters(db *sql.DB) *PostgresCounters {
	return &PostgresCounters{db: db}
}

func (p *PostgresCounters) Incr(ctx context.Context, scope, scopeID string, windowStart time.Time, window time.Duration) (int64, error) {
	var count int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO rate_limits (scope, scope_id, window_start, count)
		VALUES ($1,$2,$3,1)
		ON CONFLICT (scope, scope_id, window_start)
		DO UPDATE SET count = rate_limits.count + 1
		RETURNING count`,
		scope, scopeID, windowStart).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres incr: %w", err)
	}
	// Windows older than two intervals are dead weight; sweep a few.
	_, _ = p.db.ExecContext(ctx,
		`DELETE FROM rate_limits WHERE window_start < $1`,
		windowStart.Add(-2*window))
	return count, nil
}
