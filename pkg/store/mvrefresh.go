package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// MVRefresher periodically refreshes the materialized list projections.
// Refresh runs CONCURRENTLY so readers are never blocked, and never
// inside a transaction. On failure the interval doubles up to a cap and
// resets after the next success.
type MVRefresher struct {
	db         *sql.DB
	logger     *slog.Logger
	interval   time.Duration
	maxBackoff time.Duration
}

// NewMVRefresher builds a refresher with the base interval and backoff cap.
func NewMVRefresher(db *sql.DB, interval, maxBackoff time.Duration, logger *slog.Logger) *MVRefresher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if maxBackoff < interval {
		maxBackoff = 10 * interval
	}
	return &MVRefresher{db: db, logger: logger, interval: interval, maxBackoff: maxBackoff}
}

// Run loops until ctx is done.
func (r *MVRefresher) Run(ctx context.Context) {
	wait := r.interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if err := r.RefreshOnce(ctx); err != nil {
			wait *= 2
			if wait > r.maxBackoff {
				wait = r.maxBackoff
			}
			r.logger.Warn("materialized view refresh failed", "error", err, "next_attempt_in", wait)
			continue
		}
		wait = r.interval
	}
}

// RefreshOnce refreshes both projections immediately.
func (r *MVRefresher) RefreshOnce(ctx context.Context) error {
	for _, view := range []string{"runs_mv", "approvals_mv"} {
		if _, err := r.db.ExecContext(ctx, "REFRESH MATERIALIZED VIEW CONCURRENTLY "+view); err != nil {
			return fmt.Errorf("refreshing %s: %w", view, err)
		}
	}
	return nil
}
