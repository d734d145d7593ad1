package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// claimedConn pins a job claim to one database session. Advisory locks
// are session-scoped, so the slot lock must be released on the same
// connection that acquired it.
type claimedConn struct {
	conn    *sql.Conn
	lockKey int64
}

type claimTable struct {
	mu   sync.Mutex
	held map[string]*claimedConn
}

func (t *claimTable) put(jobID string, c *claimedConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.held[jobID] = c
}

func (t *claimTable) take(jobID string) *claimedConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.held[jobID]
	delete(t.held, jobID)
	return c
}

func (t *claimTable) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, c := range t.held {
		c.conn.Close()
		delete(t.held, id)
	}
}

func (p *Postgres) EnqueueJob(ctx context.Context, job *Job) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, run_id, tenant_id, state, attempts)
		VALUES ($1,$2,$3,'queued',0)`,
		job.JobID, job.RunID, job.TenantID)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: job %s already exists", ErrConflict, job.JobID)
	}
	if err != nil {
		return fmt.Errorf("store: enqueueing job: %w", err)
	}
	return nil
}

// ClaimJob selects one claimable job with SKIP LOCKED and then tries to
// take one of tenantMax advisory slots for the job's tenant on the same
// session. With no free slot the transaction rolls back and the job
// stays queued for another worker. The pinned connection is held until
// CompleteJob releases the slot.
func (p *Postgres) ClaimJob(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: acquiring connection: %w", err)
	}
	job, lockKey, err := p.claimOnConn(ctx, conn, lease)
	if err != nil || job == nil {
		conn.Close()
		return nil, err
	}
	p.claims.put(job.JobID, &claimedConn{conn: conn, lockKey: lockKey})
	p.logger.Debug("job claimed", "job_id", job.JobID, "run_id", job.RunID,
		"tenant_id", job.TenantID, "worker_id", workerID, "attempts", job.Attempts)
	return job, nil
}

func (p *Postgres) claimOnConn(ctx context.Context, conn *sql.Conn, lease time.Duration) (*Job, int64, error) {
	now := p.clock().UTC()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("store: begin claim: %w", err)
	}
	defer tx.Rollback()

	var job Job
	err = tx.QueryRowContext(ctx, `
		SELECT job_id, run_id, tenant_id, attempts FROM jobs
		WHERE state = 'queued' OR (state = 'claimed' AND claim_until < $1)
		ORDER BY job_id
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, now).
		Scan(&job.JobID, &job.RunID, &job.TenantID, &job.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("store: selecting job: %w", err)
	}

	// One advisory slot per tenant concurrency unit. Locks ride the
	// session, not the transaction, so they survive the commit.
	base := tenantLockBase(job.TenantID)
	lockKey := int64(0)
	locked := false
	for i := 0; i < p.tenantMax; i++ {
		key := base + int64(i)
		var got bool
		if err := tx.QueryRowContext(ctx,
			`SELECT pg_try_advisory_lock($1)`, key).Scan(&got); err != nil {
			return nil, 0, fmt.Errorf("store: advisory lock: %w", err)
		}
		if got {
			locked = true
			lockKey = key
			break
		}
	}
	if !locked {
		// Tenant is saturated; leave the job queued.
		return nil, 0, nil
	}

	job.State = JobClaimed
	job.ClaimUntil = now.Add(lease)
	job.Attempts++
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state = 'claimed', claim_until = $2, attempts = attempts + 1
		WHERE job_id = $1`, job.JobID, job.ClaimUntil); err != nil {
		return nil, 0, fmt.Errorf("store: claiming job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("store: commit claim: %w", err)
	}
	return &job, lockKey, nil
}

// CompleteJob marks the job done or failed and releases its advisory
// slot and pinned connection.
func (p *Postgres) CompleteJob(ctx context.Context, jobID, state string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE jobs SET state = $2 WHERE job_id = $1`, jobID, state)
	if err != nil {
		return fmt.Errorf("store: completing job: %w", err)
	}
	n, _ := res.RowsAffected()

	if claim := p.claims.take(jobID); claim != nil {
		if _, err := claim.conn.ExecContext(ctx,
			`SELECT pg_advisory_unlock($1)`, claim.lockKey); err != nil {
			p.logger.Warn("advisory unlock failed, dropping connection", "job_id", jobID, "error", err)
		}
		claim.conn.Close()
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return nil
}

func tenantLockBase(tenantID string) int64 {
	h := fnv.New64a()
	h.Write([]byte("wmag_tenant_slot:"))
	h.Write([]byte(tenantID))
	// Leave headroom below MaxInt64 for the slot offsets.
	return int64(h.Sum64() % (1 << 62))
}
