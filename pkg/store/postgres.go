package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/Mindburn-Labs/wmag/pkg/canonicalize"
	"github.com/Mindburn-Labs/wmag/pkg/hashchain"
	"github.com/Mindburn-Labs/wmag/pkg/registry"
)

// initSQL creates the relational layout. Idempotent; applied at startup.
const initSQL = `
CREATE TABLE IF NOT EXISTS runs (
    run_id      TEXT PRIMARY KEY,
    task_id     TEXT NOT NULL,
    tenant_id   TEXT NOT NULL,
    org_id      TEXT NOT NULL DEFAULT '',
    user_id     TEXT NOT NULL DEFAULT '',
    roles       JSONB NOT NULL DEFAULT '[]',
    state       TEXT NOT NULL,
    title       TEXT NOT NULL DEFAULT '',
    tags        JSONB NOT NULL DEFAULT '[]',
    budget_used JSONB NOT NULL DEFAULT '{}',
    last_seq    BIGINT NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS runs_tenant_idx ON runs (tenant_id, created_at DESC);

CREATE TABLE IF NOT EXISTS run_events (
    run_id    TEXT NOT NULL,
    seq       BIGINT NOT NULL,
    ts        TIMESTAMPTZ NOT NULL,
    canonical TEXT NOT NULL,
    prev_hash TEXT NOT NULL,
    hash      TEXT NOT NULL,
    key_id    TEXT NOT NULL,
    payload   JSONB NOT NULL,
    PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS run_snapshots (
    run_id     TEXT PRIMARY KEY,
    data       JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS step_cache (
    idem_key   TEXT PRIMARY KEY,
    output     JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS approvals (
    approval_id TEXT PRIMARY KEY,
    run_id      TEXT NOT NULL,
    state       TEXT NOT NULL DEFAULT 'pending',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    decided_at  TIMESTAMPTZ,
    decided_by  TEXT NOT NULL DEFAULT '',
    reason      TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS approvals_pending_run
    ON approvals (run_id) WHERE state = 'pending';

CREATE TABLE IF NOT EXISTS jobs (
    job_id      TEXT PRIMARY KEY,
    run_id      TEXT NOT NULL,
    tenant_id   TEXT NOT NULL,
    state       TEXT NOT NULL DEFAULT 'queued',
    claim_until TIMESTAMPTZ,
    attempts    INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS jobs_claimable_idx ON jobs (state, claim_until);

CREATE TABLE IF NOT EXISTS sessions (
    refresh_token TEXT PRIMARY KEY,
    session_id    TEXT NOT NULL,
    user_id       TEXT NOT NULL,
    tenant_id     TEXT NOT NULL,
    org_id        TEXT NOT NULL DEFAULT '',
    roles         JSONB NOT NULL DEFAULT '[]',
    expires_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS budget (
    run_id TEXT NOT NULL,
    metric TEXT NOT NULL,
    used   BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (run_id, metric)
);

CREATE TABLE IF NOT EXISTS rate_limits (
    scope        TEXT NOT NULL,
    scope_id     TEXT NOT NULL,
    window_start TIMESTAMPTZ NOT NULL,
    count        BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (scope, scope_id, window_start)
);

CREATE TABLE IF NOT EXISTS audit_keys (
    kid        TEXT PRIMARY KEY,
    secret     TEXT NOT NULL,
    active     BOOLEAN NOT NULL DEFAULT false,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS audit_log (
    id      BIGSERIAL PRIMARY KEY,
    ts      TIMESTAMPTZ NOT NULL DEFAULT now(),
    actor   TEXT NOT NULL DEFAULT '',
    action  TEXT NOT NULL,
    details JSONB NOT NULL DEFAULT '{}'
);
`

// mvSQL builds the materialized list projections. Unique indexes are
// required for concurrent refresh.
const mvSQL = `
CREATE MATERIALIZED VIEW IF NOT EXISTS runs_mv AS
    SELECT run_id, task_id, tenant_id, state, title, tags, last_seq, created_at, updated_at
    FROM runs;
CREATE UNIQUE INDEX IF NOT EXISTS runs_mv_pk ON runs_mv (run_id);

CREATE MATERIALIZED VIEW IF NOT EXISTS approvals_mv AS
    SELECT approval_id, run_id, state, created_at, decided_at, decided_by
    FROM approvals;
CREATE UNIQUE INDEX IF NOT EXISTS approvals_mv_pk ON approvals_mv (approval_id);
`

// Postgres is the relational backend.
type Postgres struct {
	db        *sql.DB
	chain     *hashchain.Chain
	logger    *slog.Logger
	clock     func() time.Time
	tenantMax int
	mvEvery   int

	claims claimTable
}

// NewPostgres wraps an open database handle. tenantMax bounds advisory
// slots per tenant during job claims.
func NewPostgres(db *sql.DB, chain *hashchain.Chain, tenantMax int, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	if tenantMax <= 0 {
		tenantMax = 2
	}
	p := &Postgres{db: db, chain: chain, logger: logger, clock: time.Now,
		tenantMax: tenantMax, mvEvery: 50}
	p.claims.held = map[string]*claimedConn{}
	return p
}

// WithMVRefreshEvery sets how many events a run may append between
// best-effort materialized view refreshes. Values < 1 keep the default.
func (p *Postgres) WithMVRefreshEvery(n int) *Postgres {
	if n > 0 {
		p.mvEvery = n
	}
	return p
}

// WithClock overrides the time source. Test seam.
func (p *Postgres) WithClock(clock func() time.Time) *Postgres {
	p.clock = clock
	return p
}

// InitSchema applies the table layout and materialized views.
func (p *Postgres) InitSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, initSQL); err != nil {
		return fmt.Errorf("store: applying schema: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, mvSQL); err != nil {
		return fmt.Errorf("store: creating materialized views: %w", err)
	}
	return nil
}

func (p *Postgres) CreateRun(ctx context.Context, run *Run) error {
	tags, _ := json.Marshal(orEmptySlice(run.Tags))
	roles, _ := json.Marshal(orEmptySlice(run.Roles))
	budget, _ := json.Marshal(orEmptyMap(run.BudgetUsed))
	state := run.State
	if state == "" {
		state = StateSubmitted
	}
	now := p.clock().UTC()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, task_id, tenant_id, org_id, user_id, roles, state, title, tags, budget_used, last_seq, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,0,$11,$11)`,
		run.RunID, run.TaskID, run.TenantID, run.OrgID, run.UserID, roles, state, run.Title, tags, budget, now)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: run %s already exists", ErrConflict, run.RunID)
	}
	if err != nil {
		return fmt.Errorf("store: creating run: %w", err)
	}
	return nil
}

const runColumns = `run_id, task_id, tenant_id, org_id, user_id, roles, state, title, tags, budget_used, last_seq, created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var run Run
	var roles, tags, budget []byte
	err := row.Scan(&run.RunID, &run.TaskID, &run.TenantID, &run.OrgID, &run.UserID,
		&roles, &run.State, &run.Title, &tags, &budget, &run.LastSeq, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(roles, &run.Roles); err != nil {
		return nil, fmt.Errorf("store: decoding roles: %w", err)
	}
	if err := json.Unmarshal(tags, &run.Tags); err != nil {
		return nil, fmt.Errorf("store: decoding tags: %w", err)
	}
	if err := json.Unmarshal(budget, &run.BudgetUsed); err != nil {
		return nil, fmt.Errorf("store: decoding budget: %w", err)
	}
	return &run, nil
}

func (p *Postgres) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading run: %w", err)
	}
	return run, nil
}

func (p *Postgres) SetRunState(ctx context.Context, runID, state string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE runs SET state = $2, updated_at = $3 WHERE run_id = $1`,
		runID, state, p.clock().UTC())
	if err != nil {
		return fmt.Errorf("store: updating run state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return nil
}

func (p *Postgres) PatchRun(ctx context.Context, runID string, patch RunPatch) (*Run, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin patch: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = $1 FOR UPDATE`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading run for patch: %w", err)
	}
	if patch.Title != nil {
		run.Title = *patch.Title
	}
	if patch.Tags != nil {
		run.Tags = *patch.Tags
	}
	run.UpdatedAt = p.clock().UTC()
	tags, _ := json.Marshal(orEmptySlice(run.Tags))
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET title = $2, tags = $3, updated_at = $4 WHERE run_id = $1`,
		runID, run.Title, tags, run.UpdatedAt); err != nil {
		return nil, fmt.Errorf("store: patching run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit patch: %w", err)
	}
	return run, nil
}

func (p *Postgres) ListRuns(ctx context.Context, f RunFilter) ([]*Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.TenantID != "" {
		q += ` AND tenant_id = ` + arg(f.TenantID)
	}
	if f.State != "" {
		q += ` AND state = ` + arg(f.State)
	}
	if f.Tag != "" {
		q += ` AND tags @> ` + arg(fmt.Sprintf(`["%s"]`, f.Tag))
	}
	if f.Query != "" {
		like := "%" + f.Query + "%"
		ph := arg(like)
		q += fmt.Sprintf(` AND (run_id ILIKE %s OR task_id ILIKE %s OR title ILIKE %s)`, ph, ph, ph)
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ` + arg(f.Limit)
	}
	if f.Offset > 0 {
		q += ` OFFSET ` + arg(f.Offset)
	}

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing runs: %w", err)
	}
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendEvent(ctx context.Context, runID string, payload map[string]any) (*Event, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin append: %w", err)
	}
	defer tx.Rollback()

	var lastSeq uint64
	err = tx.QueryRowContext(ctx,
		`SELECT last_seq FROM runs WHERE run_id = $1 FOR UPDATE`, runID).Scan(&lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s gone", ErrConflict, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: locking run: %w", err)
	}

	prev := ""
	if lastSeq > 0 {
		err = tx.QueryRowContext(ctx,
			`SELECT hash FROM run_events WHERE run_id = $1 AND seq = $2`, runID, lastSeq).Scan(&prev)
		if err != nil {
			return nil, fmt.Errorf("store: loading chain head: %w", err)
		}
	}

	seq := lastSeq + 1
	payload = clonePayload(payload)
	payload["_seq"] = seq
	canonical, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, fmt.Errorf("store: canonicalizing event: %w", err)
	}
	hash, kid, err := p.chain.Sign(prev, canonical)
	if err != nil {
		return nil, fmt.Errorf("store: signing event: %w", err)
	}
	ts := p.clock().UTC()
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("store: encoding payload: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_events (run_id, seq, ts, canonical, prev_hash, hash, key_id, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		runID, seq, ts, string(canonical), prev, hash, kid, payloadJSON)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: concurrent append on run %s", ErrConflict, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: inserting event: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET last_seq = $2, updated_at = $3 WHERE run_id = $1`,
		runID, seq, ts); err != nil {
		return nil, fmt.Errorf("store: advancing last_seq: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit append: %w", err)
	}
	if p.mvEvery > 0 && seq%uint64(p.mvEvery) == 0 {
		// Best effort; listings read the runs table, the view serves
		// reporting.
		if _, err := p.db.ExecContext(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY runs_mv`); err != nil {
			p.logger.Debug("mv refresh failed", "run_id", runID, "seq", seq, "error", err)
		}
	}
	return &Event{RunID: runID, Seq: seq, TS: ts, Canonical: canonical,
		PrevHash: prev, Hash: hash, KeyID: kid, Payload: payload}, nil
}

func (p *Postgres) GetEvents(ctx context.Context, runID string, sinceSeq uint64) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT run_id, seq, ts, canonical, prev_hash, hash, key_id, payload
		FROM run_events WHERE run_id = $1 AND seq > $2 ORDER BY seq ASC`,
		runID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("store: loading events: %w", err)
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		var ev Event
		var canonical string
		var payload []byte
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.TS, &canonical,
			&ev.PrevHash, &ev.Hash, &ev.KeyID, &payload); err != nil {
			return nil, fmt.Errorf("store: scanning event: %w", err)
		}
		ev.Canonical = []byte(canonical)
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("store: decoding payload: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (p *Postgres) VerifyChain(ctx context.Context, runID string) (VerifyResult, error) {
	events, err := p.GetEvents(ctx, runID, 0)
	if err != nil {
		return VerifyResult{}, err
	}
	return verifyChain(p.chain, events), nil
}

func (p *Postgres) StepCacheGet(ctx context.Context, idemKey string) (map[string]any, bool, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT output FROM step_cache WHERE idem_key = $1`, idemKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: step cache get: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false, fmt.Errorf("store: decoding cached output: %w", err)
	}
	return out, true, nil
}

func (p *Postgres) StepCachePut(ctx context.Context, idemKey string, output map[string]any) error {
	raw, err := json.Marshal(orEmptyMapAny(output))
	if err != nil {
		return fmt.Errorf("store: encoding cached output: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO step_cache (idem_key, output, created_at) VALUES ($1,$2,$3)
		ON CONFLICT (idem_key) DO NOTHING`,
		idemKey, raw, p.clock().UTC())
	if err != nil {
		return fmt.Errorf("store: step cache put: %w", err)
	}
	return nil
}

func (p *Postgres) ConsumeBudget(ctx context.Context, runID string, deltas map[string]int64, limits registry.Limits) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin budget: %w", err)
	}
	defer tx.Rollback()

	// Lock the run row so concurrent debits serialize per run.
	var exists bool
	err = tx.QueryRowContext(ctx,
		`SELECT true FROM runs WHERE run_id = $1 FOR UPDATE`, runID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err != nil {
		return fmt.Errorf("store: locking run for budget: %w", err)
	}

	used := map[string]int64{}
	rows, err := tx.QueryContext(ctx, `SELECT metric, used FROM budget WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("store: loading budget: %w", err)
	}
	for rows.Next() {
		var metric string
		var u int64
		if err := rows.Scan(&metric, &u); err != nil {
			rows.Close()
			return fmt.Errorf("store: scanning budget: %w", err)
		}
		used[metric] = u
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: reading budget: %w", err)
	}

	for metric, delta := range deltas {
		if limit := limitFor(limits, metric); limit != nil {
			if used[metric]+delta > *limit {
				return fmt.Errorf("%w: %s would exceed %d", ErrBudgetExceeded, metric, *limit)
			}
		}
	}
	for metric, delta := range deltas {
		used[metric] += delta
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO budget (run_id, metric, used) VALUES ($1,$2,$3)
			ON CONFLICT (run_id, metric) DO UPDATE SET used = budget.used + $4`,
			runID, metric, delta, delta); err != nil {
			return fmt.Errorf("store: debiting %s: %w", metric, err)
		}
	}
	budgetJSON, _ := json.Marshal(used)
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET budget_used = $2, updated_at = $3 WHERE run_id = $1`,
		runID, budgetJSON, p.clock().UTC()); err != nil {
		return fmt.Errorf("store: projecting budget: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit budget: %w", err)
	}
	return nil
}

func (p *Postgres) BudgetUsed(ctx context.Context, runID string) (map[string]int64, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT metric, used FROM budget WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: loading budget: %w", err)
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var metric string
		var used int64
		if err := rows.Scan(&metric, &used); err != nil {
			return nil, fmt.Errorf("store: scanning budget: %w", err)
		}
		out[metric] = used
	}
	return out, rows.Err()
}

func (p *Postgres) CreateApproval(ctx context.Context, a *Approval) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO approvals (approval_id, run_id, state, created_at)
		VALUES ($1,$2,'pending',$3)`,
		a.ApprovalID, a.RunID, p.clock().UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: run %s already has a pending approval", ErrConflict, a.RunID)
	}
	if err != nil {
		return fmt.Errorf("store: creating approval: %w", err)
	}
	return nil
}

func (p *Postgres) PendingApproval(ctx context.Context, runID string) (*Approval, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT approval_id, run_id, state, created_at, decided_at, decided_by, reason
		FROM approvals WHERE run_id = $1 AND state = 'pending'`, runID)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no pending approval for run %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading approval: %w", err)
	}
	return a, nil
}

func scanApproval(row interface{ Scan(...any) error }) (*Approval, error) {
	var a Approval
	var decidedAt sql.NullTime
	if err := row.Scan(&a.ApprovalID, &a.RunID, &a.State, &a.CreatedAt,
		&decidedAt, &a.By, &a.Reason); err != nil {
		return nil, err
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		a.DecidedAt = &t
	}
	return &a, nil
}

func (p *Postgres) LatestApproval(ctx context.Context, runID string) (*Approval, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT approval_id, run_id, state, created_at, decided_at, decided_by, reason
		FROM approvals WHERE run_id = $1 ORDER BY created_at DESC LIMIT 1`, runID)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no approval for run %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading approval: %w", err)
	}
	return a, nil
}

func (p *Postgres) DecideApproval(ctx context.Context, approvalID, decision, by, reason string) (*Approval, error) {
	if decision != ApprovalApproved && decision != ApprovalDenied {
		return nil, fmt.Errorf("invalid decision %q", decision)
	}
	now := p.clock().UTC()
	row := p.db.QueryRowContext(ctx, `
		UPDATE approvals SET state = $2, decided_at = $3, decided_by = $4, reason = $5
		WHERE approval_id = $1 AND state = 'pending'
		RETURNING approval_id, run_id, state, created_at, decided_at, decided_by, reason`,
		approvalID, decision, now, by, reason)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: approval %s not pending", ErrConflict, approvalID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: deciding approval: %w", err)
	}
	return a, nil
}

func (p *Postgres) ListApprovals(ctx context.Context, tenantID, status string) ([]*Approval, error) {
	q := `SELECT a.approval_id, a.run_id, a.state, a.created_at, a.decided_at, a.decided_by, a.reason
		FROM approvals a JOIN runs r ON r.run_id = a.run_id WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if tenantID != "" {
		q += ` AND r.tenant_id = ` + arg(tenantID)
	}
	switch status {
	case "":
	case "decided":
		q += ` AND a.state <> 'pending'`
	default:
		q += ` AND a.state = ` + arg(status)
	}
	q += ` ORDER BY a.created_at DESC`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing approvals: %w", err)
	}
	defer rows.Close()
	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) PutSession(ctx context.Context, s *Session) error {
	roles, _ := json.Marshal(orEmptySlice(s.Roles))
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (refresh_token, session_id, user_id, tenant_id, org_id, roles, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (refresh_token) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		s.RefreshToken, s.SessionID, s.UserID, s.TenantID, s.OrgID, roles, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: saving session: %w", err)
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, refreshToken string) (*Session, error) {
	var s Session
	var roles []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT refresh_token, session_id, user_id, tenant_id, org_id, roles, expires_at
		FROM sessions WHERE refresh_token = $1 AND expires_at > $2`,
		refreshToken, p.clock().UTC()).
		Scan(&s.RefreshToken, &s.SessionID, &s.UserID, &s.TenantID, &s.OrgID, &roles, &s.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading session: %w", err)
	}
	if err := json.Unmarshal(roles, &s.Roles); err != nil {
		return nil, fmt.Errorf("store: decoding roles: %w", err)
	}
	return &s, nil
}

func (p *Postgres) DeleteSession(ctx context.Context, refreshToken string) error {
	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE refresh_token = $1`, refreshToken); err != nil {
		return fmt.Errorf("store: deleting session: %w", err)
	}
	return nil
}

func (p *Postgres) SaveAuditKeys(ctx context.Context, keys []hashchain.Key) error {
	for _, k := range keys {
		if _, err := p.db.ExecContext(ctx, `
			INSERT INTO audit_keys (kid, secret, active, created_at) VALUES ($1,$2,$3,$4)
			ON CONFLICT (kid) DO UPDATE SET secret = EXCLUDED.secret, active = EXCLUDED.active`,
			k.KID, k.Secret, k.Active, k.CreatedAt); err != nil {
			return fmt.Errorf("store: saving audit key %s: %w", k.KID, err)
		}
	}
	return nil
}

func (p *Postgres) KeyInUse(ctx context.Context, kid string) (bool, error) {
	var inUse bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM run_events WHERE key_id = $1)`, kid).Scan(&inUse)
	if err != nil {
		return false, fmt.Errorf("store: checking key usage: %w", err)
	}
	return inUse, nil
}

func (p *Postgres) Snapshot(ctx context.Context, runID string) error {
	run, err := p.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("store: encoding snapshot: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO run_snapshots (run_id, data, updated_at) VALUES ($1,$2,$3)
		ON CONFLICT (run_id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		runID, data, p.clock().UTC())
	if err != nil {
		return fmt.Errorf("store: writing snapshot: %w", err)
	}
	return nil
}

// AuditLog appends an operator action record.
func (p *Postgres) AuditLog(ctx context.Context, actor, action string, details map[string]any) error {
	raw, _ := json.Marshal(orEmptyMapAny(details))
	if _, err := p.db.ExecContext(ctx,
		`INSERT INTO audit_log (ts, actor, action, details) VALUES ($1,$2,$3,$4)`,
		p.clock().UTC(), actor, action, raw); err != nil {
		return fmt.Errorf("store: audit log: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.claims.closeAll()
	return p.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}

func orEmptyMapAny(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
