// Package store abstracts kernel persistence: runs, the signed event
// log, step cache, approvals, jobs, sessions, budget counters and audit
// keys. Two backends exist, an in-process map store for tests/dev and a
// Postgres store for production.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/wmag/pkg/hashchain"
	"github.com/Mindburn-Labs/wmag/pkg/registry"
)

// Run states.
const (
	StateSubmitted     = "submitted"
	StateWorking       = "working"
	StateInputRequired = "input-required"
	StateCompleted     = "completed"
	StateFailed        = "failed"
	StateCanceled      = "canceled"
)

// TerminalState reports whether a run state admits no further progress.
func TerminalState(s string) bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// Budget metrics.
const (
	MetricToolCalls = "tool_calls"
	MetricLLMCalls  = "llm_calls"
	MetricCostUnits = "cost_units"
)

// Job states.
const (
	JobQueued  = "queued"
	JobClaimed = "claimed"
	JobDone    = "done"
	JobFailed  = "failed"
)

// Approval states.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalDenied   = "denied"
)

// Sentinel errors shared by all backends.
var (
	ErrNotFound       = errors.New("store: not found")
	ErrConflict       = errors.New("store: conflict")
	ErrBudgetExceeded = errors.New("store: budget exceeded")
)

// Run is one execution of the phase pipeline. Created at mission submit,
// mutated only by the pipeline or an approval handler, never deleted.
type Run struct {
	RunID      string           `json:"run_id"`
	TaskID     string           `json:"task_id"`
	TenantID   string           `json:"tenant_id"`
	OrgID      string           `json:"org_id,omitempty"`
	UserID     string           `json:"user_id,omitempty"`
	Roles      []string         `json:"roles,omitempty"`
	State      string           `json:"state"`
	Title      string           `json:"title,omitempty"`
	Tags       []string         `json:"tags,omitempty"`
	BudgetUsed map[string]int64 `json:"budget_used,omitempty"`
	LastSeq    uint64           `json:"last_seq"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Event is one immutable, signed record of a run's log.
type Event struct {
	RunID     string         `json:"run_id"`
	Seq       uint64         `json:"seq"`
	TS        time.Time      `json:"ts"`
	Canonical []byte         `json:"-"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
	KeyID     string         `json:"key_id"`
	Payload   map[string]any `json:"payload"`
}

// VerifyResult is the outcome of recomputing a run's hash chain.
type VerifyResult struct {
	OK       bool    `json:"ok"`
	BrokenAt *uint64 `json:"broken_at,omitempty"`
}

// Approval is a pending or decided human gate. At most one pending
// approval exists per run.
type Approval struct {
	ApprovalID string     `json:"approval_id"`
	RunID      string     `json:"run_id"`
	State      string     `json:"state"`
	CreatedAt  time.Time  `json:"created_at"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
	By         string     `json:"by,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// Job is the worker-facing unit of run execution.
type Job struct {
	JobID      string    `json:"job_id"`
	RunID      string    `json:"run_id"`
	TenantID   string    `json:"tenant_id"`
	State      string    `json:"state"`
	ClaimUntil time.Time `json:"claim_until,omitempty"`
	Attempts   int       `json:"attempts"`
}

// Session backs refresh-token auth.
type Session struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	TenantID     string    `json:"tenant_id"`
	OrgID        string    `json:"org_id,omitempty"`
	Roles        []string  `json:"roles,omitempty"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// RunFilter narrows ListRuns. TenantID is the isolation boundary; empty
// is reserved for operator tooling.
type RunFilter struct {
	TenantID string
	Query    string
	State    string
	Tag      string
	Limit    int
	Offset   int
}

// RunPatch is a partial metadata update.
type RunPatch struct {
	Title *string
	Tags  *[]string
}

// Store is the persistence contract. All mutations of shared kernel
// state flow through it.
type Store interface {
	// Runs.
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	SetRunState(ctx context.Context, runID, state string) error
	PatchRun(ctx context.Context, runID string, patch RunPatch) (*Run, error)
	ListRuns(ctx context.Context, f RunFilter) ([]*Run, error)

	// Event log. AppendEvent atomically allocates seq = last_seq+1,
	// stamps "_seq" into the payload, canonicalizes, signs into the hash
	// chain and persists. Returns ErrConflict when the run is gone or a
	// concurrent append races.
	AppendEvent(ctx context.Context, runID string, payload map[string]any) (*Event, error)
	GetEvents(ctx context.Context, runID string, sinceSeq uint64) ([]*Event, error)
	VerifyChain(ctx context.Context, runID string) (VerifyResult, error)

	// Step cache.
	StepCacheGet(ctx context.Context, idemKey string) (map[string]any, bool, error)
	StepCachePut(ctx context.Context, idemKey string, output map[string]any) error

	// Budget. Atomic check-and-increment; on ErrBudgetExceeded no
	// counter moves.
	ConsumeBudget(ctx context.Context, runID string, deltas map[string]int64, limits registry.Limits) error
	BudgetUsed(ctx context.Context, runID string) (map[string]int64, error)

	// Jobs.
	EnqueueJob(ctx context.Context, job *Job) error
	ClaimJob(ctx context.Context, workerID string, lease time.Duration) (*Job, error)
	CompleteJob(ctx context.Context, jobID, state string) error

	// Approvals.
	CreateApproval(ctx context.Context, a *Approval) error
	PendingApproval(ctx context.Context, runID string) (*Approval, error)
	LatestApproval(ctx context.Context, runID string) (*Approval, error)
	DecideApproval(ctx context.Context, approvalID, decision, by, reason string) (*Approval, error)
	// ListApprovals returns approvals for one tenant's runs; an empty
	// tenantID is reserved for operator tooling and lists all.
	ListApprovals(ctx context.Context, tenantID, status string) ([]*Approval, error)

	// Sessions.
	PutSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, refreshToken string) (*Session, error)
	DeleteSession(ctx context.Context, refreshToken string) error

	// Audit keys.
	SaveAuditKeys(ctx context.Context, keys []hashchain.Key) error
	KeyInUse(ctx context.Context, kid string) (bool, error)

	// Snapshot writes a best-effort compact projection of the run.
	Snapshot(ctx context.Context, runID string) error

	Close() error
}
