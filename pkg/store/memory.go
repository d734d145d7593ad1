package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/wmag/pkg/canonicalize"
	"github.com/Mindburn-Labs/wmag/pkg/hashchain"
	"github.com/Mindburn-Labs/wmag/pkg/registry"
)

// Memory is the in-process backend. Safe for concurrent use; everything
// lives behind one mutex, which also gives per-run append serialization.
type Memory struct {
	mu sync.Mutex

	chain     *hashchain.Chain
	clock     func() time.Time
	tenantMax int

	runs      map[string]*Run
	events    map[string][]*Event
	stepCache map[string]map[string]any
	approvals map[string]*Approval
	jobs      map[string]*Job
	sessions  map[string]*Session
	auditKeys map[string]hashchain.Key
}

// NewMemory creates an empty in-process store signing events with chain.
// tenantMax bounds concurrently claimed jobs per tenant.
func NewMemory(chain *hashchain.Chain, tenantMax int) *Memory {
	if tenantMax <= 0 {
		tenantMax = 2
	}
	return &Memory{
		chain:     chain,
		clock:     time.Now,
		tenantMax: tenantMax,
		runs:      map[string]*Run{},
		events:    map[string][]*Event{},
		stepCache: map[string]map[string]any{},
		approvals: map[string]*Approval{},
		jobs:      map[string]*Job{},
		sessions:  map[string]*Session{},
		auditKeys: map[string]hashchain.Key{},
	}
}

// WithClock overrides the time source. Test seam.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

func (m *Memory) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.RunID]; exists {
		return fmt.Errorf("%w: run %s already exists", ErrConflict, run.RunID)
	}
	cp := *run
	now := m.clock().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	if cp.State == "" {
		cp.State = StateSubmitted
	}
	if cp.BudgetUsed == nil {
		cp.BudgetUsed = map[string]int64{}
	}
	m.runs[run.RunID] = &cp
	return nil
}

func (m *Memory) GetRun(_ context.Context, runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	cp := cloneRun(run)
	return cp, nil
}

func (m *Memory) SetRunState(_ context.Context, runID, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	run.State = state
	run.UpdatedAt = m.clock().UTC()
	return nil
}

func (m *Memory) PatchRun(_ context.Context, runID string, patch RunPatch) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if patch.Title != nil {
		run.Title = *patch.Title
	}
	if patch.Tags != nil {
		run.Tags = append([]string(nil), (*patch.Tags)...)
	}
	run.UpdatedAt = m.clock().UTC()
	return cloneRun(run), nil
}

func (m *Memory) ListRuns(_ context.Context, f RunFilter) ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Run
	for _, run := range m.runs {
		if !matchRun(run, f) {
			continue
		}
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, f.Limit, f.Offset), nil
}

func matchRun(run *Run, f RunFilter) bool {
	if f.TenantID != "" && run.TenantID != f.TenantID {
		return false
	}
	if f.State != "" && run.State != f.State {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, t := range run.Tags {
			if t == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Query != "" {
		q := strings.ToLower(f.Query)
		if !strings.Contains(strings.ToLower(run.RunID), q) &&
			!strings.Contains(strings.ToLower(run.TaskID), q) &&
			!strings.Contains(strings.ToLower(run.Title), q) {
			return false
		}
	}
	return true
}

func page(runs []*Run, limit, offset int) []*Run {
	if offset > 0 {
		if offset >= len(runs) {
			return nil
		}
		runs = runs[offset:]
	}
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs
}

func (m *Memory) AppendEvent(_ context.Context, runID string, payload map[string]any) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: run %s gone", ErrConflict, runID)
	}
	seq := run.LastSeq + 1
	payload = clonePayload(payload)
	payload["_seq"] = seq

	canonical, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing event: %w", err)
	}
	prev := ""
	if log := m.events[runID]; len(log) > 0 {
		prev = log[len(log)-1].Hash
	}
	hash, kid, err := m.chain.Sign(prev, canonical)
	if err != nil {
		return nil, fmt.Errorf("signing event: %w", err)
	}
	ev := &Event{
		RunID:     runID,
		Seq:       seq,
		TS:        m.clock().UTC(),
		Canonical: canonical,
		PrevHash:  prev,
		Hash:      hash,
		KeyID:     kid,
		Payload:   payload,
	}
	m.events[runID] = append(m.events[runID], ev)
	run.LastSeq = seq
	run.UpdatedAt = ev.TS
	return ev, nil
}

func (m *Memory) GetEvents(_ context.Context, runID string, sinceSeq uint64) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, ev := range m.events[runID] {
		if ev.Seq > sinceSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *Memory) VerifyChain(_ context.Context, runID string) (VerifyResult, error) {
	m.mu.Lock()
	log := append([]*Event(nil), m.events[runID]...)
	m.mu.Unlock()
	return verifyChain(m.chain, log), nil
}

func verifyChain(chain *hashchain.Chain, log []*Event) VerifyResult {
	prev := ""
	for _, ev := range log {
		if ev.PrevHash != prev || chain.Verify(ev.PrevHash, ev.Canonical, ev.Hash, ev.KeyID) != nil {
			seq := ev.Seq
			return VerifyResult{OK: false, BrokenAt: &seq}
		}
		prev = ev.Hash
	}
	return VerifyResult{OK: true}
}

func (m *Memory) StepCacheGet(_ context.Context, idemKey string) (map[string]any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.stepCache[idemKey]
	if !ok {
		return nil, false, nil
	}
	return clonePayload(out), true, nil
}

func (m *Memory) StepCachePut(_ context.Context, idemKey string, output map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stepCache[idemKey] = clonePayload(output)
	return nil
}

func (m *Memory) ConsumeBudget(_ context.Context, runID string, deltas map[string]int64, limits registry.Limits) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	// Check everything before incrementing anything.
	for metric, delta := range deltas {
		if limit := limitFor(limits, metric); limit != nil {
			if run.BudgetUsed[metric]+delta > *limit {
				return fmt.Errorf("%w: %s would exceed %d", ErrBudgetExceeded, metric, *limit)
			}
		}
	}
	for metric, delta := range deltas {
		run.BudgetUsed[metric] += delta
	}
	run.UpdatedAt = m.clock().UTC()
	return nil
}

func limitFor(limits registry.Limits, metric string) *int64 {
	switch metric {
	case MetricToolCalls:
		return limits.MaxToolCalls
	case MetricLLMCalls:
		return limits.MaxLLMCalls
	case MetricCostUnits:
		return limits.MaxCostUnits
	}
	return nil
}

func (m *Memory) BudgetUsed(_ context.Context, runID string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	out := make(map[string]int64, len(run.BudgetUsed))
	for k, v := range run.BudgetUsed {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) EnqueueJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.JobID]; exists {
		return fmt.Errorf("%w: job %s already exists", ErrConflict, job.JobID)
	}
	cp := *job
	cp.State = JobQueued
	m.jobs[job.JobID] = &cp
	return nil
}

func (m *Memory) ClaimJob(_ context.Context, workerID string, lease time.Duration) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock().UTC()

	claimedPerTenant := map[string]int{}
	for _, j := range m.jobs {
		if j.State == JobClaimed && j.ClaimUntil.After(now) {
			claimedPerTenant[j.TenantID]++
		}
	}

	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		j := m.jobs[id]
		claimable := j.State == JobQueued ||
			(j.State == JobClaimed && !j.ClaimUntil.After(now))
		if !claimable {
			continue
		}
		if claimedPerTenant[j.TenantID] >= m.tenantMax {
			continue
		}
		j.State = JobClaimed
		j.ClaimUntil = now.Add(lease)
		j.Attempts++
		cp := *j
		_ = workerID
		return &cp, nil
	}
	return nil, nil
}

func (m *Memory) CompleteJob(_ context.Context, jobID, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	j.State = state
	return nil
}

func (m *Memory) CreateApproval(_ context.Context, a *Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.approvals {
		if existing.RunID == a.RunID && existing.State == ApprovalPending {
			return fmt.Errorf("%w: run %s already has a pending approval", ErrConflict, a.RunID)
		}
	}
	cp := *a
	cp.State = ApprovalPending
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.clock().UTC()
	}
	m.approvals[a.ApprovalID] = &cp
	return nil
}

func (m *Memory) PendingApproval(_ context.Context, runID string) (*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.approvals {
		if a.RunID == runID && a.State == ApprovalPending {
			cp := *a
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: no pending approval for run %s", ErrNotFound, runID)
}

func (m *Memory) LatestApproval(_ context.Context, runID string) (*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Approval
	for _, a := range m.approvals {
		if a.RunID != runID {
			continue
		}
		if latest == nil || a.CreatedAt.After(latest.CreatedAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: no approval for run %s", ErrNotFound, runID)
	}
	cp := *latest
	return &cp, nil
}

func (m *Memory) DecideApproval(_ context.Context, approvalID, decision, by, reason string) (*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[approvalID]
	if !ok {
		return nil, fmt.Errorf("%w: approval %s", ErrNotFound, approvalID)
	}
	if a.State != ApprovalPending {
		return nil, fmt.Errorf("%w: approval %s already %s", ErrConflict, approvalID, a.State)
	}
	if decision != ApprovalApproved && decision != ApprovalDenied {
		return nil, fmt.Errorf("invalid decision %q", decision)
	}
	now := m.clock().UTC()
	a.State = decision
	a.DecidedAt = &now
	a.By = by
	a.Reason = reason
	cp := *a
	return &cp, nil
}

func (m *Memory) ListApprovals(_ context.Context, tenantID, status string) ([]*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Approval
	for _, a := range m.approvals {
		if tenantID != "" {
			run, ok := m.runs[a.RunID]
			if !ok || run.TenantID != tenantID {
				continue
			}
		}
		switch status {
		case "":
		case "decided":
			if a.State == ApprovalPending {
				continue
			}
		default:
			if a.State != status {
				continue
			}
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) PutSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.RefreshToken] = &cp
	return nil
}

func (m *Memory) GetSession(_ context.Context, refreshToken string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[refreshToken]
	if !ok || s.ExpiresAt.Before(m.clock().UTC()) {
		return nil, fmt.Errorf("%w: session", ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) DeleteSession(_ context.Context, refreshToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, refreshToken)
	return nil
}

func (m *Memory) SaveAuditKeys(_ context.Context, keys []hashchain.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.auditKeys[k.KID] = k
	}
	return nil
}

func (m *Memory) KeyInUse(_ context.Context, kid string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, log := range m.events {
		for _, ev := range log {
			if ev.KeyID == kid {
				return true, nil
			}
		}
	}
	return false, nil
}

// Snapshot is a no-op for the map backend; runs are already the
// projection.
func (m *Memory) Snapshot(context.Context, string) error { return nil }

func (m *Memory) Close() error { return nil }

func cloneRun(run *Run) *Run {
	cp := *run
	cp.Tags = append([]string(nil), run.Tags...)
	cp.Roles = append([]string(nil), run.Roles...)
	cp.BudgetUsed = make(map[string]int64, len(run.BudgetUsed))
	for k, v := range run.BudgetUsed {
		cp.BudgetUsed[k] = v
	}
	return &cp
}

func clonePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
