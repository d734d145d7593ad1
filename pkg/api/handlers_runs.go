package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/wmag/pkg/auth"
	"github.com/Mindburn-Labs/wmag/pkg/pipeline"
	"github.com/Mindburn-Labs/wmag/pkg/store"
)

// CreateMissionRequest submits one mission for execution. "message" is
// accepted as an alias for "user_message". tenant_id is honored for
// admin callers only; everyone else is pinned to their own tenant.
type CreateMissionRequest struct {
	TenantID    string   `json:"tenant_id,omitempty"`
	UserMessage string   `json:"user_message"`
	Message     string   `json:"message,omitempty"`
	Title       string   `json:"title,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// CreateMissionResponse acknowledges a queued mission.
type CreateMissionResponse struct {
	RunID  string `json:"run_id"`
	TaskID string `json:"task_id"`
	State  string `json:"state"`
}

func (s *Server) handleCreateMission(w http.ResponseWriter, r *http.Request) {
	p, err := auth.PrincipalFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "missing principal")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req CreateMissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	message := req.UserMessage
	if message == "" {
		message = req.Message
	}
	if message == "" {
		WriteBadRequest(w, "missing required field: user_message")
		return
	}
	tenant := p.TenantID
	if req.TenantID != "" && req.TenantID != p.TenantID && p.HasRole("admin") {
		tenant = req.TenantID
	}

	run := &store.Run{
		RunID:    "run_" + uuid.NewString(),
		TaskID:   "task_" + uuid.NewString(),
		TenantID: tenant,
		OrgID:    p.OrgID,
		UserID:   p.UserID,
		Roles:    p.Roles,
		State:    store.StateSubmitted,
		Title:    req.Title,
		Tags:     req.Tags,
	}
	if err := s.store.CreateRun(r.Context(), run); err != nil {
		WriteInternal(w, err)
		return
	}

	// The submitted event carries the user message so a worker in another
	// process can recover it from the log.
	ev, err := s.store.AppendEvent(r.Context(), run.RunID,
		pipeline.StatusPayload(time.Now(), run.TaskID, run.RunID, store.StateSubmitted, message, nil))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	s.hub.Publish(run.RunID, ev)

	job := &store.Job{JobID: "job_" + uuid.NewString(), RunID: run.RunID, TenantID: run.TenantID}
	if err := s.store.EnqueueJob(r.Context(), job); err != nil {
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, CreateMissionResponse{
		RunID: run.RunID, TaskID: run.TaskID, State: run.State,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	p, err := auth.PrincipalFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "missing principal")
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	runs, err := s.store.ListRuns(r.Context(), store.RunFilter{
		TenantID: p.TenantID,
		Query:    q.Get("q"),
		State:    q.Get("state"),
		Tag:      q.Get("tag"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// tenantRun loads a run and enforces the caller's tenant boundary.
// Cross-tenant run ids read as not found.
func (s *Server) tenantRun(w http.ResponseWriter, r *http.Request) (*store.Run, bool) {
	p, err := auth.PrincipalFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "missing principal")
		return nil, false
	}
	runID := r.PathValue("id")
	run, err := s.store.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && run.TenantID != p.TenantID) {
		WriteNotFound(w, "run "+runID+" not found")
		return nil, false
	}
	if err != nil {
		WriteInternal(w, err)
		return nil, false
	}
	return run, true
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.tenantRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// PatchRunRequest updates run metadata. Absent fields are untouched.
type PatchRunRequest struct {
	Title *string   `json:"title,omitempty"`
	Tags  *[]string `json:"tags,omitempty"`
}

func (s *Server) handlePatchRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.tenantRun(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req PatchRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	updated, err := s.store.PatchRun(r.Context(), run.RunID, store.RunPatch{Title: req.Title, Tags: req.Tags})
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := s.tenantRun(w, r)
	if !ok {
		return
	}
	sinceSeq, _ := strconv.ParseUint(r.URL.Query().Get("since_seq"), 10, 64)
	events, err := s.store.GetEvents(r.Context(), run.RunID, sinceSeq)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	lastSeq := sinceSeq
	if len(events) > 0 {
		lastSeq = events[len(events)-1].Seq
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "last_seq": lastSeq})
}

func (s *Server) handleRunExport(w http.ResponseWriter, r *http.Request) {
	run, ok := s.tenantRun(w, r)
	if !ok {
		return
	}
	events, err := s.store.GetEvents(r.Context(), run.RunID, 0)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	verify, err := s.store.VerifyChain(r.Context(), run.RunID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	// Exports carry the canonical bytes so third parties can re-verify
	// the chain without our canonicalizer.
	exported := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		exported = append(exported, map[string]any{
			"seq":       ev.Seq,
			"ts":        ev.TS,
			"canonical": string(ev.Canonical),
			"prev_hash": ev.PrevHash,
			"hash":      ev.Hash,
			"key_id":    ev.KeyID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":    run,
		"events": exported,
		"verify": verify,
	})
}

func (s *Server) handleRunVerify(w http.ResponseWriter, r *http.Request) {
	run, ok := s.tenantRun(w, r)
	if !ok {
		return
	}
	verify, err := s.store.VerifyChain(r.Context(), run.RunID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verify)
}

// ApprovalRequest decides a pending gate. by defaults to the caller.
type ApprovalRequest struct {
	Decision string `json:"decision"` // "approved" or "denied"
	By       string `json:"by,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	run, ok := s.tenantRun(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req ApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	switch req.Decision {
	case store.ApprovalApproved, store.ApprovalDenied:
	default:
		WriteBadRequest(w, `decision must be "approved" or "denied"`)
		return
	}
	by := req.By
	if by == "" {
		by = p.UserID
	}

	pending, err := s.store.PendingApproval(r.Context(), run.RunID)
	if errors.Is(err, store.ErrNotFound) {
		WriteConflict(w, "run has no pending approval")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	decided, err := s.store.DecideApproval(r.Context(), pending.ApprovalID, req.Decision, by, req.Reason)
	if errors.Is(err, store.ErrConflict) {
		WriteConflict(w, "approval already decided")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "approval": decided})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	p, err := auth.PrincipalFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "missing principal")
		return
	}
	approvals, err := s.store.ListApprovals(r.Context(), p.TenantID, r.URL.Query().Get("status"))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": approvals})
}
