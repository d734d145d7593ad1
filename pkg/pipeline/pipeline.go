// Package pipeline drives one run through the phase state machine:
// IngestTask, LoadContext, SelectWorldNodes, Plan, GateApproval,
// ExecuteSteps, Synthesize, Complete/Fail. Every observable effect is an
// event appended to the run's log before any subscriber sees it, which
// also makes the pipeline restartable: on resume the persisted log is
// replayed to recover the last completed phase, the plan and the context
// pack, and execution continues from there (step dedup rides the
// idempotency cache).
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/wmag/pkg/executor"
	"github.com/Mindburn-Labs/wmag/pkg/kernelerrors"
	"github.com/Mindburn-Labs/wmag/pkg/plan"
	"github.com/Mindburn-Labs/wmag/pkg/policy"
	"github.com/Mindburn-Labs/wmag/pkg/registry"
	"github.com/Mindburn-Labs/wmag/pkg/store"
	"github.com/Mindburn-Labs/wmag/pkg/stream"
)

// PlanRequest is what the planner sees.
type PlanRequest struct {
	Run         *store.Run
	UserMessage string
	ContextPack map[string]any
	Doc         *registry.Document
}

// Planner produces plan JSON for a mission. Implementations are external.
type Planner interface {
	BuildPlan(ctx context.Context, req PlanRequest) ([]byte, error)
}

// ContextProvider assembles the context pack for a mission.
type ContextProvider interface {
	Hydrate(ctx context.Context, run *store.Run, userMessage string, doc *registry.Document) (map[string]any, error)
}

// Options tune pipeline timing.
type Options struct {
	// ApprovalTimeout fails the run when a pending approval is not
	// decided in time. Zero waits indefinitely.
	ApprovalTimeout time.Duration
	// ApprovalPoll is the decision poll interval.
	ApprovalPoll time.Duration
	// SnapshotEvery writes a run projection every N events.
	SnapshotEvery int
}

// Pipeline executes runs.
type Pipeline struct {
	store    store.Store
	hub      *stream.Hub
	provider registry.Provider
	planner  Planner
	hydrator ContextProvider
	exec     *executor.Executor
	logger   *slog.Logger
	clock    func() time.Time
	opts     Options
	tracer   trace.Tracer
}

// New wires a pipeline.
func New(st store.Store, hub *stream.Hub, provider registry.Provider,
	planner Planner, hydrator ContextProvider, exec *executor.Executor,
	opts Options, logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ApprovalPoll <= 0 {
		opts.ApprovalPoll = 250 * time.Millisecond
	}
	if opts.SnapshotEvery <= 0 {
		opts.SnapshotEvery = 25
	}
	return &Pipeline{
		store: st, hub: hub, provider: provider,
		planner: planner, hydrator: hydrator, exec: exec,
		logger: logger, clock: time.Now, opts: opts,
		tracer: otel.Tracer("wmag/pipeline"),
	}
}

// WithClock overrides the time source. Test seam.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// recovered is the in-memory state rebuilt from the event log.
type recovered struct {
	submitted   bool
	userMessage string
	contextPack map[string]any
	planDoc     *plan.Plan
	lastSeq     uint64
}

func (p *Pipeline) recover(ctx context.Context, runID string) (*recovered, error) {
	events, err := p.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("replaying event log: %w", err)
	}
	rec := &recovered{}
	for _, ev := range events {
		rec.lastSeq = ev.Seq
		switch ev.Payload["type"] {
		case TypeStatusUpdate:
			if ev.Payload["state"] == store.StateSubmitted && !rec.submitted {
				rec.submitted = true
				if msg, ok := ev.Payload["message"].(string); ok {
					rec.userMessage = msg
				}
			}
		case TypeArtifactUpdate:
			artifact := ev.Payload["artifact"]
			switch ev.Payload["artifact_type"] {
			case ArtifactContextPack:
				if m, ok := artifact.(map[string]any); ok {
					rec.contextPack = m
				}
			case ArtifactPlan:
				raw, err := json.Marshal(artifact)
				if err != nil {
					continue
				}
				if pd, err := plan.Parse(raw); err == nil {
					rec.planDoc = pd
				}
			}
		}
	}
	return rec, nil
}

// Run drives one run to a terminal state. userMessage may be empty on
// resume; it is then recovered from the submitted event.
func (p *Pipeline) Run(ctx context.Context, runID, userMessage string) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if store.TerminalState(run.State) {
		return nil
	}

	rec, err := p.recover(ctx, runID)
	if err != nil {
		return err
	}
	if userMessage == "" {
		userMessage = rec.userMessage
	}

	// IngestTask.
	if !rec.submitted {
		if err := p.emitStatus(ctx, run, store.StateSubmitted, userMessage, nil); err != nil {
			return err
		}
	}

	// LoadContext: effective registry and tenant limits.
	if err := p.emitStatus(ctx, run, store.StateWorking, "Running", nil); err != nil {
		return err
	}
	snap, err := p.provider.Effective(ctx, run.OrgID, run.TenantID, run.UserID)
	if err != nil {
		return p.fail(ctx, run, fmt.Sprintf("loading registry: %v", err))
	}
	doc := snap.Doc
	engine := policy.NewEngine(doc, p.logger)
	pctx := policy.Context{TenantID: run.TenantID, OrgID: run.OrgID, UserID: run.UserID,
		Roles: run.Roles}

	// SelectWorldNodes.
	pack := rec.contextPack
	if pack == nil {
		pack, err = p.hydrator.Hydrate(ctx, run, userMessage, doc)
		if err != nil {
			return p.fail(ctx, run, fmt.Sprintf("hydrating context: %v", err))
		}
		if err := p.emitArtifact(ctx, run, ArtifactContextPack, pack); err != nil {
			return err
		}
	}

	// Plan.
	planDoc := rec.planDoc
	var obligations []registry.Obligation
	needsApproval := false
	if planDoc == nil {
		raw, err := p.planner.BuildPlan(ctx, PlanRequest{Run: run, UserMessage: userMessage, ContextPack: pack, Doc: doc})
		if err != nil {
			return p.fail(ctx, run, fmt.Sprintf("planning: %v", err))
		}
		// One planner invocation debits one llm_call against the tenant
		// limits. A recovered plan was already paid for.
		if err := p.store.ConsumeBudget(ctx, run.RunID,
			map[string]int64{store.MetricLLMCalls: 1}, doc.Limits); err != nil {
			return p.fail(ctx, run, fmt.Sprintf("planning: %s: %v", kernelerrors.ClassBudgetExceeded, err))
		}
		planDoc, err = plan.Parse(raw)
		if err != nil {
			return p.fail(ctx, run, fmt.Sprintf("invalid plan: %v", err))
		}
	}
	gate := p.gatePlan(engine, pctx, doc, planDoc)
	if gate.denied {
		return p.fail(ctx, run, "policy gate failed: "+gate.denyReason)
	}
	needsApproval = planDoc.Controls.RequiresApproval || gate.requireApproval
	obligations = append(obligations, gate.obligations...)
	if rec.planDoc == nil {
		if err := p.emitArtifact(ctx, run, ArtifactPlan, planDoc); err != nil {
			return err
		}
	}

	// GateApproval.
	if needsApproval {
		approved, err := p.gateApproval(ctx, run)
		if err != nil {
			return err
		}
		if !approved {
			return nil // terminal state already emitted
		}
	}

	if canceled, err := p.checkCanceled(ctx, run); err != nil || canceled {
		return err
	}

	// ExecuteSteps.
	rc := executor.RunContext{Run: run, Doc: doc, Engine: engine, PolicyCtx: pctx, Limits: doc.Limits}
	results, execObs, err := p.exec.ExecutePlan(ctx, rc, planDoc, func(ctx context.Context, res plan.Result) error {
		return p.emitArtifact(ctx, run, ArtifactStepResult, res)
	})
	if err != nil {
		return p.fail(ctx, run, fmt.Sprintf("execution halted: %v", err))
	}
	obligations = append(obligations, execObs...)

	fatal := ""
	for _, res := range results {
		if res.Status != plan.StatusFailed {
			continue
		}
		step, _ := planDoc.StepByID(res.StepID)
		if !step.ContinueOnError {
			fatal = fmt.Sprintf("step %s failed (%s): %s", res.StepID, res.ErrorClass, res.Error)
			break
		}
	}
	if fatal != "" {
		return p.fail(ctx, run, fatal)
	}

	// Synthesize.
	outputs := map[string]any{}
	for _, res := range results {
		if res.Status == plan.StatusSucceeded {
			outputs[res.StepID] = res.Output
		}
	}
	final := map[string]any{
		"plan_id": planDoc.PlanID,
		"summary": fmt.Sprintf("%d/%d steps succeeded", len(outputs), len(planDoc.Steps)),
		"outputs": outputs,
	}
	if err := p.emitArtifact(ctx, run, ArtifactFinal, final); err != nil {
		return err
	}

	// Complete: every must_emit_artifact obligation needs a matching
	// artifact in the log before the run may finish.
	if missing := p.missingArtifacts(ctx, run.RunID, obligations); missing != "" {
		return p.fail(ctx, run, "obligation unsatisfied: no "+missing+" artifact emitted")
	}
	if err := p.emitStatus(ctx, run, store.StateCompleted, "Done", nil); err != nil {
		return err
	}
	p.finish(ctx, run)
	return nil
}

type planGate struct {
	denied          bool
	denyReason      string
	requireApproval bool
	obligations     []registry.Obligation
}

// gatePlan evaluates plan-phase policies and action security over every
// step. Cost overrides are written back into the step so the executor
// debits the effective amount.
func (p *Pipeline) gatePlan(engine *policy.Engine, pctx policy.Context, doc *registry.Document, pd *plan.Plan) planGate {
	var out planGate
	seen := map[string]bool{}
	for i := range pd.Steps {
		step := &pd.Steps[i]
		action, ok := doc.ActionByID(step.ActionID)
		if !ok {
			out.denied = true
			out.denyReason = fmt.Sprintf("unknown action %q", step.ActionID)
			return out
		}
		if len(action.Security.AllowedRoles) > 0 && !rolesIntersect(pctx.Roles, action.Security.AllowedRoles) {
			out.denied = true
			out.denyReason = fmt.Sprintf("role not allowed for action %s", step.ActionID)
			return out
		}
		if action.Security.RequiresApproval {
			out.requireApproval = true
		}
		verdict := engine.Evaluate(pctx, policy.Subject{
			Phase:    registry.PhasePlan,
			ActionID: step.ActionID,
			ToolID:   action.ToolID,
			Args:     step.Args,
		})
		if !verdict.Allow {
			out.denied = true
			out.denyReason = verdict.DenyReason
			return out
		}
		if verdict.RequireApproval {
			out.requireApproval = true
		}
		if verdict.EffectiveCostUnits != nil {
			cu := *verdict.EffectiveCostUnits
			step.CostUnits = &cu
		}
		for _, ob := range verdict.Obligations {
			if key := ob.Key(); key != "" && !seen[key] {
				seen[key] = true
				out.obligations = append(out.obligations, ob)
			}
		}
	}
	return out
}

// gateApproval blocks until the run's approval is decided or times out.
// Returns false when the run reached a terminal state here.
func (p *Pipeline) gateApproval(ctx context.Context, run *store.Run) (bool, error) {
	approval, err := p.store.LatestApproval(ctx, run.RunID)
	if errors.Is(err, store.ErrNotFound) {
		approval = &store.Approval{ApprovalID: "apr_" + uuid.NewString(), RunID: run.RunID}
		if err := p.store.CreateApproval(ctx, approval); err != nil && !errors.Is(err, store.ErrConflict) {
			return false, fmt.Errorf("creating approval: %w", err)
		}
		if err := p.emitStatus(ctx, run, store.StateInputRequired, "Approval required",
			map[string]any{"approval_id": approval.ApprovalID}); err != nil {
			return false, err
		}
	} else if err != nil {
		return false, err
	}

	deadline := time.Time{}
	if p.opts.ApprovalTimeout > 0 {
		deadline = p.clock().Add(p.opts.ApprovalTimeout)
	}
	for {
		approval, err = p.store.LatestApproval(ctx, run.RunID)
		if err != nil {
			return false, err
		}
		switch approval.State {
		case store.ApprovalApproved:
			if err := p.emitStatus(ctx, run, store.StateWorking, "Approved, continuing", nil); err != nil {
				return false, err
			}
			return true, nil
		case store.ApprovalDenied:
			if err := p.emitStatus(ctx, run, store.StateCanceled, "Approval denied", nil); err != nil {
				return false, err
			}
			p.finish(ctx, run)
			return false, nil
		}
		if !deadline.IsZero() && p.clock().After(deadline) {
			if err := p.emitStatus(ctx, run, store.StateFailed, "Approval timed out", nil); err != nil {
				return false, err
			}
			p.finish(ctx, run)
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(p.opts.ApprovalPoll):
		}
	}
}

func (p *Pipeline) missingArtifacts(ctx context.Context, runID string, obligations []registry.Obligation) string {
	var wanted []string
	for _, ob := range obligations {
		if ob.MustEmitArtifact != nil {
			wanted = append(wanted, ob.MustEmitArtifact.ArtifactType)
		}
	}
	if len(wanted) == 0 {
		return ""
	}
	events, err := p.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return wanted[0]
	}
	have := map[string]bool{}
	for _, ev := range events {
		if ev.Payload["type"] == TypeArtifactUpdate {
			if at, ok := ev.Payload["artifact_type"].(string); ok {
				have[at] = true
			}
		}
	}
	for _, w := range wanted {
		if !have[w] {
			return w
		}
	}
	return ""
}

func (p *Pipeline) checkCanceled(ctx context.Context, run *store.Run) (bool, error) {
	current, err := p.store.GetRun(ctx, run.RunID)
	if err != nil {
		return false, err
	}
	if current.State == store.StateCanceled {
		p.finish(ctx, run)
		return true, nil
	}
	return false, nil
}

// fail emits the terminal failed status. Emission errors are logged, not
// returned: the run is already lost.
func (p *Pipeline) fail(ctx context.Context, run *store.Run, message string) error {
	p.logger.Error("run failed", "run_id", run.RunID, "reason", message)
	if err := p.emitStatus(ctx, run, store.StateFailed, message, nil); err != nil {
		p.logger.Error("emitting terminal status failed", "run_id", run.RunID, "error", err)
	}
	p.finish(ctx, run)
	return nil
}

func (p *Pipeline) finish(ctx context.Context, run *store.Run) {
	p.hub.CloseRun(run.RunID)
	if err := p.store.Snapshot(ctx, run.RunID); err != nil {
		p.logger.Debug("snapshot failed", "run_id", run.RunID, "error", err)
	}
}

// emitStatus persists a status event, updates the run state, then
// publishes. Persist-before-send: no subscriber sees an event that is
// not durable.
func (p *Pipeline) emitStatus(ctx context.Context, run *store.Run, state, message string, meta map[string]any) error {
	if err := p.store.SetRunState(ctx, run.RunID, state); err != nil {
		return fmt.Errorf("updating run state: %w", err)
	}
	run.State = state
	return p.emit(ctx, run, StatusPayload(p.clock(), run.TaskID, run.RunID, state, message, meta))
}

func (p *Pipeline) emitArtifact(ctx context.Context, run *store.Run, artifactType string, artifact any) error {
	// Round-trip typed artifacts into plain JSON maps so recovery and
	// canonical bytes see one representation.
	raw, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("encoding %s artifact: %w", artifactType, err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	return p.emit(ctx, run, ArtifactPayload(p.clock(), run.TaskID, run.RunID, artifactType, generic))
}

func (p *Pipeline) emit(ctx context.Context, run *store.Run, payload map[string]any) error {
	ev, err := p.store.AppendEvent(ctx, run.RunID, payload)
	if err != nil {
		return fmt.Errorf("persisting event: %w", err)
	}
	p.hub.Publish(run.RunID, ev)
	if p.opts.SnapshotEvery > 0 && ev.Seq%uint64(p.opts.SnapshotEvery) == 0 {
		if err := p.store.Snapshot(ctx, run.RunID); err != nil {
			p.logger.Debug("snapshot failed", "run_id", run.RunID, "error", err)
		}
	}
	return nil
}

func rolesIntersect(a, b []string) bool {
	set := map[string]bool{}
	for _, x := range a {
		set[x] = true
	}
	for _, y := range b {
		if set[y] {
			return true
		}
	}
	return false
}
