package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/wmag/pkg/executor"
	"github.com/Mindburn-Labs/wmag/pkg/hashchain"
	"github.com/Mindburn-Labs/wmag/pkg/registry"
	"github.com/Mindburn-Labs/wmag/pkg/store"
	"github.com/Mindburn-Labs/wmag/pkg/stream"
)

type stubPlanner struct {
	plan  string
	err   error
	calls int
}

func (s *stubPlanner) BuildPlan(_ context.Context, _ PlanRequest) ([]byte, error) {
	s.calls++
	return []byte(s.plan), s.err
}

type stubHydrator struct {
	pack  map[string]any
	calls int
}

func (s *stubHydrator) Hydrate(context.Context, *store.Run, string, *registry.Document) (map[string]any, error) {
	s.calls++
	return s.pack, nil
}

type echoTool struct {
	calls int
}

func (e *echoTool) Invoke(_ context.Context, _ registry.Tool, action registry.Action, args map[string]any) (map[string]any, error) {
	e.calls++
	return map[string]any{"ok": true, "action": action.ActionID}, nil
}

func intPtr(v int) *int { return &v }

func testDoc() *registry.Document {
	return &registry.Document{
		Version: "1",
		Tools:   []registry.Tool{{ToolID: "crm", Kind: "stub"}},
		Actions: []registry.Action{
			{
				ActionID: "lookup_order", ToolID: "crm",
				RetryClass: "none",
			},
			{
				ActionID: "issue_refund", ToolID: "crm",
				SideEffect: true, RetryClass: "standard", CostUnits: 5,
				Idempotency: &registry.Idempotency{Strategy: registry.IdemStrategyHash},
			},
		},
	}
}

const happyPlan = `{
  "plan_id": "p1",
  "controls": {"requires_approval": false},
  "steps": [
    {"step_id": "s1", "action_id": "lookup_order", "args": {"order_id": "o-1"}}
  ]
}`

const approvalPlan = `{
  "plan_id": "p2",
  "controls": {"requires_approval": true},
  "steps": [
    {"step_id": "s1", "action_id": "issue_refund", "args": {"order_id": "o-1", "amount": 10}}
  ]
}`

type harness struct {
	store    *store.Memory
	hub      *stream.Hub
	planner  *stubPlanner
	hydrator *stubHydrator
	tool     *echoTool
	pipe     *Pipeline
}

func newHarness(t *testing.T, doc *registry.Document, planJSON string, opts Options) *harness {
	t.Helper()
	ring, err := hashchain.NewKeyring([]hashchain.Key{{KID: "k0", Secret: "s", Active: true}})
	require.NoError(t, err)
	mem := store.NewMemory(hashchain.New(ring), 2)

	h := &harness{
		store:    mem,
		hub:      stream.NewHub(mem, 64, nil),
		planner:  &stubPlanner{plan: planJSON},
		hydrator: &stubHydrator{pack: map[string]any{"nodes": []any{"orders"}}},
		tool:     &echoTool{},
	}
	exec := executor.New(mem, h.tool, 2, nil).
		WithSleep(func(context.Context, time.Duration) error { return nil })
	h.pipe = New(mem, h.hub, registry.NewStaticProvider(doc),
		h.planner, h.hydrator, exec, opts, nil)
	return h
}

func (h *harness) submit(t *testing.T, runID string) *store.Run {
	t.Helper()
	run := &store.Run{RunID: runID, TaskID: "task-" + runID, TenantID: "acme",
		UserID: "u1", Roles: []string{"agent"}}
	require.NoError(t, h.store.CreateRun(context.Background(), run))
	return run
}

func eventKinds(t *testing.T, s store.Store, runID string) []string {
	t.Helper()
	events, err := s.GetEvents(context.Background(), runID, 0)
	require.NoError(t, err)
	var kinds []string
	for _, ev := range events {
		switch ev.Payload["type"] {
		case TypeStatusUpdate:
			kinds = append(kinds, "status:"+ev.Payload["state"].(string))
		case TypeArtifactUpdate:
			kinds = append(kinds, "artifact:"+ev.Payload["artifact_type"].(string))
		}
	}
	return kinds
}

func TestRunHappyPath(t *testing.T) {
	h := newHarness(t, testDoc(), happyPlan, Options{})
	h.submit(t, "r1")

	require.NoError(t, h.pipe.Run(context.Background(), "r1", "refund order o-1"))

	run, err := h.store.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, store.StateCompleted, run.State)

	assert.Equal(t, []string{
		"status:submitted",
		"status:working",
		"artifact:context_pack",
		"artifact:plan",
		"artifact:step_result",
		"artifact:final",
		"status:completed",
	}, eventKinds(t, h.store, "r1"))

	vr, err := h.store.VerifyChain(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, vr.OK)
	assert.Equal(t, 1, h.tool.calls)
}

func TestRunStoresUserMessageForRecovery(t *testing.T) {
	h := newHarness(t, testDoc(), happyPlan, Options{})
	h.submit(t, "r1")
	require.NoError(t, h.pipe.Run(context.Background(), "r1", "refund order o-1"))

	events, err := h.store.GetEvents(context.Background(), "r1", 0)
	require.NoError(t, err)
	assert.Equal(t, "refund order o-1", events[0].Payload["message"])
}

func TestRunTerminalIsNoop(t *testing.T) {
	h := newHarness(t, testDoc(), happyPlan, Options{})
	h.submit(t, "r1")
	require.NoError(t, h.pipe.Run(context.Background(), "r1", "go"))
	before := len(eventKinds(t, h.store, "r1"))

	require.NoError(t, h.pipe.Run(context.Background(), "r1", ""))
	assert.Len(t, eventKinds(t, h.store, "r1"), before)
	assert.Equal(t, 1, h.planner.calls)
}

func TestRunApprovalApproved(t *testing.T) {
	h := newHarness(t, testDoc(), approvalPlan,
		Options{ApprovalPoll: 5 * time.Millisecond})
	h.submit(t, "r1")

	done := make(chan error, 1)
	go func() { done <- h.pipe.Run(context.Background(), "r1", "refund o-1") }()

	// Wait for the gate, then approve.
	var approval *store.Approval
	require.Eventually(t, func() bool {
		a, err := h.store.PendingApproval(context.Background(), "r1")
		if err != nil {
			return false
		}
		approval = a
		return true
	}, 2*time.Second, 5*time.Millisecond)

	_, err := h.store.DecideApproval(context.Background(), approval.ApprovalID,
		store.ApprovalApproved, "alice", "looks fine")
	require.NoError(t, err)
	require.NoError(t, <-done)

	run, err := h.store.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, store.StateCompleted, run.State)

	kinds := eventKinds(t, h.store, "r1")
	assert.Contains(t, kinds, "status:input-required")
	assert.Equal(t, "status:completed", kinds[len(kinds)-1])
}

func TestRunApprovalDenied(t *testing.T) {
	h := newHarness(t, testDoc(), approvalPlan,
		Options{ApprovalPoll: 5 * time.Millisecond})
	h.submit(t, "r1")

	done := make(chan error, 1)
	go func() { done <- h.pipe.Run(context.Background(), "r1", "refund o-1") }()

	var approval *store.Approval
	require.Eventually(t, func() bool {
		a, err := h.store.PendingApproval(context.Background(), "r1")
		if err != nil {
			return false
		}
		approval = a
		return true
	}, 2*time.Second, 5*time.Millisecond)

	_, err := h.store.DecideApproval(context.Background(), approval.ApprovalID,
		store.ApprovalDenied, "alice", "too risky")
	require.NoError(t, err)
	require.NoError(t, <-done)

	run, err := h.store.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, store.StateCanceled, run.State)
	assert.Equal(t, 0, h.tool.calls)
}

func TestRunApprovalTimeout(t *testing.T) {
	h := newHarness(t, testDoc(), approvalPlan, Options{
		ApprovalPoll:    2 * time.Millisecond,
		ApprovalTimeout: 20 * time.Millisecond,
	})
	h.submit(t, "r1")

	require.NoError(t, h.pipe.Run(context.Background(), "r1", "refund o-1"))

	run, err := h.store.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, run.State)
	assert.Equal(t, 0, h.tool.calls)
}

func TestRunPolicyDenyFails(t *testing.T) {
	doc := testDoc()
	doc.Policies = []registry.Rule{{
		PolicyID: "deny-refunds",
		Phase:    registry.PhasePlan,
		Priority: 100,
		When:     registry.Condition{Action: "issue_refund"},
		Effect:   registry.Effect{Deny: true, DenyReason: "refunds are frozen"},
	}}
	h := newHarness(t, doc, approvalPlan, Options{})
	h.submit(t, "r1")

	require.NoError(t, h.pipe.Run(context.Background(), "r1", "refund o-1"))

	run, err := h.store.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, run.State)
	assert.Equal(t, 0, h.tool.calls)

	events, _ := h.store.GetEvents(context.Background(), "r1", 0)
	last := events[len(events)-1].Payload
	assert.Contains(t, last["message"], "refunds are frozen")
}

func TestRunRoleGateDenies(t *testing.T) {
	doc := testDoc()
	doc.Actions[1].Security.AllowedRoles = []string{"finance_admin"}
	h := newHarness(t, doc, approvalPlan, Options{})
	h.submit(t, "r1") // run carries role "agent" only

	require.NoError(t, h.pipe.Run(context.Background(), "r1", "refund o-1"))

	run, err := h.store.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, run.State)
	assert.Equal(t, 0, h.tool.calls)
}

func TestRunCostOverrideFromPolicy(t *testing.T) {
	doc := testDoc()
	doc.Policies = []registry.Rule{{
		PolicyID: "surcharge",
		Phase:    registry.PhasePlan,
		Priority: 10,
		When:     registry.Condition{Action: "issue_refund"},
		Effect:   registry.Effect{SetCostUnits: intPtr(9)},
	}}
	plan := `{"plan_id":"p3","steps":[{"step_id":"s1","action_id":"issue_refund","args":{"order_id":"o-1"}}]}`
	h := newHarness(t, doc, plan, Options{})
	h.submit(t, "r1")

	require.NoError(t, h.pipe.Run(context.Background(), "r1", "refund o-1"))

	used, err := h.store.BudgetUsed(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), used[store.MetricCostUnits])
}

func TestRunRecoveryReusesArtifacts(t *testing.T) {
	h := newHarness(t, testDoc(), happyPlan, Options{})
	run := h.submit(t, "r1")
	ctx := context.Background()

	// Simulate a crash after planning: the log already holds the
	// submitted status, the context pack and the plan.
	now := time.Now()
	for _, payload := range []map[string]any{
		StatusPayload(now, run.TaskID, run.RunID, store.StateSubmitted, "refund order o-1", nil),
		StatusPayload(now, run.TaskID, run.RunID, store.StateWorking, "Running", nil),
		ArtifactPayload(now, run.TaskID, run.RunID, ArtifactContextPack, map[string]any{"nodes": []any{"orders"}}),
		ArtifactPayload(now, run.TaskID, run.RunID, ArtifactPlan, json.RawMessage(happyPlan)),
	} {
		if raw, ok := payload["artifact"].(json.RawMessage); ok {
			var generic any
			require.NoError(t, json.Unmarshal(raw, &generic))
			payload["artifact"] = generic
		}
		_, err := h.store.AppendEvent(ctx, run.RunID, payload)
		require.NoError(t, err)
	}
	require.NoError(t, h.store.SetRunState(ctx, run.RunID, store.StateWorking))

	// Resume with no user message: it must come from the log, and the
	// hydrator and planner must not run again.
	require.NoError(t, h.pipe.Run(ctx, "r1", ""))

	got, err := h.store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, store.StateCompleted, got.State)
	assert.Equal(t, 0, h.hydrator.calls)
	assert.Equal(t, 0, h.planner.calls)

	// A recovered plan was already paid for.
	used, err := h.store.BudgetUsed(ctx, "r1")
	require.NoError(t, err)
	assert.Zero(t, used[store.MetricLLMCalls])

	kinds := eventKinds(t, h.store, "r1")
	packs := 0
	for _, k := range kinds {
		if k == "artifact:context_pack" {
			packs++
		}
	}
	assert.Equal(t, 1, packs, "context pack must not be re-emitted on resume")
}

func TestRunObligationMustEmitArtifact(t *testing.T) {
	doc := testDoc()
	doc.Policies = []registry.Rule{{
		PolicyID: "audit-evidence",
		Phase:    registry.PhasePlan,
		Priority: 10,
		When:     registry.Condition{Action: "lookup_order"},
		Effect: registry.Effect{Obligations: []registry.Obligation{
			{MustEmitArtifact: &registry.ArtifactObligation{ArtifactType: "evidence_bundle"}},
		}},
	}}
	h := newHarness(t, doc, happyPlan, Options{})
	h.submit(t, "r1")

	require.NoError(t, h.pipe.Run(context.Background(), "r1", "go"))

	run, err := h.store.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, run.State)

	events, _ := h.store.GetEvents(context.Background(), "r1", 0)
	last := events[len(events)-1].Payload
	assert.Contains(t, last["message"], "evidence_bundle")
}

func TestRunInvalidPlanFails(t *testing.T) {
	h := newHarness(t, testDoc(), `{"plan_id":"p","steps":[{"step_id":"s1","action_id":"a","depends_on":["ghost"]}]}`, Options{})
	h.submit(t, "r1")

	require.NoError(t, h.pipe.Run(context.Background(), "r1", "go"))

	run, err := h.store.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, run.State)
}

func TestRunDebitsPlannerCall(t *testing.T) {
	h := newHarness(t, testDoc(), happyPlan, Options{})
	h.submit(t, "r1")

	require.NoError(t, h.pipe.Run(context.Background(), "r1", "look up order o-1"))

	used, err := h.store.BudgetUsed(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), used[store.MetricLLMCalls])
}

func TestRunPlannerBudgetExhausted(t *testing.T) {
	doc := testDoc()
	zero := int64(0)
	doc.Limits = registry.Limits{MaxLLMCalls: &zero}
	h := newHarness(t, doc, happyPlan, Options{})
	h.submit(t, "r1")

	require.NoError(t, h.pipe.Run(context.Background(), "r1", "look up order o-1"))

	run, err := h.store.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, run.State)
	assert.Equal(t, 0, h.tool.calls)

	events, _ := h.store.GetEvents(context.Background(), "r1", 0)
	msg, _ := events[len(events)-1].Payload["message"].(string)
	assert.Contains(t, msg, "budget_exceeded")
}

func TestRunPlannerErrorFails(t *testing.T) {
	h := newHarness(t, testDoc(), "", Options{})
	h.planner.err = fmt.Errorf("upstream model unavailable")
	h.submit(t, "r1")

	require.NoError(t, h.pipe.Run(context.Background(), "r1", "go"))

	run, err := h.store.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, run.State)
}
