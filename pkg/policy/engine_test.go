package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/wmag/pkg/registry"
)

func intp(v int) *int { return &v }

func execSubject(actionID string) Subject {
	return Subject{Phase: registry.PhaseExec, ActionID: actionID}
}

func TestGlobMatch(t *testing.T) {
	tests := []struct {
		pattern, s string
		want       bool
	}{
		{"send_email", "send_email", true},
		{"send_email", "send_sms", false},
		{"send_*", "send_email", true},
		{"send_*", "sendmail", false},
		{"*", "anything", true},
		{"crm:*", "crm:lookup", true},
		{"crm:*", "crm:sub:lookup", false}, // * does not cross ':'
		{"*:lookup", "crm:lookup", true},
		{"a*c", "abc", true},
		{"a*c", "ac", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GlobMatch(tt.pattern, tt.s), "%s vs %s", tt.pattern, tt.s)
	}
}

func TestDenyIsStickyAndShortCircuits(t *testing.T) {
	doc := &registry.Document{Policies: []registry.Rule{
		{PolicyID: "deny-email", Phase: "exec", Priority: 100,
			When:   registry.Condition{Action: "send_email"},
			Effect: registry.Effect{Deny: true, DenyReason: "blocked"}},
		{PolicyID: "allow-all", Phase: "exec", Priority: 50,
			When:   registry.Condition{Action: "*"},
			Effect: registry.Effect{SetCostUnits: intp(99)}},
	}}
	e := NewEngine(doc, nil)

	v := e.Evaluate(Context{TenantID: "t1"}, execSubject("send_email"))
	assert.False(t, v.Allow)
	assert.Equal(t, "blocked", v.DenyReason)
	// Short-circuit: the lower-priority rule never ran.
	assert.Equal(t, []string{"deny-email"}, v.MatchedPolicyIDs)
	assert.Nil(t, v.EffectiveCostUnits)

	v2 := e.Evaluate(Context{TenantID: "t1"}, execSubject("lookup_order"))
	assert.True(t, v2.Allow)
	assert.Equal(t, []string{"allow-all"}, v2.MatchedPolicyIDs)
	require.NotNil(t, v2.EffectiveCostUnits)
	assert.Equal(t, 99, *v2.EffectiveCostUnits)
}

func TestRequireApprovalORsAndCostLastWins(t *testing.T) {
	doc := &registry.Document{Policies: []registry.Rule{
		{PolicyID: "p-high", Phase: "plan", Priority: 10,
			When:   registry.Condition{Action: "*"},
			Effect: registry.Effect{RequireApproval: true, SetCostUnits: intp(5)}},
		{PolicyID: "p-low", Phase: "plan", Priority: 1,
			When:   registry.Condition{Action: "refund*"},
			Effect: registry.Effect{SetCostUnits: intp(20)}},
	}}
	e := NewEngine(doc, nil)

	v := e.Evaluate(Context{}, Subject{Phase: "plan", ActionID: "refund_order"})
	assert.True(t, v.Allow)
	assert.True(t, v.RequireApproval)
	require.NotNil(t, v.EffectiveCostUnits)
	assert.Equal(t, 20, *v.EffectiveCostUnits)
	assert.Equal(t, []string{"p-high", "p-low"}, v.MatchedPolicyIDs)
}

func TestObligationsAccumulateDeduplicated(t *testing.T) {
	ob := registry.Obligation{MustEmitArtifact: &registry.ArtifactObligation{ArtifactType: "final"}}
	doc := &registry.Document{Policies: []registry.Rule{
		{PolicyID: "a", Phase: "plan", Priority: 2, When: registry.Condition{Action: "*"},
			Effect: registry.Effect{Obligations: []registry.Obligation{ob}}},
		{PolicyID: "b", Phase: "plan", Priority: 1, When: registry.Condition{Action: "*"},
			Effect: registry.Effect{Obligations: []registry.Obligation{ob,
				{MustReferencePolicyID: &registry.PolicyRefObligation{PolicyID: "a"}}}}},
	}}
	e := NewEngine(doc, nil)

	v := e.Evaluate(Context{}, Subject{Phase: "plan", ActionID: "x"})
	assert.Len(t, v.Obligations, 2)
}

func TestRoleConditions(t *testing.T) {
	doc := &registry.Document{Policies: []registry.Rule{
		{PolicyID: "need-admin", Phase: "exec", Priority: 1,
			When:   registry.Condition{RolesAll: []string{"admin", "ops"}},
			Effect: registry.Effect{Deny: true}},
		{PolicyID: "any-support", Phase: "exec", Priority: 0,
			When:   registry.Condition{RolesAny: []string{"support"}},
			Effect: registry.Effect{RequireApproval: true}},
	}}
	e := NewEngine(doc, nil)

	v := e.Evaluate(Context{Roles: []string{"admin", "ops"}}, execSubject("x"))
	assert.False(t, v.Allow)

	v = e.Evaluate(Context{Roles: []string{"admin", "support"}}, execSubject("x"))
	assert.True(t, v.Allow)
	assert.True(t, v.RequireApproval)
}

func TestCompositions(t *testing.T) {
	doc := &registry.Document{Policies: []registry.Rule{
		{PolicyID: "combo", Phase: "exec", Priority: 1,
			When: registry.Condition{All: []registry.Condition{
				{Action: "send_*"},
				{Not: &registry.Condition{RolesAny: []string{"trusted"}}},
			}},
			Effect: registry.Effect{Deny: true, DenyReason: "untrusted sender"}},
	}}
	e := NewEngine(doc, nil)

	v := e.Evaluate(Context{Roles: []string{"agent"}}, execSubject("send_email"))
	assert.False(t, v.Allow)

	v = e.Evaluate(Context{Roles: []string{"trusted"}}, execSubject("send_email"))
	assert.True(t, v.Allow)

	v = e.Evaluate(Context{Roles: []string{"agent"}}, execSubject("lookup"))
	assert.True(t, v.Allow)
}

func TestInvalidConditionFailsClosed(t *testing.T) {
	// A condition node with zero or multiple keywords never matches.
	doc := &registry.Document{Policies: []registry.Rule{
		{PolicyID: "empty", Phase: "exec", Priority: 2,
			When:   registry.Condition{},
			Effect: registry.Effect{Deny: true}},
		{PolicyID: "double", Phase: "exec", Priority: 1,
			When:   registry.Condition{Action: "x", Tool: "y"},
			Effect: registry.Effect{Deny: true}},
	}}
	e := NewEngine(doc, nil)

	v := e.Evaluate(Context{}, execSubject("x"))
	assert.True(t, v.Allow)
	assert.Empty(t, v.MatchedPolicyIDs)
}

func TestCELCondition(t *testing.T) {
	doc := &registry.Document{Policies: []registry.Rule{
		{PolicyID: "big-refund", Phase: "exec", Priority: 1,
			When:   registry.Condition{CEL: `action_id == "issue_refund" && int(args["amount"]) > 100`},
			Effect: registry.Effect{RequireApproval: true}},
		{PolicyID: "broken-cel", Phase: "exec", Priority: 0,
			When:   registry.Condition{CEL: `this is not cel ((`},
			Effect: registry.Effect{Deny: true}},
	}}
	e := NewEngine(doc, nil)

	v := e.Evaluate(Context{}, Subject{Phase: "exec", ActionID: "issue_refund",
		Args: map[string]any{"amount": 500}})
	assert.True(t, v.RequireApproval)
	assert.True(t, v.Allow) // broken CEL fails closed, no deny

	v = e.Evaluate(Context{}, Subject{Phase: "exec", ActionID: "issue_refund",
		Args: map[string]any{"amount": 10}})
	assert.False(t, v.RequireApproval)
}
