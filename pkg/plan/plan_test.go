package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValidPlan(t *testing.T) {
	raw := []byte(`{
		"plan_id": "plan_1",
		"controls": {"requires_approval": true},
		"steps": [
			{"step_id": "s1", "action_id": "lookup_order", "args": {"order_id": "o1"}},
			{"step_id": "s2", "action_id": "issue_refund", "depends_on": ["s1"], "cost_units": 5}
		]
	}`)
	p, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "plan_1", p.PlanID)
	assert.True(t, p.Controls.RequiresApproval)
	require.Len(t, p.Steps, 2)
	require.NotNil(t, p.Steps[1].CostUnits)
	assert.Equal(t, 5, *p.Steps[1].CostUnits)
}

func TestParseRejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing plan_id", `{"steps": []}`},
		{"step without action", `{"plan_id":"p","steps":[{"step_id":"s1"}]}`},
		{"unknown step field", `{"plan_id":"p","steps":[{"step_id":"s1","action_id":"a","surprise":1}]}`},
		{"duplicate step ids", `{"plan_id":"p","steps":[{"step_id":"s1","action_id":"a"},{"step_id":"s1","action_id":"b"}]}`},
		{"undeclared dependency", `{"plan_id":"p","steps":[{"step_id":"s1","action_id":"a","depends_on":["ghost"]}]}`},
		{"cycle", `{"plan_id":"p","steps":[
			{"step_id":"s1","action_id":"a","depends_on":["s2"]},
			{"step_id":"s2","action_id":"b","depends_on":["s1"]}]}`},
		{"self cycle", `{"plan_id":"p","steps":[{"step_id":"s1","action_id":"a","depends_on":["s1"]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestWaves(t *testing.T) {
	p := &Plan{PlanID: "p", Steps: []Step{
		{StepID: "d", ActionID: "a", DependsOn: []string{"b", "c"}},
		{StepID: "b", ActionID: "a", DependsOn: []string{"a1"}},
		{StepID: "c", ActionID: "a", DependsOn: []string{"a1"}},
		{StepID: "a1", ActionID: "a"},
	}}
	waves, err := p.Waves()
	require.NoError(t, err)
	require.Len(t, waves, 3)
	assert.Equal(t, "a1", waves[0][0].StepID)
	assert.Equal(t, []string{"b", "c"}, []string{waves[1][0].StepID, waves[1][1].StepID})
	assert.Equal(t, "d", waves[2][0].StepID)
}

func TestWavesEmptyPlan(t *testing.T) {
	p := &Plan{PlanID: "p"}
	waves, err := p.Waves()
	require.NoError(t, err)
	assert.Nil(t, waves)
}
