// Package planner produces plan documents for missions. The kernel
// treats planning as a port: production deployments plug an LLM-backed
// implementation in, tests and dev mode use the deterministic stub here.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Mindburn-Labs/wmag/pkg/pipeline"
)

// Stub is a deterministic planner. With a template it expands mission
// placeholders into the template; without one it synthesizes a minimal
// single-step plan over the registry's first read-only action.
type Stub struct {
	template []byte
}

// NewStub builds a stub planner. template may be nil.
func NewStub(template []byte) *Stub {
	return &Stub{template: template}
}

// FromFile loads a plan template from disk and validates it is JSON.
func FromFile(path string) (*Stub, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("planner: reading template: %w", err)
	}
	var probe map[string]any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("planner: template %s is not JSON: %w", path, err)
	}
	return &Stub{template: raw}, nil
}

// BuildPlan renders the plan for a mission. Placeholders recognized in
// templates: {{tenant_id}}, {{task_id}}, {{run_id}}, {{user_message}}.
func (s *Stub) BuildPlan(_ context.Context, req pipeline.PlanRequest) ([]byte, error) {
	if s.template != nil {
		r := strings.NewReplacer(
			"{{tenant_id}}", req.Run.TenantID,
			"{{task_id}}", req.Run.TaskID,
			"{{run_id}}", req.Run.RunID,
			"{{user_message}}", jsonEscape(req.UserMessage),
		)
		return []byte(r.Replace(string(s.template))), nil
	}
	return s.synthesize(req)
}

// synthesize builds a one-step echo plan so a bare deployment can round
// trip a mission end to end.
func (s *Stub) synthesize(req pipeline.PlanRequest) ([]byte, error) {
	for _, action := range req.Doc.Actions {
		if action.SideEffect {
			continue
		}
		doc := map[string]any{
			"plan_id":  "plan_" + req.Run.TaskID,
			"controls": map[string]any{"requires_approval": false},
			"steps": []map[string]any{{
				"step_id":   "s1",
				"action_id": action.ActionID,
				"args":      map[string]any{"query": req.UserMessage},
			}},
		}
		return json.Marshal(doc)
	}
	return nil, fmt.Errorf("planner: registry has no side-effect-free action to plan with")
}

func jsonEscape(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw[1 : len(raw)-1])
}
