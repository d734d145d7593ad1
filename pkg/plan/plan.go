// Package plan defines the validated plan document: a DAG of steps with
// approval controls, produced by a planner and consumed by the executor.
package plan

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Step statuses reported on step results.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Controls are plan-level gates.
type Controls struct {
	RequiresApproval bool `json:"requires_approval"`
}

// Step is one action invocation with bound arguments.
type Step struct {
	StepID          string         `json:"step_id"`
	ActionID        string         `json:"action_id"`
	Args            map[string]any `json:"args,omitempty"`
	DependsOn       []string       `json:"depends_on,omitempty"`
	CostUnits       *int           `json:"cost_units,omitempty"`
	ContinueOnError bool           `json:"continue_on_error,omitempty"`
}

// Plan is a validated DAG of steps.
type Plan struct {
	PlanID   string   `json:"plan_id"`
	Controls Controls `json:"controls"`
	Steps    []Step   `json:"steps"`
}

// Result is the outcome of executing one step.
type Result struct {
	StepID         string         `json:"step_id"`
	Status         string         `json:"status"`
	Output         map[string]any `json:"output,omitempty"`
	Error          string         `json:"error,omitempty"`
	ErrorClass     string         `json:"error_class,omitempty"`
	Attempts       int            `json:"attempts"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	PolicyIDs      []string       `json:"policy_ids,omitempty"`
}

const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["plan_id", "steps"],
  "properties": {
    "plan_id": {"type": "string", "minLength": 1},
    "controls": {
      "type": "object",
      "properties": {"requires_approval": {"type": "boolean"}},
      "additionalProperties": false
    },
    "steps": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["step_id", "action_id"],
        "properties": {
          "step_id": {"type": "string", "minLength": 1},
          "action_id": {"type": "string", "minLength": 1},
          "args": {"type": "object"},
          "depends_on": {"type": "array", "items": {"type": "string"}},
          "cost_units": {"type": "integer", "minimum": 0},
          "continue_on_error": {"type": "boolean"}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

var planSchema = jsonschema.MustCompileString("plan.json", schemaJSON)

// Parse validates raw plan JSON against the plan schema and the DAG
// invariants (unique step ids, declared dependencies, acyclic) and
// returns the typed plan. Unknown fields fail at parse time.
func Parse(raw []byte) (*Plan, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("plan: invalid json: %w", err)
	}
	if err := planSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("plan: schema validation: %w", err)
	}
	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("plan: decoding: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the DAG invariants on an already-decoded plan.
func (p *Plan) Validate() error {
	ids := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if ids[s.StepID] {
			return fmt.Errorf("plan: duplicate step_id %q", s.StepID)
		}
		ids[s.StepID] = true
	}
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("plan: step %q depends on undeclared step %q", s.StepID, dep)
			}
		}
	}
	if _, err := p.Waves(); err != nil {
		return err
	}
	return nil
}

// StepByID looks up a step.
func (p *Plan) StepByID(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.StepID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Waves groups steps into topological layers: every step in wave i has
// all of its dependencies in waves < i. Steps within a wave are
// independent and sorted by step_id for deterministic execution order.
// Returns an error if the dependency graph has a cycle.
func (p *Plan) Waves() ([][]Step, error) {
	depth := make(map[string]int, len(p.Steps))
	byID := make(map[string]Step, len(p.Steps))
	for _, s := range p.Steps {
		byID[s.StepID] = s
	}

	var visit func(id string, stack map[string]bool) (int, error)
	visit = func(id string, stack map[string]bool) (int, error) {
		if d, done := depth[id]; done {
			return d, nil
		}
		if stack[id] {
			return 0, fmt.Errorf("plan: dependency cycle through step %q", id)
		}
		stack[id] = true
		defer delete(stack, id)
		max := 0
		for _, dep := range byID[id].DependsOn {
			d, err := visit(dep, stack)
			if err != nil {
				return 0, err
			}
			if d+1 > max {
				max = d + 1
			}
		}
		depth[id] = max
		return max, nil
	}

	maxDepth := 0
	for _, s := range p.Steps {
		d, err := visit(s.StepID, map[string]bool{})
		if err != nil {
			return nil, err
		}
		if d > maxDepth {
			maxDepth = d
		}
	}

	waves := make([][]Step, maxDepth+1)
	for _, s := range p.Steps {
		d := depth[s.StepID]
		waves[d] = append(waves[d], s)
	}
	for _, w := range waves {
		sort.Slice(w, func(i, j int) bool { return w[i].StepID < w[j].StepID })
	}
	if len(p.Steps) == 0 {
		return nil, nil
	}
	return waves, nil
}
