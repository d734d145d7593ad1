// Package registry loads layered tool/action/policy/role documents and
// merges them into an effective registry for an (org, tenant, user) triple.
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Phase names a policy evaluation point.
const (
	PhasePlan = "plan"
	PhaseExec = "exec"
)

// Idempotency strategies.
const (
	IdemStrategyHash        = "hash"
	IdemStrategyExplicitKey = "explicit_key"
)

// Tool is a registry-declared external capability.
type Tool struct {
	ToolID   string         `json:"tool_id"`
	Kind     string         `json:"kind,omitempty"` // "stub" or "http"
	Endpoint string         `json:"endpoint,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// Idempotency declares how a side-effect action derives its dedup key.
type Idempotency struct {
	Strategy string   `json:"strategy"`
	Fields   []string `json:"fields,omitempty"`
}

// Security scopes an action to roles and approval requirements.
type Security struct {
	AllowedRoles     []string `json:"allowed_roles,omitempty"`
	RequiresApproval bool     `json:"requires_approval,omitempty"`
}

// Action is the contract for one tool operation.
type Action struct {
	ActionID    string         `json:"action_id"`
	Version     string         `json:"version,omitempty"`
	ToolID      string         `json:"tool_id,omitempty"`
	SchemaIn    map[string]any `json:"schema_in,omitempty"`
	SchemaOut   map[string]any `json:"schema_out,omitempty"`
	SideEffect  bool           `json:"side_effect,omitempty"`
	RetryClass  string         `json:"retry_class,omitempty"`
	Idempotency *Idempotency   `json:"idempotency,omitempty"`
	Security    Security       `json:"security,omitempty"`
	CostUnits   int            `json:"cost_units,omitempty"`
	TimeoutS    int            `json:"timeout_s,omitempty"`
}

// Condition is one node of the policy DSL condition tree. Exactly one
// field is set per node; an unrecognized key in the source document marks
// the condition invalid and the owning rule never matches.
type Condition struct {
	Action   string      `json:"action,omitempty"`
	Tool     string      `json:"tool,omitempty"`
	RolesAny []string    `json:"roles_any,omitempty"`
	RolesAll []string    `json:"roles_all,omitempty"`
	All      []Condition `json:"all,omitempty"`
	Any      []Condition `json:"any,omitempty"`
	Not      *Condition  `json:"not,omitempty"`
	CEL      string      `json:"cel,omitempty"`

	invalid bool
}

// Invalid reports whether the condition carried keys outside the DSL.
func (c Condition) Invalid() bool {
	if c.invalid {
		return true
	}
	for _, sub := range c.All {
		if sub.Invalid() {
			return true
		}
	}
	for _, sub := range c.Any {
		if sub.Invalid() {
			return true
		}
	}
	if c.Not != nil && c.Not.Invalid() {
		return true
	}
	return false
}

// UnmarshalJSON rejects unknown keys by flagging the condition invalid
// instead of erroring, so one malformed rule cannot block registry load.
func (c *Condition) UnmarshalJSON(data []byte) error {
	type plain Condition
	var p plain
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		var loose plain
		if err2 := json.Unmarshal(data, &loose); err2 != nil {
			return err2
		}
		loose.invalid = true
		*c = Condition(loose)
		return nil
	}
	*c = Condition(p)
	return nil
}

// ArtifactObligation requires an artifact of a given type in the run log.
type ArtifactObligation struct {
	ArtifactType string `json:"artifact_type"`
}

// PolicyRefObligation requires a step's policy ids to include PolicyID.
type PolicyRefObligation struct {
	PolicyID string `json:"policy_id"`
}

// Obligation is a side-condition attached by a policy effect.
type Obligation struct {
	MustEmitArtifact      *ArtifactObligation  `json:"must_emit_artifact,omitempty"`
	MustReferencePolicyID *PolicyRefObligation `json:"must_reference_policy_id,omitempty"`
}

// Key returns a stable identity for deduplication.
func (o Obligation) Key() string {
	switch {
	case o.MustEmitArtifact != nil:
		return "must_emit_artifact:" + o.MustEmitArtifact.ArtifactType
	case o.MustReferencePolicyID != nil:
		return "must_reference_policy_id:" + o.MustReferencePolicyID.PolicyID
	}
	return ""
}

// Effect is what a matched rule contributes to the verdict.
type Effect struct {
	Deny            bool         `json:"deny,omitempty"`
	DenyReason      string       `json:"deny_reason,omitempty"`
	RequireApproval bool         `json:"require_approval,omitempty"`
	SetCostUnits    *int         `json:"set_cost_units,omitempty"`
	Obligations     []Obligation `json:"obligations,omitempty"`
}

// Rule is one policy DSL rule.
type Rule struct {
	PolicyID string    `json:"policy_id"`
	Phase    string    `json:"phase"`
	Priority int       `json:"priority"`
	When     Condition `json:"when"`
	Effect   Effect    `json:"effect"`
}

// RetryPolicy parameterizes the executor's retry loop for one class.
type RetryPolicy struct {
	MaxAttempts int  `json:"max_attempts"`
	BaseDelayMS int  `json:"base_delay_ms"`
	MaxDelayMS  int  `json:"max_delay_ms"`
	Jitter      bool `json:"jitter"`
}

// Limits are per-tenant budget ceilings and rate-limit RPMs. A nil
// ceiling means unbounded.
type Limits struct {
	MaxToolCalls *int64 `json:"max_tool_calls,omitempty"`
	MaxLLMCalls  *int64 `json:"max_llm_calls,omitempty"`
	MaxCostUnits *int64 `json:"max_cost_units,omitempty"`
	TenantRPM    int    `json:"tenant_rpm,omitempty"`
	UserRPM      int    `json:"user_rpm,omitempty"`
	OrgRPM       int    `json:"org_rpm,omitempty"`
}

// Document is a merged registry snapshot. Immutable after construction.
type Document struct {
	Version  string                 `json:"version,omitempty"`
	Tools    []Tool                 `json:"tools,omitempty"`
	Actions  []Action               `json:"actions,omitempty"`
	Policies []Rule                 `json:"policies,omitempty"`
	Roles    map[string][]string    `json:"roles,omitempty"`
	Limits   Limits                 `json:"limits,omitempty"`
	Retry    map[string]RetryPolicy `json:"retry,omitempty"`
}

// Snapshot pairs the typed document with its raw merged form and load time.
type Snapshot struct {
	Doc      *Document
	Raw      map[string]any
	LoadedAt time.Time
}

// ActionByID looks up an action.
func (d *Document) ActionByID(id string) (Action, bool) {
	for _, a := range d.Actions {
		if a.ActionID == id {
			return a, true
		}
	}
	return Action{}, false
}

// ToolByID looks up a tool.
func (d *Document) ToolByID(id string) (Tool, bool) {
	for _, t := range d.Tools {
		if t.ToolID == id {
			return t, true
		}
	}
	return Tool{}, false
}

// PoliciesForPhase returns the rules for a phase sorted by priority
// descending. Ties keep document order.
func (d *Document) PoliciesForPhase(phase string) []Rule {
	out := make([]Rule, 0, len(d.Policies))
	for _, r := range d.Policies {
		if r.Phase == phase {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// Capabilities resolves the union of capabilities granted by roles.
func (d *Document) Capabilities(roles []string) map[string]bool {
	caps := map[string]bool{}
	for _, role := range roles {
		for _, c := range d.Roles[role] {
			caps[c] = true
		}
	}
	return caps
}

var defaultRetry = map[string]RetryPolicy{
	"none":       {MaxAttempts: 1},
	"standard":   {MaxAttempts: 3, BaseDelayMS: 200, MaxDelayMS: 5000, Jitter: true},
	"aggressive": {MaxAttempts: 5, BaseDelayMS: 100, MaxDelayMS: 10000, Jitter: true},
}

// RetryPolicyFor resolves a retry class name, falling back to built-in
// classes and finally to "standard".
func (d *Document) RetryPolicyFor(class string) RetryPolicy {
	if class == "" {
		class = "standard"
	}
	if p, ok := d.Retry[class]; ok {
		return p
	}
	if p, ok := defaultRetry[class]; ok {
		return p
	}
	return defaultRetry["standard"]
}

// ParseDocument converts a raw merged document into the typed form.
func ParseDocument(raw map[string]any) (*Document, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("registry: marshaling raw document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("registry: parsing document: %w", err)
	}
	return &doc, nil
}
