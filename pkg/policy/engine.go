// Package policy evaluates the data-driven policy DSL against a run
// context and subject, producing gate verdicts for the plan and exec
// phases.
package policy

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/Mindburn-Labs/wmag/pkg/registry"
)

// Context identifies who the run acts for.
type Context struct {
	TenantID string
	OrgID    string
	UserID   string
	Roles    []string
}

// Subject is the thing being gated: a plan step or a tool invocation.
type Subject struct {
	Phase    string
	ActionID string
	ToolID   string
	Args     map[string]any
}

// Verdict is the combined outcome of all matched rules.
type Verdict struct {
	Allow              bool
	DenyReason         string
	RequireApproval    bool
	EffectiveCostUnits *int
	Obligations        []registry.Obligation
	MatchedPolicyIDs   []string
}

// Engine evaluates one registry snapshot's rules. Engines are immutable
// and safe for concurrent use; build a new engine when the snapshot
// rotates.
type Engine struct {
	doc    *registry.Document
	cel    *celEvaluator
	logger *slog.Logger
}

// NewEngine compiles the snapshot's CEL conditions and returns an engine.
// Rules whose CEL fails to compile never match.
func NewEngine(doc *registry.Document, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{doc: doc, cel: newCELEvaluator(doc, logger), logger: logger}
}

// Evaluate combines effects in priority-descending encounter order:
// deny is sticky and stops evaluation, require_approval ORs,
// set_cost_units takes the last match, obligations accumulate as a set,
// and every matched rule id is recorded.
func (e *Engine) Evaluate(rc Context, subj Subject) Verdict {
	v := Verdict{Allow: true}
	seenObligations := map[string]bool{}

	for _, rule := range e.doc.PoliciesForPhase(subj.Phase) {
		if !e.matches(rule, rc, subj) {
			continue
		}
		v.MatchedPolicyIDs = append(v.MatchedPolicyIDs, rule.PolicyID)
		eff := rule.Effect
		if eff.RequireApproval {
			v.RequireApproval = true
		}
		if eff.SetCostUnits != nil {
			cu := *eff.SetCostUnits
			v.EffectiveCostUnits = &cu
		}
		for _, ob := range eff.Obligations {
			if key := ob.Key(); key != "" && !seenObligations[key] {
				seenObligations[key] = true
				v.Obligations = append(v.Obligations, ob)
			}
		}
		if eff.Deny {
			v.Allow = false
			v.DenyReason = eff.DenyReason
			if v.DenyReason == "" {
				v.DenyReason = "denied by policy " + rule.PolicyID
			}
			break
		}
	}
	return v
}

func (e *Engine) matches(rule registry.Rule, rc Context, subj Subject) bool {
	if rule.When.Invalid() {
		e.logger.Warn("policy rule has invalid condition, failing closed", "policy_id", rule.PolicyID)
		return false
	}
	return e.matchCondition(rule.When, rc, subj)
}

// matchCondition requires exactly one DSL keyword per node; anything else
// fails closed.
func (e *Engine) matchCondition(c registry.Condition, rc Context, subj Subject) bool {
	set := 0
	if c.Action != "" {
		set++
	}
	if c.Tool != "" {
		set++
	}
	if c.RolesAny != nil {
		set++
	}
	if c.RolesAll != nil {
		set++
	}
	if c.All != nil {
		set++
	}
	if c.Any != nil {
		set++
	}
	if c.Not != nil {
		set++
	}
	if c.CEL != "" {
		set++
	}
	if set != 1 {
		return false
	}

	switch {
	case c.Action != "":
		return GlobMatch(c.Action, subj.ActionID)
	case c.Tool != "":
		return GlobMatch(c.Tool, subj.ToolID)
	case c.RolesAny != nil:
		have := roleSet(rc.Roles)
		for _, r := range c.RolesAny {
			if have[r] {
				return true
			}
		}
		return false
	case c.RolesAll != nil:
		have := roleSet(rc.Roles)
		for _, r := range c.RolesAll {
			if !have[r] {
				return false
			}
		}
		return len(c.RolesAll) > 0
	case c.All != nil:
		for _, sub := range c.All {
			if !e.matchCondition(sub, rc, subj) {
				return false
			}
		}
		return len(c.All) > 0
	case c.Any != nil:
		for _, sub := range c.Any {
			if e.matchCondition(sub, rc, subj) {
				return true
			}
		}
		return false
	case c.Not != nil:
		return !e.matchCondition(*c.Not, rc, subj)
	case c.CEL != "":
		return e.cel.eval(c.CEL, rc, subj)
	}
	return false
}

func roleSet(roles []string) map[string]bool {
	out := make(map[string]bool, len(roles))
	for _, r := range roles {
		out[r] = true
	}
	return out
}

// GlobMatch matches pattern against s where `*` spans any run of
// non-separator characters and `:` is significant.
func GlobMatch(pattern, s string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == s
	}
	var b strings.Builder
	b.WriteString("^")
	for _, part := range strings.Split(pattern, "*") {
		if b.Len() > 1 {
			b.WriteString("[^:]*")
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
