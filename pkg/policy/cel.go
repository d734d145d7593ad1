package policy

import (
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/wmag/pkg/registry"
)

// celEvaluator compiles every {cel: ...} condition in a snapshot once.
// Expressions see tenant_id, org_id, user_id, roles, action_id, tool_id
// and args, and must yield a bool. Compile or eval failure means no match.
type celEvaluator struct {
	programs map[string]cel.Program
	logger   *slog.Logger
}

func newCELEvaluator(doc *registry.Document, logger *slog.Logger) *celEvaluator {
	ev := &celEvaluator{programs: map[string]cel.Program{}, logger: logger}

	exprs := map[string]bool{}
	for _, rule := range doc.Policies {
		collectCEL(rule.When, exprs)
	}
	if len(exprs) == 0 {
		return ev
	}

	env, err := cel.NewEnv(
		cel.Variable("tenant_id", cel.StringType),
		cel.Variable("org_id", cel.StringType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("roles", cel.ListType(cel.StringType)),
		cel.Variable("action_id", cel.StringType),
		cel.Variable("tool_id", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		logger.Error("cel environment unavailable, cel conditions disabled", "error", err)
		return ev
	}
	for expr := range exprs {
		ast, iss := env.Compile(expr)
		if iss != nil && iss.Err() != nil {
			logger.Warn("cel condition failed to compile, failing closed", "expr", expr, "error", iss.Err())
			continue
		}
		prg, err := env.Program(ast)
		if err != nil {
			logger.Warn("cel program construction failed, failing closed", "expr", expr, "error", err)
			continue
		}
		ev.programs[expr] = prg
	}
	return ev
}

func collectCEL(c registry.Condition, out map[string]bool) {
	if c.CEL != "" {
		out[c.CEL] = true
	}
	for _, sub := range c.All {
		collectCEL(sub, out)
	}
	for _, sub := range c.Any {
		collectCEL(sub, out)
	}
	if c.Not != nil {
		collectCEL(*c.Not, out)
	}
}

func (ev *celEvaluator) eval(expr string, rc Context, subj Subject) bool {
	prg, ok := ev.programs[expr]
	if !ok {
		return false
	}
	args := subj.Args
	if args == nil {
		args = map[string]any{}
	}
	roles := rc.Roles
	if roles == nil {
		roles = []string{}
	}
	out, _, err := prg.Eval(map[string]any{
		"tenant_id": rc.TenantID,
		"org_id":    rc.OrgID,
		"user_id":   rc.UserID,
		"roles":     roles,
		"action_id": subj.ActionID,
		"tool_id":   subj.ToolID,
		"args":      args,
	})
	if err != nil {
		ev.logger.Warn("cel evaluation failed, failing closed", "expr", expr, "error", err)
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
