// Package executor runs plan steps deterministically: argument binding,
// policy gating, idempotency dedup, budget debits and a classified retry
// loop around tool invocation.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/wmag/pkg/kernelerrors"
	"github.com/Mindburn-Labs/wmag/pkg/plan"
	"github.com/Mindburn-Labs/wmag/pkg/policy"
	"github.com/Mindburn-Labs/wmag/pkg/registry"
	"github.com/Mindburn-Labs/wmag/pkg/store"
)

// ToolAdapter invokes one action against its tool. Implementations are
// external; the kernel never introspects them.
type ToolAdapter interface {
	Invoke(ctx context.Context, tool registry.Tool, action registry.Action, args map[string]any) (map[string]any, error)
}

// RunContext carries everything step execution needs about the run.
type RunContext struct {
	Run       *store.Run
	Doc       *registry.Document
	Engine    *policy.Engine
	PolicyCtx policy.Context
	Limits    registry.Limits
}

// Executor drives steps over a store and tool adapter.
type Executor struct {
	store       store.Store
	tools       ToolAdapter
	logger      *slog.Logger
	parallelism int

	// sleep is the retry wait seam; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error

	tracer       trace.Tracer
	stepsCounter metric.Int64Counter
}

// New builds an executor. parallelism bounds concurrent steps within one
// wave; values < 1 mean serial execution.
func New(st store.Store, tools ToolAdapter, parallelism int, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if parallelism < 1 {
		parallelism = 1
	}
	meter := otel.Meter("wmag/executor")
	stepsCounter, _ := meter.Int64Counter("wmag.executor.steps",
		metric.WithDescription("Steps executed, by status"))
	return &Executor{
		store:        st,
		tools:        tools,
		logger:       logger,
		parallelism:  parallelism,
		sleep:        sleepCtx,
		tracer:       otel.Tracer("wmag/executor"),
		stepsCounter: stepsCounter,
	}
}

// WithSleep overrides the retry wait. Test seam.
func (e *Executor) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Executor {
	e.sleep = sleep
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// ExecutePlan walks the DAG wave by wave, running independent steps in
// parallel up to the executor bound. Results are delivered through emit
// in deterministic step_id order after each wave. A failed step without
// continue_on_error marks every later step skipped and stops. Returned
// obligations are the exec-phase verdict obligations, enforced at run
// completion.
func (e *Executor) ExecutePlan(ctx context.Context, rc RunContext, p *plan.Plan,
	emit func(ctx context.Context, res plan.Result) error,
) ([]plan.Result, []registry.Obligation, error) {
	waves, err := p.Waves()
	if err != nil {
		return nil, nil, err
	}

	var (
		mu          sync.Mutex
		outputs     = map[string]map[string]any{}
		results     []plan.Result
		obligations []registry.Obligation
		seenOb      = map[string]bool{}
		failed      bool
	)

	skipFrom := -1
	for wi, wave := range waves {
		if err := ctx.Err(); err != nil {
			return results, obligations, err
		}
		waveResults := make([]plan.Result, len(wave))
		waveObs := make([][]registry.Obligation, len(wave))

		sem := make(chan struct{}, e.parallelism)
		var wg sync.WaitGroup
		for i, step := range wave {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int, step plan.Step) {
				defer wg.Done()
				defer func() { <-sem }()
				mu.Lock()
				prior := snapshotOutputs(outputs)
				mu.Unlock()
				res, obs := e.ExecuteStep(ctx, rc, step, prior)
				waveResults[i] = res
				waveObs[i] = obs
				if res.Status == plan.StatusSucceeded {
					mu.Lock()
					outputs[step.StepID] = res.Output
					mu.Unlock()
				}
			}(i, step)
		}
		wg.Wait()

		for i := range wave {
			results = append(results, waveResults[i])
			for _, ob := range waveObs[i] {
				if key := ob.Key(); key != "" && !seenOb[key] {
					seenOb[key] = true
					obligations = append(obligations, ob)
				}
			}
			if emit != nil {
				if err := emit(ctx, waveResults[i]); err != nil {
					return results, obligations, err
				}
			}
			if waveResults[i].Status == plan.StatusFailed {
				step, _ := p.StepByID(waveResults[i].StepID)
				if !step.ContinueOnError {
					failed = true
				}
			}
		}
		if failed {
			skipFrom = wi + 1
			break
		}
	}

	if failed && skipFrom < len(waves) {
		var skipped []plan.Result
		for _, wave := range waves[skipFrom:] {
			for _, step := range wave {
				skipped = append(skipped, plan.Result{StepID: step.StepID, Status: plan.StatusSkipped})
			}
		}
		sort.Slice(skipped, func(i, j int) bool { return skipped[i].StepID < skipped[j].StepID })
		for _, res := range skipped {
			results = append(results, res)
			if emit != nil {
				if err := emit(ctx, res); err != nil {
					return results, obligations, err
				}
			}
		}
	}
	return results, obligations, nil
}

// ExecuteStep runs one step end to end and returns its result plus any
// exec-phase obligations the matched policies attached.
func (e *Executor) ExecuteStep(ctx context.Context, rc RunContext, step plan.Step,
	prior map[string]map[string]any,
) (plan.Result, []registry.Obligation) {
	ctx, span := e.tracer.Start(ctx, "executor.step",
		trace.WithAttributes(
			attribute.String("step_id", step.StepID),
			attribute.String("action_id", step.ActionID),
			attribute.String("run_id", rc.Run.RunID),
		))
	defer span.End()

	res, obs := e.executeStep(ctx, rc, step, prior)
	e.stepsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", res.Status)))
	if res.Status == plan.StatusFailed {
		e.logger.Warn("step failed", "run_id", rc.Run.RunID, "step_id", step.StepID,
			"class", res.ErrorClass, "error", res.Error, "attempts", res.Attempts)
	}
	return res, obs
}

func (e *Executor) executeStep(ctx context.Context, rc RunContext, step plan.Step,
	prior map[string]map[string]any,
) (plan.Result, []registry.Obligation) {
	res := plan.Result{StepID: step.StepID, Status: plan.StatusFailed}

	action, ok := rc.Doc.ActionByID(step.ActionID)
	if !ok {
		return fail(res, kernelerrors.New(kernelerrors.ClassInvalidInput,
			fmt.Sprintf("unknown action %q", step.ActionID))), nil
	}
	tool, _ := rc.Doc.ToolByID(action.ToolID)

	// 1. Bind args against prior step outputs and type-check.
	args := resolveArgs(step.Args, prior)
	if err := validateSchema(action.SchemaIn, args); err != nil {
		return fail(res, kernelerrors.Wrap(kernelerrors.ClassInvalidInput, err)), nil
	}

	// 2. Exec-phase policy gate.
	verdict := rc.Engine.Evaluate(rc.PolicyCtx, policy.Subject{
		Phase:    registry.PhaseExec,
		ActionID: action.ActionID,
		ToolID:   action.ToolID,
		Args:     args,
	})
	res.PolicyIDs = verdict.MatchedPolicyIDs
	if !verdict.Allow {
		return fail(res, kernelerrors.New(kernelerrors.ClassPolicyDenied, verdict.DenyReason)), verdict.Obligations
	}

	// 3. Idempotency key.
	key, err := idemKey(action, args, rc.Run.TenantID)
	if err != nil {
		return fail(res, err), verdict.Obligations
	}
	res.IdempotencyKey = key

	// 4. Cache check: a hit skips invocation entirely.
	if key != "" {
		cached, hit, err := e.store.StepCacheGet(ctx, key)
		if err != nil {
			return fail(res, kernelerrors.Wrap(kernelerrors.ClassInternal, err)), verdict.Obligations
		}
		if hit {
			res.Status = plan.StatusSucceeded
			res.Output = cached
			res.Attempts = 0
			return res, verdict.Obligations
		}
	}

	// 5. Budget debit: one atomic check-and-increment for both metrics.
	cost := effectiveCost(step, action, verdict)
	deltas := map[string]int64{store.MetricToolCalls: 1}
	if cost > 0 {
		deltas[store.MetricCostUnits] = int64(cost)
	}
	if err := e.store.ConsumeBudget(ctx, rc.Run.RunID, deltas, rc.Limits); err != nil {
		return fail(res, kernelerrors.Wrap(kernelerrors.ClassBudgetExceeded, err)), verdict.Obligations
	}

	// 6-7. Invoke with classified retry.
	output, attempts, invErr := e.invokeWithRetry(ctx, rc, tool, action, args, key)
	res.Attempts = attempts
	if invErr != nil {
		return fail(res, invErr), verdict.Obligations
	}

	// 8. Obligation check on side-effect steps.
	if action.SideEffect {
		for _, ob := range verdict.Obligations {
			ref := ob.MustReferencePolicyID
			if ref == nil {
				continue
			}
			if !contains(res.PolicyIDs, ref.PolicyID) {
				return fail(res, kernelerrors.New(kernelerrors.ClassPolicyDenied,
					fmt.Sprintf("step must reference policy %s", ref.PolicyID))), verdict.Obligations
			}
		}
	}

	// 9. Persist and report.
	if key != "" {
		if err := e.store.StepCachePut(ctx, key, output); err != nil {
			return fail(res, kernelerrors.Wrap(kernelerrors.ClassInternal, err)), verdict.Obligations
		}
	}
	res.Status = plan.StatusSucceeded
	res.Output = output
	return res, verdict.Obligations
}

func (e *Executor) invokeWithRetry(ctx context.Context, rc RunContext,
	tool registry.Tool, action registry.Action, args map[string]any, seed string,
) (map[string]any, int, error) {
	rp := rc.Doc.RetryPolicyFor(action.RetryClass)
	maxAttempts := rp.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr *kernelerrors.StepError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if action.TimeoutS > 0 {
			callCtx, cancel = context.WithTimeout(ctx, time.Duration(action.TimeoutS)*time.Second)
		}
		output, err := e.tools.Invoke(callCtx, tool, action, args)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return output, attempt, nil
		}
		lastErr = kernelerrors.AsStepError(err)
		if !lastErr.Class.Retryable() || attempt == maxAttempts {
			return nil, attempt, lastErr
		}

		wait := backoffDelay(rp, attempt, seed)
		if lastErr.Class == kernelerrors.ClassRateLimited && lastErr.RetryAfter > 0 {
			wait = lastErr.RetryAfter
		}
		if err := e.sleep(ctx, wait); err != nil {
			return nil, attempt, kernelerrors.Wrap(kernelerrors.ClassTimeout, err)
		}
	}
	return nil, maxAttempts, lastErr
}

// effectiveCost resolves cost precedence: exec verdict override, then the
// step's declared cost, then the action default.
func effectiveCost(step plan.Step, action registry.Action, verdict policy.Verdict) int {
	if verdict.EffectiveCostUnits != nil {
		return *verdict.EffectiveCostUnits
	}
	if step.CostUnits != nil {
		return *step.CostUnits
	}
	return action.CostUnits
}

func fail(res plan.Result, err error) plan.Result {
	se := kernelerrors.AsStepError(err)
	res.Status = plan.StatusFailed
	res.Error = se.Message
	res.ErrorClass = string(se.Class)
	if res.Attempts == 0 {
		res.Attempts = 1
	}
	return res
}

// resolveArgs substitutes "$<step_id>.output.<field>" string values with
// the referenced prior output field. Unresolvable references become nil
// and surface through schema validation.
func resolveArgs(args map[string]any, prior map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		s, ok := v.(string)
		if !ok || !strings.HasPrefix(s, "$") || !strings.Contains(s, ".output") {
			out[k] = v
			continue
		}
		parts := strings.Split(s[1:], ".")
		var cur any = prior[parts[0]]
		for _, seg := range parts[2:] { // skip "<step>" and "output"
			m, ok := cur.(map[string]any)
			if !ok {
				cur = nil
				break
			}
			cur = m[seg]
		}
		out[k] = cur
	}
	return out
}

// validateSchema type-checks args against an action's schema_in. An
// absent schema accepts anything.
func validateSchema(schema map[string]any, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encoding schema: %w", err)
	}
	compiled, err := jsonschema.CompileString("schema_in.json", string(raw))
	if err != nil {
		return fmt.Errorf("compiling schema_in: %w", err)
	}
	// Round-trip so typed values compare as plain JSON.
	encoded, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encoding args: %w", err)
	}
	var generic any
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return err
	}
	return compiled.Validate(generic)
}

func snapshotOutputs(outputs map[string]map[string]any) map[string]map[string]any {
	cp := make(map[string]map[string]any, len(outputs))
	for k, v := range outputs {
		cp[k] = v
	}
	return cp
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
