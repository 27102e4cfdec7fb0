package procedure

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/docflow/run"
)

// StepSummary is one entry of the procedure_complete step summary.
type StepSummary struct {
	Name           string       `json:"name"`
	Function       string       `json:"function"`
	Status         ResultStatus `json:"status"`
	ItemsProcessed int          `json:"items_processed,omitempty"`
	Error          string       `json:"error,omitempty"`
}

// Outcome is the overall result of one procedure execution.
type Outcome struct {
	Status ResultStatus   `json:"status"`
	Steps  []StepSummary  `json:"steps"`
	Error  string         `json:"error,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Executor interprets procedure step graphs.
type Executor struct {
	registry *Registry
	runs     *run.Service
	store    Store
	cache    *Cache
	logger   *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(registry *Registry, runs *run.Service, store Store, cache *Cache, logger *slog.Logger) *Executor {
	return &Executor{registry: registry, runs: runs, store: store, cache: cache, logger: logger}
}

// execState carries per-execution bookkeeping shared across scopes.
type execState struct {
	run     *run.Run
	proc    *Procedure
	traceID string

	mu      sync.Mutex
	summary []StepSummary
	partial bool
}

func (st *execState) record(s StepSummary) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.summary = append(st.summary, s)
	if s.Status == ResultFailed || s.Status == ResultPartial {
		st.partial = true
	}
}

// ExecuteRun is the worker entry point: it resolves the procedure named in
// the run's config and executes it. Terminal runs are redeliveries and
// return idempotently.
func (e *Executor) ExecuteRun(ctx context.Context, runID string) error {
	r, err := e.runs.Store().Get(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		e.logger.Debug("Skipping redelivered procedure task", "run_id", runID)
		return nil
	}
	if r.Status == run.StatusRunning {
		_ = e.runs.AppendLog(ctx, runID, run.LevelWarn, run.EventRestart,
			"Resuming procedure after restart", nil)
	} else if r, err = e.runs.UpdateStatus(ctx, runID, run.StatusRunning); err != nil {
		return err
	}

	proc, failMsg := e.resolveProcedure(ctx, r)
	if proc == nil {
		_, err := e.runs.Fail(ctx, runID, failMsg)
		return err
	}
	params, _ := r.Config["params"].(map[string]any)

	outcome := e.Execute(ctx, r, proc, params)
	e.reconcileTriggers(ctx, proc, time.Now().UTC())

	switch outcome.Status {
	case ResultFailed:
		_, err = e.runs.Fail(ctx, runID, outcome.Error)
	default:
		_, err = e.runs.Complete(ctx, runID, map[string]any{
			"status": string(outcome.Status),
			"steps":  len(outcome.Steps),
		})
	}
	return err
}

// resolveProcedure finds the definition a run points at. Procedure runs
// name a slug; pipeline runs reference the definition by id. Returns a
// failure message when nothing resolves.
func (e *Executor) resolveProcedure(ctx context.Context, r *run.Run) (*Procedure, string) {
	if r.RunType == run.TypePipeline {
		id, _ := r.Config["pipeline_id"].(string)
		proc, err := e.store.GetProcedure(ctx, id)
		if err != nil {
			return nil, fmt.Sprintf("pipeline %q not found", id)
		}
		return proc, ""
	}
	slug, _ := r.Config["procedure_slug"].(string)
	proc, ok := e.cache.BySlug(r.OrganizationID, slug)
	if !ok {
		return nil, fmt.Sprintf("procedure %q not found", slug)
	}
	return proc, ""
}

// Execute runs the procedure against the given run record and returns the
// outcome without touching the run's terminal status.
func (e *Executor) Execute(ctx context.Context, r *run.Run, proc *Procedure, params map[string]any) *Outcome {
	traceID, err := e.runs.EnsureTrace(ctx, r.ID)
	if err != nil {
		traceID = r.ID
	}

	resolved, missing := resolveParams(proc.Parameters, params)
	if missing != "" {
		msg := "Missing required parameter: " + missing
		e.log(ctx, r.ID, run.LevelError, run.EventStepError, msg, nil)
		return &Outcome{Status: ResultFailed, Error: msg}
	}

	st := &execState{run: r, proc: proc, traceID: traceID}
	e.log(ctx, r.ID, run.LevelInfo, run.EventStart,
		fmt.Sprintf("Starting procedure %s v%d", proc.Slug, proc.Version),
		map[string]any{"inputs": truncateForLog(anyMap(resolved))})

	sc := NewScope(resolved)
	failed, errMsg := e.runScope(ctx, st, proc.Steps, sc)

	outcome := &Outcome{Steps: st.summary}
	switch {
	case failed:
		outcome.Status = ResultFailed
		outcome.Error = errMsg
	case st.partial:
		outcome.Status = ResultPartial
	default:
		outcome.Status = ResultCompleted
	}
	if n := len(proc.Steps); n > 0 {
		if last, ok := sc.Steps[proc.Steps[n-1].Name]; ok {
			outcome.Data = last
		}
	}

	e.log(ctx, r.ID, run.LevelInfo, run.EventSummary,
		fmt.Sprintf("Procedure %s finished with status %s", proc.Slug, outcome.Status),
		map[string]any{"steps": summaryContext(st.summary)})
	return outcome
}

// runScope executes steps sequentially. It stops early when a failing
// step's effective on_error is fail, or when the run has been cancelled.
func (e *Executor) runScope(ctx context.Context, st *execState, steps []*Step, sc *Scope) (failed bool, errMsg string) {
	for _, step := range steps {
		if e.isCancelled(ctx, st.run.ID) {
			return true, "run cancelled"
		}
		res := e.runStep(ctx, st, step, sc)
		sc.Record(step.Name, res.Data)
		st.record(StepSummary{
			Name:           step.Name,
			Function:       step.Function,
			Status:         res.Status,
			ItemsProcessed: res.ItemsProcessed,
			Error:          res.Error,
		})
		if res.Status == ResultFailed && e.effectiveOnError(st, step) == OnErrorFail {
			return true, fmt.Sprintf("step %s failed: %s", step.Name, res.Error)
		}
	}
	return false, ""
}

func (e *Executor) effectiveOnError(st *execState, step *Step) OnError {
	if step.OnError != "" {
		return step.OnError
	}
	return st.proc.OnErrorOrDefault()
}

func (e *Executor) isCancelled(ctx context.Context, runID string) bool {
	r, err := e.runs.Store().Get(ctx, runID)
	return err == nil && r.Status == run.StatusCancelled
}

func (e *Executor) runStep(ctx context.Context, st *execState, step *Step, sc *Scope) *FunctionResult {
	if !sc.EvalCondition(step.Condition) {
		return &FunctionResult{Status: ResultSkipped, Data: map[string]any{"skipped": true}}
	}

	e.log(ctx, st.run.ID, run.LevelInfo, run.EventStepStart,
		fmt.Sprintf("Step %s (%s)", step.Name, step.Function), nil)

	var res *FunctionResult
	start := time.Now()
	switch {
	case IsFlowFunction(step.Function):
		res = e.runFlow(ctx, st, step, sc)
	case step.Foreach != nil:
		res = e.runLegacyForeach(ctx, st, step, sc)
	default:
		res = e.callFunction(ctx, st, step, sc)
	}
	if res.DurationMS == 0 {
		res.DurationMS = time.Since(start).Milliseconds()
	}

	level, event := run.LevelInfo, run.EventStepComplete
	if res.Status == ResultFailed {
		level, event = run.LevelError, run.EventStepError
	}
	e.log(ctx, st.run.ID, level, event,
		fmt.Sprintf("Step %s %s", step.Name, res.Status),
		map[string]any{
			"status":          string(res.Status),
			"items_processed": res.ItemsProcessed,
			"duration_ms":     res.DurationMS,
			"output":          truncateForLog(anyMap(res.Data)),
			"error":           res.Error,
		})
	return res
}

// callFunction resolves and invokes a registered function, enforcing
// exposure and side-effect governance.
func (e *Executor) callFunction(ctx context.Context, st *execState, step *Step, sc *Scope) *FunctionResult {
	fn, ok := e.registry.Get(step.Function)
	if !ok {
		return Failed("Function not found")
	}
	if !fn.Exposure.Procedure {
		e.log(ctx, st.run.ID, run.LevelError, run.EventGovernanceViolation,
			fmt.Sprintf("Function %s is not available in procedure context", fn.Name),
			map[string]any{"step": step.Name})
		return Failed("function %s is not available in procedure context", fn.Name)
	}
	params := sc.RenderParams(step.Params)
	if fn.SideEffects {
		e.log(ctx, st.run.ID, run.LevelInfo, run.EventGovernance,
			fmt.Sprintf("Side-effecting function %s invoked by step %s", fn.Name, step.Name),
			map[string]any{"step": step.Name, "function": fn.Name, "param_keys": keysOf(params)})
	}

	start := time.Now()
	res, err := fn.Handler(ctx, Call{
		OrganizationID: st.run.OrganizationID,
		RunID:          st.run.ID,
		TraceID:        st.traceID,
		Params:         params,
	})
	if err != nil {
		return &FunctionResult{Status: ResultFailed, Error: err.Error(), DurationMS: time.Since(start).Milliseconds()}
	}
	if res == nil {
		res = Completed(nil)
	}
	if res.Status == "" {
		res.Status = ResultCompleted
	}
	res.DurationMS = time.Since(start).Milliseconds()
	return res
}

// runFlow dispatches the four flow-control primitives.
func (e *Executor) runFlow(ctx context.Context, st *execState, step *Step, sc *Scope) *FunctionResult {
	params := sc.RenderParams(step.Params)
	switch step.Function {
	case FuncIfBranch:
		key := BranchElse
		if Truthy(params["condition"]) {
			key = BranchThen
		}
		branch, ok := step.Branches[key]
		if !ok {
			return &FunctionResult{Status: ResultCompleted, Message: "no " + key + " branch", Data: map[string]any{"branch": key}}
		}
		return e.runBranch(ctx, st, step, branch, sc, key)

	case FuncSwitchBranch:
		key := Stringify(params["value"])
		branch, ok := step.Branches[key]
		if !ok {
			branch, ok = step.Branches[BranchDefault]
			key = BranchDefault
		}
		if !ok {
			return &FunctionResult{Status: ResultCompleted, Message: "no matching case"}
		}
		return e.runBranch(ctx, st, step, branch, sc, key)

	case FuncParallel:
		return e.runParallel(ctx, st, step, sc, params)

	case FuncForeach:
		return e.runForeach(ctx, st, step, sc, params)
	}
	return Failed("unknown flow function %s", step.Function)
}

// runBranch executes one branch sequentially in the parent scope; the
// branch's result is the data of its last step.
func (e *Executor) runBranch(ctx context.Context, st *execState, step *Step, branch []*Step, sc *Scope, key string) *FunctionResult {
	failed, errMsg := e.runScope(ctx, st, branch, sc)
	if failed {
		return &FunctionResult{Status: ResultFailed, Error: errMsg, Metadata: map[string]any{"branch": key}}
	}
	var last map[string]any
	if n := len(branch); n > 0 {
		last = sc.Steps[branch[n-1].Name]
	}
	return &FunctionResult{Status: ResultCompleted, Data: last, Metadata: map[string]any{"branch": key}}
}

// runParallel runs every branch concurrently in a forked scope. The step's
// data maps branch name to that branch's last-step data.
func (e *Executor) runParallel(ctx context.Context, st *execState, step *Step, sc *Scope, params map[string]any) *FunctionResult {
	maxConc := intParam(params, "max_concurrency", len(step.Branches))
	if maxConc < 1 {
		maxConc = len(step.Branches)
	}

	var mu sync.Mutex
	results := make(map[string]any, len(step.Branches))
	failures := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConc)
	for name, branch := range step.Branches {
		g.Go(func() error {
			fork := sc.Fork()
			failed, errMsg := e.runScope(gctx, st, branch, fork)
			mu.Lock()
			defer mu.Unlock()
			if failed {
				failures++
				results[name] = map[string]any{"error": errMsg}
				return nil
			}
			if n := len(branch); n > 0 {
				results[name] = fork.Steps[branch[n-1].Name]
			}
			return nil
		})
	}
	_ = g.Wait()

	res := &FunctionResult{
		Data:           results,
		ItemsProcessed: len(step.Branches) - failures,
		ItemsFailed:    failures,
	}
	switch {
	case failures == 0:
		res.Status = ResultCompleted
	case e.effectiveOnError(st, step) == OnErrorContinue:
		res.Status = ResultPartial
	default:
		res.Status = ResultFailed
		res.Error = fmt.Sprintf("%d of %d parallel branches failed", failures, len(step.Branches))
	}
	return res
}

// runForeach iterates the each branch over items with bounded concurrency.
// Result ordering preserves the input index.
func (e *Executor) runForeach(ctx context.Context, st *execState, step *Step, sc *Scope, params map[string]any) *FunctionResult {
	items := listParam(params, "items")
	if len(items) == 0 {
		return &FunctionResult{Status: ResultCompleted, ItemsProcessed: 0, Data: map[string]any{"results": []any{}}}
	}
	conc := intParam(params, "concurrency", 1)
	if conc < 1 {
		conc = 1
	}
	condition, _ := step.Params["condition"].(string)
	branch := step.Branches[BranchEach]

	results := make([]any, len(items))
	var mu sync.Mutex
	processed, failures := 0, 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(conc)
	for i, item := range items {
		g.Go(func() error {
			itemScope := sc.WithItem(item)
			if condition != "" && !itemScope.EvalCondition(condition) {
				mu.Lock()
				results[i] = map[string]any{"skipped": true}
				mu.Unlock()
				return nil
			}
			failed, errMsg := e.runScope(gctx, st, branch, itemScope)
			mu.Lock()
			defer mu.Unlock()
			if failed {
				failures++
				results[i] = map[string]any{"error": errMsg}
				return nil
			}
			processed++
			if n := len(branch); n > 0 {
				results[i] = itemScope.Steps[branch[n-1].Name]
			}
			return nil
		})
	}
	_ = g.Wait()

	res := &FunctionResult{
		Data:           map[string]any{"results": results},
		ItemsProcessed: processed,
		ItemsFailed:    failures,
	}
	switch {
	case failures == 0:
		res.Status = ResultCompleted
	case e.effectiveOnError(st, step) == OnErrorContinue:
		res.Status = ResultPartial
	default:
		res.Status = ResultFailed
		res.Error = fmt.Sprintf("%d of %d iterations failed", failures, len(items))
	}
	return res
}

// runLegacyForeach supports the single-step foreach form: the step's own
// function runs once per item.
func (e *Executor) runLegacyForeach(ctx context.Context, st *execState, step *Step, sc *Scope) *FunctionResult {
	items := toList(sc.Render(step.Foreach.Items))
	if len(items) == 0 {
		return &FunctionResult{Status: ResultCompleted, ItemsProcessed: 0, Data: map[string]any{"results": []any{}}}
	}
	conc := step.Foreach.Concurrency
	if conc < 1 {
		conc = 1
	}

	results := make([]any, len(items))
	var mu sync.Mutex
	processed, failures := 0, 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(conc)
	for i, item := range items {
		g.Go(func() error {
			itemScope := sc.WithItem(item)
			if step.Foreach.Condition != "" && !itemScope.EvalCondition(step.Foreach.Condition) {
				mu.Lock()
				results[i] = map[string]any{"skipped": true}
				mu.Unlock()
				return nil
			}
			res := e.callFunction(gctx, st, step, itemScope)
			mu.Lock()
			defer mu.Unlock()
			if res.Status == ResultFailed {
				failures++
				results[i] = map[string]any{"error": res.Error}
				return nil
			}
			processed++
			results[i] = res.Data
			return nil
		})
	}
	_ = g.Wait()

	res := &FunctionResult{
		Data:           map[string]any{"results": results},
		ItemsProcessed: processed,
		ItemsFailed:    failures,
	}
	switch {
	case failures == 0:
		res.Status = ResultCompleted
	case e.effectiveOnError(st, step) == OnErrorContinue:
		res.Status = ResultPartial
	default:
		res.Status = ResultFailed
		res.Error = fmt.Sprintf("%d of %d iterations failed", failures, len(items))
	}
	return res
}

// reconcileTriggers advances every active cron trigger attached to the
// procedure. Failures here never fail the procedure.
func (e *Executor) reconcileTriggers(ctx context.Context, proc *Procedure, now time.Time) {
	triggers, err := e.store.TriggersForProcedure(ctx, proc.ID)
	if err != nil {
		e.logger.Warn("Trigger reconciliation skipped", "procedure", proc.Slug, "error", err)
		return
	}
	for _, t := range triggers {
		if t.TriggerType != TriggerCron || !t.IsActive {
			continue
		}
		if _, err := e.store.MutateTrigger(ctx, t.ID, func(t *Trigger) error {
			t.LastTriggeredAt = &now
			t.TriggerCount++
			if sched, err := parseCron(t.CronExpression); err == nil {
				next := sched.Next(now)
				t.NextTriggerAt = &next
			}
			return nil
		}); err != nil {
			e.logger.Warn("Failed to reconcile trigger", "trigger_id", t.ID, "error", err)
		}
	}
}

func (e *Executor) log(ctx context.Context, runID string, level run.LogLevel, event run.EventType, msg string, logCtx map[string]any) {
	if err := e.runs.AppendLog(ctx, runID, level, event, msg, logCtx); err != nil {
		e.logger.Warn("Failed to append run log", "run_id", runID, "error", err)
	}
}

// resolveParams applies declared defaults and enforces required
// parameters; unexpected extras pass through unchanged.
func resolveParams(declared []Parameter, given map[string]any) (map[string]any, string) {
	out := make(map[string]any, len(given))
	for k, v := range given {
		out[k] = v
	}
	for _, p := range declared {
		if _, ok := out[p.Name]; ok {
			continue
		}
		if p.Default != nil {
			out[p.Name] = p.Default
			continue
		}
		if p.Required {
			return nil, p.Name
		}
	}
	return out, ""
}

func summaryContext(steps []StepSummary) []any {
	out := make([]any, len(steps))
	for i, s := range steps {
		out[i] = map[string]any{
			"function":        s.Function,
			"status":          string(s.Status),
			"items_processed": s.ItemsProcessed,
			"error":           s.Error,
		}
	}
	return out
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

func listParam(params map[string]any, key string) []any {
	return toList(params[key])
}

func toList(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	return nil
}

func keysOf(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
