package driftkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// lockRetryInterval spaces attempts to acquire an instance lock that another
// dispatcher currently holds.
const lockRetryInterval = 25 * time.Millisecond

// Engine drives workflow instances: it loads and locks an instance,
// dispatches the next step, interprets its StepResult, advances or suspends,
// and publishes events. Multiple engines per process are legal and share
// nothing beyond the persistence backend; work for the same instance is
// strictly serialized by the store's lock lease.
type Engine struct {
	store   Store
	logger  *slog.Logger
	tracer  Tracer
	metrics MetricsRecorder
	cfg     Config

	exec    *retryExecutor
	pool    *workerPool
	bus     *eventBus
	tracker *asyncTracker
	types   *typeRegistry

	mu           sync.RWMutex
	graphs       map[string]*Graph // keyed id@version
	latest       map[string]string // workflow id -> most recent version
	interceptors []Interceptor
	runs         map[string]*runState
}

// runState is the in-process coordination for one active run: its future and
// the cancellation signal observed by retry sleeps, async handlers, and
// parallel children.
type runState struct {
	handle     *Execution
	cancelled  chan struct{}
	cancelOnce sync.Once
	driving    atomic.Bool
}

func (rs *runState) cancel() {
	rs.cancelOnce.Do(func() { close(rs.cancelled) })
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger. Defaults to a discard logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTracer sets the span tracer (see the observer package). Nil disables
// tracing regardless of configuration.
func WithTracer(t Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithConfig applies engine configuration. Defaults to DefaultConfig().
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithMetrics sets the metrics recorder (see observer.NewMetrics). Nil
// disables metrics.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine on top of a Store. The store must be initialized
// (Store.Init) before the engine dispatches work.
func New(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		logger: nopLogger,
		cfg:    DefaultConfig(),
		types:  newTypeRegistry(),
		graphs: make(map[string]*Graph),
		latest: make(map[string]string),
		runs:   make(map[string]*runState),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.exec = newRetryExecutor(e.cfg.Retry.DefaultJitter, e.logger)
	e.pool = newWorkerPool(e.cfg.Async.CorePoolSize, e.cfg.Async.MaxPoolSize, e.cfg.Async.QueueCapacity, e.cfg.keepAlive())
	e.bus = newEventBus(store, e.logger)
	e.tracker = newAsyncTracker(store, e.pool, e.bus, e.logger, e.types)
	e.tracker.deliver = e.deliverAsync
	return e
}

// Close drains the worker pool. Instances stay in their last persisted state
// and are picked up by RecoverPending on the next start.
func (e *Engine) Close() {
	e.pool.Close()
}

// Register adds a workflow graph. Re-registration with the same (id,
// version) and identical content is a no-op; different content is an error.
// Execute uses the most recently registered version of an id.
func (e *Engine) Register(g *Graph) error {
	key := g.id + "@" + g.version
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.graphs[key]; ok {
		if existing.fingerprint == g.fingerprint {
			return nil
		}
		return &DefinitionError{Graph: g.id, Detail: fmt.Sprintf("version %s already registered with different content", g.version)}
	}
	e.graphs[key] = g
	e.latest[g.id] = g.version
	e.types.registerGraph(g)
	e.logger.Info("workflow registered", "workflow", g.id, "version", g.version, "steps", len(g.order))
	return nil
}

// RegisterAsyncHandler adds an engine-global async handler for task ids
// matching pattern, in addition to any handlers carried by graphs.
func (e *Engine) RegisterAsyncHandler(pattern string, fn AsyncHandler) error {
	return e.tracker.registerHandler(pattern, fn)
}

// AddInterceptor registers before/after-step callbacks. Interceptors fire in
// registration order; AfterStep in reverse.
func (e *Engine) AddInterceptor(ic Interceptor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interceptors = append(e.interceptors, ic)
}

func (e *Engine) graph(id, version string) *Graph {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.graphs[id+"@"+version]
}

func (e *Engine) latestGraph(id string) *Graph {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.latest[id]
	if !ok {
		return nil
	}
	return e.graphs[id+"@"+v]
}

func (e *Engine) newRun(runID string) *runState {
	rs := &runState{
		handle:    newExecution(runID),
		cancelled: make(chan struct{}),
	}
	e.mu.Lock()
	e.runs[runID] = rs
	e.mu.Unlock()
	return rs
}

func (e *Engine) existingRun(runID string) *runState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runs[runID]
}

func (e *Engine) snapshotInterceptors() []Interceptor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.interceptors)
}

// --- Public operations ---

// Execute validates input against the workflow's declared input type,
// creates and persists a new instance, and starts dispatching. The returned
// Execution's future completes with the final value, the terminal error, or
// a SuspendedOutcome.
func (e *Engine) Execute(ctx context.Context, workflowID string, input any) (*Execution, error) {
	g := e.latestGraph(workflowID)
	if g == nil {
		return nil, fmt.Errorf("workflow %q not registered", workflowID)
	}
	if g.inputType != nil {
		got := reflect.TypeOf(input)
		if got == nil || !got.AssignableTo(g.inputType) {
			return nil, &TypeMismatchError{Step: g.initial, Want: g.inputType, Got: got}
		}
	}

	runID := NewID()
	wctx := newWorkflowContext(runID, input)
	now := time.Now().UTC()
	in := &Instance{
		ID:              runID,
		WorkflowID:      g.id,
		WorkflowVersion: g.version,
		Status:          StatusCreated,
		NextStepID:      g.initial,
		CreatedAt:       now,
		UpdatedAt:       now,
		Invocations:     make(map[string]int),
		Context:         snapshotContext(wctx, e.types),
	}
	if err := e.store.CreateInstance(ctx, in); err != nil {
		return nil, &EngineError{Op: "create instance", Err: err}
	}

	rs := e.newRun(runID)
	e.bus.publish(ctx, runID, EventInstanceStarted, map[string]any{"workflow_id": g.id, "version": g.version})
	if e.metrics != nil {
		e.metrics.RecordInstanceStarted(ctx, g.id)
	}
	go e.drive(g, runID, driveStart{stepID: g.initial, input: input})
	return rs.handle, nil
}

// Resume continues a suspended instance with value. The value's runtime type
// must be among the suspension's advertised resume types; otherwise a
// BadResumeTypeError is returned and the instance stays suspended.
func (e *Engine) Resume(ctx context.Context, runID string, value any) (*Execution, error) {
	in, err := e.store.LoadInstance(ctx, runID)
	if err != nil {
		return nil, &EngineError{Op: "load instance", Err: err}
	}
	if in.Status != StatusSuspended || in.Suspension == nil {
		return nil, fmt.Errorf("run %s: not suspended (status %s)", runID, in.Status)
	}
	if in.Suspension.Reason != SuspendForInput {
		return nil, fmt.Errorf("run %s: awaiting async task %s, not external input", runID, in.Suspension.TaskID)
	}

	got := reflect.TypeOf(value)
	if got == nil || !slices.Contains(in.Suspension.ResumeTypes, got.String()) {
		return nil, &BadResumeTypeError{RunID: runID, Got: got, Want: in.Suspension.ResumeTypes}
	}

	g := e.graph(in.WorkflowID, in.WorkflowVersion)
	if g == nil {
		return nil, fmt.Errorf("workflow %s@%s no longer registered", in.WorkflowID, in.WorkflowVersion)
	}
	edge, err := g.selectEdge(in.Suspension.SuspendedStep, got)
	if err != nil {
		return nil, err
	}

	rs := e.newRun(runID)
	e.bus.publish(ctx, runID, EventInstanceResumed, map[string]any{"type": got.String()})
	go e.drive(g, runID, driveStart{stepID: edge.To, input: value, resumed: true})
	return rs.handle, nil
}

// Cancel moves a non-terminal instance to Cancelled. Retry sleeps, async
// handlers, and parallel children observe the signal; user code is never
// forcibly terminated. Cancelling a terminal instance is a no-op.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	in, err := e.store.LoadInstance(ctx, runID)
	if err != nil {
		return &EngineError{Op: "load instance", Err: err}
	}
	if in.Status.IsTerminal() {
		return nil
	}

	rs := e.existingRun(runID)
	if rs != nil {
		rs.cancel()
	}
	if in.Suspension != nil && in.Suspension.TaskID != "" {
		e.tracker.cancel(in.Suspension.TaskID)
	}

	// An active dispatch loop observes the signal itself; otherwise finalize
	// here under the instance lock.
	if rs != nil && rs.driving.Load() {
		return nil
	}
	token, err := e.acquireLock(ctx, runID, nil)
	if err != nil {
		return err
	}
	defer e.releaseLock(runID, token)

	in, err = e.store.LoadInstance(ctx, runID)
	if err != nil {
		return &EngineError{Op: "load instance", Err: err}
	}
	if in.Status.IsTerminal() {
		return nil
	}
	e.markTerminal(ctx, in, StatusCancelled, nil, &CancelledError{RunID: runID})
	if rs != nil {
		rs.handle.settle(outcomeFor(in))
	}
	return nil
}

// GetInstance returns the persisted state of a run.
func (e *Engine) GetInstance(ctx context.Context, runID string) (*Instance, error) {
	return e.store.LoadInstance(ctx, runID)
}

// ListInstances returns persisted instances matching the filter.
func (e *Engine) ListInstances(ctx context.Context, filter InstanceFilter, page Page) ([]*Instance, error) {
	return e.store.ListInstances(ctx, filter, page)
}

// GetAsyncTask returns a task's persisted state.
func (e *Engine) GetAsyncTask(ctx context.Context, taskID string) (*AsyncTask, error) {
	return e.store.GetAsyncTask(ctx, taskID)
}

// CancelAsyncTask signals a running async task to stop. Best effort.
func (e *Engine) CancelAsyncTask(ctx context.Context, taskID string) error {
	if _, err := e.store.GetAsyncTask(ctx, taskID); err != nil {
		return err
	}
	e.tracker.cancel(taskID)
	return nil
}

// CompleteAsyncTask reports the terminal result of a re-attached task whose
// handler runs outside this process. The terminal transition is the
// at-most-once gate: a task that is already terminal returns ErrConflict.
// A concurrent completion that loses the store's terminal transition after
// that check is dropped without delivery, and the call returns nil.
func (e *Engine) CompleteAsyncTask(ctx context.Context, taskID string, result StepResult) error {
	task, err := e.store.GetAsyncTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return ErrConflict
	}
	e.tracker.finish(task, result)
	return nil
}

// Rate records user feedback against a completed instance.
func (e *Engine) Rate(ctx context.Context, runID string, grade int, comment string) error {
	in, err := e.store.LoadInstance(ctx, runID)
	if err != nil {
		return err
	}
	if in.Status != StatusCompleted {
		return fmt.Errorf("run %s: can only rate completed instances (status %s)", runID, in.Status)
	}
	return e.store.SaveRating(ctx, Rating{RunID: runID, Grade: grade, Comment: comment, RatedAt: time.Now().UTC()})
}

// SubscribeEvents streams an instance's WorkflowEvents. Call the returned
// cancel function to unsubscribe.
func (e *Engine) SubscribeEvents(runID string) (<-chan WorkflowEvent, func()) {
	return e.bus.subscribe(runID)
}

// RecoverPending re-attaches surviving async tasks and resumes instances
// left mid-flight by a previous engine process: terminal tasks whose
// delivery was lost are delivered now, and a step recorded as started but
// not ended is re-dispatched exactly once.
func (e *Engine) RecoverPending(ctx context.Context) error {
	tasks, err := e.store.FindPendingAsyncTasks(ctx)
	if err != nil {
		return &EngineError{Op: "find pending tasks", Err: err}
	}
	for _, task := range tasks {
		e.tracker.reattach(task)
	}

	suspended, err := e.store.ListInstances(ctx, InstanceFilter{Status: StatusSuspended}, Page{})
	if err != nil {
		return &EngineError{Op: "list suspended", Err: err}
	}
	for _, in := range suspended {
		s := in.Suspension
		if s == nil || s.Reason != SuspendForAsync || s.TaskID == "" {
			continue
		}
		task, err := e.store.GetAsyncTask(ctx, s.TaskID)
		if err != nil || !task.Status.IsTerminal() {
			continue
		}
		e.bus.restoreSeq(ctx, in.ID)
		e.deliverAsync(task)
	}

	running, err := e.store.ListInstances(ctx, InstanceFilter{Status: StatusRunning}, Page{})
	if err != nil {
		return &EngineError{Op: "list running", Err: err}
	}
	for _, in := range running {
		open := in.openTrace()
		if open == -1 {
			continue
		}
		g := e.graph(in.WorkflowID, in.WorkflowVersion)
		if g == nil {
			e.logger.Warn("cannot recover run: workflow not registered", "run_id", in.ID, "workflow", in.WorkflowID)
			continue
		}
		stepID := in.History[open].StepID
		input, err := e.recoveredInput(g, in, stepID)
		if err != nil {
			e.logger.Warn("cannot recover run", "run_id", in.ID, "error", err)
			continue
		}
		e.bus.restoreSeq(ctx, in.ID)
		e.newRun(in.ID)
		e.logger.Info("re-dispatching interrupted step", "run_id", in.ID, "step", stepID)
		go e.drive(g, in.ID, driveStart{stepID: stepID, input: input, recovered: true})
	}
	return nil
}

// recoveredInput reconstructs the input of an interrupted step from the
// persisted context: the trigger for the initial step, otherwise the
// previous step's output.
func (e *Engine) recoveredInput(g *Graph, in *Instance, stepID string) (any, error) {
	if stepID == g.initial {
		return e.types.decode(in.Context.Trigger)
	}
	tv, ok := in.Context.Outputs[in.LastStepID]
	if !ok {
		return nil, fmt.Errorf("no recorded output for step %q", in.LastStepID)
	}
	return e.types.decode(tv)
}

// --- Dispatch loop ---

// driveStart describes where a dispatch loop enters the graph and with what
// input: trigger data for the initial step, a previous step's payload, or a
// resume value.
type driveStart struct {
	stepID    string
	input     any
	resumed   bool
	recovered bool
}

// drive is one dispatch session for an instance: it holds the write-lock for
// its whole duration and loops one step invocation at a time until the
// instance suspends or terminates.
func (e *Engine) drive(g *Graph, runID string, start driveStart) {
	ctx := context.Background()
	rs := e.existingRun(runID)
	if rs == nil {
		rs = e.newRun(runID)
	}
	rs.driving.Store(true)
	defer rs.driving.Store(false)

	token, err := e.acquireLock(ctx, runID, rs.cancelled)
	if err != nil {
		e.settleEngineFailure(ctx, runID, rs, &EngineError{Op: "acquire lock", Err: err})
		return
	}
	stopRenew := e.keepLockAlive(runID, token)
	defer func() {
		stopRenew()
		e.releaseLock(runID, token)
	}()

	in, err := e.store.LoadInstance(ctx, runID)
	if err != nil {
		e.settleEngineFailure(ctx, runID, rs, &EngineError{Op: "load instance", Err: err})
		return
	}
	if in.Status.IsTerminal() {
		rs.handle.settle(outcomeFor(in))
		return
	}
	if start.resumed && in.Status != StatusSuspended {
		e.settleEngineFailure(ctx, runID, rs, &EngineError{Op: "resume", Err: fmt.Errorf("instance is %s", in.Status)})
		return
	}

	wctx, err := hydrateContext(runID, in.Context, e.types)
	if err != nil {
		e.failInstance(ctx, in, rs, &EngineError{Op: "hydrate context", Err: err})
		return
	}
	if in.Invocations == nil {
		in.Invocations = make(map[string]int)
	}
	wctx.attachEngine(e.exec, rs.cancelled)
	wctx.setPublisher(func(eventType string, payload any) {
		e.bus.publish(context.Background(), runID, eventType, payload)
	})

	in.Suspension = nil
	in.Status = StatusRunning
	rs.handle.transition(StatusRunning)

	stepID, input := start.stepID, start.input
	recovered := start.recovered
	for {
		select {
		case <-rs.cancelled:
			e.markTerminal(ctx, in, StatusCancelled, wctx, &CancelledError{RunID: runID})
			rs.handle.settle(outcomeFor(in))
			return
		default:
		}

		step := g.Step(stepID)
		if step == nil {
			e.failInstance(ctx, in, rs, &EngineError{Op: "dispatch", Err: fmt.Errorf("step %q not in workflow %s", stepID, g.id)})
			return
		}

		// Lifetime invocation limit, counted across restarts.
		if step.invocationLimit > 0 && in.Invocations[step.id] >= step.invocationLimit {
			if done := e.applyLimitPolicy(ctx, g, in, rs, wctx, step, &stepID, &input); done {
				return
			}
			continue
		}

		in.Invocations[step.id]++
		in.CurrentStepID = step.id
		started := time.Now().UTC()
		if recovered && len(in.History) > 0 && in.History[len(in.History)-1].StepID == step.id && in.History[len(in.History)-1].EndedAt == nil {
			// Crash recovery reuses the interrupted entry instead of
			// appending a duplicate.
			recovered = false
		} else {
			in.History = append(in.History, StepTrace{StepID: step.id, StartedAt: started})
		}
		if err := e.persistInstance(ctx, runID, in, wctx, token); err != nil {
			e.failInstance(ctx, in, rs, err)
			return
		}

		att := e.dispatchStep(ctx, step, input, wctx, rs)

		ended := time.Now().UTC()
		if e.metrics != nil {
			e.metrics.RecordStep(ctx, in.WorkflowID, step.id, string(att.result.Kind()), att.attempts, ended.Sub(started).Seconds())
		}
		trace := &in.History[len(in.History)-1]
		trace.EndedAt = &ended
		trace.Result = att.result.Kind()
		trace.Attempts = att.attempts
		if att.result.Err() != nil {
			trace.Error = unmark(att.result.Err()).Error()
		}

		switch att.result.Kind() {
		case ResultContinue, ResultBranch:
			payload := att.result.Data()
			wctx.setStepOutput(step.id, payload)
			edge, err := g.selectEdge(step.id, att.result.payloadType())
			if err != nil {
				e.failInstance(ctx, in, rs, err)
				return
			}
			in.LastStepID = step.id
			in.NextStepID = edge.To
			if err := e.persistInstance(ctx, runID, in, wctx, token); err != nil {
				e.failInstance(ctx, in, rs, err)
				return
			}
			stepID, input = edge.To, payload

		case ResultFinish:
			wctx.setStepOutput(step.id, att.result.Data())
			in.LastStepID = step.id
			in.NextStepID = ""
			in.Result = att.result.Data()
			e.markTerminal(ctx, in, StatusCompleted, wctx, nil)
			rs.handle.settle(outcomeFor(in))
			return

		case ResultFail:
			cause := unmark(att.result.Err())
			var cancelled *CancelledError
			if errors.As(cause, &cancelled) {
				e.markTerminal(ctx, in, StatusCancelled, wctx, cause)
				rs.handle.settle(outcomeFor(in))
				return
			}
			e.failInstance(ctx, in, rs, &StepFailedError{Step: step.id, Attempts: att.attempts, Err: cause})
			return

		case ResultSuspend:
			names := make([]string, len(att.result.ResumeTypes()))
			for i, t := range att.result.ResumeTypes() {
				e.types.register(t)
				names[i] = t.String()
			}
			in.LastStepID = step.id
			in.Status = StatusSuspended
			in.Suspension = &SuspensionData{
				Reason:        SuspendForInput,
				Prompt:        att.result.Prompt(),
				ResumeTypes:   names,
				SuspendedStep: step.id,
			}
			if err := e.persistInstance(ctx, runID, in, wctx, token); err != nil {
				e.failInstance(ctx, in, rs, err)
				return
			}
			e.bus.publish(ctx, runID, EventInstanceSuspended, map[string]any{"step": step.id, "reason": SuspendForInput})
			rs.handle.settle(Outcome{
				Status:    StatusSuspended,
				Suspended: &SuspendedOutcome{Prompt: att.result.Prompt(), ResumeTypes: att.result.ResumeTypes()},
			})
			return

		case ResultAsync:
			if done := e.beginAsync(ctx, g, in, rs, wctx, step, att.result, token); done {
				return
			}
		}
	}
}

// applyLimitPolicy handles a step whose lifetime invocation limit is
// exhausted, per its OnInvocationsLimit policy. Returns true when the drive
// loop should exit.
func (e *Engine) applyLimitPolicy(ctx context.Context, g *Graph, in *Instance, rs *runState, wctx *WorkflowContext, step *Step, stepID *string, input *any) bool {
	e.logger.Warn("step invocation limit reached", "run_id", in.ID, "step", step.id, "limit", step.invocationLimit, "policy", step.onLimit)
	switch step.onLimit {
	case LimitFinish:
		in.LastStepID = step.id
		in.Result = step.limitValue
		e.markTerminal(ctx, in, StatusCompleted, wctx, nil)
		rs.handle.settle(outcomeFor(in))
		return true
	case LimitContinue:
		wctx.setStepOutput(step.id, step.limitValue)
		edge, err := g.selectEdge(step.id, reflect.TypeOf(step.limitValue))
		if err != nil {
			e.failInstance(ctx, in, rs, err)
			return true
		}
		in.LastStepID = step.id
		in.NextStepID = edge.To
		*stepID, *input = edge.To, step.limitValue
		return false
	default:
		e.failInstance(ctx, in, rs, &StepFailedError{
			Step:     step.id,
			Attempts: in.Invocations[step.id],
			Err:      fmt.Errorf("invocation limit %d exhausted", step.invocationLimit),
		})
		return true
	}
}

// beginAsync records the pending task, suspends the instance, and launches
// the handler. Returns true when the drive loop should exit (always, unless
// registering the task failed in a recoverable way).
func (e *Engine) beginAsync(ctx context.Context, g *Graph, in *Instance, rs *runState, wctx *WorkflowContext, step *Step, res StepResult, token string) bool {
	handler, err := e.tracker.resolve(g, res.TaskID())
	if err != nil {
		// Unresolvable or ambiguous handler patterns are a configuration
		// error, fatal for the instance.
		e.failInstance(ctx, in, rs, &DefinitionError{Graph: g.id, Detail: err.Error()})
		return true
	}

	now := time.Now().UTC()
	task := &AsyncTask{
		ID:         res.TaskID(),
		InstanceID: in.ID,
		Status:     TaskPending,
		Args:       res.TaskArgs(),
		CreatedAt:  now,
	}
	if err := e.store.CreateAsyncTask(ctx, task); err != nil {
		e.failInstance(ctx, in, rs, &EngineError{Op: "create async task", Err: err})
		return true
	}

	in.LastStepID = step.id
	in.Status = StatusSuspended
	in.Suspension = &SuspensionData{
		Reason:        SuspendForAsync,
		TaskID:        task.ID,
		SuspendedStep: step.id,
		NextStepHint:  res.NextStepHint(),
	}
	if err := e.persistInstance(ctx, in.ID, in, wctx, token); err != nil {
		e.failInstance(ctx, in, rs, err)
		return true
	}
	e.bus.publish(ctx, in.ID, EventInstanceSuspended, map[string]any{"step": step.id, "reason": SuspendForAsync, "task_id": task.ID})
	rs.handle.settle(Outcome{Status: StatusSuspended, Suspended: &SuspendedOutcome{}})

	e.tracker.launch(task, handler, wctx)
	return true
}

// dispatchStep runs one step through the interceptor chain and the retry
// executor. A BeforeStep replacement skips the step body but still passes
// through the retry executor, so a replacement Fail under a retry policy is
// retried.
func (e *Engine) dispatchStep(ctx context.Context, step *Step, input any, wctx *WorkflowContext, rs *runState) attempted {
	interceptors := e.snapshotInterceptors()
	sc := &StepContext{RunID: wctx.RunID(), StepID: step.id, Input: input, Context: wctx}

	var span Span
	if e.tracer != nil && e.cfg.Tracing.Enabled {
		ctx2, s := e.tracer.Start(ctx, "workflow.step",
			StringAttr("run_id", wctx.RunID()), StringAttr("step", step.id))
		ctx, span = ctx2, s
		defer span.End()
	}
	e.bus.publish(ctx, wctx.RunID(), EventStepStarted, map[string]any{"step": step.id})

	attempt := func() StepResult {
		sc.Attempt = wctx.RetryAttempt()
		var res StepResult
		replaced := false
		for _, ic := range interceptors {
			if r := ic.BeforeStep(sc); r != nil {
				res = *r
				replaced = true
				break
			}
		}
		if !replaced {
			res = step.invoke(ctx, input, wctx)
		}
		for i := len(interceptors) - 1; i >= 0; i-- {
			interceptors[i].AfterStep(sc, res)
		}
		return res
	}

	att := e.exec.run(ctx, step.id, step.retry, wctx, rs.cancelled, attempt)

	e.bus.publish(ctx, wctx.RunID(), EventStepFinished, map[string]any{
		"step": step.id, "result": string(att.result.Kind()), "attempts": att.attempts,
	})
	if span != nil {
		span.SetAttr(StringAttr("result", string(att.result.Kind())), IntAttr("attempts", att.attempts))
		if err := att.result.Err(); err != nil {
			span.Error(unmark(err))
		}
	}
	return att
}

// deliverAsync routes a task's terminal status back into its instance: a
// completed task's result enters the graph at the suspension's next-step
// hint or by type-based routing; a failed or cancelled task terminates the
// instance accordingly.
func (e *Engine) deliverAsync(task *AsyncTask) {
	ctx := context.Background()
	in, err := e.store.LoadInstance(ctx, task.InstanceID)
	if err != nil {
		e.logger.Error("async delivery: instance load failed", "task", task.ID, "run_id", task.InstanceID, "error", err)
		return
	}
	s := in.Suspension
	if in.Status != StatusSuspended || s == nil || s.TaskID != task.ID {
		// Already delivered (crash replay) or instance moved on.
		e.logger.Debug("async delivery skipped", "task", task.ID, "run_id", in.ID, "status", in.Status)
		return
	}
	g := e.graph(in.WorkflowID, in.WorkflowVersion)
	if g == nil {
		e.logger.Error("async delivery: workflow not registered", "task", task.ID, "workflow", in.WorkflowID)
		return
	}
	if e.metrics != nil {
		e.metrics.RecordAsyncTask(ctx, in.WorkflowID, string(task.Status))
	}

	rs := e.newRun(in.ID)

	if task.Status != TaskCompleted {
		go e.terminateSuspended(g, in.ID, rs, task)
		return
	}

	result, err := e.types.decode(TypedValue{Type: task.ResultType, Value: task.Result})
	if err != nil {
		go e.terminateSuspended(g, in.ID, rs, &AsyncTask{ID: task.ID, InstanceID: task.InstanceID, Status: TaskFailed,
			ErrorMessage: fmt.Sprintf("decode task result: %v", err)})
		return
	}

	next := s.NextStepHint
	if next == "" {
		edge, err := g.selectEdge(s.SuspendedStep, reflect.TypeOf(result))
		if err != nil {
			go e.terminateSuspended(g, in.ID, rs, &AsyncTask{ID: task.ID, InstanceID: task.InstanceID, Status: TaskFailed,
				ErrorMessage: err.Error()})
			return
		}
		next = edge.To
	}
	go e.drive(g, in.ID, driveStart{stepID: next, input: result, resumed: true})
}

// terminateSuspended finalizes an instance whose async task failed or was
// cancelled.
func (e *Engine) terminateSuspended(g *Graph, runID string, rs *runState, task *AsyncTask) {
	ctx := context.Background()
	token, err := e.acquireLock(ctx, runID, rs.cancelled)
	if err != nil {
		e.settleEngineFailure(ctx, runID, rs, &EngineError{Op: "acquire lock", Err: err})
		return
	}
	defer e.releaseLock(runID, token)

	in, err := e.store.LoadInstance(ctx, runID)
	if err != nil || in.Status.IsTerminal() {
		return
	}
	if task.Status == TaskCancelled {
		e.markTerminal(ctx, in, StatusCancelled, nil, &CancelledError{RunID: runID})
	} else {
		e.markTerminal(ctx, in, StatusFailed, nil, &StepFailedError{
			Step:     stepOfSuspension(in),
			Attempts: task.InvocationCount,
			Err:      fmt.Errorf("async task %s: %s", task.ID, task.ErrorMessage),
		})
	}
	rs.handle.settle(outcomeFor(in))
}

func stepOfSuspension(in *Instance) string {
	if in.Suspension != nil {
		return in.Suspension.SuspendedStep
	}
	return in.LastStepID
}

// --- Terminal transitions and persistence ---

// markTerminal persists the final status exactly once and publishes the
// terminal event. A nil wctx keeps the last persisted context snapshot.
func (e *Engine) markTerminal(ctx context.Context, in *Instance, status Status, wctx *WorkflowContext, cause error) {
	if in.Status.IsTerminal() {
		return
	}
	now := time.Now().UTC()
	in.Status = status
	in.TerminalAt = &now
	in.Suspension = nil
	in.NextStepID = ""
	if cause != nil {
		in.ErrorKind = KindOf(cause)
		in.Error = cause.Error()
	}
	if wctx != nil {
		in.Context = snapshotContext(wctx, e.types)
	}
	in.UpdatedAt = now
	if err := e.store.SaveInstance(ctx, in); err != nil {
		// One local retry; beyond that the terminal state is only in memory
		// and recovery will re-derive it.
		if err2 := e.store.SaveInstance(ctx, in); err2 != nil {
			e.logger.Error("terminal save failed", "run_id", in.ID, "status", status, "error", err2)
		}
	}

	eventType := EventInstanceCompleted
	switch status {
	case StatusFailed:
		eventType = EventInstanceFailed
	case StatusCancelled:
		eventType = EventInstanceCancelled
	}
	payload := map[string]any{"status": string(status)}
	if cause != nil {
		payload["error"] = cause.Error()
		payload["kind"] = string(in.ErrorKind)
	}
	e.bus.publish(ctx, in.ID, eventType, payload)
	if e.metrics != nil {
		e.metrics.RecordInstanceFinished(ctx, in.WorkflowID, string(status))
	}
	e.logger.Info("instance terminal", "run_id", in.ID, "status", status, "error", in.Error)
}

// failInstance marks the instance Failed with err and settles the future.
func (e *Engine) failInstance(ctx context.Context, in *Instance, rs *runState, err error) {
	e.markTerminal(ctx, in, StatusFailed, nil, err)
	rs.handle.settle(Outcome{Status: StatusFailed, Err: err})
}

// settleEngineFailure reports an engine-level failure (lock loss,
// persistence) to the subscriber channel without tearing down persisted
// state it cannot reach.
func (e *Engine) settleEngineFailure(ctx context.Context, runID string, rs *runState, err error) {
	e.logger.Error("engine failure", "run_id", runID, "error", err)
	e.bus.publish(ctx, runID, EventInstanceFailed, map[string]any{"error": err.Error(), "kind": string(KindEngine)})
	rs.handle.settle(Outcome{Status: StatusFailed, Err: err})
}

// persistInstance snapshots the context and saves the instance, with one
// local recovery attempt (lease renewal plus retry) before giving up.
func (e *Engine) persistInstance(ctx context.Context, runID string, in *Instance, wctx *WorkflowContext, token string) error {
	in.Context = snapshotContext(wctx, e.types)
	in.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveInstance(ctx, in); err == nil {
		return nil
	}
	if err := e.store.RenewLock(ctx, runID, token, e.cfg.leaseDuration()); err != nil {
		return &EngineError{Op: "save instance", Err: err}
	}
	if err := e.store.SaveInstance(ctx, in); err != nil {
		return &EngineError{Op: "save instance", Err: err}
	}
	return nil
}

// acquireLock spins on the instance's lock lease until acquired, the context
// ends, or the run is cancelled.
func (e *Engine) acquireLock(ctx context.Context, runID string, cancelled <-chan struct{}) (string, error) {
	for {
		token, err := e.store.TryAcquireLock(ctx, runID, e.cfg.leaseDuration())
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, ErrLockHeld) {
			return "", err
		}
		timer := time.NewTimer(lockRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-cancelled:
			timer.Stop()
			return "", &CancelledError{RunID: runID}
		case <-timer.C:
		}
	}
}

// keepLockAlive renews the lease at a third of its duration until the
// returned stop function is called.
func (e *Engine) keepLockAlive(runID, token string) func() {
	stop := make(chan struct{})
	go func() {
		interval := e.cfg.leaseDuration() / 3
		if interval <= 0 {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := e.store.RenewLock(context.Background(), runID, token, e.cfg.leaseDuration()); err != nil {
					e.logger.Warn("lock renewal failed", "run_id", runID, "error", err)
					return
				}
			}
		}
	}()
	return func() { close(stop) }
}

func (e *Engine) releaseLock(runID, token string) {
	if err := e.store.ReleaseLock(context.Background(), runID, token); err != nil && !errors.Is(err, ErrLockLost) {
		e.logger.Warn("lock release failed", "run_id", runID, "error", err)
	}
}

// outcomeFor builds the await outcome from a terminal instance.
func outcomeFor(in *Instance) Outcome {
	switch in.Status {
	case StatusCompleted:
		return Outcome{Status: StatusCompleted, Value: in.Result}
	case StatusCancelled:
		return Outcome{Status: StatusCancelled, Err: &CancelledError{RunID: in.ID}}
	default:
		return Outcome{Status: StatusFailed, Err: fmt.Errorf("%s", in.Error)}
	}
}

// unmark strips the internal wrapper around errors returned by step
// functions, exposing the author's error to callers.
func unmark(err error) error {
	var m *stepErrMark
	if errors.As(err, &m) {
		return m.err
	}
	return err
}
