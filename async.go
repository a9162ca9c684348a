package driftkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProgressReporter lets an async handler report progress and observe the
// cancellation signal. Percent updates are monotonic: attempts to lower the
// value are ignored.
type ProgressReporter interface {
	SetPercent(pct int)
	SetMessage(msg string)
	IsCancelled() bool
}

// AsyncHandler processes a long-running task spawned by a step's Async
// result. The returned StepResult is routed back into the owning instance.
// Handlers should observe the reporter's cancellation signal at natural
// yield points and are responsible for checkpointing if they need to survive
// an engine restart.
type AsyncHandler func(ctx context.Context, args map[string]any, wctx *WorkflowContext, progress ProgressReporter) StepResult

// progressReporter persists progress into the task row and republishes it on
// the event bus.
type progressReporter struct {
	store  Store
	bus    *eventBus
	logger *slog.Logger

	taskID    string
	runID     string
	cancelled *atomic.Bool

	mu      sync.Mutex
	percent int
	message string
}

func (p *progressReporter) SetPercent(pct int) {
	if pct > 100 {
		pct = 100
	}
	p.mu.Lock()
	if pct <= p.percent {
		p.mu.Unlock()
		return
	}
	p.percent = pct
	msg := p.message
	p.mu.Unlock()
	p.persist(pct, msg)
}

func (p *progressReporter) SetMessage(msg string) {
	p.mu.Lock()
	p.message = msg
	pct := p.percent
	p.mu.Unlock()
	p.persist(pct, msg)
}

func (p *progressReporter) IsCancelled() bool { return p.cancelled.Load() }

func (p *progressReporter) persist(pct int, msg string) {
	ctx := context.Background()
	task, err := p.store.GetAsyncTask(ctx, p.taskID)
	if err != nil {
		p.logger.Warn("async progress load failed", "task", p.taskID, "error", err)
		return
	}
	if task.Status.IsTerminal() {
		return
	}
	task.PercentComplete = pct
	task.Message = msg
	if err := p.store.UpdateAsyncTask(ctx, task); err != nil && !errors.Is(err, ErrConflict) {
		p.logger.Warn("async progress save failed", "task", p.taskID, "error", err)
	}
	p.bus.publish(ctx, p.runID, EventAsyncProgress, map[string]any{
		"task_id": p.taskID, "percent": pct, "message": msg,
	})
}

// inflightTask is the tracker's in-process view of a pending task.
type inflightTask struct {
	cancel    context.CancelFunc
	cancelled *atomic.Bool
}

// asyncTracker records long-running sub-tasks spawned by steps and routes
// their eventual completion back into the owning instance. Guarantees:
// at-most-once transition to a terminal task status (store-enforced CAS) and
// at-most-once delivery into the instance, keyed by (taskID, instanceID).
type asyncTracker struct {
	store  Store
	pool   *workerPool
	bus    *eventBus
	logger *slog.Logger
	types  *typeRegistry

	// deliver re-enters the engine's dispatch loop with the task's result.
	deliver func(task *AsyncTask)

	mu       sync.Mutex
	handlers []asyncRegistration // engine-global registrations
	inflight map[string]*inflightTask
}

func newAsyncTracker(store Store, pool *workerPool, bus *eventBus, logger *slog.Logger, types *typeRegistry) *asyncTracker {
	return &asyncTracker{
		store:    store,
		pool:     pool,
		bus:      bus,
		logger:   logger,
		types:    types,
		inflight: make(map[string]*inflightTask),
	}
}

// registerHandler adds an engine-global handler registration. Duplicate
// patterns are a configuration error.
func (t *asyncTracker) registerHandler(pattern string, fn AsyncHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.handlers {
		if r.pattern == pattern {
			return fmt.Errorf("async handler pattern %q already registered", pattern)
		}
	}
	t.handlers = append(t.handlers, asyncRegistration{pattern: pattern, handler: fn})
	return nil
}

// resolve finds the handler for a task id across the graph's registrations
// and the engine-global ones.
func (t *asyncTracker) resolve(g *Graph, taskID string) (AsyncHandler, error) {
	t.mu.Lock()
	regs := make([]asyncRegistration, 0, len(g.asyncHandlers)+len(t.handlers))
	regs = append(regs, g.asyncHandlers...)
	regs = append(regs, t.handlers...)
	t.mu.Unlock()
	return matchAsyncHandler(regs, taskID)
}

// launch runs the handler for a freshly persisted Pending task on the worker
// pool. The task row moves Pending → Running → terminal; the terminal
// transition is the idempotence gate for delivery.
func (t *asyncTracker) launch(task *AsyncTask, handler AsyncHandler, wctx *WorkflowContext) {
	ctx, cancel := context.WithCancel(context.Background())
	flag := &atomic.Bool{}
	t.mu.Lock()
	t.inflight[task.ID] = &inflightTask{cancel: cancel, cancelled: flag}
	t.mu.Unlock()

	t.pool.Submit(func() {
		defer cancel()
		defer func() {
			t.mu.Lock()
			delete(t.inflight, task.ID)
			t.mu.Unlock()
		}()
		t.run(ctx, task, handler, wctx, flag)
	})
}

func (t *asyncTracker) run(ctx context.Context, task *AsyncTask, handler AsyncHandler, wctx *WorkflowContext, flag *atomic.Bool) {
	now := time.Now().UTC()
	task.Status = TaskRunning
	task.StartedAt = &now
	task.InvocationCount++
	if err := t.store.UpdateAsyncTask(ctx, task); err != nil {
		t.logger.Warn("async task start update failed", "task", task.ID, "error", err)
	}

	if task.Deadline != nil {
		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = context.WithDeadline(ctx, *task.Deadline)
		defer cancelDeadline()
	}

	reporter := &progressReporter{
		store: t.store, bus: t.bus, logger: t.logger,
		taskID: task.ID, runID: task.InstanceID, cancelled: flag,
		percent: task.PercentComplete,
	}

	result := t.invoke(ctx, handler, task, wctx, reporter)
	if ctx.Err() != nil && result.Kind() != ResultContinue && result.Kind() != ResultFinish {
		if task.Deadline != nil && time.Now().After(*task.Deadline) {
			result = Fail(fmt.Errorf("task %s exceeded deadline", task.ID))
		} else {
			result = Fail(&CancelledError{RunID: task.InstanceID})
		}
	}

	t.finish(task, result)
}

// invoke runs the handler with panic recovery.
func (t *asyncTracker) invoke(ctx context.Context, handler AsyncHandler, task *AsyncTask, wctx *WorkflowContext, pr ProgressReporter) (res StepResult) {
	defer func() {
		if p := recover(); p != nil {
			res = Fail(fmt.Errorf("async handler panic: %v", p))
		}
	}()
	return handler(ctx, task.Args, wctx, pr)
}

// finish writes the terminal task row. The store's monotonic-status check
// makes the transition at-most-once: losing the race (ErrConflict) skips
// delivery, so the instance sees each task's terminal status exactly once.
func (t *asyncTracker) finish(task *AsyncTask, result StepResult) {
	ctx := context.Background()
	// Pick up percent/message written through the reporter so the terminal
	// row keeps them.
	if cur, err := t.store.GetAsyncTask(ctx, task.ID); err == nil {
		task.PercentComplete = cur.PercentComplete
		task.Message = cur.Message
	}
	now := time.Now().UTC()
	task.FinishedAt = &now
	switch result.Kind() {
	case ResultFail:
		if errors.As(result.Err(), new(*CancelledError)) {
			task.Status = TaskCancelled
		} else {
			task.Status = TaskFailed
		}
		task.ErrorMessage = result.Err().Error()
	default:
		task.Status = TaskCompleted
		task.PercentComplete = 100
		tv := t.types.encode(result.Data())
		task.Result = tv.Value
		task.ResultType = tv.Type
	}

	if err := t.store.UpdateAsyncTask(ctx, task); err != nil {
		if errors.Is(err, ErrConflict) {
			t.logger.Debug("async task already terminal, skipping delivery", "task", task.ID)
			return
		}
		t.logger.Error("async task terminal update failed", "task", task.ID, "error", err)
		return
	}
	t.deliver(task)
}

// cancel signals an in-flight task and marks the row Cancelled. Best effort:
// the handler observes the signal at its own pace.
func (t *asyncTracker) cancel(taskID string) {
	t.mu.Lock()
	inf := t.inflight[taskID]
	t.mu.Unlock()
	if inf != nil {
		inf.cancelled.Store(true)
		inf.cancel()
		return
	}

	// Not running in this process: cancel the row directly.
	ctx := context.Background()
	task, err := t.store.GetAsyncTask(ctx, taskID)
	if err != nil || task.Status.IsTerminal() {
		return
	}
	now := time.Now().UTC()
	task.Status = TaskCancelled
	task.FinishedAt = &now
	if err := t.store.UpdateAsyncTask(ctx, task); err != nil && !errors.Is(err, ErrConflict) {
		t.logger.Warn("async task cancel update failed", "task", taskID, "error", err)
	}
}

// reattach registers a restart-surviving Pending/Running task without
// re-invoking its handler; the handler checkpoints its own progress.
// External completion arrives through Engine.CompleteAsyncTask.
func (t *asyncTracker) reattach(task *AsyncTask) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inflight[task.ID]; ok {
		return
	}
	t.inflight[task.ID] = &inflightTask{cancel: func() {}, cancelled: &atomic.Bool{}}
	t.logger.Info("async task re-attached", "task", task.ID, "run_id", task.InstanceID, "status", task.Status)
}
