package driftkit

import (
	"sync"
	"time"
)

// WorkflowContext is the per-instance mutable state that flows between steps:
// the original trigger data, each step's last output, and a free-form
// key-value store for step authors. All methods are safe for concurrent use,
// though the dispatch loop serializes step execution within an instance.
//
// A WorkflowContext is owned by exactly one instance; sharing across
// instances is forbidden.
type WorkflowContext struct {
	runID   string
	trigger any

	mu      sync.RWMutex
	outputs map[string]any // step id -> last Continue/Finish payload
	values  map[string]any // user key-value store

	// listener observes steps compiled into macro-node bodies, which the
	// engine-level interceptors cannot otherwise see. Nil in production;
	// tests inject it.
	listener StepListener

	// retry holds transient per-attempt counters. Not persisted.
	retry retryContext

	// publish is wired by the engine to the per-instance event log.
	// Nil when the context is detached (e.g. unit tests).
	publish func(eventType string, payload any)

	// exec and cancelled are wired by the engine so macro-node bodies run
	// children under the same retry executor and cancellation signal as
	// top-level dispatch.
	exec      *retryExecutor
	cancelled chan struct{}
}

// retryContext carries the current attempt counters for the step being
// executed, for observability inside step functions.
type retryContext struct {
	attempt int
	lastErr error
}

func newWorkflowContext(runID string, trigger any) *WorkflowContext {
	return &WorkflowContext{
		runID:   runID,
		trigger: trigger,
		outputs: make(map[string]any),
		values:  make(map[string]any),
	}
}

// RunID returns the owning instance's id.
func (c *WorkflowContext) RunID() string { return c.runID }

// Trigger returns the original input the workflow was executed with.
func (c *WorkflowContext) Trigger() any { return c.trigger }

// StepOutput returns the last Continue/Finish payload produced by the named
// step, and whether that step has produced one.
func (c *WorkflowContext) StepOutput(stepID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.outputs[stepID]
	return v, ok
}

// Output retrieves a step's output typed as T. Returns the zero value and
// false when the step has no output or the output is not a T.
func Output[T any](c *WorkflowContext, stepID string) (T, bool) {
	v, ok := c.StepOutput(stepID)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// setStepOutput records a step's produced payload. Called by the dispatcher
// after every Continue/Finish/Branch result.
func (c *WorkflowContext) setStepOutput(stepID string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[stepID] = v
}

// Get retrieves a named value from the user store.
func (c *WorkflowContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Set writes a named value to the user store, overwriting any previous value.
// The user store namespace is disjoint from step outputs.
func (c *WorkflowContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// RetryAttempt returns the 1-based attempt number of the currently executing
// step invocation. Step authors use it for idempotence decisions after a
// crash-recovery re-dispatch.
func (c *WorkflowContext) RetryAttempt() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.retry.attempt
}

// LastError returns the error from the previous attempt of the currently
// executing step, nil on the first attempt.
func (c *WorkflowContext) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.retry.lastErr
}

func (c *WorkflowContext) setAttempt(n int, lastErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retry.attempt = n
	c.retry.lastErr = lastErr
}

// Publish appends a WorkflowEvent to the instance's ordered event log and
// broadcasts it to subscribers. Fire-and-forget: events are never
// acknowledged back into the instance. No-op on a detached context.
func (c *WorkflowContext) Publish(eventType string, payload any) {
	c.mu.RLock()
	fn := c.publish
	c.mu.RUnlock()
	if fn != nil {
		fn(eventType, payload)
	}
}

func (c *WorkflowContext) setPublisher(fn func(string, any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publish = fn
}

// SetListener installs the internal step listener that observes macro-node
// bodies. Production code leaves it nil; tests inject mocks.
func (c *WorkflowContext) SetListener(l StepListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

func (c *WorkflowContext) stepListener() StepListener {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.listener
}

// executor returns the engine-wired retry executor, or a throwaway default
// on a detached context (direct macro invocation in tests).
func (c *WorkflowContext) executor() *retryExecutor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exec == nil {
		c.exec = newRetryExecutor(0, nopLogger)
	}
	return c.exec
}

// cancelledChan returns the instance's cancel signal. Never nil: a detached
// context gets an inert channel.
func (c *WorkflowContext) cancelledChan() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled == nil {
		c.cancelled = make(chan struct{})
	}
	return c.cancelled
}

func (c *WorkflowContext) attachEngine(exec *retryExecutor, cancelled chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exec = exec
	c.cancelled = cancelled
}

// snapshotOutputs copies the step outputs map for persistence.
func (c *WorkflowContext) snapshotOutputs() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.outputs))
	for k, v := range c.outputs {
		out[k] = v
	}
	return out
}

// snapshotValues copies the user store for persistence.
func (c *WorkflowContext) snapshotValues() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// WorkflowEvent is a fire-and-forget event published by a step through the
// context. Events are appended to a per-instance ordered log and broadcast
// to subscribers; ordering is strict per instance only.
type WorkflowEvent struct {
	Seq       int64     `json:"seq"`
	RunID     string    `json:"run_id"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
