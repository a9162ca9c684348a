package driftkit

import (
	"context"
	"fmt"
	"reflect"
)

// LimitPolicy decides what happens when a step exhausts its lifetime
// invocation limit.
type LimitPolicy string

const (
	// LimitFail fails the instance when the limit is exceeded.
	LimitFail LimitPolicy = "fail"
	// LimitFinish completes the instance with the step's default value.
	LimitFinish LimitPolicy = "finish"
	// LimitContinue advances past the step with the step's default value.
	LimitContinue LimitPolicy = "continue"
)

// Step is a node in a workflow graph: an opaque callable with declared input
// and output types. Steps are immutable after graph construction and shared
// across instances.
type Step struct {
	id              string
	inputType       reflect.Type // nil = no input (void)
	outputType      reflect.Type
	requiresContext bool

	retry *RetryPolicy

	invocationLimit int // 0 = unlimited, counted across instance restarts
	onLimit         LimitPolicy
	limitValue      any

	run func(ctx context.Context, input any, wctx *WorkflowContext) (StepResult, error)
}

// ID returns the step's unique identifier within its graph.
func (s *Step) ID() string { return s.id }

// InputType returns the declared input type, nil for void.
func (s *Step) InputType() reflect.Type { return s.inputType }

// OutputType returns the declared output type.
func (s *Step) OutputType() reflect.Type { return s.outputType }

// WithRetry attaches a retry policy and returns the step for chaining.
func (s *Step) WithRetry(p *RetryPolicy) *Step {
	s.retry = p
	return s
}

// WithInvocationLimit caps the step's total lifetime invocations across
// instance restarts. On exhaustion the engine applies policy; defaultValue is
// the payload for LimitFinish and LimitContinue.
func (s *Step) WithInvocationLimit(n int, policy LimitPolicy, defaultValue any) *Step {
	s.invocationLimit = n
	s.onLimit = policy
	s.limitValue = defaultValue
	return s
}

// NewStep defines a step from a function taking a typed input and the
// workflow context. The returned StepResult drives the dispatcher; a non-nil
// error is converted to Fail.
func NewStep[In, Out any](id string, fn func(ctx context.Context, in In, wctx *WorkflowContext) (StepResult, error)) *Step {
	return &Step{
		id:              id,
		inputType:       TypeOf[In](),
		outputType:      TypeOf[Out](),
		requiresContext: true,
		run: func(ctx context.Context, input any, wctx *WorkflowContext) (StepResult, error) {
			in, err := coerceInput[In](id, input)
			if err != nil {
				return StepResult{}, err
			}
			return fn(ctx, in, wctx)
		},
	}
}

// NewSourceStep defines a step with no input, suitable as an initial step of
// a workflow whose input type is void.
func NewSourceStep[Out any](id string, fn func(ctx context.Context, wctx *WorkflowContext) (StepResult, error)) *Step {
	return &Step{
		id:              id,
		outputType:      TypeOf[Out](),
		requiresContext: true,
		run: func(ctx context.Context, _ any, wctx *WorkflowContext) (StepResult, error) {
			return fn(ctx, wctx)
		},
	}
}

// Transform defines a pure step from a plain function. The return value is
// wrapped in Continue; a non-nil error becomes Fail.
func Transform[In, Out any](id string, fn func(in In) (Out, error)) *Step {
	return &Step{
		id:         id,
		inputType:  TypeOf[In](),
		outputType: TypeOf[Out](),
		run: func(_ context.Context, input any, _ *WorkflowContext) (StepResult, error) {
			in, err := coerceInput[In](id, input)
			if err != nil {
				return StepResult{}, err
			}
			out, err := fn(in)
			if err != nil {
				return StepResult{}, err
			}
			return Continue(out), nil
		},
	}
}

// Final defines a terminal step: its return value finishes the instance.
func Final[In, Out any](id string, fn func(in In) (Out, error)) *Step {
	return &Step{
		id:         id,
		inputType:  TypeOf[In](),
		outputType: TypeOf[Out](),
		run: func(_ context.Context, input any, _ *WorkflowContext) (StepResult, error) {
			in, err := coerceInput[In](id, input)
			if err != nil {
				return StepResult{}, err
			}
			out, err := fn(in)
			if err != nil {
				return StepResult{}, err
			}
			return Finish(out), nil
		},
	}
}

// coerceInput converts the dispatcher's untyped input into the step's
// declared input type. A nil input yields the zero value, matching a void
// upstream edge.
func coerceInput[In any](stepID string, input any) (In, error) {
	var zero In
	if input == nil {
		return zero, nil
	}
	in, ok := input.(In)
	if !ok {
		return zero, &TypeMismatchError{Step: stepID, Want: TypeOf[In](), Got: reflect.TypeOf(input)}
	}
	return in, nil
}

// invoke executes the step's callable with the §4.3 discipline: runtime
// type-check of the input against the declared input type, panic recovery,
// and conversion of returned errors to Fail.
func (s *Step) invoke(ctx context.Context, input any, wctx *WorkflowContext) (res StepResult) {
	if s.inputType != nil && input != nil {
		got := reflect.TypeOf(input)
		if !got.AssignableTo(s.inputType) {
			return Fail(&TypeMismatchError{Step: s.id, Want: s.inputType, Got: got})
		}
	}

	defer func() {
		if p := recover(); p != nil {
			res = Fail(&stepErrMark{err: fmt.Errorf("step %q panic: %v", s.id, p)})
		}
	}()

	out, err := s.run(ctx, input, wctx)
	if err != nil {
		// Errors returned by the step function are marked so the retry
		// executor can tell them apart from explicit Fail results.
		return Fail(&stepErrMark{err: err})
	}
	return out
}

// --- Interceptors ---

// StepContext carries the information interceptors see around a step
// invocation.
type StepContext struct {
	RunID   string
	StepID  string
	Attempt int
	Input   any
	Context *WorkflowContext
}

// Interceptor hooks into step dispatch. BeforeStep may return a replacement
// result, in which case the step is not executed (used for test mocks and
// caching). Interceptors fire in registration order; AfterStep fires in
// reverse.
type Interceptor interface {
	BeforeStep(sc *StepContext) *StepResult
	AfterStep(sc *StepContext, result StepResult)
}

// StepListener is the interceptor shape scoped to steps compiled into
// macro-node bodies (parallel, branch, try/catch), which engine-level
// interceptors cannot otherwise observe.
type StepListener = Interceptor

// InterceptorFuncs adapts two functions to the Interceptor interface.
// Either field may be nil.
type InterceptorFuncs struct {
	Before func(sc *StepContext) *StepResult
	After  func(sc *StepContext, result StepResult)
}

func (f InterceptorFuncs) BeforeStep(sc *StepContext) *StepResult {
	if f.Before == nil {
		return nil
	}
	return f.Before(sc)
}

func (f InterceptorFuncs) AfterStep(sc *StepContext, result StepResult) {
	if f.After != nil {
		f.After(sc, result)
	}
}
