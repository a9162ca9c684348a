package driftkit

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func linearGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := NewGraph("linear", "v1", TypeOf[string](), TypeOf[string]()).
		Then(Transform("hello", func(s string) (string, error) { return "Hello " + s, nil })).
		Then(Transform("world", func(s string) (string, error) { return s + " World", nil })).
		Then(Final("shout", func(s string) (string, error) { return strings.ToUpper(s), nil })).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

func TestExecuteLinearTransform(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.Register(linearGraph(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	exec, err := e.Execute(context.Background(), "linear", "Test")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := awaitOutcome(t, exec)

	if out.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s (err: %v)", out.Status, StatusCompleted, out.Err)
	}
	if out.Value != "HELLO TEST WORLD" {
		t.Errorf("value = %v, want HELLO TEST WORLD", out.Value)
	}

	in, err := e.GetInstance(context.Background(), exec.RunID())
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if len(in.History) != 3 {
		t.Fatalf("history length = %d, want 3", len(in.History))
	}
	// Step history per instance is the causal execution order.
	want := []string{"hello", "world", "shout"}
	for i, tr := range in.History {
		if tr.StepID != want[i] {
			t.Errorf("history[%d] = %s, want %s", i, tr.StepID, want[i])
		}
		if tr.EndedAt == nil {
			t.Errorf("history[%d] not closed", i)
		}
	}
	if in.TerminalAt == nil {
		t.Error("TerminalAt not set")
	}
}

func TestExecuteRejectsWrongInputType(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.Register(linearGraph(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := e.Execute(context.Background(), "linear", 42)
	var mismatch *TypeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Execute(42) error = %v, want TypeMismatchError", err)
	}
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.Execute(context.Background(), "nope", "x"); err == nil {
		t.Fatal("expected error for unregistered workflow")
	}
}

// --- Retry scenarios ---

func TestRetryUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	g, err := NewGraph("flaky", "v1", TypeOf[string](), TypeOf[string]()).
		Then(NewStep[string, string]("try", func(_ context.Context, _ string, _ *WorkflowContext) (StepResult, error) {
			if calls.Add(1) < 3 {
				return Fail(errors.New("not yet")), nil
			}
			return Continue("ok"), nil
		})).
		WithRetry(&RetryPolicy{MaxAttempts: 3, Delay: 10 * time.Millisecond, RetryOnFailResult: true}).
		Then(Final("done", func(s string) (string, error) { return s, nil })).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	e, _ := newTestEngine(t)
	if err := e.Register(g); err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec, err := e.Execute(context.Background(), "flaky", "in")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := awaitOutcome(t, exec)

	if out.Status != StatusCompleted || out.Value != "ok" {
		t.Fatalf("outcome = %+v, want Completed/ok", out)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("step invoked %d times, want 3", got)
	}
	in, _ := e.GetInstance(context.Background(), exec.RunID())
	if in.History[0].Attempts != 3 {
		t.Errorf("recorded attempts = %d, want 3", in.History[0].Attempts)
	}
}

func TestRetryExhaustion(t *testing.T) {
	var calls atomic.Int32
	g, err := NewGraph("doomed", "v1", TypeOf[string](), TypeOf[string]()).
		Then(NewStep[string, string]("try", func(_ context.Context, _ string, _ *WorkflowContext) (StepResult, error) {
			calls.Add(1)
			return Fail(errors.New("boom")), nil
		})).
		WithRetry(&RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond, RetryOnFailResult: true}).
		Then(Final("done", func(s string) (string, error) { return s, nil })).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	e, _ := newTestEngine(t)
	if err := e.Register(g); err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec, _ := e.Execute(context.Background(), "doomed", "in")
	out := awaitOutcome(t, exec)

	if out.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", out.Status)
	}
	if out.Err == nil || !strings.Contains(out.Err.Error(), "boom") {
		t.Errorf("error = %v, want to contain boom", out.Err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("step invoked %d times, want 3", got)
	}

	in, _ := e.GetInstance(context.Background(), exec.RunID())
	if in.ErrorKind != KindPermanent {
		t.Errorf("error kind = %s, want %s", in.ErrorKind, KindPermanent)
	}
	// The downstream step never ran.
	for _, tr := range in.History {
		if tr.StepID == "done" {
			t.Error("step after exhausted retry was executed")
		}
	}
}

func TestRetryAbortOnSkipsRetry(t *testing.T) {
	var calls atomic.Int32
	g, err := NewGraph("abort", "v1", TypeOf[string](), TypeOf[string]()).
		Then(NewStep[string, string]("try", func(_ context.Context, _ string, _ *WorkflowContext) (StepResult, error) {
			calls.Add(1)
			return StepResult{}, &permissionErr{op: "write"}
		})).
		WithRetry(&RetryPolicy{
			MaxAttempts: 5,
			Delay:       time.Millisecond,
			AbortOn:     []reflect.Type{TypeOf[*permissionErr]()},
		}).
		Then(Final("done", func(s string) (string, error) { return s, nil })).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	e, _ := newTestEngine(t)
	if err := e.Register(g); err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec, _ := e.Execute(context.Background(), "abort", "in")
	out := awaitOutcome(t, exec)

	if out.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", out.Status)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("step invoked %d times, want 1 (abortOn)", got)
	}
}

// --- Suspend / Resume ---

func approvalGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := NewGraph("approval", "v1", TypeOf[string](), TypeOf[string]()).
		Then(NewStep[string, string]("ask", func(_ context.Context, in string, _ *WorkflowContext) (StepResult, error) {
			return Suspend(Welcome{Greeting: "hi " + in}, TypeOf[Selection](), TypeOf[CancelChoice]()), nil
		})).
		Choose(
			When(TypeOf[Selection](), NewFlow(
				Final[Selection, string]("picked", func(s Selection) (string, error) { return "picked:" + s.Choice, nil }),
			)),
			When(TypeOf[CancelChoice](), NewFlow(
				Final[CancelChoice, string]("declined", func(c CancelChoice) (string, error) { return "declined:" + c.Reason, nil }),
			)),
		).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

func TestSuspendResumeByType(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.Register(approvalGraph(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	exec, err := e.Execute(context.Background(), "approval", "user")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := awaitOutcome(t, exec)
	if out.Status != StatusSuspended || out.Suspended == nil {
		t.Fatalf("outcome = %+v, want suspended", out)
	}
	if w, ok := out.Suspended.Prompt.(Welcome); !ok || w.Greeting != "hi user" {
		t.Errorf("prompt = %+v, want Welcome{hi user}", out.Suspended.Prompt)
	}
	if len(out.Suspended.ResumeTypes) != 2 {
		t.Errorf("resume types = %v, want 2 entries", out.Suspended.ResumeTypes)
	}

	// A value outside the advertised contract is rejected; the instance
	// stays suspended.
	_, err = e.Resume(context.Background(), exec.RunID(), 42)
	var bad *BadResumeTypeError
	if !errors.As(err, &bad) {
		t.Fatalf("Resume(int) error = %v, want BadResumeTypeError", err)
	}
	in, _ := e.GetInstance(context.Background(), exec.RunID())
	if in.Status != StatusSuspended {
		t.Fatalf("status after bad resume = %s, want suspended", in.Status)
	}

	resumed, err := e.Resume(context.Background(), exec.RunID(), Selection{Choice: "A"})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	out = awaitOutcome(t, resumed)
	if out.Status != StatusCompleted || out.Value != "picked:A" {
		t.Fatalf("outcome = %+v, want Completed/picked:A", out)
	}
}

func TestResumeRoutesByRuntimeType(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.Register(approvalGraph(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	exec, _ := e.Execute(context.Background(), "approval", "user")
	awaitOutcome(t, exec)

	resumed, err := e.Resume(context.Background(), exec.RunID(), CancelChoice{Reason: "busy"})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	out := awaitOutcome(t, resumed)
	if out.Value != "declined:busy" {
		t.Fatalf("value = %v, want declined:busy", out.Value)
	}

	in, _ := e.GetInstance(context.Background(), exec.RunID())
	for _, tr := range in.History {
		if tr.StepID == "picked" {
			t.Error("wrong branch executed on resume")
		}
	}
}

func TestResumeNotSuspended(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.Register(linearGraph(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec, _ := e.Execute(context.Background(), "linear", "x")
	awaitOutcome(t, exec)

	if _, err := e.Resume(context.Background(), exec.RunID(), "y"); err == nil {
		t.Fatal("expected error resuming a completed instance")
	}
}

// --- Branch on value ---

type ticket struct{ Kind string }

func TestBranchOnValue(t *testing.T) {
	flow := func(name string) *Flow {
		return NewFlow(Transform(name, func(_ any) (string, error) { return name, nil }))
	}
	g, err := NewGraph("triage", "v1", TypeOf[ticket](), TypeOf[string]()).
		On("route", func(in any, _ *WorkflowContext) any { return in.(ticket).Kind }).
		Is("URGENT", flow("urgent")).
		Is("NORMAL", flow("normal")).
		Otherwise(flow("fallback")).
		Then(Final("wrap", func(s string) (string, error) { return s, nil })).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	e, _ := newTestEngine(t)
	if err := e.Register(g); err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec, _ := e.Execute(context.Background(), "triage", ticket{Kind: "URGENT"})
	out := awaitOutcome(t, exec)
	if out.Value != "urgent" {
		t.Fatalf("value = %v, want urgent", out.Value)
	}

	in, _ := e.GetInstance(context.Background(), exec.RunID())
	if _, ok := in.Context.Outputs["urgent"]; !ok {
		t.Error("urgent branch output missing from context")
	}
	if _, ok := in.Context.Outputs["normal"]; ok {
		t.Error("normal branch executed for URGENT ticket")
	}
}

// --- Async tasks ---

func TestAsyncTaskRoundTrip(t *testing.T) {
	var percents []int
	g, err := NewGraph("bg", "v1", TypeOf[string](), TypeOf[string]()).
		Then(NewStep[string, string]("kickoff", func(_ context.Context, in string, _ *WorkflowContext) (StepResult, error) {
			return Async("T-1", map[string]any{"payload": in}), nil
		})).
		Then(Final("finish", func(s string) (string, error) { return s, nil })).
		HandleAsync("T-*", func(_ context.Context, args map[string]any, _ *WorkflowContext, pr ProgressReporter) StepResult {
			pr.SetPercent(50)
			return Continue("done")
		}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	e, store := newTestEngine(t)
	if err := e.Register(g); err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec, err := e.Execute(context.Background(), "bg", "work")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := awaitOutcome(t, exec)
	if out.Status != StatusSuspended {
		t.Fatalf("initial outcome = %+v, want suspended (awaiting async)", out)
	}

	in := waitForStatus(t, e, exec.RunID(), StatusCompleted)
	if in.Result != "done" {
		t.Errorf("result = %v, want done", in.Result)
	}

	task, err := e.GetAsyncTask(context.Background(), "T-1")
	if err != nil {
		t.Fatalf("GetAsyncTask: %v", err)
	}
	if task.Status != TaskCompleted {
		t.Errorf("task status = %s, want completed", task.Status)
	}
	if task.PercentComplete != 100 {
		t.Errorf("percent = %d, want 100", task.PercentComplete)
	}
	if task.InstanceID != exec.RunID() {
		t.Errorf("task instance = %s, want %s", task.InstanceID, exec.RunID())
	}

	// Percent history in the event log is non-decreasing.
	evs, _ := store.ReadEvents(context.Background(), exec.RunID(), 0)
	last := -1
	for _, ev := range evs {
		if ev.Type != EventAsyncProgress {
			continue
		}
		pct := ev.Payload.(map[string]any)["percent"].(int)
		percents = append(percents, pct)
		if pct < last {
			t.Errorf("percent decreased: %v", percents)
		}
		last = pct
	}
}

func TestAsyncTaskFailureFailsInstance(t *testing.T) {
	g, err := NewGraph("bgfail", "v1", TypeOf[string](), TypeOf[string]()).
		Then(NewStep[string, string]("kickoff", func(_ context.Context, _ string, _ *WorkflowContext) (StepResult, error) {
			return Async("J-9", nil), nil
		})).
		Then(Final("finish", func(s string) (string, error) { return s, nil })).
		HandleAsync("J-*", func(_ context.Context, _ map[string]any, _ *WorkflowContext, _ ProgressReporter) StepResult {
			return Fail(errors.New("worker exploded"))
		}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	e, _ := newTestEngine(t)
	if err := e.Register(g); err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec, _ := e.Execute(context.Background(), "bgfail", "x")
	awaitOutcome(t, exec)

	in := waitForStatus(t, e, exec.RunID(), StatusFailed)
	if !strings.Contains(in.Error, "worker exploded") {
		t.Errorf("error = %q, want to contain worker exploded", in.Error)
	}
}

func TestAsyncUnresolvableHandlerIsFatal(t *testing.T) {
	g, err := NewGraph("orphan", "v1", TypeOf[string](), TypeOf[string]()).
		Then(NewStep[string, string]("kickoff", func(_ context.Context, _ string, _ *WorkflowContext) (StepResult, error) {
			return Async("X-1", nil), nil
		})).
		Then(Final("finish", func(s string) (string, error) { return s, nil })).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	e, _ := newTestEngine(t)
	if err := e.Register(g); err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec, _ := e.Execute(context.Background(), "orphan", "x")
	out := awaitOutcome(t, exec)
	if out.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", out.Status)
	}
	var def *DefinitionError
	if !errors.As(out.Err, &def) {
		t.Errorf("error = %v, want DefinitionError", out.Err)
	}
}

func TestCompleteAsyncTaskAtMostOnce(t *testing.T) {
	e, store := newTestEngine(t)
	task := &AsyncTask{ID: "ext-1", InstanceID: "r-unknown", Status: TaskPending, CreatedAt: time.Now().UTC()}
	if err := store.CreateAsyncTask(context.Background(), task); err != nil {
		t.Fatalf("CreateAsyncTask: %v", err)
	}

	if err := e.CompleteAsyncTask(context.Background(), "ext-1", Continue("v")); err != nil {
		t.Fatalf("first completion: %v", err)
	}
	if err := e.CompleteAsyncTask(context.Background(), "ext-1", Continue("v2")); !errors.Is(err, ErrConflict) {
		t.Fatalf("second completion = %v, want ErrConflict", err)
	}
}

// --- Try / catch at engine level ---

type permissionErr struct{ op string }

func (e *permissionErr) Error() string { return "permission denied: " + e.op }

func TestTryCatchRecovers(t *testing.T) {
	g, err := NewGraph("guarded", "v1", TypeOf[string](), TypeOf[string]()).
		Try("guard", NewStep[string, string]("body", func(_ context.Context, _ string, _ *WorkflowContext) (StepResult, error) {
			return StepResult{}, &permissionErr{op: "delete"}
		})).
		Catch(TypeOf[*permissionErr](), NewStep[*permissionErr, string]("fallback", func(_ context.Context, pe *permissionErr, _ *WorkflowContext) (StepResult, error) {
			return Continue("recovered from " + pe.op), nil
		})).
		End().
		Then(Final("wrap", func(s string) (string, error) { return s, nil })).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	e, _ := newTestEngine(t)
	if err := e.Register(g); err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec, _ := e.Execute(context.Background(), "guarded", "x")
	out := awaitOutcome(t, exec)
	if out.Status != StatusCompleted || out.Value != "recovered from delete" {
		t.Fatalf("outcome = %+v, want recovered from delete", out)
	}
}

// --- Parallel macro at engine level ---

func TestParallelJoinOrder(t *testing.T) {
	child := func(name, out string, delay time.Duration) *Step {
		return NewStep[string, string](name, func(_ context.Context, _ string, _ *WorkflowContext) (StepResult, error) {
			time.Sleep(delay)
			return Continue(out), nil
		})
	}
	g, err := NewGraph("fanout", "v1", TypeOf[string](), TypeOf[[]any]()).
		Parallel("gather",
			child("a", "one", 30*time.Millisecond),
			child("b", "two", 0),
			child("c", "three", 10*time.Millisecond),
		).
		Then(Final("join", func(vals []any) ([]any, error) { return vals, nil })).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	e, _ := newTestEngine(t)
	if err := e.Register(g); err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec, _ := e.Execute(context.Background(), "fanout", "in")
	out := awaitOutcome(t, exec)
	if out.Status != StatusCompleted {
		t.Fatalf("outcome = %+v", out)
	}
	vals, ok := out.Value.([]any)
	if !ok || len(vals) != 3 {
		t.Fatalf("value = %v, want 3 elements", out.Value)
	}
	// Join order is declared order, not completion order.
	want := []any{"one", "two", "three"}
	for i := range want {
		if vals[i] != want[i] {
			t.Errorf("join[%d] = %v, want %v", i, vals[i], want[i])
		}
	}
}

// --- Interceptors ---

func TestInterceptorReplacesStep(t *testing.T) {
	var bodyRan atomic.Bool
	g, err := NewGraph("mocked", "v1", TypeOf[string](), TypeOf[string]()).
		Then(NewStep[string, string]("real", func(_ context.Context, _ string, _ *WorkflowContext) (StepResult, error) {
			bodyRan.Store(true)
			return Continue("real"), nil
		})).
		Then(Final("wrap", func(s string) (string, error) { return s, nil })).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ic := &recordingInterceptor{replace: map[string]StepResult{"real": Continue("mocked")}}
	e, _ := newTestEngine(t)
	e.AddInterceptor(ic)
	if err := e.Register(g); err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec, _ := e.Execute(context.Background(), "mocked", "x")
	out := awaitOutcome(t, exec)

	if out.Value != "mocked" {
		t.Fatalf("value = %v, want mocked", out.Value)
	}
	if bodyRan.Load() {
		t.Error("step body ran despite replacement")
	}
	if calls := ic.beforeCalls(); len(calls) == 0 || calls[0] != "real" {
		t.Errorf("before calls = %v, want to start with real", calls)
	}
}

// --- Cancellation ---

func TestCancelDuringRetryBackoff(t *testing.T) {
	g, err := NewGraph("slow", "v1", TypeOf[string](), TypeOf[string]()).
		Then(NewStep[string, string]("stuck", func(_ context.Context, _ string, _ *WorkflowContext) (StepResult, error) {
			return Fail(errors.New("transient")), nil
		})).
		WithRetry(&RetryPolicy{MaxAttempts: 10, Delay: 5 * time.Second, RetryOnFailResult: true}).
		Then(Final("wrap", func(s string) (string, error) { return s, nil })).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	e, _ := newTestEngine(t)
	if err := e.Register(g); err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec, _ := e.Execute(context.Background(), "slow", "x")

	time.Sleep(50 * time.Millisecond) // let the first attempt fail and the backoff start
	if err := e.Cancel(context.Background(), exec.RunID()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	out := awaitOutcome(t, exec)
	if out.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", out.Status)
	}
	var ce *CancelledError
	if !errors.As(out.Err, &ce) {
		t.Errorf("error = %v, want CancelledError", out.Err)
	}
}

func TestCancelSuspendedInstance(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.Register(approvalGraph(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec, _ := e.Execute(context.Background(), "approval", "u")
	awaitOutcome(t, exec)

	if err := e.Cancel(context.Background(), exec.RunID()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	in := waitForStatus(t, e, exec.RunID(), StatusCancelled)
	if in.ErrorKind != KindCancelled {
		t.Errorf("error kind = %s, want %s", in.ErrorKind, KindCancelled)
	}
}

// --- Universal invariants ---

func TestTerminalStatusIsFinal(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.Register(linearGraph(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec, _ := e.Execute(context.Background(), "linear", "x")
	awaitOutcome(t, exec)

	// Cancel after completion must not transition the instance.
	if err := e.Cancel(context.Background(), exec.RunID()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	in, _ := e.GetInstance(context.Background(), exec.RunID())
	if in.Status != StatusCompleted {
		t.Fatalf("status after cancel = %s, want completed", in.Status)
	}
}

func TestSingleWriterLock(t *testing.T) {
	store := newMemStore()
	token, err := store.TryAcquireLock(context.Background(), "r1", time.Minute)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := store.TryAcquireLock(context.Background(), "r1", time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second acquire = %v, want ErrLockHeld", err)
	}
	if err := store.ReleaseLock(context.Background(), "r1", token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := store.TryAcquireLock(context.Background(), "r1", time.Minute); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestIdempotentRegistration(t *testing.T) {
	e, _ := newTestEngine(t)
	g1 := linearGraph(t)
	g2 := linearGraph(t)
	if err := e.Register(g1); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := e.Register(g2); err != nil {
		t.Fatalf("identical re-register = %v, want nil", err)
	}

	different, err := NewGraph("linear", "v1", TypeOf[string](), TypeOf[string]()).
		Then(Final("only", func(s string) (string, error) { return s, nil })).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var def *DefinitionError
	if err := e.Register(different); !errors.As(err, &def) {
		t.Fatalf("conflicting register = %v, want DefinitionError", err)
	}
}

func TestEventLogOrderedWithTerminalEvent(t *testing.T) {
	e, store := newTestEngine(t)
	if err := e.Register(linearGraph(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec, _ := e.Execute(context.Background(), "linear", "x")
	awaitOutcome(t, exec)

	evs, err := store.ReadEvents(context.Background(), exec.RunID(), 0)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(evs) == 0 {
		t.Fatal("no events recorded")
	}
	for i := 1; i < len(evs); i++ {
		if evs[i].Seq <= evs[i-1].Seq {
			t.Fatalf("event seq not strictly increasing at %d: %d then %d", i, evs[i-1].Seq, evs[i].Seq)
		}
	}
	if last := evs[len(evs)-1].Type; last != EventInstanceCompleted {
		t.Errorf("last event = %s, want %s", last, EventInstanceCompleted)
	}
}

// --- Invocation limits ---

type loopSteps struct {
	calls atomic.Int32
}

func (l *loopSteps) Spin(in string) (string, error) {
	l.calls.Add(1)
	return in, nil
}

func TestInvocationLimitFinishes(t *testing.T) {
	ls := &loopSteps{}
	g, err := AnalyzeSteps("spinner", "v1", ls,
		Method("spin", "Spin", Initial(), NextSteps("spin"),
			MethodLimit(3, LimitFinish, "capped")),
	)
	if err != nil {
		t.Fatalf("AnalyzeSteps: %v", err)
	}

	e, _ := newTestEngine(t)
	if err := e.Register(g); err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec, _ := e.Execute(context.Background(), "spinner", "go")
	out := awaitOutcome(t, exec)

	if out.Status != StatusCompleted || out.Value != "capped" {
		t.Fatalf("outcome = %+v, want Completed/capped", out)
	}
	if got := ls.calls.Load(); got != 3 {
		t.Errorf("step invoked %d times, want 3", got)
	}
}

// --- Ratings ---

func TestRateCompletedInstance(t *testing.T) {
	e, store := newTestEngine(t)
	if err := e.Register(linearGraph(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec, _ := e.Execute(context.Background(), "linear", "x")
	awaitOutcome(t, exec)

	if err := e.Rate(context.Background(), exec.RunID(), 5, "great"); err != nil {
		t.Fatalf("Rate: %v", err)
	}
	store.mu.Lock()
	r, ok := store.ratings[exec.RunID()]
	store.mu.Unlock()
	if !ok || r.Grade != 5 || r.Comment != "great" {
		t.Errorf("rating = %+v, want grade 5 great", r)
	}
}

func TestRateNonCompletedInstance(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.Register(approvalGraph(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec, _ := e.Execute(context.Background(), "approval", "u")
	awaitOutcome(t, exec)

	if err := e.Rate(context.Background(), exec.RunID(), 3, ""); err == nil {
		t.Fatal("expected error rating a suspended instance")
	}
}

// --- Crash recovery ---

func TestRecoverPendingRedispatchesOpenStep(t *testing.T) {
	e, store := newTestEngine(t)
	if err := e.Register(linearGraph(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Simulate a crash mid-dispatch: the instance is Running with an open
	// history entry for the initial step.
	wctx := newWorkflowContext("r-crashed", "Test")
	now := time.Now().UTC()
	in := &Instance{
		ID:              "r-crashed",
		WorkflowID:      "linear",
		WorkflowVersion: "v1",
		Status:          StatusRunning,
		CurrentStepID:   "hello",
		NextStepID:      "hello",
		CreatedAt:       now,
		UpdatedAt:       now,
		Invocations:     map[string]int{"hello": 1},
		History:         []StepTrace{{StepID: "hello", StartedAt: now}},
		Context:         snapshotContext(wctx, e.types),
	}
	if err := store.CreateInstance(context.Background(), in); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	if err := e.RecoverPending(context.Background()); err != nil {
		t.Fatalf("RecoverPending: %v", err)
	}
	got := waitForStatus(t, e, "r-crashed", StatusCompleted)
	if got.Result != "HELLO TEST WORLD" {
		t.Errorf("result = %v, want HELLO TEST WORLD", got.Result)
	}
	// The interrupted entry was reused, not duplicated.
	if len(got.History) != 3 {
		t.Errorf("history length = %d, want 3 (%v)", len(got.History), historyIDs(got))
	}
}

func historyIDs(in *Instance) []string {
	ids := make([]string, len(in.History))
	for i, tr := range in.History {
		ids[i] = tr.StepID
	}
	return ids
}

func TestListInstancesFilter(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.Register(linearGraph(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	for i := 0; i < 3; i++ {
		exec, _ := e.Execute(context.Background(), "linear", fmt.Sprintf("x%d", i))
		awaitOutcome(t, exec)
	}

	list, err := e.ListInstances(context.Background(), InstanceFilter{WorkflowID: "linear", Status: StatusCompleted}, Page{})
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("list length = %d, want 3", len(list))
	}
	limited, _ := e.ListInstances(context.Background(), InstanceFilter{WorkflowID: "linear"}, Page{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("limited length = %d, want 2", len(limited))
	}
}
