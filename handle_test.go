package driftkit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExecutionAwaitValue(t *testing.T) {
	ex := newExecution("r1")
	go func() {
		ex.transition(StatusRunning)
		ex.settle(Outcome{Status: StatusCompleted, Value: 42})
	}()

	out, err := ex.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if out.Status != StatusCompleted || out.Value != 42 {
		t.Errorf("outcome = %+v, want Completed/42", out)
	}
	if ex.Status() != StatusCompleted {
		t.Errorf("Status() = %s, want completed", ex.Status())
	}
}

func TestExecutionAwaitTimeout(t *testing.T) {
	ex := newExecution("r1")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := ex.Await(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Await err = %v, want DeadlineExceeded", err)
	}
}

func TestExecutionSettleOnce(t *testing.T) {
	ex := newExecution("r1")
	ex.settle(Outcome{Status: StatusCompleted, Value: "first"})
	ex.settle(Outcome{Status: StatusFailed, Err: errors.New("second")})

	out, _ := ex.Await(context.Background())
	if out.Status != StatusCompleted || out.Value != "first" {
		t.Errorf("outcome = %+v, want the first settle to win", out)
	}
}

func TestExecutionSubscribeSeesTransitions(t *testing.T) {
	ex := newExecution("r1")
	ch := ex.Subscribe()

	ex.transition(StatusRunning)
	ex.settle(Outcome{Status: StatusCompleted})

	var got []Status
	for s := range ch {
		got = append(got, s)
	}
	want := []Status{StatusRunning, StatusCompleted}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestExecutionSubscribeAfterSettle(t *testing.T) {
	ex := newExecution("r1")
	ex.settle(Outcome{Status: StatusCancelled})

	ch := ex.Subscribe()
	s, ok := <-ch
	if !ok || s != StatusCancelled {
		t.Errorf("late subscriber got (%v, %v), want cancelled", s, ok)
	}
	if _, ok := <-ch; ok {
		t.Error("channel not closed after terminal status")
	}
}
