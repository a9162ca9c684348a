package driftkit

import (
	"errors"
	"testing"
)

func TestStepResultVariants(t *testing.T) {
	if r := Continue("v"); r.Kind() != ResultContinue || r.Data() != "v" {
		t.Errorf("Continue = %v/%v", r.Kind(), r.Data())
	}
	if r := Finish(7); r.Kind() != ResultFinish || r.Data() != 7 {
		t.Errorf("Finish = %v/%v", r.Kind(), r.Data())
	}
	if r := Fail(errors.New("x")); r.Kind() != ResultFail || r.Err() == nil || !r.isFailure() {
		t.Errorf("Fail = %v/%v", r.Kind(), r.Err())
	}
	if r := Failf("bad %d", 4); r.Err().Error() != "bad 4" {
		t.Errorf("Failf = %v", r.Err())
	}

	s := Suspend(Welcome{Greeting: "hi"}, TypeOf[Selection](), TypeOf[CancelChoice]())
	if s.Kind() != ResultSuspend || len(s.ResumeTypes()) != 2 {
		t.Errorf("Suspend = %v, types %v", s.Kind(), s.ResumeTypes())
	}
	if s.isFailure() {
		t.Error("Suspend must not count as failure")
	}

	a := AsyncNext("T-1", map[string]any{"k": 1}, "next")
	if a.Kind() != ResultAsync || a.TaskID() != "T-1" || a.NextStepHint() != "next" {
		t.Errorf("Async = %v/%v/%v", a.Kind(), a.TaskID(), a.NextStepHint())
	}

	b := Branch(Selection{Choice: "x"})
	if b.Kind() != ResultBranch || b.payloadType() != TypeOf[Selection]() {
		t.Errorf("Branch = %v/%v", b.Kind(), b.payloadType())
	}
}

func TestTypeOf(t *testing.T) {
	if TypeOf[string]().Kind().String() != "string" {
		t.Errorf("TypeOf[string] = %v", TypeOf[string]())
	}
	if TypeOf[*Welcome]().String() != "*driftkit.Welcome" {
		t.Errorf("TypeOf[*Welcome] = %v", TypeOf[*Welcome]())
	}
	// Interface type tokens keep their interface identity (needed for
	// most-specific edge selection).
	if TypeOf[error]().Kind().String() != "interface" {
		t.Errorf("TypeOf[error] kind = %v", TypeOf[error]().Kind())
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{&DefinitionError{Graph: "g"}, KindDefinition},
		{&TypeMismatchError{Step: "s"}, KindType},
		{&RoutingError{Step: "s"}, KindType},
		{&BadResumeTypeError{RunID: "r"}, KindType},
		{&EngineError{Op: "save"}, KindEngine},
		{&CancelledError{RunID: "r"}, KindCancelled},
		{&StepFailedError{Step: "s"}, KindPermanent},
		{errors.New("anything"), KindPermanent},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%T) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
