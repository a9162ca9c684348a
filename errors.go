package driftkit

import (
	"fmt"
	"reflect"
	"strings"
)

// ErrorKind classifies engine errors into the categories that determine how
// they are handled: definition errors reject a graph at build time, type
// errors terminate an instance, transient errors are retried, permanent
// errors fail the instance, engine errors cover persistence and locking, and
// cancellation is terminal but distinct from failure.
type ErrorKind string

const (
	KindDefinition ErrorKind = "definition"
	KindType       ErrorKind = "type"
	KindTransient  ErrorKind = "transient"
	KindPermanent  ErrorKind = "permanent"
	KindEngine     ErrorKind = "engine"
	KindCancelled  ErrorKind = "cancelled"
)

// DefinitionError reports an invalid graph at build time: duplicate step ids,
// missing edge targets, ambiguous async patterns. Unreachable nodes are not
// an error; the builder only logs them.
// The graph is rejected; nothing is persisted.
type DefinitionError struct {
	Graph  string
	Detail string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("workflow %s: %s", e.Graph, e.Detail)
}

// TypeMismatchError reports a dispatch-time mismatch between a step's
// declared input type and the runtime type of the value routed to it.
type TypeMismatchError struct {
	Step string
	Want reflect.Type
	Got  reflect.Type
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("step %q: input type %s is not assignable to %s", e.Step, typeName(e.Got), typeName(e.Want))
}

// RoutingError reports that edge selection for a produced value was
// ambiguous or found no acceptable target.
type RoutingError struct {
	Step       string
	Payload    reflect.Type
	Candidates []string // empty when no edge accepted the payload
}

func (e *RoutingError) Error() string {
	if len(e.Candidates) == 0 {
		return fmt.Sprintf("step %q: no outgoing edge accepts %s", e.Step, typeName(e.Payload))
	}
	return fmt.Sprintf("step %q: ambiguous routing for %s (candidates: %s)",
		e.Step, typeName(e.Payload), strings.Join(e.Candidates, ", "))
}

// BadResumeTypeError is returned by Resume when the resume value's runtime
// type is not among the types advertised by the suspension. The instance
// stays suspended.
type BadResumeTypeError struct {
	RunID string
	Got   reflect.Type
	Want  []string
}

func (e *BadResumeTypeError) Error() string {
	return fmt.Sprintf("run %s: resume value of type %s not in expected types [%s]",
		e.RunID, typeName(e.Got), strings.Join(e.Want, ", "))
}

// EngineError wraps persistence, locking, and serialization failures.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string { return fmt.Sprintf("engine: %s: %v", e.Op, e.Err) }
func (e *EngineError) Unwrap() error { return e.Err }

// CancelledError marks an instance that was cancelled before reaching a
// normal terminal state.
type CancelledError struct {
	RunID string
}

func (e *CancelledError) Error() string { return fmt.Sprintf("run %s: cancelled", e.RunID) }

// StepFailedError is the terminal error of a Failed instance: the step that
// exhausted its retries (or had none) and the underlying cause.
type StepFailedError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step %q failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *StepFailedError) Unwrap() error { return e.Err }

// KindOf maps an error to its ErrorKind. Unrecognized errors are classified
// as permanent: by the time they surface from the dispatch loop the retry
// executor has already consumed anything transient.
func KindOf(err error) ErrorKind {
	switch err.(type) {
	case *DefinitionError:
		return KindDefinition
	case *TypeMismatchError, *RoutingError, *BadResumeTypeError:
		return KindType
	case *EngineError:
		return KindEngine
	case *CancelledError:
		return KindCancelled
	case *StepFailedError:
		return KindPermanent
	default:
		return KindPermanent
	}
}

// typeName renders a reflect.Type for error messages; a nil type (a step
// with no input) prints as "void".
func typeName(t reflect.Type) string {
	if t == nil {
		return "void"
	}
	return t.String()
}
