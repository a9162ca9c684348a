package driftkit

import (
	"fmt"
	"reflect"
)

// ResultKind tags the variant of a StepResult. Stored as a string so that
// persisted step history is readable without a decoder table.
type ResultKind string

const (
	// ResultContinue advances the instance to the next edge accepting the payload's type.
	ResultContinue ResultKind = "continue"
	// ResultFinish terminates the instance successfully with the payload.
	ResultFinish ResultKind = "finish"
	// ResultFail attempts retry, then terminates the instance as Failed.
	ResultFail ResultKind = "fail"
	// ResultSuspend pauses the instance until Resume is called with a value
	// of an advertised type.
	ResultSuspend ResultKind = "suspend"
	// ResultAsync hands work to a registered async handler; the instance
	// suspends until the handler reports completion.
	ResultAsync ResultKind = "async"
	// ResultBranch selects an outgoing edge by the event's runtime type.
	ResultBranch ResultKind = "branch"
)

// StepResult is the tagged outcome of a step invocation. Exactly one variant
// is populated; use the constructors below, never the zero value.
type StepResult struct {
	kind ResultKind

	data any   // Continue / Finish payload, Branch event
	err  error // Fail

	prompt      any            // Suspend prompt data
	resumeTypes []reflect.Type // Suspend accepted resume types

	taskID   string         // Async task id
	taskArgs map[string]any // Async handler arguments
	nextStep string         // Async optional next-step hint
}

// Continue produces a result that advances to the next edge whose target
// accepts data's runtime type.
func Continue(data any) StepResult {
	return StepResult{kind: ResultContinue, data: data}
}

// Finish terminates the instance successfully with result.
func Finish(result any) StepResult {
	return StepResult{kind: ResultFinish, data: result}
}

// Fail reports a step failure. The retry executor decides whether the
// instance retries or terminates as Failed.
func Fail(err error) StepResult {
	return StepResult{kind: ResultFail, err: err}
}

// Failf is Fail with a formatted message.
func Failf(format string, args ...any) StepResult {
	return Fail(fmt.Errorf(format, args...))
}

// Suspend pauses the instance. prompt is durably stored and surfaced to the
// caller; resumeTypes advertises which runtime types Resume will accept.
func Suspend(prompt any, resumeTypes ...reflect.Type) StepResult {
	return StepResult{kind: ResultSuspend, prompt: prompt, resumeTypes: resumeTypes}
}

// Async hands work to the async handler matching taskID. The instance records
// a pending task and suspends until the handler reports a terminal result.
func Async(taskID string, args map[string]any) StepResult {
	return StepResult{kind: ResultAsync, taskID: taskID, taskArgs: args}
}

// AsyncNext is Async with an explicit next-step hint consulted when the
// handler's result is routed back into the instance.
func AsyncNext(taskID string, args map[string]any, nextStep string) StepResult {
	return StepResult{kind: ResultAsync, taskID: taskID, taskArgs: args, nextStep: nextStep}
}

// Branch selects an outgoing edge by event's runtime type, like Continue but
// matched against the node's declared branch classes.
func Branch(event any) StepResult {
	return StepResult{kind: ResultBranch, data: event}
}

// Kind returns the variant tag.
func (r StepResult) Kind() ResultKind { return r.kind }

// Data returns the Continue/Finish payload or the Branch event.
func (r StepResult) Data() any { return r.data }

// Err returns the Fail error, nil for other variants.
func (r StepResult) Err() error { return r.err }

// Prompt returns the Suspend prompt data.
func (r StepResult) Prompt() any { return r.prompt }

// ResumeTypes returns the types a Suspend result accepts on Resume.
func (r StepResult) ResumeTypes() []reflect.Type { return r.resumeTypes }

// TaskID returns the Async task id.
func (r StepResult) TaskID() string { return r.taskID }

// TaskArgs returns the Async handler arguments.
func (r StepResult) TaskArgs() map[string]any { return r.taskArgs }

// NextStepHint returns the Async next-step hint, empty if none.
func (r StepResult) NextStepHint() string { return r.nextStep }

// isFailure reports whether the result is a Fail. Suspend and Async count as
// success for retry purposes: a step that handed off work did not fail.
func (r StepResult) isFailure() bool { return r.kind == ResultFail }

// payloadType returns the runtime type used for edge selection.
func (r StepResult) payloadType() reflect.Type {
	return reflect.TypeOf(r.data)
}

// TypeOf returns the reflect.Type token for T. Graph construction uses type
// tokens to declare step input/output types and suspension resume contracts:
//
//	driftkit.Suspend(prompt, driftkit.TypeOf[Selection](), driftkit.TypeOf[Cancel]())
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
