package driftkit

import "context"

// Tracer creates spans around step invocations; the engine starts one
// "workflow.step" span per dispatched step. The observer package provides an OTEL-backed
// implementation via observer.NewTracer(). A nil Tracer disables tracing.
type Tracer interface {
	// Start creates a span with the given name and attributes, returning a
	// child context carrying it. Callers must call Span.End().
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span is one traced operation. End must be called exactly once.
type Span interface {
	// SetAttr adds attributes after creation.
	SetAttr(attrs ...SpanAttr)
	// Event records a named annotation on the span timeline.
	Event(name string, attrs ...SpanAttr)
	// Error records an error and marks the span failed.
	Error(err error)
	// End completes the span.
	End()
}

// SpanAttr is a key-value attribute attached to a span or event.
type SpanAttr struct {
	Key   string
	Value any
}

// MetricsRecorder receives engine-level counters. The observer package
// provides an OTEL-backed implementation; a nil recorder disables metrics.
type MetricsRecorder interface {
	RecordInstanceStarted(ctx context.Context, workflowID string)
	RecordInstanceFinished(ctx context.Context, workflowID, status string)
	RecordStep(ctx context.Context, workflowID, stepID, resultKind string, attempts int, seconds float64)
	RecordAsyncTask(ctx context.Context, workflowID, status string)
}

// StringAttr creates a string-typed span attribute.
func StringAttr(k, v string) SpanAttr { return SpanAttr{Key: k, Value: v} }

// IntAttr creates an int-typed span attribute.
func IntAttr(k string, v int) SpanAttr { return SpanAttr{Key: k, Value: v} }

// BoolAttr creates a bool-typed span attribute.
func BoolAttr(k string, v bool) SpanAttr { return SpanAttr{Key: k, Value: v} }
