package observer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys for engine metrics and spans.
var (
	AttrWorkflowID = attribute.Key("workflow.id")
	AttrRunID      = attribute.Key("workflow.run_id")
	AttrStepID     = attribute.Key("workflow.step")
	AttrStatus     = attribute.Key("workflow.status")
	AttrResultKind = attribute.Key("workflow.result_kind")
	AttrTaskID     = attribute.Key("workflow.task_id")
)

// Metrics holds the engine's OTEL instruments. Record* methods are safe for
// concurrent use and no-ops on a zero value.
type Metrics struct {
	instancesStarted  metric.Int64Counter
	instancesFinished metric.Int64Counter
	stepsExecuted     metric.Int64Counter
	stepRetries       metric.Int64Counter
	asyncTasks        metric.Int64Counter
	stepDuration      metric.Float64Histogram
}

// NewMetrics creates engine instruments on the global MeterProvider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(scopeName)
	m := &Metrics{}
	var err error
	if m.instancesStarted, err = meter.Int64Counter("workflow.instances.started",
		metric.WithDescription("Workflow instances created")); err != nil {
		return nil, err
	}
	if m.instancesFinished, err = meter.Int64Counter("workflow.instances.finished",
		metric.WithDescription("Workflow instances reaching a terminal status")); err != nil {
		return nil, err
	}
	if m.stepsExecuted, err = meter.Int64Counter("workflow.steps.executed",
		metric.WithDescription("Step invocations, including retries")); err != nil {
		return nil, err
	}
	if m.stepRetries, err = meter.Int64Counter("workflow.steps.retries",
		metric.WithDescription("Retry attempts beyond the first")); err != nil {
		return nil, err
	}
	if m.asyncTasks, err = meter.Int64Counter("workflow.async_tasks",
		metric.WithDescription("Async tasks by terminal status")); err != nil {
		return nil, err
	}
	if m.stepDuration, err = meter.Float64Histogram("workflow.step.duration",
		metric.WithDescription("Step wall time including retries"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordInstanceStarted counts a new instance of a workflow.
func (m *Metrics) RecordInstanceStarted(ctx context.Context, workflowID string) {
	if m == nil || m.instancesStarted == nil {
		return
	}
	m.instancesStarted.Add(ctx, 1, metric.WithAttributes(AttrWorkflowID.String(workflowID)))
}

// RecordInstanceFinished counts a terminal transition.
func (m *Metrics) RecordInstanceFinished(ctx context.Context, workflowID, status string) {
	if m == nil || m.instancesFinished == nil {
		return
	}
	m.instancesFinished.Add(ctx, 1, metric.WithAttributes(
		AttrWorkflowID.String(workflowID), AttrStatus.String(status)))
}

// RecordStep counts a step dispatch and its duration; attempts beyond the
// first count as retries.
func (m *Metrics) RecordStep(ctx context.Context, workflowID, stepID, resultKind string, attempts int, seconds float64) {
	if m == nil || m.stepsExecuted == nil {
		return
	}
	attrs := metric.WithAttributes(
		AttrWorkflowID.String(workflowID),
		AttrStepID.String(stepID),
		AttrResultKind.String(resultKind))
	m.stepsExecuted.Add(ctx, int64(attempts), attrs)
	if attempts > 1 {
		m.stepRetries.Add(ctx, int64(attempts-1), attrs)
	}
	m.stepDuration.Record(ctx, seconds, attrs)
}

// RecordAsyncTask counts an async task reaching a terminal status.
func (m *Metrics) RecordAsyncTask(ctx context.Context, workflowID, status string) {
	if m == nil || m.asyncTasks == nil {
		return
	}
	m.asyncTasks.Add(ctx, 1, metric.WithAttributes(
		AttrWorkflowID.String(workflowID), AttrStatus.String(status)))
}
