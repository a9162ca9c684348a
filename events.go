package driftkit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Well-known event types emitted by the engine itself. Steps may publish any
// type they like through WorkflowContext.Publish.
const (
	EventInstanceStarted   = "instance.started"
	EventInstanceSuspended = "instance.suspended"
	EventInstanceResumed   = "instance.resumed"
	EventInstanceCompleted = "instance.completed"
	EventInstanceFailed    = "instance.failed"
	EventInstanceCancelled = "instance.cancelled"
	EventStepStarted       = "step.started"
	EventStepFinished      = "step.finished"
	EventAsyncProgress     = "async.progress"
)

// eventBus appends WorkflowEvents to the per-instance durable log and fans
// them out to in-process subscribers. Events are fire-and-forget: they are
// never acknowledged back into the instance, and a slow subscriber drops
// events rather than blocking dispatch. Ordering is strict per instance.
type eventBus struct {
	store  Store
	logger *slog.Logger

	mu   sync.Mutex
	seq  map[string]int64
	subs map[string][]chan WorkflowEvent
}

func newEventBus(store Store, logger *slog.Logger) *eventBus {
	return &eventBus{
		store:  store,
		logger: logger,
		seq:    make(map[string]int64),
		subs:   make(map[string][]chan WorkflowEvent),
	}
}

// publish assigns the next per-instance sequence number, appends the event
// durably, and broadcasts it.
func (b *eventBus) publish(ctx context.Context, runID, eventType string, payload any) {
	b.mu.Lock()
	b.seq[runID]++
	ev := WorkflowEvent{
		Seq:       b.seq[runID],
		RunID:     runID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	subs := b.subs[runID]
	b.mu.Unlock()

	if err := b.store.AppendEvent(ctx, runID, ev); err != nil {
		b.logger.Warn("event append failed", "run_id", runID, "type", eventType, "error", err)
	}
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("event dropped for slow subscriber", "run_id", runID, "type", eventType)
		}
	}
}

// subscribe registers a buffered channel for an instance's events. The
// returned cancel function unregisters and closes it.
func (b *eventBus) subscribe(runID string) (<-chan WorkflowEvent, func()) {
	ch := make(chan WorkflowEvent, 64)
	b.mu.Lock()
	b.subs[runID] = append(b.subs[runID], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[runID]
		for i, c := range subs {
			if c == ch {
				b.subs[runID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// restoreSeq primes the per-instance sequence counter after a restart so
// appended events continue the persisted ordering.
func (b *eventBus) restoreSeq(ctx context.Context, runID string) {
	evs, err := b.store.ReadEvents(ctx, runID, 0)
	if err != nil || len(evs) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if last := evs[len(evs)-1].Seq; last > b.seq[runID] {
		b.seq[runID] = last
	}
}
