package driftkit

import (
	"context"
	"testing"
	"time"
)

func TestEventBusSequencesPerInstance(t *testing.T) {
	store := newMemStore()
	bus := newEventBus(store, nopLogger)

	bus.publish(context.Background(), "r1", "a", nil)
	bus.publish(context.Background(), "r1", "b", nil)
	bus.publish(context.Background(), "r2", "a", nil)

	evs, err := store.ReadEvents(context.Background(), "r1", 0)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(evs) != 2 || evs[0].Seq != 1 || evs[1].Seq != 2 {
		t.Fatalf("r1 events = %+v, want seq 1,2", evs)
	}
	other, _ := store.ReadEvents(context.Background(), "r2", 0)
	if len(other) != 1 || other[0].Seq != 1 {
		t.Errorf("r2 events = %+v, want independent seq starting at 1", other)
	}
}

func TestEventBusSubscribe(t *testing.T) {
	store := newMemStore()
	bus := newEventBus(store, nopLogger)

	ch, cancel := bus.subscribe("r1")
	bus.publish(context.Background(), "r1", "hello", map[string]any{"n": 1})

	select {
	case ev := <-ch:
		if ev.Type != "hello" || ev.RunID != "r1" {
			t.Errorf("event = %+v, want hello on r1", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber received nothing")
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel not closed after cancel")
	}

	// Publishing after cancel must not panic or deliver.
	bus.publish(context.Background(), "r1", "late", nil)
}

func TestEventBusRestoreSeq(t *testing.T) {
	store := newMemStore()
	bus := newEventBus(store, nopLogger)
	bus.publish(context.Background(), "r1", "one", nil)
	bus.publish(context.Background(), "r1", "two", nil)

	// A fresh bus (engine restart) continues the persisted ordering.
	bus2 := newEventBus(store, nopLogger)
	bus2.restoreSeq(context.Background(), "r1")
	bus2.publish(context.Background(), "r1", "three", nil)

	evs, _ := store.ReadEvents(context.Background(), "r1", 0)
	if len(evs) != 3 || evs[2].Seq != 3 {
		t.Fatalf("events = %+v, want three with seq 3 last", evs)
	}
}

func TestReadEventsFromSeq(t *testing.T) {
	store := newMemStore()
	bus := newEventBus(store, nopLogger)
	for i := 0; i < 5; i++ {
		bus.publish(context.Background(), "r1", "tick", nil)
	}
	evs, _ := store.ReadEvents(context.Background(), "r1", 4)
	if len(evs) != 2 {
		t.Fatalf("events from seq 4 = %d, want 2", len(evs))
	}
}
