package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/driftkit-ai/driftkit-go"
)

func testInstance(id string) *driftkit.Instance {
	now := time.Now().UTC()
	return &driftkit.Instance{
		ID:              id,
		WorkflowID:      "wf",
		WorkflowVersion: "v1",
		Status:          driftkit.StatusCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
		Invocations:     map[string]int{},
	}
}

func TestInstanceLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	in := testInstance("r1")
	if err := s.CreateInstance(ctx, in); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateInstance(ctx, in); !errors.Is(err, driftkit.ErrConflict) {
		t.Fatalf("duplicate create = %v, want ErrConflict", err)
	}

	loaded, err := s.LoadInstance(ctx, "r1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Status != driftkit.StatusCreated {
		t.Errorf("status = %s, want created", loaded.Status)
	}

	// Mutating the loaded copy must not leak into the store.
	loaded.Status = driftkit.StatusRunning
	again, _ := s.LoadInstance(ctx, "r1")
	if again.Status != driftkit.StatusCreated {
		t.Error("store state mutated through a loaded copy")
	}

	loaded.History = append(loaded.History, driftkit.StepTrace{StepID: "a", StartedAt: time.Now()})
	if err := s.SaveInstance(ctx, loaded); err != nil {
		t.Fatalf("save: %v", err)
	}
	saved, _ := s.LoadInstance(ctx, "r1")
	if saved.Status != driftkit.StatusRunning || len(saved.History) != 1 {
		t.Errorf("saved = %s/%d entries, want running/1", saved.Status, len(saved.History))
	}

	if _, err := s.LoadInstance(ctx, "ghost"); !errors.Is(err, driftkit.ErrNotFound) {
		t.Errorf("missing load = %v, want ErrNotFound", err)
	}
}

func TestListInstancesFilterAndPage(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now().UTC()
	for i, st := range []driftkit.Status{driftkit.StatusCompleted, driftkit.StatusCompleted, driftkit.StatusFailed} {
		in := testInstance("r" + string(rune('1'+i)))
		in.Status = st
		in.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.CreateInstance(ctx, in); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	done, err := s.ListInstances(ctx, driftkit.InstanceFilter{Status: driftkit.StatusCompleted}, driftkit.Page{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(done) != 2 {
		t.Errorf("completed = %d, want 2", len(done))
	}

	paged, _ := s.ListInstances(ctx, driftkit.InstanceFilter{}, driftkit.Page{Offset: 1, Limit: 1})
	if len(paged) != 1 || paged[0].ID != "r2" {
		t.Errorf("page = %+v, want [r2]", paged)
	}

	windowed, _ := s.ListInstances(ctx, driftkit.InstanceFilter{CreatedAfter: base.Add(1500 * time.Millisecond)}, driftkit.Page{})
	if len(windowed) != 1 {
		t.Errorf("windowed = %d, want 1", len(windowed))
	}
}

func TestLockLease(t *testing.T) {
	s := New()
	ctx := context.Background()

	token, err := s.TryAcquireLock(ctx, "r1", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := s.TryAcquireLock(ctx, "r1", time.Minute); !errors.Is(err, driftkit.ErrLockHeld) {
		t.Fatalf("second acquire = %v, want ErrLockHeld", err)
	}

	if err := s.RenewLock(ctx, "r1", token, time.Minute); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if err := s.RenewLock(ctx, "r1", "bogus", time.Minute); !errors.Is(err, driftkit.ErrLockLost) {
		t.Fatalf("renew with wrong token = %v, want ErrLockLost", err)
	}
	if err := s.ReleaseLock(ctx, "r1", token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.ReleaseLock(ctx, "r1", token); !errors.Is(err, driftkit.ErrLockLost) {
		t.Fatalf("double release = %v, want ErrLockLost", err)
	}
}

func TestExpiredLeaseIsTakenOver(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.TryAcquireLock(ctx, "r1", 10*time.Millisecond); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := s.TryAcquireLock(ctx, "r1", time.Minute); err != nil {
		t.Fatalf("takeover after expiry = %v, want success", err)
	}
}

func TestAsyncTaskMonotonicity(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := &driftkit.AsyncTask{ID: "t1", InstanceID: "r1", Status: driftkit.TaskPending, CreatedAt: time.Now().UTC()}
	if err := s.CreateAsyncTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	task.Status = driftkit.TaskRunning
	task.PercentComplete = 40
	if err := s.UpdateAsyncTask(ctx, task); err != nil {
		t.Fatalf("running update: %v", err)
	}

	// Lowering percent is rejected.
	back := *task
	back.PercentComplete = 10
	if err := s.UpdateAsyncTask(ctx, &back); !errors.Is(err, driftkit.ErrConflict) {
		t.Fatalf("regressing percent = %v, want ErrConflict", err)
	}

	task.Status = driftkit.TaskCompleted
	task.PercentComplete = 100
	if err := s.UpdateAsyncTask(ctx, task); err != nil {
		t.Fatalf("terminal update: %v", err)
	}

	// Terminal is sticky: no further transitions.
	task.Status = driftkit.TaskFailed
	if err := s.UpdateAsyncTask(ctx, task); !errors.Is(err, driftkit.ErrConflict) {
		t.Fatalf("post-terminal update = %v, want ErrConflict", err)
	}

	pending, _ := s.FindPendingAsyncTasks(ctx)
	if len(pending) != 0 {
		t.Errorf("pending after completion = %d, want 0", len(pending))
	}
}

func TestEventLog(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		ev := driftkit.WorkflowEvent{Seq: i, RunID: "r1", Type: "tick", Timestamp: time.Now().UTC()}
		if err := s.AppendEvent(ctx, "r1", ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	evs, err := s.ReadEvents(ctx, "r1", 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(evs) != 2 || evs[0].Seq != 2 {
		t.Errorf("events from 2 = %+v, want seq 2,3", evs)
	}
}

func TestRatings(t *testing.T) {
	s := New()
	r := driftkit.Rating{RunID: "r1", Grade: 4, Comment: "solid", RatedAt: time.Now().UTC()}
	if err := s.SaveRating(context.Background(), r); err != nil {
		t.Fatalf("save rating: %v", err)
	}
	got, ok := s.GetRating("r1")
	if !ok || got.Grade != 4 {
		t.Errorf("rating = %+v, want grade 4", got)
	}
}
