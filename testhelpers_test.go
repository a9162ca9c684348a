package driftkit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

// memStore is a minimal in-memory Store for engine tests, mirroring the
// behavior of store/memory without the import cycle.
type memStore struct {
	mu        sync.Mutex
	instances map[string]*Instance
	locks     map[string]memLease
	tasks     map[string]*AsyncTask
	events    map[string][]WorkflowEvent
	ratings   map[string]Rating

	// failSaves makes the next n SaveInstance calls fail, for engine-error
	// paths.
	failSaves int
}

type memLease struct {
	token   string
	expires time.Time
}

func newMemStore() *memStore {
	return &memStore{
		instances: make(map[string]*Instance),
		locks:     make(map[string]memLease),
		tasks:     make(map[string]*AsyncTask),
		events:    make(map[string][]WorkflowEvent),
		ratings:   make(map[string]Rating),
	}
}

func (s *memStore) Init(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

func (s *memStore) CreateInstance(_ context.Context, in *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[in.ID]; ok {
		return ErrConflict
	}
	s.instances[in.ID] = copyInstance(in)
	return nil
}

func (s *memStore) LoadInstance(_ context.Context, runID string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyInstance(in), nil
}

func (s *memStore) SaveInstance(_ context.Context, in *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves > 0 {
		s.failSaves--
		return ErrConflict
	}
	if _, ok := s.instances[in.ID]; !ok {
		return ErrNotFound
	}
	s.instances[in.ID] = copyInstance(in)
	return nil
}

func (s *memStore) ListInstances(_ context.Context, f InstanceFilter, page Page) ([]*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Instance
	for _, in := range s.instances {
		if f.WorkflowID != "" && in.WorkflowID != f.WorkflowID {
			continue
		}
		if f.Status != "" && in.Status != f.Status {
			continue
		}
		if f.UserID != "" && in.UserID != f.UserID {
			continue
		}
		out = append(out, copyInstance(in))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if page.Offset > len(out) {
		return nil, nil
	}
	out = out[page.Offset:]
	if page.Limit > 0 && page.Limit < len(out) {
		out = out[:page.Limit]
	}
	return out, nil
}

func (s *memStore) TryAcquireLock(_ context.Context, runID string, leaseFor time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if l, ok := s.locks[runID]; ok && now.Before(l.expires) {
		return "", ErrLockHeld
	}
	token := NewID()
	s.locks[runID] = memLease{token: token, expires: now.Add(leaseFor)}
	return token, nil
}

func (s *memStore) RenewLock(_ context.Context, runID, token string, leaseFor time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[runID]
	if !ok || l.token != token {
		return ErrLockLost
	}
	s.locks[runID] = memLease{token: token, expires: time.Now().Add(leaseFor)}
	return nil
}

func (s *memStore) ReleaseLock(_ context.Context, runID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[runID]
	if !ok || l.token != token {
		return ErrLockLost
	}
	delete(s.locks, runID)
	return nil
}

func (s *memStore) CreateAsyncTask(_ context.Context, task *AsyncTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return ErrConflict
	}
	s.tasks[task.ID] = copyTask(task)
	return nil
}

func (s *memStore) UpdateAsyncTask(_ context.Context, task *AsyncTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[task.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status.IsTerminal() || task.PercentComplete < cur.PercentComplete {
		return ErrConflict
	}
	s.tasks[task.ID] = copyTask(task)
	return nil
}

func (s *memStore) GetAsyncTask(_ context.Context, taskID string) (*AsyncTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(task), nil
}

func (s *memStore) FindPendingAsyncTasks(context.Context) ([]*AsyncTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*AsyncTask
	for _, t := range s.tasks {
		if !t.Status.IsTerminal() {
			out = append(out, copyTask(t))
		}
	}
	return out, nil
}

func (s *memStore) AppendEvent(_ context.Context, runID string, ev WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[runID] = append(s.events[runID], ev)
	return nil
}

func (s *memStore) ReadEvents(_ context.Context, runID string, fromSeq int64) ([]WorkflowEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []WorkflowEvent
	for _, ev := range s.events[runID] {
		if ev.Seq >= fromSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *memStore) SaveRating(_ context.Context, r Rating) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ratings[r.RunID] = r
	return nil
}

func copyInstance(in *Instance) *Instance {
	cp := *in
	cp.History = append([]StepTrace(nil), in.History...)
	if in.Invocations != nil {
		cp.Invocations = make(map[string]int, len(in.Invocations))
		for k, v := range in.Invocations {
			cp.Invocations[k] = v
		}
	}
	if in.Suspension != nil {
		susp := *in.Suspension
		cp.Suspension = &susp
	}
	return &cp
}

func copyTask(t *AsyncTask) *AsyncTask {
	cp := *t
	return &cp
}

// --- Routing payload types shared across tests ---

type Welcome struct {
	Greeting string `json:"greeting"`
}

type Selection struct {
	Choice string `json:"choice"`
}

type CancelChoice struct {
	Reason string `json:"reason"`
}

type urgentEvent struct{ Code int }
type normalEvent struct{ Code int }

// --- Interceptor mock ---

// recordingInterceptor logs before/after invocations and optionally replaces
// results for selected steps.
type recordingInterceptor struct {
	mu       sync.Mutex
	before   []string
	after    []string
	replace  map[string]StepResult
}

func (r *recordingInterceptor) BeforeStep(sc *StepContext) *StepResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.before = append(r.before, sc.StepID)
	if res, ok := r.replace[sc.StepID]; ok {
		return &res
	}
	return nil
}

func (r *recordingInterceptor) AfterStep(sc *StepContext, _ StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.after = append(r.after, sc.StepID)
}

func (r *recordingInterceptor) beforeCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.before...)
}

// --- Engine helpers ---

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *memStore) {
	t.Helper()
	store := newMemStore()
	e := New(store, opts...)
	t.Cleanup(e.Close)
	return e, store
}

func awaitOutcome(t *testing.T, exec *Execution) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	return out
}

func waitForStatus(t *testing.T, e *Engine, runID string, want Status) *Instance {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		in, err := e.GetInstance(context.Background(), runID)
		if err == nil && in.Status == want {
			return in
		}
		time.Sleep(10 * time.Millisecond)
	}
	in, _ := e.GetInstance(context.Background(), runID)
	t.Fatalf("run %s never reached %s (last: %+v)", runID, want, in)
	return nil
}
