// Package memory implements driftkit.Store in process memory. It is the
// default store for tests and single-process embedding; nothing survives a
// restart. Lock leases and monotonic task transitions behave exactly like
// the durable backends so engine semantics can be exercised against it.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/driftkit-ai/driftkit-go"
)

// Store is an in-memory driftkit.Store. Safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	instances map[string]*driftkit.Instance
	locks     map[string]lease
	tasks     map[string]*driftkit.AsyncTask
	events    map[string][]driftkit.WorkflowEvent
	ratings   map[string]driftkit.Rating
}

type lease struct {
	token   string
	expires time.Time
}

var _ driftkit.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		instances: make(map[string]*driftkit.Instance),
		locks:     make(map[string]lease),
		tasks:     make(map[string]*driftkit.AsyncTask),
		events:    make(map[string][]driftkit.WorkflowEvent),
		ratings:   make(map[string]driftkit.Rating),
	}
}

// Init is a no-op.
func (s *Store) Init(_ context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// --- Instances ---

func (s *Store) CreateInstance(_ context.Context, in *driftkit.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[in.ID]; ok {
		return driftkit.ErrConflict
	}
	s.instances[in.ID] = cloneInstance(in)
	return nil
}

func (s *Store) LoadInstance(_ context.Context, runID string) (*driftkit.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[runID]
	if !ok {
		return nil, driftkit.ErrNotFound
	}
	return cloneInstance(in), nil
}

func (s *Store) SaveInstance(_ context.Context, in *driftkit.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[in.ID]; !ok {
		return driftkit.ErrNotFound
	}
	s.instances[in.ID] = cloneInstance(in)
	return nil
}

func (s *Store) ListInstances(_ context.Context, f driftkit.InstanceFilter, page driftkit.Page) ([]*driftkit.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*driftkit.Instance
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
		if !f.CreatedAfter.IsZero() && in.CreatedAt.Before(f.CreatedAfter) {
			continue
		}
		if !f.CreatedBefore.IsZero() && in.CreatedAt.After(f.CreatedBefore) {
			continue
		}
		out = append(out, cloneInstance(in))
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

// --- Lock lease ---

func (s *Store) TryAcquireLock(_ context.Context, runID string, leaseFor time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if l, ok := s.locks[runID]; ok && now.Before(l.expires) {
		return "", driftkit.ErrLockHeld
	}
	token := driftkit.NewID()
	s.locks[runID] = lease{token: token, expires: now.Add(leaseFor)}
	return token, nil
}

func (s *Store) RenewLock(_ context.Context, runID, token string, leaseFor time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[runID]
	if !ok || l.token != token {
		return driftkit.ErrLockLost
	}
	s.locks[runID] = lease{token: token, expires: time.Now().Add(leaseFor)}
	return nil
}

func (s *Store) ReleaseLock(_ context.Context, runID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[runID]
	if !ok || l.token != token {
		return driftkit.ErrLockLost
	}
	delete(s.locks, runID)
	return nil
}

// --- Async tasks ---

func (s *Store) CreateAsyncTask(_ context.Context, task *driftkit.AsyncTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return driftkit.ErrConflict
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *Store) UpdateAsyncTask(_ context.Context, task *driftkit.AsyncTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[task.ID]
	if !ok {
		return driftkit.ErrNotFound
	}
	if cur.Status.IsTerminal() {
		return driftkit.ErrConflict
	}
	if task.PercentComplete < cur.PercentComplete {
		return driftkit.ErrConflict
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *Store) GetAsyncTask(_ context.Context, taskID string) (*driftkit.AsyncTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, driftkit.ErrNotFound
	}
	return cloneTask(task), nil
}

func (s *Store) FindPendingAsyncTasks(_ context.Context) ([]*driftkit.AsyncTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*driftkit.AsyncTask
	for _, t := range s.tasks {
		if !t.Status.IsTerminal() {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Event log ---

func (s *Store) AppendEvent(_ context.Context, runID string, ev driftkit.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[runID] = append(s.events[runID], ev)
	return nil
}

func (s *Store) ReadEvents(_ context.Context, runID string, fromSeq int64) ([]driftkit.WorkflowEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []driftkit.WorkflowEvent
	for _, ev := range s.events[runID] {
		if ev.Seq >= fromSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

// --- Ratings ---

func (s *Store) SaveRating(_ context.Context, r driftkit.Rating) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ratings[r.RunID] = r
	return nil
}

// GetRating returns the stored rating for a run; test helper beyond the
// Store contract.
func (s *Store) GetRating(runID string) (driftkit.Rating, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.ratings[runID]
	return r, ok
}

// --- Copies ---

// cloneInstance copies the record's own structure. Step payloads inside the
// context snapshot are shared: the dispatch loop owns them and treats
// persisted values as immutable.
func cloneInstance(in *driftkit.Instance) *driftkit.Instance {
	cp := *in
	cp.History = append([]driftkit.StepTrace(nil), in.History...)
	if in.Invocations != nil {
		cp.Invocations = make(map[string]int, len(in.Invocations))
		for k, v := range in.Invocations {
			cp.Invocations[k] = v
		}
	}
	if in.Suspension != nil {
		susp := *in.Suspension
		susp.ResumeTypes = append([]string(nil), in.Suspension.ResumeTypes...)
		cp.Suspension = &susp
	}
	if in.Context.Outputs != nil {
		cp.Context.Outputs = make(map[string]driftkit.TypedValue, len(in.Context.Outputs))
		for k, v := range in.Context.Outputs {
			cp.Context.Outputs[k] = v
		}
	}
	if in.Context.Values != nil {
		cp.Context.Values = make(map[string]any, len(in.Context.Values))
		for k, v := range in.Context.Values {
			cp.Context.Values[k] = v
		}
	}
	return &cp
}

func cloneTask(t *driftkit.AsyncTask) *driftkit.AsyncTask {
	cp := *t
	if t.Args != nil {
		cp.Args = make(map[string]any, len(t.Args))
		for k, v := range t.Args {
			cp.Args[k] = v
		}
	}
	return &cp
}
