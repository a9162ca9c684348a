package driftkit

import (
	"context"
	"errors"
	"time"
)

// Store errors shared by all backends.
var (
	// ErrNotFound is returned when an instance, task, or rating does not exist.
	ErrNotFound = errors.New("not found")
	// ErrLockHeld is returned by TryAcquireLock when another holder's lease
	// is still live.
	ErrLockHeld = errors.New("instance lock held")
	// ErrLockLost is returned by RenewLock/ReleaseLock when the token no
	// longer matches (lease expired and was taken over).
	ErrLockLost = errors.New("instance lock lost")
	// ErrConflict is returned when a save or task update loses a
	// compare-and-swap race or would move a status backwards.
	ErrConflict = errors.New("conflicting update")
)

// InstanceFilter narrows ListInstances. Zero fields match everything.
type InstanceFilter struct {
	WorkflowID    string
	Status        Status
	UserID        string
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

// Page is offset/limit pagination. A zero Limit means the backend default.
type Page struct {
	Offset int
	Limit  int
}

// Store is the persistence contract of the engine. A conformant backend
// guarantees single-writer-per-instance across engine nodes: the instance
// lock is a lease (expiring, token-guarded), and SaveInstance is
// transactional with its history append.
//
// All values cross the boundary as a serialized ContextSnapshot inside the
// Instance; backends never interpret step payloads.
type Store interface {
	// --- Instances ---
	CreateInstance(ctx context.Context, in *Instance) error
	LoadInstance(ctx context.Context, runID string) (*Instance, error)
	// SaveInstance persists the instance's mutable state and appends any new
	// history entries in one transaction.
	SaveInstance(ctx context.Context, in *Instance) error
	ListInstances(ctx context.Context, filter InstanceFilter, page Page) ([]*Instance, error)

	// --- Instance lock lease ---
	// TryAcquireLock acquires the instance's exclusive lease for leaseFor,
	// returning an opaque token. ErrLockHeld when a live lease exists.
	TryAcquireLock(ctx context.Context, runID string, leaseFor time.Duration) (token string, err error)
	RenewLock(ctx context.Context, runID, token string, leaseFor time.Duration) error
	ReleaseLock(ctx context.Context, runID, token string) error

	// --- Async tasks ---
	CreateAsyncTask(ctx context.Context, task *AsyncTask) error
	// UpdateAsyncTask persists task state. Status transitions are monotonic
	// and percent-complete never decreases; violations return ErrConflict.
	UpdateAsyncTask(ctx context.Context, task *AsyncTask) error
	GetAsyncTask(ctx context.Context, taskID string) (*AsyncTask, error)
	// FindPendingAsyncTasks returns tasks whose status is Pending or
	// Running, for re-attachment after an engine restart.
	FindPendingAsyncTasks(ctx context.Context) ([]*AsyncTask, error)

	// --- Event log ---
	AppendEvent(ctx context.Context, runID string, ev WorkflowEvent) error
	ReadEvents(ctx context.Context, runID string, fromSeq int64) ([]WorkflowEvent, error)

	// --- Ratings ---
	SaveRating(ctx context.Context, r Rating) error

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}
