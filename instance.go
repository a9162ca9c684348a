package driftkit

import (
	"time"
)

// Status is the lifecycle state of a workflow instance. An instance moves to
// a terminal status exactly once and never transitions afterwards.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// SuspendReason distinguishes a user-facing Suspend from an await-async
// suspension.
type SuspendReason string

const (
	// SuspendForInput awaits an external Resume call.
	SuspendForInput SuspendReason = "input"
	// SuspendForAsync awaits completion of an async task.
	SuspendForAsync SuspendReason = "async"
)

// SuspensionData is the durable payload of a suspended instance: what the
// caller was shown and which runtime types Resume will accept.
type SuspensionData struct {
	Reason SuspendReason `json:"reason"`
	Prompt any           `json:"prompt,omitempty"`
	// ResumeTypes holds registered type names; Resume values are checked
	// against them after reload.
	ResumeTypes []string `json:"resume_types,omitempty"`
	// TaskID links an async suspension to its pending task.
	TaskID string `json:"task_id,omitempty"`
	// SuspendedStep is the step that produced the suspension; routing of the
	// resume value starts from its outgoing edges.
	SuspendedStep string `json:"suspended_step"`
	// NextStepHint carries the Async result's explicit next step, if any.
	NextStepHint string `json:"next_step_hint,omitempty"`
}

// StepTrace is one entry of an instance's ordered step history.
type StepTrace struct {
	StepID    string     `json:"step_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Result    ResultKind `json:"result,omitempty"`
	Attempts  int        `json:"attempts"`
	Error     string     `json:"error,omitempty"`
}

// Rating is user feedback recorded against a completed instance.
type Rating struct {
	RunID   string    `json:"run_id"`
	Grade   int       `json:"grade"`
	Comment string    `json:"comment,omitempty"`
	RatedAt time.Time `json:"rated_at"`
}

// Instance is the persisted state of one workflow execution. It is mutated
// only by the goroutine holding the instance's write-lock and saved under
// that lock.
type Instance struct {
	ID              string `json:"id"`
	WorkflowID      string `json:"workflow_id"`
	WorkflowVersion string `json:"workflow_version"`

	Status Status `json:"status"`

	CurrentStepID string `json:"current_step_id,omitempty"`
	NextStepID    string `json:"next_step_id,omitempty"`
	LastStepID    string `json:"last_step_id,omitempty"`

	// UserID tags the instance for ListInstances filtering; optional.
	UserID string `json:"user_id,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	TerminalAt *time.Time `json:"terminal_at,omitempty"`

	Suspension *SuspensionData `json:"suspension,omitempty"`

	History []StepTrace `json:"history"`

	// Invocations counts lifetime step invocations across restarts, for
	// invocation limits.
	Invocations map[string]int `json:"invocations,omitempty"`

	// Context is the serialized workflow context snapshot.
	Context ContextSnapshot `json:"context"`

	// Result holds the Finish payload once Completed.
	Result any `json:"result,omitempty"`
	// ErrorKind and Error describe the terminal error once Failed or
	// Cancelled.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// openTrace returns the index of a started-but-not-ended history entry, or
// -1. Crash recovery re-dispatches exactly that step.
func (in *Instance) openTrace() int {
	for i := len(in.History) - 1; i >= 0; i-- {
		if in.History[i].EndedAt == nil {
			return i
		}
	}
	return -1
}

// AsyncTaskStatus is the lifecycle state of an async task. Transitions are
// monotonic: Pending → Running → {Completed, Failed, Cancelled}.
type AsyncTaskStatus string

const (
	TaskPending   AsyncTaskStatus = "pending"
	TaskRunning   AsyncTaskStatus = "running"
	TaskCompleted AsyncTaskStatus = "completed"
	TaskFailed    AsyncTaskStatus = "failed"
	TaskCancelled AsyncTaskStatus = "cancelled"
)

// IsTerminal reports whether the task status is final.
func (s AsyncTaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// taskRank orders statuses for monotonicity checks.
func taskRank(s AsyncTaskStatus) int {
	switch s {
	case TaskPending:
		return 0
	case TaskRunning:
		return 1
	default:
		return 2
	}
}

// AsyncTask is the persisted record of a long-running sub-task spawned by a
// step. taskID is unique across the store; percentComplete never decreases.
type AsyncTask struct {
	ID         string          `json:"id"`
	InstanceID string          `json:"instance_id"`
	Status     AsyncTaskStatus `json:"status"`

	Args map[string]any `json:"args,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// Deadline, when set, is enforced by the tracker: a handler still
	// running past it is cancelled and the task fails.
	Deadline *time.Time `json:"deadline,omitempty"`

	PercentComplete int    `json:"percent_complete"`
	Message         string `json:"message,omitempty"`

	Result any `json:"result,omitempty"`
	// ResultType is the registered type name of Result, for routing after a
	// reload.
	ResultType   string `json:"result_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	InvocationCount int `json:"invocation_count"`
}
