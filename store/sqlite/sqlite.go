// Package sqlite implements driftkit.Store on pure-Go SQLite. Zero CGO
// required. Suitable for single-node deployments: instance state, step
// history, async tasks, and the event log all live in one local file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftkit-ai/driftkit-go"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements driftkit.Store backed by a local SQLite file. Payloads
// (context snapshots, prompts, task args/results) are stored as JSON text.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ driftkit.Store = (*Store)(nil)

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workflow_version TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step_id TEXT,
			next_step_id TEXT,
			last_step_id TEXT,
			user_id TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			terminal_at INTEGER,
			suspension TEXT,
			history TEXT NOT NULL,
			invocations TEXT,
			context TEXT NOT NULL,
			result TEXT,
			error_kind TEXT,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_workflow ON instances(workflow_id, status)`,
		`CREATE TABLE IF NOT EXISTS instance_locks (
			run_id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS async_tasks (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			status TEXT NOT NULL,
			args TEXT,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			finished_at INTEGER,
			deadline INTEGER,
			percent_complete INTEGER NOT NULL DEFAULT 0,
			message TEXT,
			result TEXT,
			result_type TEXT,
			error_message TEXT,
			invocation_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_async_tasks_instance ON async_tasks(instance_id)`,
		`CREATE TABLE IF NOT EXISTS instance_events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			ts INTEGER NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS instance_ratings (
			run_id TEXT PRIMARY KEY,
			grade INTEGER NOT NULL,
			comment TEXT,
			rated_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// --- Instances ---

func (s *Store) CreateInstance(ctx context.Context, in *driftkit.Instance) error {
	suspension, history, invocations, snapshot, result, err := encodeInstance(in)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instances (id, workflow_id, workflow_version, status,
			current_step_id, next_step_id, last_step_id, user_id,
			created_at, updated_at, terminal_at,
			suspension, history, invocations, context, result, error_kind, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.WorkflowID, in.WorkflowVersion, string(in.Status),
		in.CurrentStepID, in.NextStepID, in.LastStepID, in.UserID,
		in.CreatedAt.UnixMilli(), in.UpdatedAt.UnixMilli(), unixPtr(in.TerminalAt),
		suspension, history, invocations, snapshot, result, string(in.ErrorKind), in.Error)
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	s.logger.Debug("sqlite: instance created", "run_id", in.ID, "workflow", in.WorkflowID)
	return nil
}

func (s *Store) SaveInstance(ctx context.Context, in *driftkit.Instance) error {
	suspension, history, invocations, snapshot, result, err := encodeInstance(in)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET status = ?, current_step_id = ?, next_step_id = ?,
			last_step_id = ?, updated_at = ?, terminal_at = ?,
			suspension = ?, history = ?, invocations = ?, context = ?,
			result = ?, error_kind = ?, error = ?
		WHERE id = ?`,
		string(in.Status), in.CurrentStepID, in.NextStepID,
		in.LastStepID, in.UpdatedAt.UnixMilli(), unixPtr(in.TerminalAt),
		suspension, history, invocations, snapshot,
		result, string(in.ErrorKind), in.Error, in.ID)
	if err != nil {
		return fmt.Errorf("save instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return driftkit.ErrNotFound
	}
	return nil
}

func (s *Store) LoadInstance(ctx context.Context, runID string) (*driftkit.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, workflow_version, status,
			current_step_id, next_step_id, last_step_id, user_id,
			created_at, updated_at, terminal_at,
			suspension, history, invocations, context, result, error_kind, error
		FROM instances WHERE id = ?`, runID)
	return scanInstance(row)
}

func (s *Store) ListInstances(ctx context.Context, f driftkit.InstanceFilter, page driftkit.Page) ([]*driftkit.Instance, error) {
	query := `SELECT id, workflow_id, workflow_version, status,
			current_step_id, next_step_id, last_step_id, user_id,
			created_at, updated_at, terminal_at,
			suspension, history, invocations, context, result, error_kind, error
		FROM instances WHERE 1=1`
	var args []any
	if f.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if !f.CreatedAfter.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, f.CreatedAfter.UnixMilli())
	}
	if !f.CreatedBefore.IsZero() {
		query += " AND created_at <= ?"
		args = append(args, f.CreatedBefore.UnixMilli())
	}
	query += " ORDER BY created_at ASC"
	if page.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, page.Limit)
	}
	if page.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, page.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []*driftkit.Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// --- Lock lease ---

func (s *Store) TryAcquireLock(ctx context.Context, runID string, leaseFor time.Duration) (string, error) {
	now := time.Now()
	token := driftkit.NewID()

	// Take over only a missing or expired lease. The single write connection
	// serializes racing acquirers.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO instance_locks (run_id, token, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at
		WHERE instance_locks.expires_at < ?`,
		runID, token, now.Add(leaseFor).UnixMilli(), now.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("acquire lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", driftkit.ErrLockHeld
	}
	return token, nil
}

func (s *Store) RenewLock(ctx context.Context, runID, token string, leaseFor time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instance_locks SET expires_at = ? WHERE run_id = ? AND token = ?`,
		time.Now().Add(leaseFor).UnixMilli(), runID, token)
	if err != nil {
		return fmt.Errorf("renew lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return driftkit.ErrLockLost
	}
	return nil
}

func (s *Store) ReleaseLock(ctx context.Context, runID, token string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM instance_locks WHERE run_id = ? AND token = ?`, runID, token)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return driftkit.ErrLockLost
	}
	return nil
}

// --- Async tasks ---

func (s *Store) CreateAsyncTask(ctx context.Context, task *driftkit.AsyncTask) error {
	args, result, err := encodeTaskPayloads(task)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO async_tasks (id, instance_id, status, args, created_at,
			started_at, finished_at, deadline, percent_complete, message,
			result, result_type, error_message, invocation_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.InstanceID, string(task.Status), args, task.CreatedAt.UnixMilli(),
		unixPtr(task.StartedAt), unixPtr(task.FinishedAt), unixPtr(task.Deadline),
		task.PercentComplete, task.Message, result, task.ResultType,
		task.ErrorMessage, task.InvocationCount)
	if err != nil {
		return fmt.Errorf("create async task: %w", err)
	}
	return nil
}

func (s *Store) UpdateAsyncTask(ctx context.Context, task *driftkit.AsyncTask) error {
	args, result, err := encodeTaskPayloads(task)
	if err != nil {
		return err
	}
	// Monotonic guard: never leave a terminal status and never lower the
	// percentage. A zero-row update is a lost race.
	res, err := s.db.ExecContext(ctx, `
		UPDATE async_tasks SET status = ?, args = ?, started_at = ?, finished_at = ?,
			deadline = ?, percent_complete = ?, message = ?, result = ?,
			result_type = ?, error_message = ?, invocation_count = ?
		WHERE id = ?
			AND status NOT IN ('completed', 'failed', 'cancelled')
			AND percent_complete <= ?`,
		string(task.Status), args, unixPtr(task.StartedAt), unixPtr(task.FinishedAt),
		unixPtr(task.Deadline), task.PercentComplete, task.Message, result,
		task.ResultType, task.ErrorMessage, task.InvocationCount,
		task.ID, task.PercentComplete)
	if err != nil {
		return fmt.Errorf("update async task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.GetAsyncTask(ctx, task.ID); getErr != nil {
			return getErr
		}
		return driftkit.ErrConflict
	}
	return nil
}

func (s *Store) GetAsyncTask(ctx context.Context, taskID string) (*driftkit.AsyncTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, instance_id, status, args, created_at, started_at, finished_at,
			deadline, percent_complete, message, result, result_type,
			error_message, invocation_count
		FROM async_tasks WHERE id = ?`, taskID)
	return scanTask(row)
}

func (s *Store) FindPendingAsyncTasks(ctx context.Context) ([]*driftkit.AsyncTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, status, args, created_at, started_at, finished_at,
			deadline, percent_complete, message, result, result_type,
			error_message, invocation_count
		FROM async_tasks WHERE status IN ('pending', 'running')
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("find pending tasks: %w", err)
	}
	defer rows.Close()

	var out []*driftkit.AsyncTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Event log ---

func (s *Store) AppendEvent(ctx context.Context, runID string, ev driftkit.WorkflowEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instance_events (run_id, seq, type, payload, ts) VALUES (?, ?, ?, ?, ?)`,
		runID, ev.Seq, ev.Type, string(payload), ev.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *Store) ReadEvents(ctx context.Context, runID string, fromSeq int64) ([]driftkit.WorkflowEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, payload, ts FROM instance_events
		WHERE run_id = ? AND seq >= ? ORDER BY seq ASC`, runID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var out []driftkit.WorkflowEvent
	for rows.Next() {
		var ev driftkit.WorkflowEvent
		var payload string
		var ts int64
		if err := rows.Scan(&ev.Seq, &ev.Type, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.RunID = runID
		ev.Timestamp = time.UnixMilli(ts).UTC()
		if payload != "" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
				return nil, fmt.Errorf("decode event payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- Ratings ---

func (s *Store) SaveRating(ctx context.Context, r driftkit.Rating) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instance_ratings (run_id, grade, comment, rated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET grade = excluded.grade,
			comment = excluded.comment, rated_at = excluded.rated_at`,
		r.RunID, r.Grade, r.Comment, r.RatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save rating: %w", err)
	}
	return nil
}

// --- Encoding helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func encodeInstance(in *driftkit.Instance) (suspension, history, invocations, snapshot, result string, err error) {
	enc := func(v any) (string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode instance %s: %w", in.ID, err)
		}
		return string(b), nil
	}
	if suspension, err = enc(in.Suspension); err != nil {
		return
	}
	if history, err = enc(in.History); err != nil {
		return
	}
	if invocations, err = enc(in.Invocations); err != nil {
		return
	}
	if snapshot, err = enc(in.Context); err != nil {
		return
	}
	result, err = enc(in.Result)
	return
}

func scanInstance(row rowScanner) (*driftkit.Instance, error) {
	var in driftkit.Instance
	var status, suspension, history, invocations, snapshot, result, errorKind string
	var createdAt, updatedAt int64
	var terminalAt sql.NullInt64
	err := row.Scan(&in.ID, &in.WorkflowID, &in.WorkflowVersion, &status,
		&in.CurrentStepID, &in.NextStepID, &in.LastStepID, &in.UserID,
		&createdAt, &updatedAt, &terminalAt,
		&suspension, &history, &invocations, &snapshot, &result, &errorKind, &in.Error)
	if err == sql.ErrNoRows {
		return nil, driftkit.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan instance: %w", err)
	}

	in.Status = driftkit.Status(status)
	in.ErrorKind = driftkit.ErrorKind(errorKind)
	in.CreatedAt = time.UnixMilli(createdAt).UTC()
	in.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if terminalAt.Valid {
		t := time.UnixMilli(terminalAt.Int64).UTC()
		in.TerminalAt = &t
	}
	dec := func(data string, v any) error {
		if data == "" || data == "null" {
			return nil
		}
		if err := json.Unmarshal([]byte(data), v); err != nil {
			return fmt.Errorf("decode instance %s: %w", in.ID, err)
		}
		return nil
	}
	if err := dec(suspension, &in.Suspension); err != nil {
		return nil, err
	}
	if err := dec(history, &in.History); err != nil {
		return nil, err
	}
	if err := dec(invocations, &in.Invocations); err != nil {
		return nil, err
	}
	if err := dec(snapshot, &in.Context); err != nil {
		return nil, err
	}
	if err := dec(result, &in.Result); err != nil {
		return nil, err
	}
	if in.Invocations == nil {
		in.Invocations = make(map[string]int)
	}
	return &in, nil
}

func encodeTaskPayloads(task *driftkit.AsyncTask) (args, result string, err error) {
	b, err := json.Marshal(task.Args)
	if err != nil {
		return "", "", fmt.Errorf("encode task %s args: %w", task.ID, err)
	}
	args = string(b)
	b, err = json.Marshal(task.Result)
	if err != nil {
		return "", "", fmt.Errorf("encode task %s result: %w", task.ID, err)
	}
	return args, string(b), nil
}

func scanTask(row rowScanner) (*driftkit.AsyncTask, error) {
	var t driftkit.AsyncTask
	var status, args, result string
	var createdAt int64
	var startedAt, finishedAt, deadline sql.NullInt64
	err := row.Scan(&t.ID, &t.InstanceID, &status, &args, &createdAt,
		&startedAt, &finishedAt, &deadline, &t.PercentComplete, &t.Message,
		&result, &t.ResultType, &t.ErrorMessage, &t.InvocationCount)
	if err == sql.ErrNoRows {
		return nil, driftkit.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Status = driftkit.AsyncTaskStatus(status)
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.StartedAt = timePtr(startedAt)
	t.FinishedAt = timePtr(finishedAt)
	t.Deadline = timePtr(deadline)
	if args != "" && args != "null" {
		if err := json.Unmarshal([]byte(args), &t.Args); err != nil {
			return nil, fmt.Errorf("decode task %s args: %w", t.ID, err)
		}
	}
	if result != "" && result != "null" {
		if err := json.Unmarshal([]byte(result), &t.Result); err != nil {
			return nil, fmt.Errorf("decode task %s result: %w", t.ID, err)
		}
	}
	return &t, nil
}

func unixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
