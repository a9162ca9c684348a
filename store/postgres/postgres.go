// Package postgres implements driftkit.Store on PostgreSQL. Lock leases use
// conditional writes (token-guarded UPDATE ... WHERE), giving
// single-writer-per-instance across engine nodes sharing the database.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftkit-ai/driftkit-go"
)

// Store implements driftkit.Store backed by PostgreSQL. Payloads are stored
// as JSONB.
type Store struct {
	pool *pgxpool.Pool
}

var _ driftkit.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workflow_version TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step_id TEXT NOT NULL DEFAULT '',
			next_step_id TEXT NOT NULL DEFAULT '',
			last_step_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			terminal_at TIMESTAMPTZ,
			suspension JSONB,
			history JSONB NOT NULL DEFAULT '[]',
			invocations JSONB,
			context JSONB NOT NULL DEFAULT '{}',
			result JSONB,
			error_kind TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_workflow ON instances(workflow_id, status)`,
		`CREATE TABLE IF NOT EXISTS instance_locks (
			run_id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS async_tasks (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			status TEXT NOT NULL,
			args JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			deadline TIMESTAMPTZ,
			percent_complete INT NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			result JSONB,
			result_type TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			invocation_count INT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_async_tasks_instance ON async_tasks(instance_id)`,
		`CREATE TABLE IF NOT EXISTS instance_events (
			run_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			type TEXT NOT NULL,
			payload JSONB,
			ts TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS instance_ratings (
			run_id TEXT PRIMARY KEY,
			grade INT NOT NULL,
			comment TEXT NOT NULL DEFAULT '',
			rated_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, q := range ddl {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the pool is externally owned.
func (s *Store) Close() error { return nil }

// --- Instances ---

func (s *Store) CreateInstance(ctx context.Context, in *driftkit.Instance) error {
	suspension, history, invocations, snapshot, result, err := encodeInstance(in)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO instances (id, workflow_id, workflow_version, status,
			current_step_id, next_step_id, last_step_id, user_id,
			created_at, updated_at, terminal_at,
			suspension, history, invocations, context, result, error_kind, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		in.ID, in.WorkflowID, in.WorkflowVersion, string(in.Status),
		in.CurrentStepID, in.NextStepID, in.LastStepID, in.UserID,
		in.CreatedAt, in.UpdatedAt, in.TerminalAt,
		suspension, history, invocations, snapshot, result, string(in.ErrorKind), in.Error)
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	return nil
}

func (s *Store) SaveInstance(ctx context.Context, in *driftkit.Instance) error {
	suspension, history, invocations, snapshot, result, err := encodeInstance(in)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE instances SET status = $1, current_step_id = $2, next_step_id = $3,
			last_step_id = $4, updated_at = $5, terminal_at = $6,
			suspension = $7, history = $8, invocations = $9, context = $10,
			result = $11, error_kind = $12, error = $13
		WHERE id = $14`,
		string(in.Status), in.CurrentStepID, in.NextStepID,
		in.LastStepID, in.UpdatedAt, in.TerminalAt,
		suspension, history, invocations, snapshot,
		result, string(in.ErrorKind), in.Error, in.ID)
	if err != nil {
		return fmt.Errorf("save instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return driftkit.ErrNotFound
	}
	return nil
}

func (s *Store) LoadInstance(ctx context.Context, runID string) (*driftkit.Instance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, workflow_id, workflow_version, status,
			current_step_id, next_step_id, last_step_id, user_id,
			created_at, updated_at, terminal_at,
			suspension, history, invocations, context, result, error_kind, error
		FROM instances WHERE id = $1`, runID)
	return scanInstance(row)
}

func (s *Store) ListInstances(ctx context.Context, f driftkit.InstanceFilter, page driftkit.Page) ([]*driftkit.Instance, error) {
	query := `SELECT id, workflow_id, workflow_version, status,
			current_step_id, next_step_id, last_step_id, user_id,
			created_at, updated_at, terminal_at,
			suspension, history, invocations, context, result, error_kind, error
		FROM instances WHERE TRUE`
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		query += " AND " + cond + "$" + strconv.Itoa(len(args))
	}
	if f.WorkflowID != "" {
		add("workflow_id = ", f.WorkflowID)
	}
	if f.Status != "" {
		add("status = ", string(f.Status))
	}
	if f.UserID != "" {
		add("user_id = ", f.UserID)
	}
	if !f.CreatedAfter.IsZero() {
		add("created_at >= ", f.CreatedAfter)
	}
	if !f.CreatedBefore.IsZero() {
		add("created_at <= ", f.CreatedBefore)
	}
	query += " ORDER BY created_at ASC"
	if page.Limit > 0 {
		args = append(args, page.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}
	if page.Offset > 0 {
		args = append(args, page.Offset)
		query += " OFFSET $" + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
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
	token := driftkit.NewID()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO instance_locks (run_id, token, expires_at) VALUES ($1, $2, now() + $3)
		ON CONFLICT (run_id) DO UPDATE SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
		WHERE instance_locks.expires_at < now()`,
		runID, token, leaseFor)
	if err != nil {
		return "", fmt.Errorf("acquire lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", driftkit.ErrLockHeld
	}
	return token, nil
}

func (s *Store) RenewLock(ctx context.Context, runID, token string, leaseFor time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE instance_locks SET expires_at = now() + $1 WHERE run_id = $2 AND token = $3`,
		leaseFor, runID, token)
	if err != nil {
		return fmt.Errorf("renew lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return driftkit.ErrLockLost
	}
	return nil
}

func (s *Store) ReleaseLock(ctx context.Context, runID, token string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM instance_locks WHERE run_id = $1 AND token = $2`, runID, token)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO async_tasks (id, instance_id, status, args, created_at,
			started_at, finished_at, deadline, percent_complete, message,
			result, result_type, error_message, invocation_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		task.ID, task.InstanceID, string(task.Status), args, task.CreatedAt,
		task.StartedAt, task.FinishedAt, task.Deadline, task.PercentComplete,
		task.Message, result, task.ResultType, task.ErrorMessage, task.InvocationCount)
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
	tag, err := s.pool.Exec(ctx, `
		UPDATE async_tasks SET status = $1, args = $2, started_at = $3, finished_at = $4,
			deadline = $5, percent_complete = $6, message = $7, result = $8,
			result_type = $9, error_message = $10, invocation_count = $11
		WHERE id = $12
			AND status NOT IN ('completed', 'failed', 'cancelled')
			AND percent_complete <= $6`,
		string(task.Status), args, task.StartedAt, task.FinishedAt,
		task.Deadline, task.PercentComplete, task.Message, result,
		task.ResultType, task.ErrorMessage, task.InvocationCount, task.ID)
	if err != nil {
		return fmt.Errorf("update async task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetAsyncTask(ctx, task.ID); getErr != nil {
			return getErr
		}
		return driftkit.ErrConflict
	}
	return nil
}

func (s *Store) GetAsyncTask(ctx context.Context, taskID string) (*driftkit.AsyncTask, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, instance_id, status, args, created_at, started_at, finished_at,
			deadline, percent_complete, message, result, result_type,
			error_message, invocation_count
		FROM async_tasks WHERE id = $1`, taskID)
	return scanTask(row)
}

func (s *Store) FindPendingAsyncTasks(ctx context.Context) ([]*driftkit.AsyncTask, error) {
	rows, err := s.pool.Query(ctx, `
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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO instance_events (run_id, seq, type, payload, ts) VALUES ($1, $2, $3, $4, $5)`,
		runID, ev.Seq, ev.Type, payload, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *Store) ReadEvents(ctx context.Context, runID string, fromSeq int64) ([]driftkit.WorkflowEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, type, payload, ts FROM instance_events
		WHERE run_id = $1 AND seq >= $2 ORDER BY seq ASC`, runID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var out []driftkit.WorkflowEvent
	for rows.Next() {
		var ev driftkit.WorkflowEvent
		var payload []byte
		if err := rows.Scan(&ev.Seq, &ev.Type, &payload, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.RunID = runID
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("decode event payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- Ratings ---

func (s *Store) SaveRating(ctx context.Context, r driftkit.Rating) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO instance_ratings (run_id, grade, comment, rated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id) DO UPDATE SET grade = EXCLUDED.grade,
			comment = EXCLUDED.comment, rated_at = EXCLUDED.rated_at`,
		r.RunID, r.Grade, r.Comment, r.RatedAt)
	if err != nil {
		return fmt.Errorf("save rating: %w", err)
	}
	return nil
}

// --- Encoding helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func encodeInstance(in *driftkit.Instance) (suspension, history, invocations, snapshot, result []byte, err error) {
	enc := func(v any) ([]byte, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode instance %s: %w", in.ID, err)
		}
		return b, nil
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
	var status, errorKind string
	var suspension, history, invocations, snapshot, result []byte
	err := row.Scan(&in.ID, &in.WorkflowID, &in.WorkflowVersion, &status,
		&in.CurrentStepID, &in.NextStepID, &in.LastStepID, &in.UserID,
		&in.CreatedAt, &in.UpdatedAt, &in.TerminalAt,
		&suspension, &history, &invocations, &snapshot, &result, &errorKind, &in.Error)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, driftkit.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan instance: %w", err)
	}
	in.Status = driftkit.Status(status)
	in.ErrorKind = driftkit.ErrorKind(errorKind)
	dec := func(data []byte, v any) error {
		if len(data) == 0 || string(data) == "null" {
			return nil
		}
		if err := json.Unmarshal(data, v); err != nil {
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

func encodeTaskPayloads(task *driftkit.AsyncTask) (args, result []byte, err error) {
	if args, err = json.Marshal(task.Args); err != nil {
		return nil, nil, fmt.Errorf("encode task %s args: %w", task.ID, err)
	}
	if result, err = json.Marshal(task.Result); err != nil {
		return nil, nil, fmt.Errorf("encode task %s result: %w", task.ID, err)
	}
	return args, result, nil
}

func scanTask(row rowScanner) (*driftkit.AsyncTask, error) {
	var t driftkit.AsyncTask
	var status string
	var args, result []byte
	err := row.Scan(&t.ID, &t.InstanceID, &status, &args, &t.CreatedAt,
		&t.StartedAt, &t.FinishedAt, &t.Deadline, &t.PercentComplete, &t.Message,
		&result, &t.ResultType, &t.ErrorMessage, &t.InvocationCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, driftkit.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Status = driftkit.AsyncTaskStatus(status)
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &t.Args); err != nil {
			return nil, fmt.Errorf("decode task %s args: %w", t.ID, err)
		}
	}
	if len(result) > 0 && string(result) != "null" {
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return nil, fmt.Errorf("decode task %s result: %w", t.ID, err)
		}
	}
	return &t, nil
}
