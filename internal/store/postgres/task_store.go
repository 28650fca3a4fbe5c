// Package postgres provides Postgres-backed task persistence.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/madiyarbolatuly/browserd/internal/browser"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// TaskStore persists task records and results in Postgres.
type TaskStore struct {
	pool  pgxIface
	clock browser.Clock
}

// Schema holds the DDL for the task tables.
const Schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	finished_at  TIMESTAMPTZ,
	error_text   TEXT NOT NULL DEFAULT '',
	task         JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS task_results (
	task_id      TEXT PRIMARY KEY REFERENCES tasks (id),
	status       TEXT NOT NULL,
	payload      BYTEA,
	error_text   TEXT NOT NULL DEFAULT '',
	artifact_uri TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL DEFAULT '',
	duration_ms  BIGINT NOT NULL DEFAULT 0
);
`

// NewTaskStore creates a Postgres-backed TaskStore using the provided config.
func NewTaskStore(ctx context.Context, cfg Config, clock browser.Clock) (*TaskStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &TaskStore{pool: pool, clock: clock}, nil
}

// NewTaskStoreWithPool constructs a store from an existing pool (primarily for
// testing).
func NewTaskStoreWithPool(pool pgxIface, clock browser.Clock) (*TaskStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &TaskStore{pool: pool, clock: clock}, nil
}

// EnsureSchema creates the task tables when they do not exist.
func (s *TaskStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateTask inserts a new task row.
func (s *TaskStore) CreateTask(ctx context.Context, rec browser.TaskRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if rec.Status == "" {
		rec.Status = browser.TaskStatusQueued
	}
	if rec.Submitted.IsZero() {
		rec.Submitted = s.clock.Now()
	}
	taskJSON, err := json.Marshal(rec.Task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	const query = `
INSERT INTO tasks (id, status, submitted_at, error_text, task)
VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.pool.Exec(ctx, query,
		rec.ID, string(rec.Status), rec.Submitted, rec.ErrorText, taskJSON,
	); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTaskStatus advances a task's lifecycle state. Terminal states are
// written at most once.
func (s *TaskStore) UpdateTaskStatus(ctx context.Context, taskID string, status browser.TaskStatus, errText string) error {
	const query = `
UPDATE tasks SET
	status = $2,
	error_text = $3,
	started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN $4 ELSE started_at END,
	finished_at = CASE WHEN $5 THEN $4 ELSE finished_at END
WHERE id = $1
  AND status NOT IN ('succeeded', 'failed', 'timed_out', 'canceled')`

	tag, err := s.pool.Exec(ctx, query,
		taskID, string(status), errText, s.clock.Now(), status.IsTerminal(),
	)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Either the task is unknown or it already reached a terminal state.
	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, taskID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return browser.ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup task status: %w", err)
	}
	if current == string(status) {
		return nil
	}
	return fmt.Errorf("task %s already %s", taskID, current)
}

// RecordResult stores the terminal result. First write wins.
func (s *TaskStore) RecordResult(ctx context.Context, result browser.Result) error {
	const query = `
INSERT INTO task_results (task_id, status, payload, error_text, artifact_uri, content_hash, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (task_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		result.TaskID, string(result.Status), result.Payload,
		result.ErrorText, result.ArtifactURI, result.ContentHash, result.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("result for task %s already recorded", result.TaskID)
	}
	return nil
}

// GetTask returns the record for a task id.
func (s *TaskStore) GetTask(ctx context.Context, taskID string) (browser.TaskRecord, error) {
	const query = `
SELECT status, submitted_at, started_at, finished_at, error_text, task
FROM tasks WHERE id = $1`

	var (
		rec      browser.TaskRecord
		status   string
		taskJSON []byte
	)
	err := s.pool.QueryRow(ctx, query, taskID).Scan(
		&status, &rec.Submitted, &rec.Started, &rec.Finished, &rec.ErrorText, &taskJSON,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return browser.TaskRecord{}, browser.ErrTaskNotFound
	}
	if err != nil {
		return browser.TaskRecord{}, fmt.Errorf("select task: %w", err)
	}
	rec.ID = taskID
	rec.Status = browser.TaskStatus(status)
	if err := json.Unmarshal(taskJSON, &rec.Task); err != nil {
		return browser.TaskRecord{}, fmt.Errorf("decode task: %w", err)
	}
	return rec, nil
}

// GetResult returns the terminal result for a task id.
func (s *TaskStore) GetResult(ctx context.Context, taskID string) (browser.Result, error) {
	const query = `
SELECT status, payload, error_text, artifact_uri, content_hash, duration_ms
FROM task_results WHERE task_id = $1`

	var (
		res    browser.Result
		status string
	)
	err := s.pool.QueryRow(ctx, query, taskID).Scan(
		&status, &res.Payload, &res.ErrorText, &res.ArtifactURI, &res.ContentHash, &res.DurationMs,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return browser.Result{}, browser.ErrTaskNotFound
	}
	if err != nil {
		return browser.Result{}, fmt.Errorf("select result: %w", err)
	}
	res.TaskID = taskID
	res.Status = browser.TaskStatus(status)
	res.Duration = time.Duration(res.DurationMs) * time.Millisecond
	return res, nil
}
