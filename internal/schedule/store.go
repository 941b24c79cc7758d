package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/meshboard/meshboard/internal/store"
)

// Execution outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

// Execution is one immutable row of task execution history.
type Execution struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	Plugin     string    `json:"plugin"`
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
}

// TaskRecord is the persisted form of a task definition.
type TaskRecord struct {
	ID               string        `json:"id"`
	Plugin           string        `json:"plugin"`
	Name             string        `json:"name"`
	Kind             string        `json:"kind"`
	Cron             string        `json:"cron,omitempty"`
	Every            time.Duration `json:"every,omitempty"`
	At               time.Time     `json:"at,omitempty"`
	Timeout          time.Duration `json:"timeout"`
	FailureThreshold int           `json:"failure_threshold"`
	Enabled          bool          `json:"enabled"`
	NextRun          time.Time     `json:"next_run,omitempty"`
	Failures         int           `json:"consecutive_failures"`
}

// Migrations defines the scheduler's schema.
var Migrations = []store.Migration{
	{
		Version:     1,
		Description: "create tasks and task_executions tables",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE tasks (
					task_id           TEXT PRIMARY KEY,
					plugin            TEXT NOT NULL,
					name              TEXT NOT NULL,
					kind              TEXT NOT NULL,
					cron              TEXT NOT NULL DEFAULT '',
					every_ns          INTEGER NOT NULL DEFAULT 0,
					at                DATETIME,
					timeout_ns        INTEGER NOT NULL,
					failure_threshold INTEGER NOT NULL,
					enabled           INTEGER NOT NULL DEFAULT 1,
					created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				)
			`)
			if err != nil {
				return err
			}
			_, err = tx.Exec(`
				CREATE TABLE task_executions (
					id          INTEGER PRIMARY KEY AUTOINCREMENT,
					task_id     TEXT NOT NULL,
					plugin      TEXT NOT NULL,
					name        TEXT NOT NULL,
					started_at  DATETIME NOT NULL,
					finished_at DATETIME NOT NULL,
					outcome     TEXT NOT NULL,
					error       TEXT NOT NULL DEFAULT ''
				)
			`)
			if err != nil {
				return err
			}
			_, err = tx.Exec(`CREATE INDEX idx_task_executions_task ON task_executions (task_id, started_at)`)
			return err
		},
	},
}

// Store persists task definitions and execution history.
type Store struct {
	db *sql.DB
}

// NewStore wraps the shared database for scheduler use.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// UpsertTask inserts or replaces a task definition.
func (s *Store) UpsertTask(ctx context.Context, r TaskRecord) error {
	enabled := 0
	if r.Enabled {
		enabled = 1
	}
	var at any
	if !r.At.IsZero() {
		at = r.At.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, plugin, name, kind, cron, every_ns, at, timeout_ns, failure_threshold, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET
			plugin = excluded.plugin,
			name = excluded.name,
			kind = excluded.kind,
			cron = excluded.cron,
			every_ns = excluded.every_ns,
			at = excluded.at,
			timeout_ns = excluded.timeout_ns,
			failure_threshold = excluded.failure_threshold,
			enabled = excluded.enabled`,
		r.ID, r.Plugin, r.Name, r.Kind, r.Cron, int64(r.Every), at,
		int64(r.Timeout), r.FailureThreshold, enabled,
	)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", r.ID, err)
	}
	return nil
}

// SetTaskEnabled flips a task definition's enabled flag.
func (s *Store) SetTaskEnabled(ctx context.Context, taskID string, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET enabled = ? WHERE task_id = ?", v, taskID,
	)
	if err != nil {
		return fmt.Errorf("set task %s enabled: %w", taskID, err)
	}
	return nil
}

// DeleteTask removes a task definition. Its execution history remains until
// age-pruned.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE task_id = ?", taskID)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	return nil
}

// DeleteTasksForPlugin removes every task definition owned by a plugin.
func (s *Store) DeleteTasksForPlugin(ctx context.Context, plugin string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE plugin = ?", plugin)
	if err != nil {
		return fmt.Errorf("delete tasks for %s: %w", plugin, err)
	}
	return nil
}

// ListTasks returns every persisted task definition.
func (s *Store) ListTasks(ctx context.Context) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, plugin, name, kind, cron, every_ns, at, timeout_ns, failure_threshold, enabled
		FROM tasks ORDER BY created_at, task_id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var records []TaskRecord
	for rows.Next() {
		var r TaskRecord
		var everyNS, timeoutNS int64
		var at sql.NullTime
		var enabled int
		if err := rows.Scan(&r.ID, &r.Plugin, &r.Name, &r.Kind, &r.Cron,
			&everyNS, &at, &timeoutNS, &r.FailureThreshold, &enabled); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		r.Every = time.Duration(everyNS)
		r.Timeout = time.Duration(timeoutNS)
		if at.Valid {
			r.At = at.Time
		}
		r.Enabled = enabled != 0
		records = append(records, r)
	}
	return records, rows.Err()
}

// AppendExecution records one task firing. History is append-only.
func (s *Store) AppendExecution(ctx context.Context, e Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_executions (task_id, plugin, name, started_at, finished_at, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.TaskID, e.Plugin, e.Name, e.StartedAt.UTC(), e.FinishedAt.UTC(), e.Outcome, e.Error,
	)
	if err != nil {
		return fmt.Errorf("append execution for %s: %w", e.TaskID, err)
	}
	return nil
}

// ListExecutions returns the most recent executions for a task, newest first.
func (s *Store) ListExecutions(ctx context.Context, taskID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, plugin, name, started_at, finished_at, outcome, error
		FROM task_executions WHERE task_id = ?
		ORDER BY started_at DESC, id DESC LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list executions for %s: %w", taskID, err)
	}
	defer rows.Close()

	var execs []Execution
	for rows.Next() {
		var e Execution
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Plugin, &e.Name,
			&e.StartedAt, &e.FinishedAt, &e.Outcome, &e.Error); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// PruneExecutions deletes history rows older than the cutoff, returning the
// number removed.
func (s *Store) PruneExecutions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM task_executions WHERE started_at < ?", before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	return res.RowsAffected()
}
