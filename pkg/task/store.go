package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/edenartlab/eden2-sub000/internal/storage"
)

// Store persists tasks. Status writes are monotonic: once terminal, a task never changes status again.
type Store interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// SetHandler records the backend correlation id of a non-terminal task.
	// It reports false when the task was already terminal.
	SetHandler(ctx context.Context, id, handlerID string) (bool, error)
	// GetByHandler loads the task a backend knows as handlerID
	GetByHandler(ctx context.Context, tool, handlerID string) (*Task, error)
	// MarkRunning moves a pending task to running and stamps StartedAt once
	MarkRunning(ctx context.Context, id string, at time.Time) error
	// SetResults replaces the partial result list of a non-terminal task
	SetResults(ctx context.Context, id string, result []Output) error
	// Finish writes a terminal outcome if the task is not terminal yet. Used by remote workers.
	Finish(ctx context.Context, id string, out Outcome, at time.Time) (bool, error)
	// Settle writes out (unless already terminal) and claims the one-time settlement.
	// claimed is true for exactly one caller per task.
	Settle(ctx context.Context, id string, out Outcome, at time.Time) (t *Task, claimed bool, err error)
	// ListUnsettled returns unsettled tasks created before the cutoff
	ListUnsettled(ctx context.Context, before time.Time) ([]*Task, error)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		requester_id TEXT NOT NULL,
		tool TEXT NOT NULL,
		args TEXT NOT NULL,
		status TEXT NOT NULL,
		handler_id TEXT NOT NULL DEFAULT '',
		cost REAL NOT NULL DEFAULT 0,
		result TEXT NOT NULL DEFAULT '[]',
		error TEXT NOT NULL DEFAULT '',
		settled INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		finished_at INTEGER,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_unsettled ON tasks(settled, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_handler ON tasks(handler_id)`,
}

const terminalSet = `('completed', 'failed', 'cancelled')`

// SQLiteStore is a Store backed by the shared SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore migrates the tasks table and returns a store
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if err := storage.Migrate(db, schema...); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Create inserts t, assigning an id and timestamps when missing
func (s *SQLiteStore) Create(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = t.CreatedAt

	args, err := json.Marshal(t.Args)
	if err != nil {
		return fmt.Errorf("failed to encode args: %w", err)
	}
	result, err := json.Marshal(nonNil(t.Result))
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, user_id, requester_id, tool, args, status, handler_id, cost, result, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.User, t.Requester, t.Tool, string(args), string(t.Status), t.HandlerID, t.Cost,
		string(result), t.Error, t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// Get loads a task by id
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Task, error) {
	return scanTask(s.db.QueryRowContext(ctx, selectTask+` WHERE id = ?`, id))
}

func (s *SQLiteStore) GetByHandler(ctx context.Context, tool, handlerID string) (*Task, error) {
	if handlerID == "" {
		return nil, ErrNotFound
	}
	q := selectTask + ` WHERE handler_id = ?`
	args := []any{handlerID}
	if tool != "" {
		q += ` AND tool = ?`
		args = append(args, tool)
	}
	return scanTask(s.db.QueryRowContext(ctx, q+` ORDER BY created_at DESC LIMIT 1`, args...))
}

func (s *SQLiteStore) SetHandler(ctx context.Context, id, handlerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET handler_id = ?, updated_at = ? WHERE id = ? AND status NOT IN `+terminalSet,
		handlerID, time.Now().UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("failed to update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteStore) MarkRunning(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'running', started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		at.UnixMilli(), at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark task running: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetResults(ctx context.Context, id string, result []Output) error {
	b, err := json.Marshal(nonNil(result))
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET result = ?, updated_at = ? WHERE id = ? AND status NOT IN `+terminalSet,
		string(b), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update task result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Finish(ctx context.Context, id string, out Outcome, at time.Time) (bool, error) {
	res, err := s.finish(ctx, s.db, id, out, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to finish task: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) Settle(ctx context.Context, id string, out Outcome, at time.Time) (*Task, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.finish(ctx, tx, id, out, at); err != nil {
		return nil, false, err
	}

	res, err := tx.ExecContext(ctx, `UPDATE tasks SET settled = 1 WHERE id = ? AND settled = 0`, id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to settle task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to settle task: %w", err)
	}

	t, err := scanTask(tx.QueryRowContext(ctx, selectTask+` WHERE id = ?`, id))
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit settlement: %w", err)
	}
	return t, n == 1, nil
}

func (s *SQLiteStore) ListUnsettled(ctx context.Context, before time.Time) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, selectTask+` WHERE settled = 0 AND created_at < ? ORDER BY created_at`,
		before.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// finish writes a terminal outcome only when the current status is not terminal.
// A nil Result keeps whatever partial results were already stored.
func (s *SQLiteStore) finish(ctx context.Context, db execer, id string, out Outcome, at time.Time) (sql.Result, error) {
	if !out.Status.Terminal() {
		return nil, fmt.Errorf("cannot finish task with non-terminal status %s", out.Status)
	}

	var result any
	if out.Result != nil {
		b, err := json.Marshal(out.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode result: %w", err)
		}
		result = string(b)
	}

	res, err := db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, result = COALESCE(?, result), error = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN `+terminalSet,
		string(out.Status), result, out.Error, at.UnixMilli(), at.UnixMilli(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to finish task: %w", err)
	}
	return res, nil
}

const selectTask = `SELECT id, user_id, requester_id, tool, args, status, handler_id, cost, result, error,
	settled, created_at, started_at, finished_at, updated_at FROM tasks`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var (
		t                 Task
		args, result      string
		status            string
		settled           int
		created, updated  int64
		started, finished sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.User, &t.Requester, &t.Tool, &args, &status, &t.HandlerID, &t.Cost,
		&result, &t.Error, &settled, &created, &started, &finished, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	if err := json.Unmarshal([]byte(args), &t.Args); err != nil {
		return nil, fmt.Errorf("failed to decode args: %w", err)
	}
	if err := json.Unmarshal([]byte(result), &t.Result); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}

	t.Status = Status(status)
	t.Settled = settled == 1
	t.CreatedAt = time.UnixMilli(created)
	t.UpdatedAt = time.UnixMilli(updated)
	if started.Valid {
		at := time.UnixMilli(started.Int64)
		t.StartedAt = &at
	}
	if finished.Valid {
		at := time.UnixMilli(finished.Int64)
		t.FinishedAt = &at
	}
	t.Performance = performance(t.CreatedAt, t.StartedAt, t.FinishedAt)
	return &t, nil
}

func nonNil(result []Output) []Output {
	if result == nil {
		return []Output{}
	}
	return result
}
