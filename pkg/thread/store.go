package thread

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/edenartlab/eden2-sub000/internal/storage"
)

// Store persists threads and their messages
type Store interface {
	// GetOrCreate returns the thread for key, creating it on first contact
	GetOrCreate(ctx context.Context, key, user, agent string) (*Thread, error)
	Get(ctx context.Context, id string) (*Thread, error)
	Append(ctx context.Context, threadID string, msg *Message) error
	// SetActive marks messageID as awaiting a reply. An empty id clears the marker.
	SetActive(ctx context.Context, threadID, messageID string) error
	// UpdateToolCall overwrites the tool call mirror at index of an assistant message
	UpdateToolCall(ctx context.Context, threadID, messageID string, index int, call ToolCall) error
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		active_message_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS thread_messages (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL REFERENCES threads(id),
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		attachments TEXT NOT NULL DEFAULT '[]',
		tool_calls TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		UNIQUE(thread_id, seq)
	)`,
}

// SQLiteStore is a Store backed by the shared SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore migrates the thread tables and returns a store
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if err := storage.Migrate(db, schema...); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, key, user, agent string) (*Thread, error) {
	if key == "" {
		return nil, fmt.Errorf("thread key is required")
	}

	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, key, user_id, agent_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		gonanoid.Must(), key, user, agent, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}

	var id string
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM threads WHERE key = ?`, key).Scan(&id); err != nil {
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Thread, error) {
	var (
		t                Thread
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, key, user_id, agent_id, active_message_id, created_at, updated_at
		FROM threads WHERE id = ?`, id).
		Scan(&t.ID, &t.Key, &t.User, &t.Agent, &t.ActiveMessageID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}
	t.CreatedAt = time.UnixMilli(created)
	t.UpdatedAt = time.UnixMilli(updated)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, name, content, attachments, tool_calls, created_at
		FROM thread_messages WHERE thread_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m                   Message
			role, attach, calls string
			at                  int64
		)
		if err := rows.Scan(&m.ID, &role, &m.Name, &m.Content, &attach, &calls, &at); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(attach), &m.Attachments); err != nil {
			return nil, fmt.Errorf("failed to decode attachments: %w", err)
		}
		if err := json.Unmarshal([]byte(calls), &m.ToolCalls); err != nil {
			return nil, fmt.Errorf("failed to decode tool calls: %w", err)
		}
		m.Role = Role(role)
		m.CreatedAt = time.UnixMilli(at)
		t.Messages = append(t.Messages, m)
	}
	return &t, rows.Err()
}

// Append adds msg at the end of the thread, assigning an id if missing
func (s *SQLiteStore) Append(ctx context.Context, threadID string, msg *Message) error {
	if msg.ID == "" {
		msg.ID = gonanoid.Must()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	attach, err := json.Marshal(orEmpty(msg.Attachments))
	if err != nil {
		return fmt.Errorf("failed to encode attachments: %w", err)
	}
	calls, err := json.Marshal(orEmpty(msg.ToolCalls))
	if err != nil {
		return fmt.Errorf("failed to encode tool calls: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO thread_messages (id, thread_id, seq, role, name, content, attachments, tool_calls, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM thread_messages WHERE thread_id = ?), ?, ?, ?, ?, ?, ?)`,
		msg.ID, threadID, threadID, string(msg.Role), msg.Name, msg.Content, string(attach), string(calls),
		msg.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	if err := touch(ctx, tx, threadID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) SetActive(ctx context.Context, threadID, messageID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET active_message_id = ?, updated_at = ? WHERE id = ?`,
		messageID, time.Now().UnixMilli(), threadID)
	if err != nil {
		return fmt.Errorf("failed to set active message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, threadID)
	}
	return nil
}

func (s *SQLiteStore) UpdateToolCall(ctx context.Context, threadID, messageID string, index int, call ToolCall) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT tool_calls FROM thread_messages WHERE id = ? AND thread_id = ?`, messageID, threadID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	if err != nil {
		return fmt.Errorf("failed to load tool calls: %w", err)
	}

	var calls []ToolCall
	if err := json.Unmarshal([]byte(raw), &calls); err != nil {
		return fmt.Errorf("failed to decode tool calls: %w", err)
	}
	if index < 0 || index >= len(calls) {
		return fmt.Errorf("tool call index %d out of range", index)
	}
	calls[index] = call

	b, err := json.Marshal(calls)
	if err != nil {
		return fmt.Errorf("failed to encode tool calls: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE thread_messages SET tool_calls = ? WHERE id = ?`, string(b), messageID); err != nil {
		return fmt.Errorf("failed to update tool call: %w", err)
	}
	if err := touch(ctx, tx, threadID); err != nil {
		return err
	}
	return tx.Commit()
}

func touch(ctx context.Context, tx *sql.Tx, threadID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`, time.Now().UnixMilli(), threadID)
	if err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, threadID)
	}
	return nil
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
