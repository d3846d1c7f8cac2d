package thread

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edenartlab/eden2-sub000/internal/storage"
	"github.com/edenartlab/eden2-sub000/pkg/task"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func TestSQLiteStore_GetOrCreate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first, err := store.GetOrCreate(ctx, "discord:42", "user-1", "eve")
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "eve", first.Agent)
	assert.Empty(t, first.Messages)

	second, err := store.GetOrCreate(ctx, "discord:42", "user-1", "eve")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetOrCreate(ctx, "", "user-1", "eve")
	assert.Error(t, err)
}

func TestSQLiteStore_Messages(t *testing.T) {
	t.Run("should keep append order", func(t *testing.T) {
		store := setupTestStore(t)
		ctx := context.Background()

		th, err := store.GetOrCreate(ctx, "k", "u", "a")
		require.NoError(t, err)

		for _, content := range []string{"one", "two", "three"} {
			require.NoError(t, store.Append(ctx, th.ID, &Message{Role: RoleUser, Content: content}))
		}

		got, err := store.Get(ctx, th.ID)
		require.NoError(t, err)
		require.Len(t, got.Messages, 3)
		assert.Equal(t, "one", got.Messages[0].Content)
		assert.Equal(t, "three", got.Messages[2].Content)
	})

	t.Run("should hold at most one active message", func(t *testing.T) {
		store := setupTestStore(t)
		ctx := context.Background()

		th, err := store.GetOrCreate(ctx, "k", "u", "a")
		require.NoError(t, err)

		m1 := &Message{Role: RoleUser, Content: "hi"}
		m2 := &Message{Role: RoleUser, Content: "again"}
		require.NoError(t, store.Append(ctx, th.ID, m1))
		require.NoError(t, store.Append(ctx, th.ID, m2))

		require.NoError(t, store.SetActive(ctx, th.ID, m1.ID))
		require.NoError(t, store.SetActive(ctx, th.ID, m2.ID))

		got, err := store.Get(ctx, th.ID)
		require.NoError(t, err)
		assert.Equal(t, m2.ID, got.ActiveMessageID)

		require.NoError(t, store.SetActive(ctx, th.ID, ""))
		got, err = store.Get(ctx, th.ID)
		require.NoError(t, err)
		assert.Empty(t, got.ActiveMessageID)
	})

	t.Run("should update a tool call mirror", func(t *testing.T) {
		store := setupTestStore(t)
		ctx := context.Background()

		th, err := store.GetOrCreate(ctx, "k", "u", "a")
		require.NoError(t, err)

		msg := &Message{
			Role:    RoleAssistant,
			Content: "on it",
			ToolCalls: []ToolCall{
				{ID: "c1", Tool: "txt2img", Args: map[string]any{"prompt": "cat"}},
				{ID: "c2", Tool: "upscale"},
			},
		}
		require.NoError(t, store.Append(ctx, th.ID, msg))

		call := msg.ToolCalls[1]
		call.TaskID = "task-1"
		call.Status = task.StatusCompleted
		call.Result = []task.Output{{URL: "https://x/y.png"}}
		require.NoError(t, store.UpdateToolCall(ctx, th.ID, msg.ID, 1, call))

		got, err := store.Get(ctx, th.ID)
		require.NoError(t, err)
		stored, ok := got.Message(msg.ID)
		require.True(t, ok)
		assert.Equal(t, task.StatusCompleted, stored.ToolCalls[1].Status)
		assert.Equal(t, "task-1", stored.ToolCalls[1].TaskID)
		assert.Equal(t, "cat", stored.ToolCalls[0].Args["prompt"])

		assert.Error(t, store.UpdateToolCall(ctx, th.ID, msg.ID, 5, call))
		assert.ErrorIs(t, store.UpdateToolCall(ctx, th.ID, "nope", 0, call), ErrNotFound)
	})
}
