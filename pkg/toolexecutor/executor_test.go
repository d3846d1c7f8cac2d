package toolexecutor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edenartlab/eden2-sub000/internal/storage"
	"github.com/edenartlab/eden2-sub000/pkg/backend"
	"github.com/edenartlab/eden2-sub000/pkg/quota"
	"github.com/edenartlab/eden2-sub000/pkg/task"
	"github.com/edenartlab/eden2-sub000/pkg/tool"
)

type fakeAdapter struct {
	startErr  error
	cancelErr error
	onStart   func(t *task.Task)
	poll      func(ctx context.Context, t *task.Task, r backend.Reporter) (task.Outcome, error)

	mu      sync.Mutex
	started int
	cancels int
}

func (a *fakeAdapter) Start(_ context.Context, t *task.Task) (string, error) {
	if a.onStart != nil {
		a.onStart(t)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started++
	if a.startErr != nil {
		return "", a.startErr
	}
	return "job-" + t.ID, nil
}

func (a *fakeAdapter) Poll(ctx context.Context, t *task.Task, r backend.Reporter) (task.Outcome, error) {
	if a.poll == nil {
		<-ctx.Done()
		return task.Outcome{}, ctx.Err()
	}
	return a.poll(ctx, t, r)
}

func (a *fakeAdapter) Cancel(context.Context, *task.Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancels++
	return a.cancelErr
}

func (a *fakeAdapter) cancelCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancels
}

func outputs(n int) []task.Output {
	out := make([]task.Output, n)
	for i := range out {
		out[i] = task.Output{URL: "https://cdn.test/out.png", MediaType: "image"}
	}
	return out
}

type testEnv struct {
	exec    *Executor
	tasks   *task.SQLiteStore
	ledger  *quota.Ledger
	adapter *fakeAdapter
	def     *tool.Definition
}

func setupTestExecutor(t *testing.T, adapter *fakeAdapter) *testEnv {
	t.Helper()

	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tasks, err := task.NewSQLiteStore(db)
	require.NoError(t, err)
	ledger, err := quota.NewLedger(db)
	require.NoError(t, err)

	lo, hi := 1.0, 4.0
	def := &tool.Definition{
		Key:         "txt2img",
		Description: "Generate images",
		OutputKind:  tool.OutputImage,
		CostFormula: "n_samples * 2",
		Backend:     tool.BackendLocal,
		Parameters: []tool.ParameterSpec{
			{Name: "prompt", Kind: tool.KindString, Required: true},
			{Name: "n_samples", Kind: tool.KindInt, Default: 1, Minimum: &lo, Maximum: &hi},
		},
	}
	registry := tool.NewRegistry()
	require.NoError(t, registry.Register(def))

	exec, err := New(Config{
		Tools:    registry,
		Tasks:    tasks,
		Ledger:   ledger,
		Adapters: backend.Set{"txt2img": adapter},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	return &testEnv{exec: exec, tasks: tasks, ledger: ledger, adapter: adapter, def: def}
}

func (env *testEnv) balance(t *testing.T) float64 {
	t.Helper()
	b, err := env.ledger.Balance(context.Background(), "user-1")
	require.NoError(t, err)
	return b.Total()
}

func TestNew(t *testing.T) {
	t.Run("should require dependencies", func(t *testing.T) {
		_, err := New(Config{})
		assert.Error(t, err)
	})
}

func TestExecutor_Submit(t *testing.T) {
	t.Run("should create nothing when balance is insufficient", func(t *testing.T) {
		env := setupTestExecutor(t, &fakeAdapter{})
		ctx := context.Background()
		require.NoError(t, env.ledger.Grant(ctx, "user-1", 1, 0))

		tk, err := env.exec.Submit(ctx, "txt2img", SubmitParams{User: "user-1", Args: map[string]any{"prompt": "a cat"}})
		require.Error(t, err)
		assert.Nil(t, tk)
		assert.True(t, errors.Is(err, quota.ErrInsufficientBalance))
		assert.Equal(t, 1.0, env.balance(t))
		assert.Equal(t, 0, env.adapter.started)

		pending, err := env.tasks.ListUnsettled(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("should reject invalid args before billing", func(t *testing.T) {
		env := setupTestExecutor(t, &fakeAdapter{})
		ctx := context.Background()
		require.NoError(t, env.ledger.Grant(ctx, "user-1", 10, 0))

		_, err := env.exec.Submit(ctx, "txt2img", SubmitParams{User: "user-1", Args: map[string]any{"n_samples": 9}})
		require.Error(t, err)

		var verr *tool.ValidationError
		assert.True(t, errors.As(err, &verr))
		assert.Equal(t, 10.0, env.balance(t))
	})

	t.Run("should reject unknown tools", func(t *testing.T) {
		env := setupTestExecutor(t, &fakeAdapter{})
		_, err := env.exec.Submit(context.Background(), "nope", SubmitParams{User: "user-1"})
		assert.ErrorIs(t, err, tool.ErrNotFound)
	})

	t.Run("should charge nothing when dispatch fails", func(t *testing.T) {
		env := setupTestExecutor(t, &fakeAdapter{startErr: errors.New("backend down")})
		ctx := context.Background()
		require.NoError(t, env.ledger.Grant(ctx, "user-1", 10, 0))

		tk, err := env.exec.Submit(ctx, "txt2img", SubmitParams{User: "user-1", Args: map[string]any{"prompt": "a cat"}})
		require.Error(t, err)
		assert.Equal(t, "Task failed: backend down. No manna deducted.", err.Error())

		var derr *DispatchError
		require.True(t, errors.As(err, &derr))
		assert.Equal(t, tk.ID, derr.TaskID)

		assert.Equal(t, task.StatusFailed, tk.Status)
		assert.True(t, tk.Settled)
		assert.Equal(t, 10.0, env.balance(t))
	})

	t.Run("should charge the computed cost once accepted", func(t *testing.T) {
		env := setupTestExecutor(t, &fakeAdapter{})
		ctx := context.Background()
		require.NoError(t, env.ledger.Grant(ctx, "user-1", 5, 3))

		tk, err := env.exec.Submit(ctx, "txt2img", SubmitParams{User: "user-1", Args: map[string]any{"prompt": "a cat", "n_samples": 3}})
		require.NoError(t, err)
		assert.Equal(t, 6.0, tk.Cost)
		assert.Equal(t, "user-1", tk.Requester)
		assert.Equal(t, "job-"+tk.ID, tk.HandlerID)

		b, err := env.ledger.Balance(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, 2.0, b.Regular)
		assert.Equal(t, 0.0, b.Subscription)
	})
}

func TestExecutor_Wait(t *testing.T) {
	t.Run("should settle a completed task without refund", func(t *testing.T) {
		adapter := &fakeAdapter{poll: func(ctx context.Context, _ *task.Task, r backend.Reporter) (task.Outcome, error) {
			require.NoError(t, r.Running(ctx))
			return task.Completed(outputs(2)), nil
		}}
		env := setupTestExecutor(t, adapter)
		ctx := context.Background()
		require.NoError(t, env.ledger.Grant(ctx, "user-1", 10, 0))

		tk, err := env.exec.Run(ctx, "txt2img", SubmitParams{User: "user-1", Args: map[string]any{"prompt": "a cat", "n_samples": 2}})
		require.NoError(t, err)
		assert.Equal(t, task.StatusCompleted, tk.Status)
		assert.True(t, tk.Settled)
		assert.Len(t, tk.Result, 2)
		require.NotNil(t, tk.Performance)
		assert.Equal(t, 6.0, env.balance(t))
	})

	t.Run("should refund the unproduced share exactly once", func(t *testing.T) {
		adapter := &fakeAdapter{poll: func(context.Context, *task.Task, backend.Reporter) (task.Outcome, error) {
			return task.Outcome{Status: task.StatusFailed, Result: outputs(2), Error: "worker crashed"}, nil
		}}
		env := setupTestExecutor(t, adapter)
		ctx := context.Background()
		require.NoError(t, env.ledger.Grant(ctx, "user-1", 10, 0))

		tk, err := env.exec.Submit(ctx, "txt2img", SubmitParams{User: "user-1", Args: map[string]any{"prompt": "a cat", "n_samples": 4}})
		require.NoError(t, err)
		assert.Equal(t, 2.0, env.balance(t))

		settled, err := env.exec.Wait(ctx, tk)
		require.NoError(t, err)
		assert.Equal(t, task.StatusFailed, settled.Status)
		assert.Equal(t, 6.0, env.balance(t))

		var execErr *ExecutionError
		require.True(t, errors.As(TaskError(settled), &execErr))
		assert.Equal(t, "worker crashed", execErr.Message)

		again, err := env.exec.Wait(ctx, tk)
		require.NoError(t, err)
		assert.Equal(t, task.StatusFailed, again.Status)
		assert.Equal(t, 6.0, env.balance(t))
	})

	t.Run("should keep partial results when polling errors", func(t *testing.T) {
		adapter := &fakeAdapter{poll: func(ctx context.Context, _ *task.Task, r backend.Reporter) (task.Outcome, error) {
			require.NoError(t, r.Running(ctx))
			require.NoError(t, r.Progress(ctx, outputs(1)))
			return task.Outcome{}, errors.New("connection reset")
		}}
		env := setupTestExecutor(t, adapter)
		ctx := context.Background()
		require.NoError(t, env.ledger.Grant(ctx, "user-1", 10, 0))

		tk, err := env.exec.Run(ctx, "txt2img", SubmitParams{User: "user-1", Args: map[string]any{"prompt": "a cat", "n_samples": 2}})
		require.Error(t, err)
		assert.Equal(t, task.StatusFailed, tk.Status)
		assert.Equal(t, "connection reset", tk.Error)
		assert.Len(t, tk.Result, 1)
		assert.Equal(t, 8.0, env.balance(t))
	})

	t.Run("should fail and cancel a task that outlives its max duration", func(t *testing.T) {
		adapter := &fakeAdapter{}
		env := setupTestExecutor(t, adapter)
		env.def.MaxDuration = 50 * time.Millisecond
		ctx := context.Background()
		require.NoError(t, env.ledger.Grant(ctx, "user-1", 10, 0))

		tk, err := env.exec.Run(ctx, "txt2img", SubmitParams{User: "user-1", Args: map[string]any{"prompt": "a cat"}})
		require.Error(t, err)
		assert.Equal(t, task.StatusFailed, tk.Status)
		assert.Equal(t, "timed out after 50ms", tk.Error)
		assert.Equal(t, 1, adapter.cancelCount())
		assert.Equal(t, 10.0, env.balance(t))
	})

	t.Run("should cancel the task when the caller goes away", func(t *testing.T) {
		adapter := &fakeAdapter{}
		env := setupTestExecutor(t, adapter)
		require.NoError(t, env.ledger.Grant(context.Background(), "user-1", 10, 0))

		tk, err := env.exec.Submit(context.Background(), "txt2img", SubmitParams{User: "user-1", Args: map[string]any{"prompt": "a cat"}})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		settled, err := env.exec.Wait(ctx, tk)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCancelled, settled.Status)
		assert.ErrorIs(t, TaskError(settled), ErrCancelled)
		assert.Equal(t, 10.0, env.balance(t))
	})
}

func TestExecutor_Cancel(t *testing.T) {
	t.Run("should cancel locally and refund when the backend cannot cancel", func(t *testing.T) {
		adapter := &fakeAdapter{cancelErr: backend.ErrCancelUnsupported}
		env := setupTestExecutor(t, adapter)
		ctx := context.Background()
		require.NoError(t, env.ledger.Grant(ctx, "user-1", 10, 0))

		tk, err := env.exec.Submit(ctx, "txt2img", SubmitParams{User: "user-1", Args: map[string]any{"prompt": "a cat", "n_samples": 2}})
		require.NoError(t, err)
		assert.Equal(t, 6.0, env.balance(t))

		done := make(chan *task.Task, 1)
		go func() {
			settled, err := env.exec.Wait(ctx, tk)
			assert.NoError(t, err)
			done <- settled
		}()
		require.Eventually(t, func() bool { return env.exec.polling(tk.ID) }, time.Second, 5*time.Millisecond)

		cancelled, err := env.exec.Cancel(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCancelled, cancelled.Status)
		assert.Equal(t, 1, adapter.cancelCount())

		select {
		case settled := <-done:
			assert.Equal(t, task.StatusCancelled, settled.Status)
		case <-time.After(time.Second):
			t.Fatal("poller was not interrupted")
		}
		assert.Equal(t, 10.0, env.balance(t))
	})

	t.Run("should leave terminal tasks alone", func(t *testing.T) {
		adapter := &fakeAdapter{poll: func(context.Context, *task.Task, backend.Reporter) (task.Outcome, error) {
			return task.Completed(outputs(1)), nil
		}}
		env := setupTestExecutor(t, adapter)
		ctx := context.Background()
		require.NoError(t, env.ledger.Grant(ctx, "user-1", 10, 0))

		tk, err := env.exec.Run(ctx, "txt2img", SubmitParams{User: "user-1", Args: map[string]any{"prompt": "a cat"}})
		require.NoError(t, err)

		again, err := env.exec.Cancel(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCompleted, again.Status)
		assert.Equal(t, 0, adapter.cancelCount())
		assert.Equal(t, 8.0, env.balance(t))
	})

	t.Run("should refund a task cancelled while it was being dispatched", func(t *testing.T) {
		adapter := &fakeAdapter{}
		env := setupTestExecutor(t, adapter)
		ctx := context.Background()
		require.NoError(t, env.ledger.Grant(ctx, "user-1", 10, 0))

		adapter.onStart = func(pending *task.Task) {
			cancelled, err := env.exec.Cancel(ctx, pending.ID)
			require.NoError(t, err)
			assert.Equal(t, task.StatusCancelled, cancelled.Status)
		}

		tk, err := env.exec.Submit(ctx, "txt2img", SubmitParams{User: "user-1", Args: map[string]any{"prompt": "a cat"}})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrCancelled)
		require.NotNil(t, tk)
		assert.Equal(t, task.StatusCancelled, tk.Status)
		assert.True(t, tk.Settled)
		assert.Empty(t, tk.HandlerID)

		// the dispatched job is stopped and the spend is returned
		assert.Equal(t, 1, adapter.cancelCount())
		assert.Equal(t, 10.0, env.balance(t))
	})

	t.Run("should report unknown tasks", func(t *testing.T) {
		env := setupTestExecutor(t, &fakeAdapter{})
		_, err := env.exec.Cancel(context.Background(), "missing")
		assert.ErrorIs(t, err, task.ErrNotFound)
	})
}

func TestSweeper(t *testing.T) {
	t.Run("should settle abandoned and unsettled tasks once", func(t *testing.T) {
		adapter := &fakeAdapter{}
		env := setupTestExecutor(t, adapter)
		ctx := context.Background()
		require.NoError(t, env.ledger.Grant(ctx, "user-1", 20, 0))

		abandoned, err := env.exec.Submit(ctx, "txt2img", SubmitParams{User: "user-1", Args: map[string]any{"prompt": "a", "n_samples": 2}})
		require.NoError(t, err)

		finished, err := env.exec.Submit(ctx, "txt2img", SubmitParams{User: "user-1", Args: map[string]any{"prompt": "b", "n_samples": 2}})
		require.NoError(t, err)
		// a remote worker wrote the outcome but nobody settled it
		_, err = env.tasks.Finish(ctx, finished.ID, task.Outcome{Status: task.StatusFailed, Result: outputs(1), Error: "oom"}, time.Now())
		require.NoError(t, err)
		assert.Equal(t, 12.0, env.balance(t))

		sweeper, err := NewSweeper(env.exec, SweeperConfig{})
		require.NoError(t, err)
		env.exec.now = func() time.Time { return time.Now().Add(3 * time.Hour) }

		n, err := sweeper.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		got, err := env.tasks.Get(ctx, abandoned.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusFailed, got.Status)
		assert.True(t, got.Settled)
		assert.Equal(t, 1, adapter.cancelCount())

		got, err = env.tasks.Get(ctx, finished.ID)
		require.NoError(t, err)
		assert.Equal(t, "oom", got.Error)

		// 4 back for the abandoned task, 2 for the half-finished one
		assert.Equal(t, 18.0, env.balance(t))

		n, err = sweeper.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		assert.Equal(t, 18.0, env.balance(t))
	})

	t.Run("should skip recent tasks", func(t *testing.T) {
		env := setupTestExecutor(t, &fakeAdapter{})
		ctx := context.Background()
		require.NoError(t, env.ledger.Grant(ctx, "user-1", 10, 0))

		_, err := env.exec.Submit(ctx, "txt2img", SubmitParams{User: "user-1", Args: map[string]any{"prompt": "a"}})
		require.NoError(t, err)

		sweeper, err := NewSweeper(env.exec, SweeperConfig{})
		require.NoError(t, err)

		n, err := sweeper.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("should reject a bad schedule", func(t *testing.T) {
		env := setupTestExecutor(t, &fakeAdapter{})
		_, err := NewSweeper(env.exec, SweeperConfig{Schedule: "every tuesday"})
		assert.Error(t, err)
	})
}

type notifyingAdapter struct {
	*fakeAdapter
	out  task.Outcome
	done bool
}

func (a *notifyingAdapter) Notify(_ context.Context, _ *task.Task, _ []byte) (task.Outcome, bool, error) {
	return a.out, a.done, nil
}

func setupNotifyingExecutor(t *testing.T, adapter *notifyingAdapter) *testEnv {
	t.Helper()
	env := setupTestExecutor(t, adapter.fakeAdapter)
	exec, err := New(Config{
		Tools:    env.exec.tools,
		Tasks:    env.tasks,
		Ledger:   env.ledger,
		Adapters: backend.Set{"txt2img": adapter},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	env.exec = exec
	return env
}

func TestExecutor_Deliver(t *testing.T) {
	t.Run("should settle a waiting task from a pushed outcome", func(t *testing.T) {
		env := setupNotifyingExecutor(t, &notifyingAdapter{fakeAdapter: &fakeAdapter{}, out: task.Completed(outputs(2)), done: true})
		ctx := context.Background()
		require.NoError(t, env.ledger.Grant(ctx, "user-1", 10, 0))

		tk, err := env.exec.Submit(ctx, "txt2img", SubmitParams{User: "user-1", Args: map[string]any{"prompt": "a cat", "n_samples": 2}})
		require.NoError(t, err)

		waited := make(chan *task.Task, 1)
		go func() {
			settled, _ := env.exec.Wait(ctx, tk)
			waited <- settled
		}()
		require.Eventually(t, func() bool { return env.exec.polling(tk.ID) }, time.Second, 5*time.Millisecond)

		delivered, err := env.exec.Deliver(ctx, tk.HandlerID, []byte(`{}`))
		require.NoError(t, err)
		assert.Equal(t, task.StatusCompleted, delivered.Status)
		assert.True(t, delivered.Settled)

		select {
		case settled := <-waited:
			require.NotNil(t, settled)
			assert.Equal(t, task.StatusCompleted, settled.Status)
			assert.Len(t, settled.Result, 2)
		case <-time.After(time.Second):
			t.Fatal("Wait did not return after delivery")
		}
		assert.Equal(t, 6.0, env.balance(t))
	})

	t.Run("should refund a failed delivery", func(t *testing.T) {
		env := setupNotifyingExecutor(t, &notifyingAdapter{fakeAdapter: &fakeAdapter{}, out: task.Failed("nsfw"), done: true})
		ctx := context.Background()
		require.NoError(t, env.ledger.Grant(ctx, "user-1", 10, 0))

		tk, err := env.exec.Submit(ctx, "txt2img", SubmitParams{User: "user-1", Args: map[string]any{"prompt": "a cat", "n_samples": 2}})
		require.NoError(t, err)
		assert.Equal(t, 6.0, env.balance(t))

		delivered, err := env.exec.Deliver(ctx, tk.HandlerID, nil)
		require.NoError(t, err)
		assert.Equal(t, task.StatusFailed, delivered.Status)
		assert.Equal(t, 10.0, env.balance(t))

		again, err := env.exec.Deliver(ctx, tk.HandlerID, nil)
		require.NoError(t, err)
		assert.Equal(t, task.StatusFailed, again.Status)
		assert.Equal(t, 10.0, env.balance(t))
	})

	t.Run("should mark the task running on a progress update", func(t *testing.T) {
		env := setupNotifyingExecutor(t, &notifyingAdapter{fakeAdapter: &fakeAdapter{}})
		ctx := context.Background()
		require.NoError(t, env.ledger.Grant(ctx, "user-1", 10, 0))

		tk, err := env.exec.Submit(ctx, "txt2img", SubmitParams{User: "user-1", Args: map[string]any{"prompt": "a cat"}})
		require.NoError(t, err)

		delivered, err := env.exec.Deliver(ctx, tk.HandlerID, nil)
		require.NoError(t, err)
		assert.Equal(t, task.StatusRunning, delivered.Status)
		assert.False(t, delivered.Settled)
	})

	t.Run("should reject backends without notifications", func(t *testing.T) {
		env := setupTestExecutor(t, &fakeAdapter{})
		ctx := context.Background()
		require.NoError(t, env.ledger.Grant(ctx, "user-1", 10, 0))

		tk, err := env.exec.Submit(ctx, "txt2img", SubmitParams{User: "user-1", Args: map[string]any{"prompt": "a cat"}})
		require.NoError(t, err)

		_, err = env.exec.Deliver(ctx, tk.HandlerID, nil)
		assert.ErrorIs(t, err, ErrNotNotifiable)
	})

	t.Run("should report unknown handlers", func(t *testing.T) {
		env := setupTestExecutor(t, &fakeAdapter{})
		_, err := env.exec.Deliver(context.Background(), "nobody", nil)
		assert.ErrorIs(t, err, task.ErrNotFound)
	})
}
