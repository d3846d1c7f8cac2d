package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_Enqueue(t *testing.T) {
	t.Run("should return the job result", func(t *testing.T) {
		q := New()
		defer q.Close()

		result, err := q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
			return "result", nil
		}, nil)

		assert.NoError(t, err)
		assert.Equal(t, "result", result)
	})

	t.Run("should return the job error", func(t *testing.T) {
		q := New()
		defer q.Close()

		expected := errors.New("job failed")
		result, err := q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
			return nil, expected
		}, nil)

		assert.Equal(t, expected, err)
		assert.Nil(t, result)
	})

	t.Run("should turn a panic into an error", func(t *testing.T) {
		q := New()
		defer q.Close()

		_, err := q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
			panic("boom")
		}, nil)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("should reject after close", func(t *testing.T) {
		q := New()
		require.NoError(t, q.Close())

		_, err := q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, nil)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestQueue_SerialLane(t *testing.T) {
	q := New()
	defer q.Close()

	var (
		running atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue(context.Background(), "thread:1", func(ctx context.Context) (interface{}, error) {
				if running.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil, nil
			}, nil)
		}()
	}
	wg.Wait()

	assert.False(t, overlap.Load())
}

func TestQueue_FIFO(t *testing.T) {
	q := New()
	defer q.Close()

	release := make(chan struct{})
	go func() {
		_, _ = q.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			<-release
			return nil, nil
		}, nil)
	}()
	require.Eventually(t, func() bool { return q.Stats()["lane"]["running"] == 1 }, time.Second, time.Millisecond)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			}, nil)
		}()
		require.Eventually(t, func() bool { return q.Stats()["lane"]["queued"] == i+1 }, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestQueue_ConcurrentLanes(t *testing.T) {
	q := New()
	defer q.Close()

	started := make(chan string, 2)
	release := make(chan struct{})
	var wg sync.WaitGroup
	for _, lane := range []string{"thread:a", "thread:b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue(context.Background(), lane, func(ctx context.Context) (interface{}, error) {
				started <- lane
				<-release
				return nil, nil
			}, nil)
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("lanes did not run concurrently")
		}
	}
	close(release)
	wg.Wait()
}

func TestQueue_ContextWhileQueued(t *testing.T) {
	q := New()
	defer q.Close()

	release := make(chan struct{})
	go func() {
		_, _ = q.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			<-release
			return nil, nil
		}, nil)
	}()
	require.Eventually(t, func() bool { return q.Stats()["lane"]["running"] == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var ran atomic.Bool
	_, err := q.Enqueue(ctx, "lane", func(ctx context.Context) (interface{}, error) {
		ran.Store(true)
		return nil, nil
	}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	assert.True(t, q.WaitForActive(time.Second))
	assert.False(t, ran.Load())
	assert.Equal(t, 0, q.Stats()["lane"]["queued"])
}

func TestQueue_ClearLane(t *testing.T) {
	q := New()
	defer q.Close()

	release := make(chan struct{})
	defer close(release)
	go func() {
		_, _ = q.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			<-release
			return nil, nil
		}, nil)
	}()
	require.Eventually(t, func() bool { return q.Stats()["lane"]["running"] == 1 }, time.Second, time.Millisecond)

	errs := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, nil)
		errs <- err
	}()
	require.Eventually(t, func() bool { return q.Stats()["lane"]["queued"] == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 1, q.ClearLane("lane"))
	assert.ErrorIs(t, <-errs, ErrLaneCleared)
}

func TestQueue_SetConcurrency(t *testing.T) {
	q := New()
	defer q.Close()

	q.SetConcurrency("test", 3)
	assert.Equal(t, 3, q.Stats()["test"]["concurrency"])
}

func TestQueue_Events(t *testing.T) {
	q := New()
	defer q.Close()

	var (
		mu     sync.Mutex
		events []Event
	)
	record := func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}
	q.On("enqueued", record)
	q.On("completed", record)

	_, err := q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, "enqueued", events[0].Type)
	assert.Equal(t, "completed", events[1].Type)
	assert.Equal(t, "test", events[1].Lane)
	assert.Contains(t, events[1].Data, "success")
	mu.Unlock()

	q.Off("enqueued")
	q.Off("completed")
	_, _ = q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, events, 2)
}
