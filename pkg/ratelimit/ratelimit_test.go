package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlidingWindow_Allow(t *testing.T) {
	ctx := context.Background()

	t.Run("should allow requests under limit", func(t *testing.T) {
		limiter := NewSlidingWindow(10, 5)

		for i := 0; i < 5; i++ {
			allowed, reason, _ := limiter.Allow(ctx, "user-1")
			assert.True(t, allowed)
			assert.Empty(t, reason)
		}
	})

	t.Run("should reject when concurrent limit exceeded", func(t *testing.T) {
		limiter := NewSlidingWindow(100, 3)

		for i := 0; i < 3; i++ {
			allowed, _, _ := limiter.Allow(ctx, "user-1")
			assert.True(t, allowed)
		}

		allowed, reason, _ := limiter.Allow(ctx, "user-1")
		assert.False(t, allowed)
		assert.Equal(t, ReasonConcurrent, reason)
	})

	t.Run("should free a slot on release", func(t *testing.T) {
		limiter := NewSlidingWindow(100, 1)

		_, _, release := limiter.Allow(ctx, "user-1")
		release()
		release()

		allowed, _, _ := limiter.Allow(ctx, "user-1")
		assert.True(t, allowed)

		_, concurrent := limiter.Stats("user-1")
		assert.Equal(t, 1, concurrent)
	})

	t.Run("should reject when rate limit exceeded", func(t *testing.T) {
		limiter := NewSlidingWindow(5, 10)

		for i := 0; i < 5; i++ {
			_, _, release := limiter.Allow(ctx, "user-1")
			release()
		}

		allowed, reason, _ := limiter.Allow(ctx, "user-1")
		assert.False(t, allowed)
		assert.Equal(t, ReasonRate, reason)
	})

	t.Run("should allow requests after window expires", func(t *testing.T) {
		limiter := NewSlidingWindow(2, 10)
		now := time.Now()
		limiter.now = func() time.Time { return now }

		for i := 0; i < 2; i++ {
			_, _, release := limiter.Allow(ctx, "user-1")
			release()
		}
		allowed, _, _ := limiter.Allow(ctx, "user-1")
		assert.False(t, allowed)

		now = now.Add(61 * time.Second)
		allowed, _, _ = limiter.Allow(ctx, "user-1")
		assert.True(t, allowed)
	})

	t.Run("should track keys independently", func(t *testing.T) {
		limiter := NewSlidingWindow(1, 10)

		allowed, _, _ := limiter.Allow(ctx, "user-1")
		assert.True(t, allowed)
		allowed, _, _ = limiter.Allow(ctx, "user-2")
		assert.True(t, allowed)
		allowed, _, _ = limiter.Allow(ctx, "user-1")
		assert.False(t, allowed)
	})
}

func TestSlidingWindow_Prune(t *testing.T) {
	limiter := NewSlidingWindow(10, 10)
	now := time.Now()
	limiter.now = func() time.Time { return now }

	_, _, release := limiter.Allow(context.Background(), "idle")
	release()
	_, _, _ = limiter.Allow(context.Background(), "busy")

	now = now.Add(time.Hour)
	assert.Equal(t, 1, limiter.Prune(10*time.Minute))

	requests, concurrent := limiter.Stats("busy")
	assert.Equal(t, 0, requests)
	assert.Equal(t, 1, concurrent)
}

func TestNoop(t *testing.T) {
	allowed, reason, release := Noop{}.Allow(context.Background(), "anyone")
	assert.True(t, allowed)
	assert.Empty(t, reason)
	release()
}
