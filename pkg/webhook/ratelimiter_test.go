package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestLimiter(limit int, clock *time.Time) *RateLimiter {
	rl := NewRateLimiter(limit)
	rl.now = func() time.Time { return *clock }
	return rl
}

func TestRateLimiter(t *testing.T) {
	t.Run("should allow up to the limit per IP", func(t *testing.T) {
		clock := time.Now()
		rl := newTestLimiter(3, &clock)
		defer rl.Stop()

		for i := 0; i < 3; i++ {
			assert.True(t, rl.Allow("10.0.0.1"))
		}
		assert.False(t, rl.Allow("10.0.0.1"))
		assert.True(t, rl.Allow("10.0.0.2"))
	})

	t.Run("should slide the window", func(t *testing.T) {
		clock := time.Now()
		rl := newTestLimiter(2, &clock)
		defer rl.Stop()

		assert.True(t, rl.Allow("ip"))
		clock = clock.Add(30 * time.Second)
		assert.True(t, rl.Allow("ip"))
		assert.False(t, rl.Allow("ip"))
		assert.Equal(t, 30*time.Second, rl.RetryAfter("ip"))

		clock = clock.Add(30 * time.Second)
		assert.Equal(t, time.Duration(0), rl.RetryAfter("ip"))
		assert.True(t, rl.Allow("ip"))
	})

	t.Run("should stop twice safely", func(t *testing.T) {
		rl := NewRateLimiter(1)
		rl.Stop()
		rl.Stop()
	})
}
