package webhook

import (
	"sync"
	"time"
)

const rateWindow = time.Minute

// RateLimiter is a per-IP sliding window limiter
type RateLimiter struct {
	limit int
	now   func() time.Time

	mu       sync.Mutex
	hits     map[string][]time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter allows limit requests per IP per minute and prunes idle IPs in the background
func NewRateLimiter(limit int) *RateLimiter {
	rl := &RateLimiter{
		limit: limit,
		now:   time.Now,
		hits:  make(map[string][]time.Time),
		stop:  make(chan struct{}),
	}
	go rl.prune(5 * time.Minute)
	return rl
}

// Allow records a request from ip and reports whether it is within the limit
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	recent := rl.window(ip, now)
	if len(recent) >= rl.limit {
		rl.hits[ip] = recent
		return false
	}
	rl.hits[ip] = append(recent, now)
	return true
}

// RetryAfter returns how long until ip may send again
func (rl *RateLimiter) RetryAfter(ip string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	recent := rl.window(ip, now)
	if len(recent) < rl.limit {
		return 0
	}
	return recent[0].Add(rateWindow).Sub(now)
}

// window drops hits older than the window; callers hold mu
func (rl *RateLimiter) window(ip string, now time.Time) []time.Time {
	hits := rl.hits[ip]
	i := 0
	for i < len(hits) && now.Sub(hits[i]) >= rateWindow {
		i++
	}
	return hits[i:]
}

func (rl *RateLimiter) prune(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for ip := range rl.hits {
				if recent := rl.window(ip, now); len(recent) == 0 {
					delete(rl.hits, ip)
				} else {
					rl.hits[ip] = recent
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}

// Stop ends background pruning
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
