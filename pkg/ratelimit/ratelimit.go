// Package ratelimit limits how often a key (a user, a thread) may start work.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter decides whether work for key may start. Implementations are safe for concurrent use.
type Limiter interface {
	// Allow reserves a slot for key. When allowed, release must be called once the work ends.
	Allow(ctx context.Context, key string) (allowed bool, reason string, release func())
}

// Noop allows everything
type Noop struct{}

func (Noop) Allow(context.Context, string) (bool, string, func()) {
	return true, "", func() {}
}

const (
	ReasonConcurrent = "too many concurrent requests"
	ReasonRate       = "rate limit exceeded"
)

// window is the per-key request log
type window struct {
	requests   []time.Time
	concurrent int
	lastAccess time.Time
}

// SlidingWindow allows at most perMinute starts in any trailing minute and at
// most maxConcurrent in flight, per key.
type SlidingWindow struct {
	mu            sync.Mutex
	perMinute     int
	maxConcurrent int
	windows       map[string]*window
	now           func() time.Time
}

// NewSlidingWindow creates a limiter. Non-positive limits disable that check.
func NewSlidingWindow(perMinute, maxConcurrent int) *SlidingWindow {
	return &SlidingWindow{
		perMinute:     perMinute,
		maxConcurrent: maxConcurrent,
		windows:       make(map[string]*window),
		now:           time.Now,
	}
}

func (s *SlidingWindow) Allow(_ context.Context, key string) (bool, string, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok {
		w = &window{}
		s.windows[key] = w
	}
	w.lastAccess = now
	w.requests = trim(w.requests, now.Add(-time.Minute))

	if s.maxConcurrent > 0 && w.concurrent >= s.maxConcurrent {
		return false, ReasonConcurrent, func() {}
	}
	if s.perMinute > 0 && len(w.requests) >= s.perMinute {
		return false, ReasonRate, func() {}
	}

	w.requests = append(w.requests, now)
	w.concurrent++

	var once sync.Once
	return true, "", func() {
		once.Do(func() { s.release(key) })
	}
}

func (s *SlidingWindow) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.windows[key]; ok && w.concurrent > 0 {
		w.concurrent--
	}
}

// Stats returns the requests in the current window and the in-flight count for key
func (s *SlidingWindow) Stats(key string) (requests, concurrent int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		return 0, 0
	}
	w.requests = trim(w.requests, s.now().Add(-time.Minute))
	return len(w.requests), w.concurrent
}

// Prune drops idle keys with nothing in flight. Returns how many were dropped.
func (s *SlidingWindow) Prune(idle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-idle)
	n := 0
	for key, w := range s.windows {
		if w.concurrent == 0 && w.lastAccess.Before(cutoff) {
			delete(s.windows, key)
			n++
		}
	}
	return n
}

func trim(requests []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(requests) && !requests[i].After(cutoff) {
		i++
	}
	return requests[i:]
}
