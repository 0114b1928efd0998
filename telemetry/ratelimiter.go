package telemetry

import (
	"sync"
	"time"
)

// RateLimiter throttles repetitive events to at most one per interval.
// The logger uses it to keep sustained failures from flooding stderr.
// Denied events are counted so the next allowed entry can report how
// many were dropped in between.
type RateLimiter struct {
	mu         sync.Mutex
	interval   time.Duration
	lastTime   time.Time
	suppressed int
}

// NewRateLimiter creates a limiter allowing one event per interval.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{interval: interval}
}

// Allow reports whether an event may proceed. The first call always
// succeeds; later calls succeed once the interval has elapsed.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.lastTime) < r.interval {
		r.suppressed++
		return false
	}
	r.lastTime = now
	return true
}

// TakeSuppressed returns how many events were denied since the last call
// and resets the count.
func (r *RateLimiter) TakeSuppressed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.suppressed
	r.suppressed = 0
	return n
}
