package resilience

import (
	"sync"
	"time"
)

// Budget caps how many retries a group of calls may spend inside a rolling
// window. Sharing one *Budget across the RetryConfigs of related operations
// keeps a single misbehaving dependency from multiplying load through
// everyone's retries at once.
//
// Retries draw from the pool as they are scheduled and a successful call
// returns one unit, so short incidents recover quickly while sustained
// failures drain the pool and force callers to fail fast.
type Budget struct {
	mu          sync.Mutex
	maxRetries  int
	window      time.Duration
	windowStart time.Time
	used        int
}

// NewBudget creates a budget allowing maxRetries retries per window.
func NewBudget(maxRetries int, window time.Duration) *Budget {
	if window <= 0 {
		window = time.Minute
	}
	return &Budget{
		maxRetries:  maxRetries,
		window:      window,
		windowStart: time.Now(),
	}
}

// TryConsume takes one retry from the pool. It returns false when the
// current window's allowance is spent.
func (b *Budget) TryConsume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rotateLocked(time.Now())
	if b.used >= b.maxRetries {
		return false
	}
	b.used++
	return true
}

// Refund returns one retry to the pool. Used after a call that consumed
// retries ultimately succeeds. The pool never refunds below zero used.
func (b *Budget) Refund() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rotateLocked(time.Now())
	if b.used > 0 {
		b.used--
	}
}

// Remaining reports how many retries the current window still allows.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rotateLocked(time.Now())
	remaining := b.maxRetries - b.used
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (b *Budget) rotateLocked(now time.Time) {
	if now.Sub(b.windowStart) >= b.window {
		b.windowStart = now
		b.used = 0
	}
}
