// Package ratelimit implements client-side rate limiting for the platform's
// outbound traffic: commerce API calls, LLM requests, and any other
// dependency with an admission budget. Four interchangeable algorithms run
// over per-key state, with optional distributed storage for cluster-wide
// enforcement.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/draftmill/flywheel/core"
)

// Algorithm selects the admission strategy for a limiter key.
type Algorithm string

const (
	// AlgorithmTokenBucket grants whole tokens proportional to elapsed
	// time, allowing bursts up to the bucket size.
	AlgorithmTokenBucket Algorithm = "token_bucket"
	// AlgorithmLeakyBucket restores fractional capacity continuously at a
	// fixed rate, the shape commerce GraphQL cost budgets use.
	AlgorithmLeakyBucket Algorithm = "leaky_bucket"
	// AlgorithmSlidingWindow admits while both the request count and the
	// summed cost inside the trailing window stay within limits.
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	// AlgorithmFixedWindow resets the allowance on aligned window
	// boundaries.
	AlgorithmFixedWindow Algorithm = "fixed_window"
)

// Denial reasons reported in Result.Reason.
const (
	ReasonRateLimited = "rate_limited"
	ReasonConcurrency = "concurrency"
)

// concurrencyRetryDelay is the wait suggested when the in-flight cap
// rejects a request. Slots free on completion, not on a schedule, so a
// flat one second beats any computed estimate.
const concurrencyRetryDelay = time.Second

// Config describes the behavior applied to a limiter key.
type Config struct {
	Algorithm Algorithm

	// MaxRequests is the admission allowance per Window. For cost-based
	// checks it also bounds the per-window request count of the sliding
	// window algorithm.
	MaxRequests int
	Window      time.Duration

	// Burst caps the token stock. Defaults to MaxRequests.
	Burst float64

	// RestoreRate is the leaky bucket's refill in tokens per second.
	// Defaults to MaxRequests spread evenly over Window.
	RestoreRate float64

	// MaxConcurrent caps in-flight executions per key. Zero disables the
	// cap. Admissions take a slot; Release returns it.
	MaxConcurrent int

	// CheckTTL is how long a denial is replayed to back-to-back checks of
	// the same key without re-evaluating. Defaults to one second.
	CheckTTL time.Duration

	// HistoryKeep bounds the ring of recent per-window summaries kept for
	// metrics. Defaults to 10.
	HistoryKeep int
}

func (c Config) normalized() Config {
	if c.Algorithm == "" {
		c.Algorithm = AlgorithmTokenBucket
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = 40
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Burst <= 0 {
		c.Burst = float64(c.MaxRequests)
	}
	if c.RestoreRate <= 0 {
		c.RestoreRate = float64(c.MaxRequests) / c.Window.Seconds()
	}
	if c.CheckTTL <= 0 {
		c.CheckTTL = time.Second
	}
	if c.HistoryKeep <= 0 {
		c.HistoryKeep = 10
	}
	return c
}

// ConfigFromCore maps the platform configuration block onto a limiter
// Config.
func ConfigFromCore(rl core.RateLimitConfig) Config {
	return Config{
		Algorithm:     Algorithm(rl.Algorithm),
		MaxRequests:   rl.MaxRequests,
		Window:        rl.Window,
		MaxConcurrent: rl.Concurrency,
	}
}

// Result reports one admission decision.
type Result struct {
	Allowed   bool
	Remaining float64
	// WaitTime estimates how long until the key admits this cost.
	WaitTime time.Duration
	// Reason is set on denials.
	Reason string
}

// WindowSummary is one completed window's activity, kept for metrics.
type WindowSummary struct {
	Start    time.Time `json:"start"`
	Requests int64     `json:"requests"`
	Rejected int64     `json:"rejected"`
	Cost     float64   `json:"cost"`
}

// KeyMetrics summarizes a key's lifetime and recent activity.
type KeyMetrics struct {
	Key                string          `json:"key"`
	TotalChecks        int64           `json:"total_checks"`
	TotalAllowed       int64           `json:"total_allowed"`
	TotalRejected      int64           `json:"total_rejected"`
	RejectionRate      float64         `json:"rejection_rate"`
	AverageWaitMs      float64         `json:"average_wait_ms"`
	AverageCost        float64         `json:"average_cost"`
	Remaining          float64         `json:"remaining"`
	CurrentConcurrency int             `json:"current_concurrency"`
	PeakConcurrency    int             `json:"peak_concurrency"`
	RecentWindows      []WindowSummary `json:"recent_windows"`
}

// historyEntry is one admitted request inside the sliding window.
type historyEntry struct {
	at   time.Time
	cost float64
}

// keyState is the mutable limiter state for one key. All fields are guarded
// by mu; the limiter's sync.Map only ever hands out stable pointers.
type keyState struct {
	mu  sync.Mutex
	cfg Config

	tokens     float64
	lastRefill time.Time

	windowStart time.Time
	history     []historyEntry

	current int
	peak    int

	totalChecks   int64
	totalAllowed  int64
	totalRejected int64
	totalWaitMs   float64
	totalCost     float64
	lastSeen      time.Time

	summary      WindowSummary
	summaryStart time.Time
	recent       []WindowSummary

	deniedUntil  time.Time
	deniedResult Result
}

// Limiter applies per-key rate limits. Keys are created on first sight with
// the limiter's default Config unless Configure registered an override.
//
// State is process-local unless a DistributedStorage is attached, in which
// case admission counting moves to the shared store with fixed-window
// semantics and storage failures fail open.
type Limiter struct {
	defaults Config

	mu        sync.RWMutex
	overrides map[string]Config

	states sync.Map

	storage   DistributedStorage
	logger    core.Logger
	telemetry core.Telemetry

	cleanupMu   sync.Mutex
	lastCleanup time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithLimiterLogger sets the limiter's logger.
func WithLimiterLogger(logger core.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithLimiterTelemetry sets the limiter's telemetry sink.
func WithLimiterTelemetry(telemetry core.Telemetry) Option {
	return func(l *Limiter) {
		if telemetry != nil {
			l.telemetry = telemetry
		}
	}
}

// WithStorage attaches distributed storage for cluster-wide enforcement.
func WithStorage(storage DistributedStorage) Option {
	return func(l *Limiter) {
		l.storage = storage
	}
}

// NewLimiter creates a limiter whose unseen keys use defaults.
func NewLimiter(defaults Config, opts ...Option) *Limiter {
	l := &Limiter{
		defaults:    defaults.normalized(),
		overrides:   make(map[string]Config),
		logger:      &core.NoOpLogger{},
		telemetry:   &core.NoOpTelemetry{},
		lastCleanup: time.Now(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Configure assigns key its own limits. Existing state for the key is
// discarded so the new limits apply from a full bucket.
func (l *Limiter) Configure(key string, cfg Config) {
	normalized := cfg.normalized()
	l.mu.Lock()
	l.overrides[key] = normalized
	l.mu.Unlock()
	l.states.Delete(key)
}

// CheckLimit checks admission for one unit-cost request.
func (l *Limiter) CheckLimit(ctx context.Context, key string) (*Result, error) {
	return l.CheckCost(ctx, key, 1)
}

// CheckCost checks admission for a request of the given cost. Admission
// consumes the cost and, when a concurrency cap is configured, takes an
// in-flight slot that Release returns.
func (l *Limiter) CheckCost(ctx context.Context, key string, cost float64) (*Result, error) {
	if cost <= 0 {
		cost = 1
	}
	l.cleanupIfNeeded()

	if l.storage != nil {
		return l.checkDistributed(ctx, key, cost)
	}

	state := l.state(key)
	state.mu.Lock()
	defer state.mu.Unlock()

	now := time.Now()
	state.totalChecks++
	state.lastSeen = now
	state.rollSummaryLocked(now, state.cfg)

	// Replay a recent denial instead of re-evaluating. Only denials are
	// cached; replaying an admission would skip consumption.
	if now.Before(state.deniedUntil) {
		state.totalRejected++
		state.summary.Rejected++
		cached := state.deniedResult
		return &cached, nil
	}

	if state.cfg.MaxConcurrent > 0 && state.current >= state.cfg.MaxConcurrent {
		res := Result{
			Allowed:  false,
			WaitTime: concurrencyRetryDelay,
			Reason:   ReasonConcurrency,
		}
		state.totalRejected++
		state.summary.Rejected++
		l.telemetry.RecordMetric("ratelimit.rejections", 1, map[string]string{"key": key, "reason": ReasonConcurrency})
		return &res, nil
	}

	allowed, remaining, wait := state.admitLocked(now, cost)
	res := Result{Allowed: allowed, Remaining: remaining, WaitTime: wait}
	state.summary.Requests++

	if allowed {
		state.totalAllowed++
		state.totalCost += cost
		state.summary.Cost += cost
		if state.cfg.MaxConcurrent > 0 {
			state.current++
			if state.current > state.peak {
				state.peak = state.current
			}
		}
		l.telemetry.RecordMetric("ratelimit.checks", 1, map[string]string{"key": key, "allowed": "true"})
	} else {
		res.Reason = ReasonRateLimited
		state.totalRejected++
		state.summary.Rejected++
		state.totalWaitMs += float64(wait.Milliseconds())
		state.deniedUntil = now.Add(state.cfg.CheckTTL)
		state.deniedResult = res
		l.telemetry.RecordMetric("ratelimit.rejections", 1, map[string]string{"key": key, "reason": ReasonRateLimited})
	}
	return &res, nil
}

// Release returns an in-flight slot taken by an admitted request. Calls for
// keys without a concurrency cap are no-ops.
func (l *Limiter) Release(ctx context.Context, key string) {
	if l.storage != nil {
		l.releaseDistributed(ctx, key)
		return
	}
	value, ok := l.states.Load(key)
	if !ok {
		return
	}
	state := value.(*keyState)
	state.mu.Lock()
	if state.current > 0 {
		state.current--
	}
	state.mu.Unlock()
}

// Refund returns cost to the key's allowance, clamped at the burst size.
// Used when a consumer learns the real cost of an admitted request was
// lower than estimated.
func (l *Limiter) Refund(ctx context.Context, key string, cost float64) {
	if cost <= 0 {
		return
	}
	if l.storage != nil {
		l.refundDistributed(ctx, key, cost)
		return
	}
	value, ok := l.states.Load(key)
	if !ok {
		return
	}
	state := value.(*keyState)
	state.mu.Lock()
	defer state.mu.Unlock()

	switch state.cfg.Algorithm {
	case AlgorithmSlidingWindow:
		// Shrink the most recent entries by the refunded amount.
		left := cost
		for i := len(state.history) - 1; i >= 0 && left > 0; i-- {
			take := math.Min(left, state.history[i].cost)
			state.history[i].cost -= take
			left -= take
		}
	default:
		state.tokens = math.Min(state.cfg.Burst, state.tokens+cost)
	}
	l.telemetry.RecordMetric("ratelimit.refunds", cost, map[string]string{"key": key})
}

// WaitForToken blocks until key admits one unit-cost request or maxWait
// elapses. It returns false on timeout without consuming anything.
func (l *Limiter) WaitForToken(ctx context.Context, key string, maxWait time.Duration) (bool, error) {
	return l.WaitForCost(ctx, key, 1, maxWait)
}

// WaitForCost blocks until key admits the given cost or maxWait elapses.
// Between checks it sleeps the limiter's wait estimate plus a growing
// backoff (1.5x per round, capped at five seconds) plus jitter so clustered
// callers spread out.
func (l *Limiter) WaitForCost(ctx context.Context, key string, cost float64, maxWait time.Duration) (bool, error) {
	deadline := time.Now().Add(maxWait)
	var backoff time.Duration
	waited := time.Duration(0)

	for {
		res, err := l.CheckCost(ctx, key, cost)
		if err != nil {
			return false, err
		}
		if res.Allowed {
			if waited > 0 {
				l.telemetry.RecordMetric("ratelimit.waits", 1, map[string]string{"key": key})
				l.telemetry.RecordMetric("ratelimit.wait_time", float64(waited.Milliseconds()), map[string]string{"key": key})
			}
			return true, nil
		}

		if backoff == 0 {
			backoff = 50 * time.Millisecond
		} else {
			backoff = time.Duration(float64(backoff) * 1.5)
			if backoff > 5*time.Second {
				backoff = 5 * time.Second
			}
		}
		sleep := res.WaitTime + backoff
		if backoff > 0 {
			sleep += time.Duration(rand.Int63n(int64(backoff)/4 + 1))
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		if sleep > remaining {
			sleep = remaining
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
		waited += sleep

		if time.Now().After(deadline) {
			return false, nil
		}
	}
}

// Metrics returns a snapshot of the key's counters, or nil for keys never
// seen.
func (l *Limiter) Metrics(key string) *KeyMetrics {
	value, ok := l.states.Load(key)
	if !ok {
		return nil
	}
	state := value.(*keyState)
	state.mu.Lock()
	defer state.mu.Unlock()

	m := &KeyMetrics{
		Key:                key,
		TotalChecks:        state.totalChecks,
		TotalAllowed:       state.totalAllowed,
		TotalRejected:      state.totalRejected,
		Remaining:          state.tokens,
		CurrentConcurrency: state.current,
		PeakConcurrency:    state.peak,
		RecentWindows:      append([]WindowSummary(nil), state.recent...),
	}
	if state.totalChecks > 0 {
		m.RejectionRate = float64(state.totalRejected) / float64(state.totalChecks)
	}
	if state.totalRejected > 0 {
		m.AverageWaitMs = state.totalWaitMs / float64(state.totalRejected)
	}
	if state.totalAllowed > 0 {
		m.AverageCost = state.totalCost / float64(state.totalAllowed)
	}
	return m
}

// Cleanup drops key states idle longer than maxIdle and returns how many
// were removed.
func (l *Limiter) Cleanup(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	l.states.Range(func(key, value interface{}) bool {
		state := value.(*keyState)
		state.mu.Lock()
		idle := state.lastSeen.Before(cutoff) && state.current == 0
		state.mu.Unlock()
		if idle {
			l.states.Delete(key)
			removed++
		}
		return true
	})
	if removed > 0 {
		l.logger.Debug("Cleaned up idle rate limiter keys", map[string]interface{}{
			"operation": "ratelimit_cleanup",
			"removed":   removed,
		})
	}
	return removed
}

// cleanupIfNeeded runs Cleanup opportunistically at most every five
// minutes, so long-lived limiters do not accumulate one-off keys.
func (l *Limiter) cleanupIfNeeded() {
	const interval = 5 * time.Minute
	l.cleanupMu.Lock()
	due := time.Since(l.lastCleanup) >= interval
	if due {
		l.lastCleanup = time.Now()
	}
	l.cleanupMu.Unlock()
	if due {
		l.Cleanup(10 * time.Minute)
	}
}

// state returns the keyState for key, creating it full on first sight.
func (l *Limiter) state(key string) *keyState {
	if value, ok := l.states.Load(key); ok {
		return value.(*keyState)
	}

	cfg := l.configFor(key)
	now := time.Now()
	fresh := &keyState{
		cfg:          cfg,
		tokens:       cfg.Burst,
		lastRefill:   now,
		windowStart:  now.Truncate(cfg.Window),
		lastSeen:     now,
		summaryStart: now,
		summary:      WindowSummary{Start: now},
	}
	actual, _ := l.states.LoadOrStore(key, fresh)
	return actual.(*keyState)
}

func (l *Limiter) configFor(key string) Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if cfg, ok := l.overrides[key]; ok {
		return cfg
	}
	return l.defaults
}

// admitLocked applies the configured algorithm. It returns the decision,
// the remaining allowance, and the wait estimate on denial. Token stocks
// never leave [0, Burst].
func (s *keyState) admitLocked(now time.Time, cost float64) (bool, float64, time.Duration) {
	switch s.cfg.Algorithm {
	case AlgorithmLeakyBucket:
		return s.admitLeakyLocked(now, cost)
	case AlgorithmSlidingWindow:
		return s.admitSlidingLocked(now, cost)
	case AlgorithmFixedWindow:
		return s.admitFixedLocked(now, cost)
	default:
		return s.admitTokenLocked(now, cost)
	}
}

// admitTokenLocked refills whole tokens proportional to elapsed time.
// lastRefill only advances when at least one token lands, so fractional
// accrual is never lost to frequent checks.
func (s *keyState) admitTokenLocked(now time.Time, cost float64) (bool, float64, time.Duration) {
	elapsed := now.Sub(s.lastRefill)
	if elapsed > 0 {
		refill := math.Floor(elapsed.Seconds() / s.cfg.Window.Seconds() * float64(s.cfg.MaxRequests))
		if refill >= 1 {
			s.tokens = math.Min(s.cfg.Burst, s.tokens+refill)
			s.lastRefill = now
		}
	}
	if s.tokens >= cost {
		s.tokens -= cost
		return true, s.tokens, 0
	}
	deficit := cost - s.tokens
	wait := time.Duration(deficit / float64(s.cfg.MaxRequests) * float64(s.cfg.Window))
	return false, s.tokens, wait
}

// admitLeakyLocked restores fractional tokens continuously.
func (s *keyState) admitLeakyLocked(now time.Time, cost float64) (bool, float64, time.Duration) {
	elapsed := now.Sub(s.lastRefill).Seconds()
	if elapsed > 0 {
		s.tokens = math.Min(s.cfg.Burst, s.tokens+elapsed*s.cfg.RestoreRate)
		s.lastRefill = now
	}
	if s.tokens >= cost {
		s.tokens -= cost
		return true, s.tokens, 0
	}
	deficit := cost - s.tokens
	wait := time.Duration(deficit / s.cfg.RestoreRate * float64(time.Second))
	return false, s.tokens, wait
}

// admitSlidingLocked admits while both the request count and the summed
// cost inside the trailing window stay within limits.
func (s *keyState) admitSlidingLocked(now time.Time, cost float64) (bool, float64, time.Duration) {
	cutoff := now.Add(-s.cfg.Window)
	firstLive := 0
	for firstLive < len(s.history) && s.history[firstLive].at.Before(cutoff) {
		firstLive++
	}
	if firstLive > 0 {
		s.history = append([]historyEntry(nil), s.history[firstLive:]...)
	}

	var sum float64
	for _, e := range s.history {
		sum += e.cost
	}

	if len(s.history) < s.cfg.MaxRequests && sum+cost <= s.cfg.Burst {
		s.history = append(s.history, historyEntry{at: now, cost: cost})
		return true, s.cfg.Burst - (sum + cost), 0
	}

	wait := s.cfg.Window
	if len(s.history) > 0 {
		wait = s.history[0].at.Add(s.cfg.Window).Sub(now)
		if wait < 0 {
			wait = 0
		}
	}
	return false, s.cfg.Burst - sum, wait
}

// admitFixedLocked resets the stock on aligned window boundaries.
func (s *keyState) admitFixedLocked(now time.Time, cost float64) (bool, float64, time.Duration) {
	bucketStart := now.Truncate(s.cfg.Window)
	if !bucketStart.Equal(s.windowStart) {
		s.windowStart = bucketStart
		s.tokens = s.cfg.Burst
	}
	if s.tokens >= cost {
		s.tokens -= cost
		return true, s.tokens, 0
	}
	wait := s.windowStart.Add(s.cfg.Window).Sub(now)
	return false, s.tokens, wait
}

// rollSummaryLocked closes out the metrics summary when a window's span has
// passed, pushing it onto the bounded recent ring.
func (s *keyState) rollSummaryLocked(now time.Time, cfg Config) {
	if now.Sub(s.summaryStart) < cfg.Window {
		return
	}
	if s.summary.Requests > 0 || s.summary.Rejected > 0 {
		s.recent = append(s.recent, s.summary)
		if len(s.recent) > cfg.HistoryKeep {
			s.recent = s.recent[len(s.recent)-cfg.HistoryKeep:]
		}
	}
	s.summaryStart = now
	s.summary = WindowSummary{Start: now}
}

// --- distributed path ---

// checkDistributed enforces fixed-window counting through the shared store.
// Storage failures fail open: a broken Redis must not take down all
// outbound traffic with it.
func (l *Limiter) checkDistributed(ctx context.Context, key string, cost float64) (*Result, error) {
	cfg := l.configFor(key)
	now := time.Now()
	bucket := now.Truncate(cfg.Window)
	units := int64(math.Ceil(cost))

	if cfg.MaxConcurrent > 0 {
		inflight, err := l.storage.Increment(ctx, inflightKey(key), 1, cfg.Window*2)
		if err != nil {
			l.failOpen(key, err)
			return &Result{Allowed: true, Remaining: float64(cfg.MaxRequests)}, nil
		}
		if inflight > int64(cfg.MaxConcurrent) {
			_, _ = l.storage.Decrement(ctx, inflightKey(key), 1)
			l.telemetry.RecordMetric("ratelimit.rejections", 1, map[string]string{"key": key, "reason": ReasonConcurrency})
			return &Result{Allowed: false, WaitTime: concurrencyRetryDelay, Reason: ReasonConcurrency}, nil
		}
	}

	storageKey := fmt.Sprintf("%s:%d", key, bucket.Unix())
	count, err := l.storage.Increment(ctx, storageKey, units, cfg.Window*2)
	if err != nil {
		l.failOpen(key, err)
		return &Result{Allowed: true, Remaining: float64(cfg.MaxRequests)}, nil
	}
	if count > int64(cfg.MaxRequests) {
		// Undo this check's contribution so the denial does not shrink the
		// window for the next caller.
		_, _ = l.storage.Decrement(ctx, storageKey, units)
		if cfg.MaxConcurrent > 0 {
			_, _ = l.storage.Decrement(ctx, inflightKey(key), 1)
		}
		wait := bucket.Add(cfg.Window).Sub(now)
		l.telemetry.RecordMetric("ratelimit.rejections", 1, map[string]string{"key": key, "reason": ReasonRateLimited})
		return &Result{Allowed: false, WaitTime: wait, Reason: ReasonRateLimited}, nil
	}

	return &Result{Allowed: true, Remaining: float64(int64(cfg.MaxRequests) - count)}, nil
}

func (l *Limiter) releaseDistributed(ctx context.Context, key string) {
	cfg := l.configFor(key)
	if cfg.MaxConcurrent <= 0 {
		return
	}
	if _, err := l.storage.Decrement(ctx, inflightKey(key), 1); err != nil {
		l.logger.Warn("Failed to release distributed concurrency slot", map[string]interface{}{
			"operation": "ratelimit_release",
			"key":       key,
			"error":     err.Error(),
		})
	}
}

func (l *Limiter) refundDistributed(ctx context.Context, key string, cost float64) {
	cfg := l.configFor(key)
	bucket := time.Now().Truncate(cfg.Window)
	storageKey := fmt.Sprintf("%s:%d", key, bucket.Unix())
	units := int64(math.Floor(cost))
	if units <= 0 {
		return
	}
	if _, err := l.storage.Decrement(ctx, storageKey, units); err != nil {
		l.logger.Warn("Failed to refund distributed tokens", map[string]interface{}{
			"operation": "ratelimit_refund",
			"key":       key,
			"error":     err.Error(),
		})
	}
}

func (l *Limiter) failOpen(key string, err error) {
	l.logger.Error("Rate limit storage unavailable, failing open", map[string]interface{}{
		"operation": "ratelimit_check",
		"key":       key,
		"error":     err.Error(),
	})
}

func inflightKey(key string) string {
	return key + ":inflight"
}
