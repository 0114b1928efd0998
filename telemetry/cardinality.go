package telemetry

import (
	"sync"
	"time"
)

const (
	defaultLabelLimit   = 100
	defaultGuardMaxIdle = 10 * time.Minute
	guardSweepInterval  = time.Minute
	overflowLabelValue  = "other"
)

// CardinalityGuard bounds how many distinct values a metric label may take.
// Labels such as the rate limiter's key, the LLM model name, or a shop
// domain come from callers and would otherwise mint a new time series per
// value. Once a label's budget is spent, unseen values report as "other";
// values already admitted keep their own name. Idle values are reclaimed so
// a label can rotate through new values over time.
type CardinalityGuard struct {
	mu        sync.Mutex
	limit     int
	overrides map[string]int
	seen      map[string]map[string]time.Time
	maxIdle   time.Duration
	lastSweep time.Time
}

// GuardOption customizes a CardinalityGuard.
type GuardOption func(*CardinalityGuard)

// WithLabelLimit overrides the budget for one label name.
func WithLabelLimit(label string, n int) GuardOption {
	return func(g *CardinalityGuard) {
		if n > 0 {
			g.overrides[label] = n
		}
	}
}

// WithGuardMaxIdle sets how long an admitted value survives without being
// recorded before its slot is reclaimed.
func WithGuardMaxIdle(d time.Duration) GuardOption {
	return func(g *CardinalityGuard) {
		if d > 0 {
			g.maxIdle = d
		}
	}
}

// NewCardinalityGuard creates a guard admitting up to limit distinct values
// per metric/label pair. A non-positive limit takes the default of 100.
func NewCardinalityGuard(limit int, opts ...GuardOption) *CardinalityGuard {
	if limit <= 0 {
		limit = defaultLabelLimit
	}
	g := &CardinalityGuard{
		limit:     limit,
		overrides: make(map[string]int),
		seen:      make(map[string]map[string]time.Time),
		maxIdle:   defaultGuardMaxIdle,
		lastSweep: time.Now(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit clamps the label set for one metric recording. The input map is
// never mutated; a copy is returned only when a value had to be clamped.
func (g *CardinalityGuard) Admit(metric string, labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return labels
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.sweepLocked()

	var out map[string]string
	for label, value := range labels {
		admitted := g.admitLocked(metric, label, value)
		if admitted == value {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(labels))
			for k, v := range labels {
				out[k] = v
			}
		}
		out[label] = admitted
	}
	if out == nil {
		return labels
	}
	return out
}

// Cardinality reports how many distinct values are currently tracked across
// all metric/label pairs.
func (g *CardinalityGuard) Cardinality() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := 0
	for _, values := range g.seen {
		total += len(values)
	}
	return total
}

func (g *CardinalityGuard) admitLocked(metric, label, value string) string {
	limit := g.limit
	if n, ok := g.overrides[label]; ok {
		limit = n
	}

	key := metric + "." + label
	values := g.seen[key]
	if values == nil {
		values = make(map[string]time.Time)
		g.seen[key] = values
	}

	if _, ok := values[value]; !ok && len(values) >= limit {
		return overflowLabelValue
	}
	values[value] = time.Now()
	return value
}

// sweepLocked reclaims idle values at most once per sweep interval, so the
// guard stays bounded without its own goroutine.
func (g *CardinalityGuard) sweepLocked() {
	now := time.Now()
	if now.Sub(g.lastSweep) < guardSweepInterval && now.Sub(g.lastSweep) < g.maxIdle {
		return
	}
	g.lastSweep = now

	cutoff := now.Add(-g.maxIdle)
	for key, values := range g.seen {
		for value, last := range values {
			if last.Before(cutoff) {
				delete(values, value)
			}
		}
		if len(values) == 0 {
			delete(g.seen, key)
		}
	}
}
