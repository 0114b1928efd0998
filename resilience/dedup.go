package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/draftmill/flywheel/core"
)

const (
	defaultDedupCapacity = 1000
	defaultDedupLinger   = 100 * time.Millisecond
)

// Deduplicator collapses concurrent identical calls into a single in-flight
// execution. A caller whose key matches a live call joins it and receives
// the same result instead of launching its own, which protects expensive
// backends (LLM completions, commerce API reads) from request storms for
// the same work.
//
// A finished call lingers briefly so stragglers that raced the completion
// still share its result, then the entry is dropped and the next caller
// executes fresh.
type Deduplicator struct {
	mu       sync.Mutex
	inflight map[string]*inflightCall
	capacity int
	linger   time.Duration
	logger   core.Logger

	sharedCount int64
	totalCount  int64
}

type inflightCall struct {
	done    chan struct{}
	started time.Time
	val     interface{}
	err     error
}

// DeduplicatorOption customizes a Deduplicator.
type DeduplicatorOption func(*Deduplicator)

// WithDedupCapacity bounds how many keys may be tracked at once. When the
// bound is hit the oldest entry is evicted.
func WithDedupCapacity(n int) DeduplicatorOption {
	return func(d *Deduplicator) {
		if n > 0 {
			d.capacity = n
		}
	}
}

// WithDedupLinger sets how long a settled result stays joinable.
func WithDedupLinger(linger time.Duration) DeduplicatorOption {
	return func(d *Deduplicator) {
		if linger >= 0 {
			d.linger = linger
		}
	}
}

// WithDedupLogger sets the logger for dedup diagnostics.
func WithDedupLogger(logger core.Logger) DeduplicatorOption {
	return func(d *Deduplicator) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDeduplicator creates an in-flight call deduplicator.
func NewDeduplicator(opts ...DeduplicatorOption) *Deduplicator {
	d := &Deduplicator{
		inflight: make(map[string]*inflightCall),
		capacity: defaultDedupCapacity,
		linger:   defaultDedupLinger,
		logger:   &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do executes fn under key, or joins an identical call already in flight.
// The boolean reports whether the result was shared from another caller's
// execution. A joiner whose context ends before the shared call settles
// gets the context error; the underlying call keeps running for the others.
func (d *Deduplicator) Do(ctx context.Context, key string, fn func() (interface{}, error)) (interface{}, bool, error) {
	d.mu.Lock()
	d.totalCount++
	if call, ok := d.inflight[key]; ok {
		d.sharedCount++
		d.mu.Unlock()
		select {
		case <-call.done:
			return call.val, true, call.err
		case <-ctx.Done():
			return nil, true, ctx.Err()
		}
	}

	call := &inflightCall{
		done:    make(chan struct{}),
		started: time.Now(),
	}
	if len(d.inflight) >= d.capacity {
		d.evictOldestLocked()
	}
	d.inflight[key] = call
	d.mu.Unlock()

	d.run(call, fn)

	// Give racing joiners a moment to pick the result up before the entry
	// disappears and a fresh call becomes possible.
	if d.linger > 0 {
		time.AfterFunc(d.linger, func() { d.forget(key, call) })
	} else {
		d.forget(key, call)
	}

	return call.val, false, call.err
}

// Stats reports how many calls were served and how many of those joined a
// shared execution.
func (d *Deduplicator) Stats() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]interface{}{
		"total":    d.totalCount,
		"shared":   d.sharedCount,
		"inflight": len(d.inflight),
	}
}

func (d *Deduplicator) run(call *inflightCall, fn func() (interface{}, error)) {
	defer func() {
		if r := recover(); r != nil {
			call.err = fmt.Errorf("deduplicated call panicked: %v", r)
			d.logger.Error("Deduplicated call panicked", map[string]interface{}{
				"panic": fmt.Sprintf("%v", r),
			})
		}
		close(call.done)
	}()
	call.val, call.err = fn()
}

func (d *Deduplicator) forget(key string, call *inflightCall) {
	d.mu.Lock()
	if d.inflight[key] == call {
		delete(d.inflight, key)
	}
	d.mu.Unlock()
}

// evictOldestLocked drops the entry that has been in flight the longest.
// Joiners already holding the call pointer still receive its result.
func (d *Deduplicator) evictOldestLocked() {
	var oldestKey string
	var oldestStart time.Time
	for key, call := range d.inflight {
		if oldestKey == "" || call.started.Before(oldestStart) {
			oldestKey = key
			oldestStart = call.started
		}
	}
	if oldestKey != "" {
		delete(d.inflight, oldestKey)
		d.logger.Debug("Evicted oldest in-flight call", map[string]interface{}{
			"key": oldestKey,
		})
	}
}

// DedupKey builds a stable key from arbitrary arguments using canonical
// JSON, so logically identical argument sets map to the same in-flight
// call regardless of map iteration order.
func DedupKey(parts ...interface{}) string {
	data, err := core.CanonicalJSON(parts)
	if err != nil {
		return fmt.Sprintf("%v", parts)
	}
	return core.Hash32(data)
}
