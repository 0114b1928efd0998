package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/draftmill/flywheel/core"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// StateClosed allows all requests through.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests.
	StateOpen
	// StateHalfOpen allows a limited number of probe requests.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by Execute while the circuit is open or while
// the half-open probe slots are all taken.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrorClassifier decides which errors count toward the failure rate.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts infrastructure failures and ignores caller
// mistakes. Validation, authentication, authorization, and other 4xx-class
// failures say nothing about the dependency's health, so they never trip
// the circuit. Cancellation is the caller giving up, not a failure.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if core.IsConfigurationError(err) || core.IsNotFound(err) {
		return false
	}
	switch DefaultClassifier().Classify(err).Category {
	case CategoryValidation, CategoryAuthentication, CategoryAuthorization, CategoryClientError:
		return false
	}
	return true
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	Name string

	// ErrorThreshold is the failure rate in [0,1] that opens the circuit.
	ErrorThreshold float64
	// MinimumRequests gates threshold evaluation so a cold window with a
	// couple of failures does not open the circuit.
	MinimumRequests int64
	// WindowSize is the span of the sliding error window.
	WindowSize time.Duration
	// BucketCount divides the window into buckets that expire
	// incrementally instead of the whole window resetting at once.
	BucketCount int
	// OpenDuration is how long the circuit stays open before allowing
	// half-open probes.
	OpenDuration time.Duration
	// HalfOpenProbes caps how many requests may be in flight while the
	// circuit is half-open.
	HalfOpenProbes int64
	// SuccessesToClose is how many half-open successes close the circuit.
	SuccessesToClose int64

	// ShouldTrip decides which errors count as failures. Defaults to
	// DefaultErrorClassifier.
	ShouldTrip ErrorClassifier

	// OnStateChange is invoked synchronously after each transition. Panics
	// inside the callback are recovered and logged.
	OnStateChange func(from, to CircuitState)

	Logger    core.Logger
	Telemetry core.Telemetry
}

// DefaultCircuitBreakerConfig returns a breaker configuration that opens at
// a 50% failure rate over a ten second window.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		ErrorThreshold:   0.5,
		MinimumRequests:  10,
		WindowSize:       10 * time.Second,
		BucketCount:      10,
		OpenDuration:     30 * time.Second,
		HalfOpenProbes:   1,
		SuccessesToClose: 2,
	}
}

func (c *CircuitBreakerConfig) normalized() *CircuitBreakerConfig {
	out := *c
	if out.Name == "" {
		out.Name = "default"
	}
	if out.ErrorThreshold <= 0 || out.ErrorThreshold > 1 {
		out.ErrorThreshold = 0.5
	}
	if out.MinimumRequests <= 0 {
		out.MinimumRequests = 10
	}
	if out.WindowSize <= 0 {
		out.WindowSize = 10 * time.Second
	}
	if out.BucketCount <= 0 {
		out.BucketCount = 10
	}
	if out.OpenDuration <= 0 {
		out.OpenDuration = 30 * time.Second
	}
	if out.HalfOpenProbes <= 0 {
		out.HalfOpenProbes = 1
	}
	if out.SuccessesToClose <= 0 {
		out.SuccessesToClose = 2
	}
	if out.ShouldTrip == nil {
		out.ShouldTrip = DefaultErrorClassifier
	}
	if out.Logger == nil {
		out.Logger = &core.NoOpLogger{}
	}
	if out.Telemetry == nil {
		out.Telemetry = &core.NoOpTelemetry{}
	}
	return &out
}

// windowBucket accumulates outcomes for one slice of the sliding window.
type windowBucket struct {
	successes int64
	failures  int64
}

// slidingWindow tracks success and failure counts over a rolling span,
// bucketed so old outcomes age out incrementally.
type slidingWindow struct {
	mu         sync.Mutex
	buckets    []windowBucket
	bucketSpan time.Duration
	current    int
	lastRotate time.Time
}

func newSlidingWindow(size time.Duration, bucketCount int) *slidingWindow {
	return &slidingWindow{
		buckets:    make([]windowBucket, bucketCount),
		bucketSpan: size / time.Duration(bucketCount),
		lastRotate: time.Now(),
	}
}

func (w *slidingWindow) record(success bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rotateLocked(time.Now())
	if success {
		w.buckets[w.current].successes++
	} else {
		w.buckets[w.current].failures++
	}
}

func (w *slidingWindow) totals() (successes, failures int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rotateLocked(time.Now())
	for _, b := range w.buckets {
		successes += b.successes
		failures += b.failures
	}
	return successes, failures
}

func (w *slidingWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.buckets {
		w.buckets[i] = windowBucket{}
	}
	w.current = 0
	w.lastRotate = time.Now()
}

// rotateLocked advances the ring by however many bucket spans have elapsed,
// zeroing each bucket it moves past. A clock jump larger than the whole
// window (backwards included) resets everything rather than trusting the
// stale counts.
func (w *slidingWindow) rotateLocked(now time.Time) {
	elapsed := now.Sub(w.lastRotate)
	if elapsed < 0 || elapsed >= w.bucketSpan*time.Duration(len(w.buckets)) {
		for i := range w.buckets {
			w.buckets[i] = windowBucket{}
		}
		w.current = 0
		w.lastRotate = now
		return
	}
	steps := int(elapsed / w.bucketSpan)
	for i := 0; i < steps; i++ {
		w.current = (w.current + 1) % len(w.buckets)
		w.buckets[w.current] = windowBucket{}
	}
	if steps > 0 {
		w.lastRotate = w.lastRotate.Add(w.bucketSpan * time.Duration(steps))
	}
}

// CircuitBreaker fails fast when a dependency's recent failure rate crosses
// the configured threshold. After OpenDuration it lets a bounded number of
// probes through; enough probe successes close it, any probe failure snaps
// it back open.
type CircuitBreaker struct {
	cfg    *CircuitBreakerConfig
	window *slidingWindow

	mu                sync.Mutex
	state             CircuitState
	openedAt          time.Time
	halfOpenActive    int64
	halfOpenSuccesses int64
	forced            bool

	totalRejected int64
	stateChanges  int64
}

// NewCircuitBreaker creates a circuit breaker from the given configuration.
// A nil config uses DefaultCircuitBreakerConfig.
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	cfg := config.normalized()
	return &CircuitBreaker{
		cfg:    cfg,
		window: newSlidingWindow(cfg.WindowSize, cfg.BucketCount),
		state:  StateClosed,
	}
}

// Execute runs fn under the breaker. While open it fails fast with
// ErrCircuitOpen. A panic inside fn is recorded as a failure and re-raised.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	release, err := cb.acquire()
	if err != nil {
		return err
	}

	panicked := true
	defer func() {
		if panicked {
			release(false)
		}
	}()
	callErr := fn()
	panicked = false

	release(!cb.cfg.ShouldTrip(callErr))
	return callErr
}

// acquire admits or rejects a request based on the current state and
// returns the function that records its outcome.
func (cb *CircuitBreaker) acquire() (func(success bool), error) {
	cb.mu.Lock()
	now := time.Now()
	cb.refreshStateLocked(now)

	switch cb.state {
	case StateOpen:
		cb.totalRejected++
		cb.mu.Unlock()
		cb.cfg.Telemetry.RecordMetric("resilience.circuit_breaker.rejected", 1, map[string]string{"name": cb.cfg.Name})
		return nil, fmt.Errorf("%s: %w", cb.cfg.Name, ErrCircuitOpen)
	case StateHalfOpen:
		if cb.halfOpenActive >= cb.cfg.HalfOpenProbes {
			cb.totalRejected++
			cb.mu.Unlock()
			cb.cfg.Telemetry.RecordMetric("resilience.circuit_breaker.rejected", 1, map[string]string{"name": cb.cfg.Name})
			return nil, fmt.Errorf("%s: %w", cb.cfg.Name, ErrCircuitOpen)
		}
		cb.halfOpenActive++
		cb.mu.Unlock()
		return cb.settleHalfOpen, nil
	default:
		cb.mu.Unlock()
		return cb.settleClosed, nil
	}
}

// refreshStateLocked moves an expired open circuit to half-open. Forced
// states never transition on their own.
func (cb *CircuitBreaker) refreshStateLocked(now time.Time) {
	if cb.forced {
		return
	}
	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.cfg.OpenDuration {
		cb.transitionLocked(StateHalfOpen)
		cb.halfOpenActive = 0
		cb.halfOpenSuccesses = 0
	}
}

func (cb *CircuitBreaker) settleClosed(success bool) {
	cb.window.record(success)
	if success {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateClosed || cb.forced {
		return
	}
	successes, failures := cb.window.totals()
	total := successes + failures
	if total < cb.cfg.MinimumRequests {
		return
	}
	rate := float64(failures) / float64(total)
	if rate >= cb.cfg.ErrorThreshold {
		cb.openLocked(time.Now())
		cb.cfg.Logger.Warn("Circuit breaker opened", map[string]interface{}{
			"operation":    "circuit_breaker",
			"name":         cb.cfg.Name,
			"failure_rate": rate,
			"window_total": total,
		})
	}
}

func (cb *CircuitBreaker) settleHalfOpen(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.halfOpenActive > 0 {
		cb.halfOpenActive--
	}
	if cb.state != StateHalfOpen || cb.forced {
		return
	}
	if !success {
		cb.openLocked(time.Now())
		return
	}
	cb.halfOpenSuccesses++
	if cb.halfOpenSuccesses >= cb.cfg.SuccessesToClose {
		cb.window.reset()
		cb.transitionLocked(StateClosed)
		cb.cfg.Logger.Info("Circuit breaker closed", map[string]interface{}{
			"operation": "circuit_breaker",
			"name":      cb.cfg.Name,
		})
	}
}

func (cb *CircuitBreaker) openLocked(now time.Time) {
	cb.openedAt = now
	cb.transitionLocked(StateOpen)
	cb.cfg.Telemetry.RecordMetric("retry.circuit_breaker.open", 1, map[string]string{"name": cb.cfg.Name})
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.stateChanges++
	cb.notify(from, to)
}

func (cb *CircuitBreaker) notify(from, to CircuitState) {
	hook := cb.cfg.OnStateChange
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			cb.cfg.Logger.Error("State change callback panicked", map[string]interface{}{
				"operation": "circuit_breaker",
				"name":      cb.cfg.Name,
				"panic":     fmt.Sprintf("%v", r),
			})
		}
	}()
	hook(from, to)
}

// State returns the current state, applying any pending open-to-half-open
// transition first.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refreshStateLocked(time.Now())
	return cb.state
}

// CircuitBreakerMetrics is a point-in-time snapshot of breaker activity.
type CircuitBreakerMetrics struct {
	Name            string
	State           string
	WindowSuccesses int64
	WindowFailures  int64
	FailureRate     float64
	TotalRejected   int64
	StateChanges    int64
	OpenedAt        time.Time
}

// Metrics returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	successes, failures := cb.window.totals()
	var rate float64
	if total := successes + failures; total > 0 {
		rate = float64(failures) / float64(total)
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerMetrics{
		Name:            cb.cfg.Name,
		State:           cb.state.String(),
		WindowSuccesses: successes,
		WindowFailures:  failures,
		FailureRate:     rate,
		TotalRejected:   cb.totalRejected,
		StateChanges:    cb.stateChanges,
		OpenedAt:        cb.openedAt,
	}
}

// Reset returns the breaker to a closed state with an empty window and
// clears any forced state.
func (cb *CircuitBreaker) Reset() {
	cb.window.reset()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forced = false
	cb.halfOpenActive = 0
	cb.halfOpenSuccesses = 0
	cb.transitionLocked(StateClosed)
}

// ForceOpen pins the breaker open until Reset or ForceClosed. Useful for
// taking a dependency out of rotation during an incident.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forced = true
	cb.openedAt = time.Now()
	cb.transitionLocked(StateOpen)
}

// ForceClosed pins the breaker closed until Reset or ForceOpen.
func (cb *CircuitBreaker) ForceClosed() {
	cb.window.reset()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forced = true
	cb.transitionLocked(StateClosed)
}

// cbRegistry tracks breakers by name so shared dependencies get shared
// circuits.
var cbRegistry sync.Map

// SharedCircuitBreaker returns the process-wide breaker registered under
// name, creating it from config on first use. Later calls ignore config.
func SharedCircuitBreaker(name string, config *CircuitBreakerConfig) *CircuitBreaker {
	if existing, ok := cbRegistry.Load(name); ok {
		return existing.(*CircuitBreaker)
	}
	if config == nil {
		config = DefaultCircuitBreakerConfig(name)
	} else if config.Name == "" {
		config.Name = name
	}
	created := NewCircuitBreaker(config)
	if actual, loaded := cbRegistry.LoadOrStore(name, created); loaded {
		return actual.(*CircuitBreaker)
	}
	return created
}

// rejectionCount is kept package-private for tests.
func (cb *CircuitBreaker) rejectionCount() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.totalRejected
}
