// Package resilience provides the failure-handling building blocks shared by
// the platform's clients and services: error classification, retries with
// budgets and backoff, circuit breakers, and in-flight call deduplication.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/draftmill/flywheel/core"
)

// Strategy selects the base delay curve between attempts.
type Strategy string

const (
	// StrategyExponential grows the delay by Multiplier each attempt.
	StrategyExponential Strategy = "exponential"
	// StrategyLinear grows the delay proportionally to the attempt number.
	StrategyLinear Strategy = "linear"
	// StrategyPolynomial grows the delay by attempt^Exponent.
	StrategyPolynomial Strategy = "polynomial"
	// StrategyFixed uses InitialDelay for every attempt.
	StrategyFixed Strategy = "fixed"
	// StrategyCustom delegates to DelayFunc.
	StrategyCustom Strategy = "custom"
)

// JitterMode controls how randomness is folded into a computed delay.
// Jitter is always applied last, after classification stretching and the
// MaxDelay cap.
type JitterMode string

const (
	// JitterOff uses the computed delay unchanged.
	JitterOff JitterMode = "off"
	// JitterFixed adds a constant Amount to every delay.
	JitterFixed JitterMode = "fixed"
	// JitterAdditive adds a uniformly random duration in [0, Amount).
	JitterAdditive JitterMode = "additive"
)

// JitterConfig pairs a jitter mode with its amount.
type JitterConfig struct {
	Mode   JitterMode
	Amount time.Duration
}

// slowAttemptThreshold marks an attempt as slow for backoff purposes.
// Timeout failures that already burned this long get stretched delays so
// the next attempt does not pile onto a struggling dependency.
const slowAttemptThreshold = 5 * time.Second

// RetryConfig defines the behavior of a retry sequence. Zero fields are
// filled with the DefaultRetryConfig values when the sequence starts.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Strategy     Strategy

	// Multiplier is the exponential growth factor. Defaults to 2.0.
	Multiplier float64
	// Exponent is the polynomial strategy's power. Defaults to 2.0.
	Exponent float64
	// DelayFunc supplies per-attempt base delays for StrategyCustom. The
	// attempt argument is the attempt that just failed, starting at 1.
	DelayFunc func(attempt int) time.Duration

	Jitter JitterConfig

	// RetryableErrors marks additional error substrings as retryable on
	// top of the classifier verdict.
	RetryableErrors []string

	// OnRetry runs before each scheduled retry. A panic inside the hook is
	// recovered and logged; it never escapes to the caller.
	OnRetry func(attempt int, err error)

	// Budget, when set, is the shared pool that retries draw from.
	Budget *Budget

	// CancelToken aborts the sequence between attempts when cancelled. The
	// attempt in progress is never interrupted.
	CancelToken *CancelToken

	// ErrorSampling is the fraction of calls subject to retry, in (0, 1].
	// Calls sampled out run exactly once and pass their outcome through.
	// Zero means unset and is treated as 1.0.
	ErrorSampling float64

	// Classifier overrides the process-wide classifier.
	Classifier *Classifier

	Logger core.Logger
}

// DefaultRetryConfig returns the default retry configuration: three
// attempts with exponential backoff from one second, capped at thirty.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		Strategy:      StrategyExponential,
		Multiplier:    2.0,
		Exponent:      2.0,
		ErrorSampling: 1.0,
	}
}

// RetryConfigFromCore builds a RetryConfig from the platform configuration
// block, creating a budget when one is configured.
func RetryConfigFromCore(cfg core.RetryConfig) *RetryConfig {
	rc := &RetryConfig{
		MaxAttempts:   cfg.MaxAttempts,
		InitialDelay:  cfg.InitialDelay,
		MaxDelay:      cfg.MaxDelay,
		Strategy:      Strategy(cfg.Strategy),
		Multiplier:    cfg.Multiplier,
		ErrorSampling: cfg.ErrorSampling,
	}
	if cfg.BudgetRetries > 0 {
		rc.Budget = NewBudget(cfg.BudgetRetries, cfg.BudgetWindow)
	}
	return rc
}

// Reasons a retry sequence ends without success.
const (
	retryReasonExhausted = "max attempts exhausted"
	retryReasonBudget    = "retry budget exhausted"
	retryReasonCancelled = "cancelled"
)

// RetryError reports a retry sequence that ended without success. Attempts
// counts invocations that actually ran; a budget refusal reports zero
// because the refused retry never executed.
type RetryError struct {
	Attempts       int
	LastErr        error
	Classification Classification
	Reason         string
}

func (e *RetryError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("retry failed after %d attempt(s): %s: %v", e.Attempts, e.Reason, e.LastErr)
	}
	return fmt.Sprintf("retry failed after %d attempt(s): %s", e.Attempts, e.Reason)
}

func (e *RetryError) Unwrap() error {
	return e.LastErr
}

// Is maps retry outcomes onto the shared sentinel errors so callers can use
// errors.Is without knowing the concrete type.
func (e *RetryError) Is(target error) bool {
	switch target {
	case core.ErrMaxRetriesExceeded:
		return e.Reason == retryReasonExhausted
	case core.ErrRetryBudgetExhausted:
		return e.Reason == retryReasonBudget
	case core.ErrContextCanceled:
		return e.Reason == retryReasonCancelled
	}
	return false
}

// CancelToken aborts a retry sequence between attempts. Unlike context
// cancellation it is observable across goroutines without plumbing a
// context, and it never interrupts the attempt in progress.
type CancelToken struct {
	once sync.Once
	ch   chan struct{}
}

// NewCancelToken creates an uncancelled token.
func NewCancelToken() *CancelToken {
	return &CancelToken{ch: make(chan struct{})}
}

// Cancel marks the token cancelled. Safe to call more than once.
func (t *CancelToken) Cancel() {
	t.once.Do(func() {
		close(t.ch)
	})
}

// Cancelled reports whether Cancel has been called. A nil token is never
// cancelled.
func (t *CancelToken) Cancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// done returns a channel that closes on cancellation. For a nil token it
// returns nil, which blocks forever in a select.
func (t *CancelToken) done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.ch
}

var errTokenCancelled = errors.New("retry sequence cancelled")

// Retry executes fn under the configured retry policy.
//
// Non-retryable errors are returned unchanged after their first occurrence.
// Retryable errors are retried up to MaxAttempts. The delay before each
// retry starts from the strategy's base value, is doubled for rate-limit
// failures, stretched 1.5x for timeout failures on slow attempts, capped at
// MaxDelay, and jittered last. Exhaustion, budget refusal, and cancellation
// all surface as *RetryError.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	_, err := RetryResult(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryResult is Retry for functions that produce a value alongside the
// error.
func RetryResult[T any](ctx context.Context, config *RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	if config == nil {
		config = DefaultRetryConfig()
	}
	cfg := config.normalized()

	// Calls sampled out of retry handling run once, untouched.
	if cfg.ErrorSampling < 1.0 && rand.Float64() >= cfg.ErrorSampling {
		return fn()
	}

	var lastErr error
	var lastClass Classification
	consumed := 0

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := sequenceCancelled(ctx, cfg.CancelToken); err != nil {
			return zero, &RetryError{
				Attempts:       attempt - 1,
				LastErr:        coalesceErr(lastErr, err),
				Classification: lastClass,
				Reason:         retryReasonCancelled,
			}
		}

		started := time.Now()
		val, err := fn()
		elapsed := time.Since(started)
		if err == nil {
			if cfg.Budget != nil && consumed > 0 {
				cfg.Budget.Refund()
			}
			return val, nil
		}

		lastErr = err
		lastClass = cfg.Classifier.Classify(err)

		if !lastClass.Retryable && !matchesRetryable(err, cfg.RetryableErrors) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		if cfg.Budget != nil {
			if !cfg.Budget.TryConsume() {
				return zero, &RetryError{
					Attempts:       0,
					LastErr:        err,
					Classification: lastClass,
					Reason:         retryReasonBudget,
				}
			}
			consumed++
		}

		invokeRetryHook(cfg.OnRetry, attempt, err, cfg.Logger)

		delay := cfg.delayFor(attempt, lastClass, elapsed)
		cfg.Logger.Debug("Retrying after failure", map[string]interface{}{
			"operation":      "retry",
			"attempt":        attempt,
			"max_attempts":   cfg.MaxAttempts,
			"delay_ms":       delay.Milliseconds(),
			"category":       string(lastClass.Category),
			"correlation_id": lastClass.CorrelationID,
			"error":          err.Error(),
		})

		if err := sleepInterruptible(ctx, cfg.CancelToken, delay); err != nil {
			return zero, &RetryError{
				Attempts:       attempt,
				LastErr:        lastErr,
				Classification: lastClass,
				Reason:         retryReasonCancelled,
			}
		}
	}

	return zero, &RetryError{
		Attempts:       cfg.MaxAttempts,
		LastErr:        lastErr,
		Classification: lastClass,
		Reason:         retryReasonExhausted,
	}
}

// RetryWithCircuitBreaker combines retry logic with a circuit breaker. The
// breaker is consulted on every attempt, and because an open-circuit
// rejection is not retryable the sequence stops immediately instead of
// burning the remaining attempts against a tripped circuit.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		return cb.Execute(ctx, fn)
	})
}

// normalized returns a copy of the config with defaults applied.
func (c *RetryConfig) normalized() *RetryConfig {
	out := *c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.InitialDelay <= 0 {
		out.InitialDelay = 1 * time.Second
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = 30 * time.Second
	}
	if out.Strategy == "" {
		out.Strategy = StrategyExponential
	}
	if out.Multiplier <= 0 {
		out.Multiplier = 2.0
	}
	if out.Exponent <= 0 {
		out.Exponent = 2.0
	}
	if out.ErrorSampling <= 0 || out.ErrorSampling > 1 {
		out.ErrorSampling = 1.0
	}
	if out.Logger == nil {
		out.Logger = &core.NoOpLogger{}
	}
	if out.Classifier == nil {
		out.Classifier = DefaultClassifier()
	}
	return &out
}

// delayFor computes the sleep before the retry following the given attempt.
func (c *RetryConfig) delayFor(attempt int, class Classification, attemptDuration time.Duration) time.Duration {
	delay := c.baseDelay(attempt)
	switch {
	case class.Category == CategoryRateLimit:
		delay *= 2
	case class.Category == CategoryTimeout && attemptDuration > slowAttemptThreshold:
		delay = time.Duration(float64(delay) * 1.5)
	}
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return c.applyJitter(delay)
}

func (c *RetryConfig) baseDelay(attempt int) time.Duration {
	switch c.Strategy {
	case StrategyLinear:
		return time.Duration(attempt) * c.InitialDelay
	case StrategyPolynomial:
		return time.Duration(float64(c.InitialDelay) * math.Pow(float64(attempt), c.Exponent))
	case StrategyFixed:
		return c.InitialDelay
	case StrategyCustom:
		if c.DelayFunc != nil {
			return c.DelayFunc(attempt)
		}
		return c.InitialDelay
	default:
		return time.Duration(float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1)))
	}
}

func (c *RetryConfig) applyJitter(delay time.Duration) time.Duration {
	switch c.Jitter.Mode {
	case JitterFixed:
		return delay + c.Jitter.Amount
	case JitterAdditive:
		if c.Jitter.Amount > 0 {
			return delay + time.Duration(rand.Int63n(int64(c.Jitter.Amount)))
		}
	}
	return delay
}

// sequenceCancelled reports whether the sequence should stop before the
// next attempt, through either context or token cancellation.
func sequenceCancelled(ctx context.Context, token *CancelToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if token.Cancelled() {
		return errTokenCancelled
	}
	return nil
}

// sleepInterruptible waits for d unless the context or token cancels first.
func sleepInterruptible(ctx context.Context, token *CancelToken, d time.Duration) error {
	if d <= 0 {
		return sequenceCancelled(ctx, token)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-token.done():
		return errTokenCancelled
	}
}

func invokeRetryHook(hook func(int, error), attempt int, err error, logger core.Logger) {
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Retry hook panicked", map[string]interface{}{
				"operation": "retry",
				"attempt":   attempt,
				"panic":     fmt.Sprintf("%v", r),
			})
		}
	}()
	hook(attempt, err)
}

func matchesRetryable(err error, patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	msg := err.Error()
	for _, p := range patterns {
		if p != "" && strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func coalesceErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
