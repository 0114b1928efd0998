package resilience

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/draftmill/flywheel/core"
)

// Category identifies the failure family an error belongs to. Categories
// drive retryability, backoff stretching, and circuit breaker accounting.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryTimeout        Category = "timeout"
	CategoryRateLimit      Category = "rate_limit"
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryValidation     Category = "validation"
	CategoryServerError    Category = "server_error"
	CategoryClientError    Category = "client_error"
	CategoryUnknown        Category = "unknown"
)

// Severity ranks how much operator attention a failure deserves.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Classification is the classifier's verdict for a single error occurrence.
// Category, Severity, and Retryable are derived from the error's shape;
// CorrelationID and Timestamp are fresh per occurrence so individual
// failures can be traced through logs.
type Classification struct {
	Category      Category
	Severity      Severity
	Retryable     bool
	CorrelationID string
	Timestamp     time.Time
	Stack         string
}

// ErrorHints carries transport-level context the raw error value may not
// expose: the HTTP status code, a wire-level error code such as ECONNRESET,
// and how long the failing attempt took.
type ErrorHints struct {
	StatusCode   int
	Code         string
	ResponseTime time.Duration
}

// StatusError is an error enriched with the hints the classifier reads.
// Transport clients wrap failed responses in a StatusError so classification
// works anywhere on the error chain.
type StatusError struct {
	StatusCode   int
	Code         string
	Message      string
	ResponseTime time.Duration
	Err          error
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, msg)
	}
	return msg
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// verdict is the cacheable portion of a classification. The stack trace is
// captured once, when the error shape is first seen.
type verdict struct {
	category  Category
	severity  Severity
	retryable bool
	stack     string
}

const (
	defaultClassifierCacheTTL  = 5 * time.Minute
	defaultClassifierCacheSize = 1000
	messageKeyLimit            = 100
)

// Classifier turns errors into Classifications. Identical error shapes
// (same status, code, and message prefix) are classified once and served
// from a bounded TTL cache afterwards.
//
// NewClassifier starts a background sweeper for expired cache entries; call
// Close when the classifier is no longer needed.
type Classifier struct {
	cache         *core.TTLCache
	cacheTTL      time.Duration
	logger        core.Logger
	captureStacks bool

	stopOnce sync.Once
	stop     chan struct{}
}

// ClassifierOption customizes a Classifier.
type ClassifierOption func(*Classifier)

// WithClassifierCacheTTL sets how long a classification verdict is reused.
func WithClassifierCacheTTL(ttl time.Duration) ClassifierOption {
	return func(c *Classifier) {
		if ttl > 0 {
			c.cacheTTL = ttl
		}
	}
}

// WithClassifierLogger sets the logger used for classifier diagnostics.
func WithClassifierLogger(logger core.Logger) ClassifierOption {
	return func(c *Classifier) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStackCapture controls whether a stack trace is recorded the first
// time an error shape is classified. Enabled by default.
func WithStackCapture(enabled bool) ClassifierOption {
	return func(c *Classifier) {
		c.captureStacks = enabled
	}
}

// NewClassifier creates a classifier with a bounded verdict cache.
func NewClassifier(opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		cache:         core.NewTTLCache(core.WithMaxSize(defaultClassifierCacheSize)),
		cacheTTL:      defaultClassifierCacheTTL,
		logger:        &core.NoOpLogger{},
		captureStacks: true,
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.sweepLoop()
	return c
}

// Close stops the cache sweeper. Classify remains safe to call after Close;
// expired entries are then only reclaimed on overwrite.
func (c *Classifier) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Classifier) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if removed := c.cache.CleanupExpired(); removed > 0 {
				c.logger.Debug("Swept expired classification verdicts", map[string]interface{}{
					"removed": removed,
				})
			}
		case <-c.stop:
			return
		}
	}
}

// Classify inspects err plus any StatusError hints found on its chain.
func (c *Classifier) Classify(err error) Classification {
	var hints ErrorHints
	var se *StatusError
	if errors.As(err, &se) {
		hints.StatusCode = se.StatusCode
		hints.Code = se.Code
		hints.ResponseTime = se.ResponseTime
	}
	return c.ClassifyWithHints(err, hints)
}

// ClassifyWithHints classifies err using explicitly supplied hints. Hints
// take precedence over anything extracted from the error chain.
func (c *Classifier) ClassifyWithHints(err error, hints ErrorHints) Classification {
	if err == nil {
		return Classification{
			Category:      CategoryUnknown,
			Severity:      SeverityLow,
			CorrelationID: core.NewCorrelationID("err"),
			Timestamp:     time.Now(),
		}
	}

	msg := err.Error()
	key := verdictKey(hints.StatusCode, hints.Code, msg)
	if cached, ok := c.cache.Get(key); ok {
		if v, ok := cached.(verdict); ok {
			return c.stamp(v)
		}
	}

	v := classify(hints.StatusCode, hints.Code, msg)
	if c.captureStacks {
		v.stack = captureStack()
	}
	c.cache.Set(key, v, c.cacheTTL)
	return c.stamp(v)
}

// stamp turns a cached verdict into a per-occurrence classification.
func (c *Classifier) stamp(v verdict) Classification {
	return Classification{
		Category:      v.category,
		Severity:      v.severity,
		Retryable:     v.retryable,
		Stack:         v.stack,
		CorrelationID: core.NewCorrelationID("err"),
		Timestamp:     time.Now(),
	}
}

// classify applies the classification rules in order. The first matching
// rule wins:
//
//  1. network error codes (ECONNRESET, ETIMEDOUT, ENOTFOUND)
//  2. "timeout" anywhere in the message
//  3. status 429 or "rate limit" in the message
//  4. status 401
//  5. status 403
//  6. status 400 or 422
//  7. status >= 500
//  8. any other 4xx
//  9. everything else is unknown and not retried
func classify(status int, code, msg string) verdict {
	lower := strings.ToLower(msg)
	switch {
	case isNetworkCode(code, msg):
		return verdict{category: CategoryNetwork, severity: SeverityMedium, retryable: true}
	case strings.Contains(lower, "timeout"):
		return verdict{category: CategoryTimeout, severity: SeverityMedium, retryable: true}
	case status == 429 || strings.Contains(lower, "rate limit"):
		return verdict{category: CategoryRateLimit, severity: SeverityLow, retryable: true}
	case status == 401:
		return verdict{category: CategoryAuthentication, severity: SeverityHigh, retryable: false}
	case status == 403:
		return verdict{category: CategoryAuthorization, severity: SeverityHigh, retryable: false}
	case status == 400 || status == 422:
		return verdict{category: CategoryValidation, severity: SeverityMedium, retryable: false}
	case status >= 500:
		return verdict{category: CategoryServerError, severity: SeverityHigh, retryable: true}
	case status >= 400:
		return verdict{category: CategoryClientError, severity: SeverityMedium, retryable: false}
	default:
		return verdict{category: CategoryUnknown, severity: SeverityMedium, retryable: false}
	}
}

// networkCodes are the wire-level codes treated as transient network
// failures, alongside the Go runtime's spellings of the same conditions.
var networkCodes = []string{"ECONNRESET", "ETIMEDOUT", "ENOTFOUND"}

var networkPhrases = []string{"connection reset", "connection refused", "no such host"}

func isNetworkCode(code, msg string) bool {
	upper := strings.ToUpper(code)
	for _, c := range networkCodes {
		if upper == c || strings.Contains(msg, c) {
			return true
		}
	}
	lower := strings.ToLower(msg)
	for _, p := range networkPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func verdictKey(status int, code, msg string) string {
	if len(msg) > messageKeyLimit {
		msg = msg[:messageKeyLimit]
	}
	return fmt.Sprintf("%d|%s|%s", status, code, msg)
}

func captureStack() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

var (
	defaultClassifierOnce sync.Once
	defaultClassifier     *Classifier
)

// DefaultClassifier returns the process-wide classifier, building it on
// first use. It lives for the life of the process; components that need an
// isolated cache or lifecycle construct their own.
func DefaultClassifier() *Classifier {
	defaultClassifierOnce.Do(func() {
		defaultClassifier = NewClassifier()
	})
	return defaultClassifier
}
