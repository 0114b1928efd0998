package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Domain entity errors
	ErrStoreNotFound        = errors.New("store not found")
	ErrPlanNotFound         = errors.New("plan not found")
	ErrJobNotFound          = errors.New("job not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrRecordNotFound       = errors.New("record not found")

	// Concurrency-control errors
	ErrLockNotAcquired = errors.New("lock not acquired")
	ErrLockConflict    = errors.New("lock held by another operation")

	// Operation errors
	ErrTimeout              = errors.New("operation timeout")
	ErrContextCanceled      = errors.New("context canceled")
	ErrMaxRetriesExceeded   = errors.New("maximum retries exceeded")
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

	// Validation errors
	ErrInvalidInput = errors.New("invalid input")

	// HTTP/Network errors
	ErrConnectionFailed = errors.New("connection failed")
	ErrRequestFailed    = errors.New("request failed")
	ErrRateLimited      = errors.New("rate limited")

	// Batch errors
	ErrDependencyFailed = errors.New("dependency failed")
	ErrCycleDetected    = errors.New("dependency cycle detected")
)

// PlatformError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type PlatformError struct {
	Op      string // Operation that failed (e.g., "plan.AcquireLock")
	Kind    string // Error kind (e.g., "queue", "plan", "ratelimit", "config")
	ID      string // Optional ID of the entity involved (store id, job id, shop domain)
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *PlatformError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *PlatformError) Unwrap() error {
	return e.Err
}

// NewPlatformError creates a new PlatformError
func NewPlatformError(op, kind string, err error) *PlatformError {
	return &PlatformError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrRequestFailed)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStoreNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrRecordNotFound)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsConflict checks if an error represents a lock or ownership conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrLockNotAcquired) ||
		errors.Is(err, ErrLockConflict)
}
