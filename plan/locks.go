package plan

import (
	"context"
	"errors"
	"time"

	"github.com/draftmill/flywheel/core"
)

// Lock-separated operations. They do not mutually block: a quota check can
// run while a plan update holds its own lock.
const (
	OpQuotaCheck  = "quota_check"
	OpPlanUpdate  = "plan_update"
	OpTrialUpdate = "trial_update"
)

// LockManager acquires and releases rows in the plan operation lock table.
// Acquisition is insert, then read on conflict, then a conditional replace
// when the holder's TTL lapsed. Release deletes only the caller's own row.
type LockManager struct {
	store     PlanStore
	ttl       time.Duration
	logger    core.Logger
	telemetry core.Telemetry
}

// NewLockManager creates a lock manager with the given TTL. A TTL of zero
// falls back to 30 seconds.
func NewLockManager(store PlanStore, ttl time.Duration, logger core.Logger, telemetry core.Telemetry) *LockManager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	return &LockManager{store: store, ttl: ttl, logger: logger, telemetry: telemetry}
}

// Acquire attempts to take the (storeID, operation) lock for correlationID.
// It returns false when another live holder owns the row. Store failures
// surface as errors; contention does not.
func (m *LockManager) Acquire(ctx context.Context, storeID, operation, correlationID string) (bool, error) {
	now := time.Now()
	lock := &Lock{
		StoreID:       storeID,
		Operation:     operation,
		ExpiresAt:     now.Add(m.ttl),
		CorrelationID: correlationID,
	}

	err := m.store.InsertLock(ctx, lock)
	if err == nil {
		m.telemetry.RecordMetric("plan.locks.acquired", 1, map[string]string{"operation": operation})
		return true, nil
	}
	if !errors.Is(err, core.ErrLockConflict) {
		return false, err
	}

	current, err := m.store.GetLock(ctx, storeID, operation)
	if err != nil {
		if errors.Is(err, core.ErrLockNotAcquired) {
			// The holder released between our insert and read. Rare enough
			// to report as contention; the caller retries later.
			m.recordConflict(ctx, storeID, operation)
			return false, nil
		}
		return false, err
	}
	if current.ExpiresAt.After(now) {
		m.recordConflict(ctx, storeID, operation)
		return false, nil
	}

	replaced, err := m.store.ReplaceLockIfExpired(ctx, lock, now)
	if err != nil {
		return false, err
	}
	if !replaced {
		m.recordConflict(ctx, storeID, operation)
		return false, nil
	}

	m.logger.DebugWithContext(ctx, "Took over expired lock", map[string]interface{}{
		"operation":      operation,
		"store_id":       storeID,
		"correlation_id": correlationID,
		"expired_at":     current.ExpiresAt.Format(time.RFC3339),
	})
	m.telemetry.RecordMetric("plan.locks.acquired", 1, map[string]string{"operation": operation})
	return true, nil
}

// Release deletes the caller's lock row. Releasing a lock that expired and
// was taken over touches nothing; releasing twice is a no-op.
func (m *LockManager) Release(ctx context.Context, storeID, operation, correlationID string) error {
	return m.store.DeleteLock(ctx, storeID, operation, correlationID)
}

func (m *LockManager) recordConflict(ctx context.Context, storeID, operation string) {
	m.telemetry.RecordMetric("plan.locks.conflicts", 1, map[string]string{"operation": operation})
	m.logger.DebugWithContext(ctx, "Lock held by another operation", map[string]interface{}{
		"operation": operation,
		"store_id":  storeID,
	})
}
