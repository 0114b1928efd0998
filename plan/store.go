package plan

import (
	"context"
	"sync"
	"time"

	"github.com/draftmill/flywheel/core"
)

// PlanStore is the narrow store surface the plan manager depends on. The
// production implementation fronts the relational store and its stored
// procedures; InMemoryPlanStore serves tests and single-process use.
//
// Lock methods carry the atomicity contract: InsertLock must fail with
// core.ErrLockConflict when a row for (store, operation) exists, and
// ReplaceLockIfExpired must replace only rows with expires_at strictly
// before now, reporting whether a row was affected.
type PlanStore interface {
	GetStore(ctx context.Context, storeID string) (*Store, error)
	UpdateStore(ctx context.Context, store *Store) error
	GetPlan(ctx context.Context, planID string) (*Plan, error)

	GetQuotaStatus(ctx context.Context, storeID string) (*QuotaStatus, error)
	RecordArticleUsage(ctx context.Context, storeID, postID, usageType string) error
	SyncPlanLimits(ctx context.Context, storeID, newPlanID string) error

	RecordSubscriptionEvent(ctx context.Context, event *SubscriptionEvent) error
	RecordPayment(ctx context.Context, payment *PaymentRecord) error

	InsertLock(ctx context.Context, lock *Lock) error
	GetLock(ctx context.Context, storeID, operation string) (*Lock, error)
	ReplaceLockIfExpired(ctx context.Context, lock *Lock, now time.Time) (bool, error)
	DeleteLock(ctx context.Context, storeID, operation, correlationID string) error

	InsertAudit(ctx context.Context, record *AuditRecord) error
}

// UsageRecord is one recorded article consumption.
type UsageRecord struct {
	StoreID   string    `json:"store_id"`
	PostID    string    `json:"post_id"`
	UsageType string    `json:"usage_type"`
	CreatedAt time.Time `json:"created_at"`
}

// InMemoryPlanStore keeps plan state in process memory with the same
// conditional-update semantics the relational store provides.
type InMemoryPlanStore struct {
	mu        sync.Mutex
	stores    map[string]*Store
	plans     map[string]*Plan
	quotas    map[string]*QuotaStatus
	usage     []UsageRecord
	locks     map[string]*Lock
	audits    []AuditRecord
	subEvents []SubscriptionEvent
	payments  []PaymentRecord

	syncCalls int
	logger    core.Logger
}

// NewInMemoryPlanStore creates an empty store.
func NewInMemoryPlanStore() *InMemoryPlanStore {
	return &InMemoryPlanStore{
		stores: make(map[string]*Store),
		plans:  make(map[string]*Plan),
		quotas: make(map[string]*QuotaStatus),
		locks:  make(map[string]*Lock),
		logger: &core.NoOpLogger{},
	}
}

// SetLogger configures the logger for this store.
func (s *InMemoryPlanStore) SetLogger(logger core.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// PutStore seeds or replaces a store row.
func (s *InMemoryPlanStore) PutStore(store *Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *store
	s.stores[store.ID] = &copied
}

// PutPlan seeds or replaces a catalog row.
func (s *InMemoryPlanStore) PutPlan(plan *Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *plan
	s.plans[plan.ID] = &copied
}

// PutQuota seeds or replaces a store's quota snapshot.
func (s *InMemoryPlanStore) PutQuota(quota *QuotaStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *quota
	s.quotas[quota.StoreID] = &copied
}

func (s *InMemoryPlanStore) GetStore(ctx context.Context, storeID string) (*Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.stores[storeID]
	if !ok {
		return nil, core.ErrStoreNotFound
	}
	copied := *store
	return &copied, nil
}

func (s *InMemoryPlanStore) UpdateStore(ctx context.Context, store *Store) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stores[store.ID]; !ok {
		return core.ErrStoreNotFound
	}
	copied := *store
	s.stores[store.ID] = &copied
	return nil
}

func (s *InMemoryPlanStore) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[planID]
	if !ok {
		return nil, core.ErrPlanNotFound
	}
	copied := *plan
	return &copied, nil
}

func (s *InMemoryPlanStore) GetQuotaStatus(ctx context.Context, storeID string) (*QuotaStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	quota, ok := s.quotas[storeID]
	if !ok {
		return nil, core.ErrStoreNotFound
	}
	copied := *quota
	return &copied, nil
}

func (s *InMemoryPlanStore) RecordArticleUsage(ctx context.Context, storeID, postID, usageType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	quota, ok := s.quotas[storeID]
	if !ok {
		return core.ErrStoreNotFound
	}
	s.usage = append(s.usage, UsageRecord{
		StoreID:   storeID,
		PostID:    postID,
		UsageType: usageType,
		CreatedAt: time.Now(),
	})
	quota.ArticlesUsed++
	if quota.ArticlesRemaining > 0 {
		quota.ArticlesRemaining--
	}
	return nil
}

// SyncPlanLimits mirrors the store-side procedure: copy the target plan's
// limit onto the store's quota row and recompute remaining.
func (s *InMemoryPlanStore) SyncPlanLimits(ctx context.Context, storeID, newPlanID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncCalls++
	plan, ok := s.plans[newPlanID]
	if !ok {
		return core.ErrPlanNotFound
	}
	quota, ok := s.quotas[storeID]
	if !ok {
		return core.ErrStoreNotFound
	}
	quota.PlanID = newPlanID
	quota.ArticlesLimit = plan.ArticleLimit
	quota.ArticlesRemaining = plan.ArticleLimit - quota.ArticlesUsed
	if quota.ArticlesRemaining < 0 {
		quota.ArticlesRemaining = 0
	}
	return nil
}

func (s *InMemoryPlanStore) RecordSubscriptionEvent(ctx context.Context, event *SubscriptionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stores[event.StoreID]; !ok {
		return core.ErrStoreNotFound
	}
	copied := *event
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	s.subEvents = append(s.subEvents, copied)
	return nil
}

func (s *InMemoryPlanStore) RecordPayment(ctx context.Context, payment *PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stores[payment.StoreID]; !ok {
		return core.ErrStoreNotFound
	}
	copied := *payment
	if copied.OccurredAt.IsZero() {
		copied.OccurredAt = time.Now()
	}
	s.payments = append(s.payments, copied)
	return nil
}

// SubscriptionEvents returns a copy of the recorded subscription history.
func (s *InMemoryPlanStore) SubscriptionEvents() []SubscriptionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SubscriptionEvent, len(s.subEvents))
	copy(out, s.subEvents)
	return out
}

// Payments returns a copy of the recorded payment history.
func (s *InMemoryPlanStore) Payments() []PaymentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PaymentRecord, len(s.payments))
	copy(out, s.payments)
	return out
}

// SyncCalls returns how many times SyncPlanLimits ran.
func (s *InMemoryPlanStore) SyncCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncCalls
}

// Usage returns a copy of recorded article usage.
func (s *InMemoryPlanStore) Usage() []UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UsageRecord, len(s.usage))
	copy(out, s.usage)
	return out
}

func lockKey(storeID, operation string) string {
	return storeID + "|" + operation
}

func (s *InMemoryPlanStore) InsertLock(ctx context.Context, lock *Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := lockKey(lock.StoreID, lock.Operation)
	if _, exists := s.locks[key]; exists {
		return core.ErrLockConflict
	}
	copied := *lock
	s.locks[key] = &copied
	return nil
}

func (s *InMemoryPlanStore) GetLock(ctx context.Context, storeID, operation string) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[lockKey(storeID, operation)]
	if !ok {
		return nil, core.ErrLockNotAcquired
	}
	copied := *lock
	return &copied, nil
}

func (s *InMemoryPlanStore) ReplaceLockIfExpired(ctx context.Context, lock *Lock, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := lockKey(lock.StoreID, lock.Operation)
	current, ok := s.locks[key]
	if !ok || !current.ExpiresAt.Before(now) {
		return false, nil
	}
	copied := *lock
	s.locks[key] = &copied
	return true, nil
}

// DeleteLock removes the row only on a full (store, operation, correlation)
// match, so an expired-and-taken-over lock is never released by the old
// holder. Missing rows are a no-op.
func (s *InMemoryPlanStore) DeleteLock(ctx context.Context, storeID, operation, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := lockKey(storeID, operation)
	current, ok := s.locks[key]
	if !ok || current.CorrelationID != correlationID {
		return nil
	}
	delete(s.locks, key)
	return nil
}

func (s *InMemoryPlanStore) InsertAudit(ctx context.Context, record *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *record
	s.audits = append(s.audits, copied)
	return nil
}

// Audits returns a copy of the audit trail.
func (s *InMemoryPlanStore) Audits() []AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditRecord, len(s.audits))
	copy(out, s.audits)
	return out
}
