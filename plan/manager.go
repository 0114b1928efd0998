package plan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/draftmill/flywheel/core"
)

// Manager runs the plan lifecycle: quota enforcement under the quota_check
// lock, trial initialization and expiration under the trial_update lock, and
// plan transitions under the plan_update lock.
type Manager struct {
	store     PlanStore
	locks     *LockManager
	audit     *AuditLog
	cfg       core.PlanConfig
	logger    core.Logger
	telemetry core.Telemetry
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger core.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithTelemetry sets the manager's telemetry sink.
func WithTelemetry(telemetry core.Telemetry) Option {
	return func(m *Manager) {
		if telemetry != nil {
			m.telemetry = telemetry
		}
	}
}

// NewManager creates a plan manager over the store.
func NewManager(store PlanStore, cfg core.PlanConfig, opts ...Option) *Manager {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.TrialDays <= 0 {
		cfg.TrialDays = 14
	}
	if cfg.GraceDays <= 0 {
		cfg.GraceDays = 3
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = time.Hour
	}
	if cfg.FreeTrialPlanID == "" {
		cfg.FreeTrialPlanID = "free_trial"
	}

	m := &Manager{
		store:     store,
		cfg:       cfg,
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.locks = NewLockManager(store, cfg.LockTTL, m.logger, m.telemetry)
	m.audit = NewAuditLog(store, m.logger)
	return m
}

// EnforceQuota decides whether storeID may consume one article for the given
// domain operation. The whole check runs under the quota_check lock; a held
// lock is reported as a "processing" denial, never an error. An empty
// correlationID generates one.
func (m *Manager) EnforceQuota(ctx context.Context, storeID, operation, correlationID string) (*QuotaDecision, error) {
	if storeID == "" {
		return nil, &core.PlatformError{
			Op:      "plan.EnforceQuota",
			Kind:    "validation",
			Message: "store id is required",
			Err:     core.ErrInvalidInput,
		}
	}
	if correlationID == "" {
		correlationID = core.NewCorrelationID("quota")
	}
	started := time.Now()

	acquired, err := m.locks.Acquire(ctx, storeID, OpQuotaCheck, correlationID)
	if err != nil {
		return nil, fmt.Errorf("acquire quota lock for %s: %w", storeID, err)
	}
	if !acquired {
		return m.finishQuota(ctx, storeID, operation, correlationID, started, &QuotaDecision{
			Allowed:       false,
			Reason:        ReasonProcessing,
			LockAcquired:  false,
			CorrelationID: correlationID,
		}), nil
	}
	defer func() {
		if err := m.locks.Release(ctx, storeID, OpQuotaCheck, correlationID); err != nil {
			m.logger.WarnWithContext(ctx, "Quota lock release failed", map[string]interface{}{
				"operation":      "enforce_quota",
				"store_id":       storeID,
				"correlation_id": correlationID,
				"error":          err.Error(),
			})
		}
	}()

	store, quota, err := m.fetchQuotaState(ctx, storeID)
	if err != nil {
		if errors.Is(err, core.ErrStoreNotFound) || errors.Is(err, core.ErrPlanNotFound) {
			return m.finishQuota(ctx, storeID, operation, correlationID, started, &QuotaDecision{
				Allowed:       false,
				Reason:        ReasonNotConfigured,
				LockAcquired:  true,
				CorrelationID: correlationID,
			}), nil
		}
		return nil, err
	}

	if !store.IsActive {
		return m.finishQuota(ctx, storeID, operation, correlationID, started, deny(ReasonInactive, correlationID)), nil
	}
	if store.IsPaused {
		return m.finishQuota(ctx, storeID, operation, correlationID, started, deny(ReasonPaused, correlationID)), nil
	}

	now := time.Now()
	if store.TrialEndsAt != nil && now.After(*store.TrialEndsAt) {
		decision, err := m.handleTrialExpiration(ctx, store, now, correlationID)
		if err != nil {
			return nil, err
		}
		if decision != nil {
			return m.finishQuota(ctx, storeID, operation, correlationID, started, decision), nil
		}
	}

	if quota.ArticlesRemaining <= 0 {
		return m.finishQuota(ctx, storeID, operation, correlationID, started, deny(ReasonQuotaExceeded, correlationID)), nil
	}

	return m.finishQuota(ctx, storeID, operation, correlationID, started, &QuotaDecision{
		Allowed:       true,
		Remaining:     quota.ArticlesRemaining,
		LockAcquired:  true,
		CorrelationID: correlationID,
	}), nil
}

func deny(reason, correlationID string) *QuotaDecision {
	return &QuotaDecision{
		Allowed:       false,
		Reason:        reason,
		LockAcquired:  true,
		CorrelationID: correlationID,
	}
}

func (m *Manager) fetchQuotaState(ctx context.Context, storeID string) (*Store, *QuotaStatus, error) {
	store, err := m.store.GetStore(ctx, storeID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := m.store.GetPlan(ctx, store.PlanID); err != nil {
		return nil, nil, err
	}
	quota, err := m.store.GetQuotaStatus(ctx, storeID)
	if err != nil {
		return nil, nil, err
	}
	return store, quota, nil
}

// handleTrialExpiration runs when a store's trial end date has passed. A
// store checking in within the grace window gets grace_period_ends_at set
// and the check continues. A store whose grace lapsed, or that first checks
// in after the window, is paused and denied. A nil decision means continue
// to the quota test.
func (m *Manager) handleTrialExpiration(ctx context.Context, store *Store, now time.Time, correlationID string) (*QuotaDecision, error) {
	if store.GracePeriodEndsAt == nil {
		elapsed := now.Sub(*store.TrialEndsAt)
		if elapsed > 0 && elapsed < m.cfg.GraceWindow {
			graceEnds := now.Add(time.Duration(m.cfg.GraceDays) * 24 * time.Hour)
			store.GracePeriodEndsAt = &graceEnds
			store.UpdatedAt = now
			if err := m.store.UpdateStore(ctx, store); err != nil {
				return nil, fmt.Errorf("start grace period for %s: %w", store.ID, err)
			}
			m.audit.Record(ctx, store.ID, EventGracePeriodStarted, map[string]interface{}{
				"correlation_id":       correlationID,
				"trial_ends_at":        store.TrialEndsAt.Format(time.RFC3339),
				"grace_period_ends_at": graceEnds.Format(time.RFC3339),
			})
			m.logger.InfoWithContext(ctx, "Trial grace period started", map[string]interface{}{
				"operation":            "enforce_quota",
				"store_id":             store.ID,
				"correlation_id":       correlationID,
				"grace_period_ends_at": graceEnds.Format(time.RFC3339),
			})
			return nil, nil
		}
		return m.pauseExpiredTrial(ctx, store, now, correlationID)
	}

	if now.After(*store.GracePeriodEndsAt) {
		return m.pauseExpiredTrial(ctx, store, now, correlationID)
	}
	return nil, nil
}

func (m *Manager) pauseExpiredTrial(ctx context.Context, store *Store, now time.Time, correlationID string) (*QuotaDecision, error) {
	store.IsPaused = true
	store.UpdatedAt = now
	if err := m.store.UpdateStore(ctx, store); err != nil {
		return nil, fmt.Errorf("pause store %s: %w", store.ID, err)
	}
	metadata := map[string]interface{}{
		"correlation_id": correlationID,
		"trial_ends_at":  store.TrialEndsAt.Format(time.RFC3339),
	}
	if store.GracePeriodEndsAt != nil {
		metadata["grace_period_ends_at"] = store.GracePeriodEndsAt.Format(time.RFC3339)
	}
	m.audit.Record(ctx, store.ID, EventStorePausedTrialExpire, metadata)
	m.telemetry.RecordMetric("plan.trials.expired", 1, nil)
	m.logger.InfoWithContext(ctx, "Store paused after trial expiration", map[string]interface{}{
		"operation":      "enforce_quota",
		"store_id":       store.ID,
		"correlation_id": correlationID,
	})
	return deny(ReasonTrialExpired, correlationID), nil
}

func (m *Manager) finishQuota(ctx context.Context, storeID, operation, correlationID string, started time.Time, decision *QuotaDecision) *QuotaDecision {
	result := "allowed"
	if !decision.Allowed {
		result = "denied"
		m.telemetry.RecordMetric("plan.quota.denied", 1, map[string]string{"reason": decision.Reason})
	}
	m.telemetry.RecordMetric("plan.quota.checks", 1, map[string]string{"result": result})
	m.logger.InfoWithContext(ctx, "Quota check finished", map[string]interface{}{
		"operation":      "enforce_quota",
		"store_id":       storeID,
		"domain_op":      operation,
		"correlation_id": correlationID,
		"allowed":        decision.Allowed,
		"reason":         decision.Reason,
		"remaining":      decision.Remaining,
		"latency_ms":     time.Since(started).Milliseconds(),
	})
	return decision
}

// TrialOptions tunes InitializeTrial. The zero value uses the configured
// trial length and leaves existing trials alone.
type TrialOptions struct {
	TrialDays     int
	ForceReset    bool
	CorrelationID string
}

// InitializeTrial starts a store's free trial under the trial_update lock.
// Stores with an active subscription, or an unexpired trial when ForceReset
// is off, are left untouched and the current status returned.
func (m *Manager) InitializeTrial(ctx context.Context, storeID string, opts *TrialOptions) (*TrialStatus, error) {
	if opts == nil {
		opts = &TrialOptions{}
	}
	days := opts.TrialDays
	if days <= 0 {
		days = m.cfg.TrialDays
	}
	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = core.NewCorrelationID("trial")
	}

	acquired, err := m.locks.Acquire(ctx, storeID, OpTrialUpdate, correlationID)
	if err != nil {
		return nil, fmt.Errorf("acquire trial lock for %s: %w", storeID, err)
	}
	if !acquired {
		return nil, &core.PlatformError{
			Op:      "plan.InitializeTrial",
			Kind:    "conflict",
			ID:      storeID,
			Message: "trial update already in progress",
			Err:     core.ErrLockConflict,
		}
	}
	defer func() {
		if err := m.locks.Release(ctx, storeID, OpTrialUpdate, correlationID); err != nil {
			m.logger.WarnWithContext(ctx, "Trial lock release failed", map[string]interface{}{
				"operation":      "initialize_trial",
				"store_id":       storeID,
				"correlation_id": correlationID,
				"error":          err.Error(),
			})
		}
	}()

	store, err := m.store.GetStore(ctx, storeID)
	if err != nil {
		return nil, err
	}
	now := time.Now()

	if store.SubscriptionStatus == SubscriptionActive {
		return deriveTrialStatus(store, now), nil
	}
	if store.TrialEndsAt != nil && now.Before(*store.TrialEndsAt) && !opts.ForceReset {
		return deriveTrialStatus(store, now), nil
	}

	ends := now.Add(time.Duration(days) * 24 * time.Hour)
	store.TrialStartedAt = &now
	store.TrialEndsAt = &ends
	store.GracePeriodEndsAt = nil
	store.PlanID = m.cfg.FreeTrialPlanID
	store.IsActive = true
	store.IsPaused = false
	store.UpdatedAt = now
	if err := m.store.UpdateStore(ctx, store); err != nil {
		return nil, fmt.Errorf("initialize trial for %s: %w", storeID, err)
	}

	m.audit.Record(ctx, storeID, EventTrialInitialized, map[string]interface{}{
		"correlation_id": correlationID,
		"trial_days":     days,
		"trial_ends_at":  ends.Format(time.RFC3339),
		"forced":         opts.ForceReset,
	})
	m.telemetry.RecordMetric("plan.trials.started", 1, nil)
	m.logger.InfoWithContext(ctx, "Trial initialized", map[string]interface{}{
		"operation":      "initialize_trial",
		"store_id":       storeID,
		"correlation_id": correlationID,
		"trial_days":     days,
		"forced":         opts.ForceReset,
	})
	return deriveTrialStatus(store, now), nil
}

// TransitionPlan moves a store to a new plan under the plan_update lock and
// applies the per-reason field rules. The store-side limit sync afterwards
// is best-effort: limits converge on the next quota check.
func (m *Manager) TransitionPlan(ctx context.Context, storeID string, req *TransitionRequest) (*Store, error) {
	if req == nil || req.ToPlanID == "" {
		return nil, &core.PlatformError{
			Op:      "plan.TransitionPlan",
			Kind:    "validation",
			ID:      storeID,
			Message: "target plan id is required",
			Err:     core.ErrInvalidInput,
		}
	}
	if !req.Reason.Valid() {
		return nil, &core.PlatformError{
			Op:      "plan.TransitionPlan",
			Kind:    "validation",
			ID:      storeID,
			Message: fmt.Sprintf("unknown transition reason %q", req.Reason),
			Err:     core.ErrInvalidInput,
		}
	}
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = core.NewCorrelationID("plan")
	}

	acquired, err := m.locks.Acquire(ctx, storeID, OpPlanUpdate, correlationID)
	if err != nil {
		return nil, fmt.Errorf("acquire plan lock for %s: %w", storeID, err)
	}
	if !acquired {
		return nil, &core.PlatformError{
			Op:      "plan.TransitionPlan",
			Kind:    "conflict",
			ID:      storeID,
			Message: "plan update already in progress",
			Err:     core.ErrLockConflict,
		}
	}
	defer func() {
		if err := m.locks.Release(ctx, storeID, OpPlanUpdate, correlationID); err != nil {
			m.logger.WarnWithContext(ctx, "Plan lock release failed", map[string]interface{}{
				"operation":      "transition_plan",
				"store_id":       storeID,
				"correlation_id": correlationID,
				"error":          err.Error(),
			})
		}
	}()

	store, err := m.store.GetStore(ctx, storeID)
	if err != nil {
		return nil, err
	}
	previousPlan := store.PlanID
	if req.FromPlanID != "" && req.FromPlanID != previousPlan {
		m.logger.WarnWithContext(ctx, "Transition request has stale from_plan_id", map[string]interface{}{
			"operation":      "transition_plan",
			"store_id":       storeID,
			"requested_from": req.FromPlanID,
			"actual_from":    previousPlan,
		})
	}

	now := time.Now()
	switch req.Reason {
	case TransitionSubscriptionActivated, TransitionUpgrade:
		store.TrialStartedAt = nil
		store.TrialEndsAt = nil
	case TransitionTrialStart:
		days := m.trialDaysFor(ctx, req.ToPlanID)
		ends := now.Add(time.Duration(days) * 24 * time.Hour)
		store.TrialStartedAt = &now
		store.TrialEndsAt = &ends
	case TransitionTrialExpired, TransitionSubscriptionCancelled:
		if req.SubscriptionID == "" {
			store.IsPaused = true
		}
	}

	store.PlanID = req.ToPlanID
	store.UpdatedAt = now
	if req.SubscriptionID != "" {
		store.SubscriptionID = req.SubscriptionID
	}
	if err := m.store.UpdateStore(ctx, store); err != nil {
		return nil, fmt.Errorf("transition store %s to plan %s: %w", storeID, req.ToPlanID, err)
	}

	if err := m.store.SyncPlanLimits(ctx, storeID, req.ToPlanID); err != nil {
		m.logger.WarnWithContext(ctx, "Plan limit sync failed", map[string]interface{}{
			"operation":      "transition_plan",
			"store_id":       storeID,
			"plan_id":        req.ToPlanID,
			"correlation_id": correlationID,
			"error":          err.Error(),
		})
	}

	if status, ok := subscriptionStatusFor(req.Reason); ok {
		err := m.store.RecordSubscriptionEvent(ctx, &SubscriptionEvent{
			StoreID:        storeID,
			SubscriptionID: store.SubscriptionID,
			Status:         status,
			PlanID:         req.ToPlanID,
			CorrelationID:  correlationID,
		})
		if err != nil {
			m.logger.WarnWithContext(ctx, "Subscription event record failed", map[string]interface{}{
				"operation":      "transition_plan",
				"store_id":       storeID,
				"correlation_id": correlationID,
				"error":          err.Error(),
			})
		}
	}

	metadata := map[string]interface{}{
		"correlation_id": correlationID,
		"from_plan_id":   previousPlan,
		"to_plan_id":     req.ToPlanID,
		"reason":         string(req.Reason),
	}
	if req.SubscriptionID != "" {
		metadata["subscription_id"] = req.SubscriptionID
	}
	for k, v := range req.Metadata {
		if _, taken := metadata[k]; !taken {
			metadata[k] = v
		}
	}
	m.audit.Record(ctx, storeID, EventPlanTransitioned, metadata)
	m.telemetry.RecordMetric("plan.transitions", 1, map[string]string{"reason": string(req.Reason)})
	m.logger.InfoWithContext(ctx, "Plan transitioned", map[string]interface{}{
		"operation":      "transition_plan",
		"store_id":       storeID,
		"from_plan_id":   previousPlan,
		"to_plan_id":     req.ToPlanID,
		"reason":         string(req.Reason),
		"correlation_id": correlationID,
	})
	return store, nil
}

// trialDaysFor reads the target plan's trial length, falling back to the
// configured default when the catalog row is missing or carries none.
func (m *Manager) trialDaysFor(ctx context.Context, planID string) int {
	plan, err := m.store.GetPlan(ctx, planID)
	if err != nil || plan.TrialDays <= 0 {
		return m.cfg.TrialDays
	}
	return plan.TrialDays
}

// subscriptionStatusFor maps subscription-driven transition reasons to the
// state their history row records. Other reasons record no event.
func subscriptionStatusFor(reason TransitionReason) (SubscriptionStatus, bool) {
	switch reason {
	case TransitionSubscriptionActivated:
		return SubscriptionActive, true
	case TransitionSubscriptionCancelled:
		return SubscriptionCancelled, true
	}
	return "", false
}

// RecordSubscriptionEvent appends one subscription state change to the
// billing history. TransitionPlan records activation and cancellation
// itself; this covers state changes that move no plan, like a frozen or
// expired subscription reported by a webhook.
func (m *Manager) RecordSubscriptionEvent(ctx context.Context, event *SubscriptionEvent) error {
	if event == nil || event.StoreID == "" {
		return &core.PlatformError{
			Op:      "plan.RecordSubscriptionEvent",
			Kind:    "validation",
			Message: "event store id is required",
			Err:     core.ErrInvalidInput,
		}
	}
	if err := m.store.RecordSubscriptionEvent(ctx, event); err != nil {
		return fmt.Errorf("record subscription event for %s: %w", event.StoreID, err)
	}
	m.telemetry.RecordMetric("plan.subscription.events", 1, map[string]string{"status": string(event.Status)})
	m.logger.InfoWithContext(ctx, "Subscription event recorded", map[string]interface{}{
		"operation":       "record_subscription_event",
		"store_id":        event.StoreID,
		"subscription_id": event.SubscriptionID,
		"status":          string(event.Status),
	})
	return nil
}

// RecordPayment appends one payment outcome to the billing history.
func (m *Manager) RecordPayment(ctx context.Context, payment *PaymentRecord) error {
	if payment == nil || payment.StoreID == "" {
		return &core.PlatformError{
			Op:      "plan.RecordPayment",
			Kind:    "validation",
			Message: "payment store id is required",
			Err:     core.ErrInvalidInput,
		}
	}
	if err := m.store.RecordPayment(ctx, payment); err != nil {
		return fmt.Errorf("record payment for %s: %w", payment.StoreID, err)
	}
	m.telemetry.RecordMetric("plan.payments.recorded", 1, map[string]string{"status": payment.Status})
	m.logger.InfoWithContext(ctx, "Payment recorded", map[string]interface{}{
		"operation":       "record_payment",
		"store_id":        payment.StoreID,
		"subscription_id": payment.SubscriptionID,
		"amount":          payment.Amount,
		"currency":        payment.Currency,
		"status":          payment.Status,
	})
	return nil
}

// RecordUsage records one article consumption against the store's quota.
func (m *Manager) RecordUsage(ctx context.Context, storeID, postID, usageType string) error {
	if err := m.store.RecordArticleUsage(ctx, storeID, postID, usageType); err != nil {
		return fmt.Errorf("record usage for %s: %w", storeID, err)
	}
	m.telemetry.RecordMetric("plan.quota.consumed", 1, map[string]string{"usage_type": usageType})
	m.logger.DebugWithContext(ctx, "Article usage recorded", map[string]interface{}{
		"operation":  "record_usage",
		"store_id":   storeID,
		"post_id":    postID,
		"usage_type": usageType,
	})
	return nil
}

// TrialStatusFor derives the current trial view for a store.
func (m *Manager) TrialStatusFor(ctx context.Context, storeID string) (*TrialStatus, error) {
	store, err := m.store.GetStore(ctx, storeID)
	if err != nil {
		return nil, err
	}
	return deriveTrialStatus(store, time.Now()), nil
}
