// Package plan manages store plans, trials, and quotas: a distributed lock
// table serializes per-store operations, quota checks run under that lock,
// trial expiration graduates through a short grace period before pausing the
// store, and every lifecycle change lands in an append-only audit trail.
package plan

import (
	"time"
)

// SubscriptionStatus is the platform-internal subscription state.
type SubscriptionStatus string

const (
	SubscriptionPending   SubscriptionStatus = "pending"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
	SubscriptionPaused    SubscriptionStatus = "paused"
)

// platformSubscription maps the commerce platform's subscription vocabulary
// to internal states. FROZEN stores are paused, not cancelled; DECLINED
// charges end the subscription.
var platformSubscription = map[string]SubscriptionStatus{
	"PENDING":   SubscriptionPending,
	"ACTIVE":    SubscriptionActive,
	"CANCELLED": SubscriptionCancelled,
	"EXPIRED":   SubscriptionExpired,
	"FROZEN":    SubscriptionPaused,
	"DECLINED":  SubscriptionCancelled,
}

// ParseSubscriptionStatus maps a platform status string to the internal
// state. The second return is false for vocabulary this platform does not
// emit.
func ParseSubscriptionStatus(platform string) (SubscriptionStatus, bool) {
	status, ok := platformSubscription[platform]
	return status, ok
}

// Store is one storefront's plan state. Trial and grace timestamps are nil
// until the corresponding lifecycle step happens.
type Store struct {
	ID                 string             `json:"id"`
	PlanID             string             `json:"plan_id"`
	SubscriptionID     string             `json:"subscription_id,omitempty"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status,omitempty"`
	IsActive           bool               `json:"is_active"`
	IsPaused           bool               `json:"is_paused"`

	TrialStartedAt    *time.Time `json:"trial_started_at,omitempty"`
	TrialEndsAt       *time.Time `json:"trial_ends_at,omitempty"`
	GracePeriodEndsAt *time.Time `json:"grace_period_ends_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Plan is one row of the plan catalog. Name is unique.
type Plan struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ArticleLimit int    `json:"article_limit"`
	TrialDays    int    `json:"trial_days"`
}

// QuotaStatus is the store collaborator's view of current-period usage.
type QuotaStatus struct {
	StoreID           string    `json:"store_id"`
	PlanID            string    `json:"plan_id"`
	ArticlesUsed      int       `json:"articles_used"`
	ArticlesLimit     int       `json:"articles_limit"`
	ArticlesRemaining int       `json:"articles_remaining"`
	PeriodStart       time.Time `json:"period_start"`
	PeriodEnd         time.Time `json:"period_end"`
}

// Deny reasons carried in QuotaDecision. Domain outcomes, not errors.
const (
	ReasonProcessing    = "processing"
	ReasonNotConfigured = "not configured"
	ReasonInactive      = "inactive"
	ReasonPaused        = "paused"
	ReasonTrialExpired  = "trial expired"
	ReasonQuotaExceeded = "quota exceeded"
)

// QuotaDecision is the outcome of one quota check.
type QuotaDecision struct {
	Allowed       bool   `json:"allowed"`
	Reason        string `json:"reason,omitempty"`
	Remaining     int    `json:"remaining"`
	LockAcquired  bool   `json:"lock_acquired"`
	CorrelationID string `json:"correlation_id"`
}

// TrialStatus is the derived view of a store's trial.
type TrialStatus struct {
	Active        bool       `json:"active"`
	Expired       bool       `json:"expired"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndsAt        *time.Time `json:"ends_at,omitempty"`
	GraceEndsAt   *time.Time `json:"grace_ends_at,omitempty"`
	DaysRemaining int        `json:"days_remaining"`
}

// deriveTrialStatus computes the trial view from store timestamps.
func deriveTrialStatus(store *Store, now time.Time) *TrialStatus {
	status := &TrialStatus{
		StartedAt:   store.TrialStartedAt,
		EndsAt:      store.TrialEndsAt,
		GraceEndsAt: store.GracePeriodEndsAt,
	}
	if store.TrialEndsAt == nil {
		return status
	}
	if now.Before(*store.TrialEndsAt) {
		status.Active = true
		status.DaysRemaining = int(store.TrialEndsAt.Sub(now).Hours() / 24)
	} else {
		status.Expired = true
	}
	return status
}

// Lock is one row of the plan operation lock table. Uniqueness on
// (StoreID, Operation) is the mutual exclusion; CorrelationID identifies
// the holder.
type Lock struct {
	StoreID       string    `json:"store_id"`
	Operation     string    `json:"operation"`
	ExpiresAt     time.Time `json:"expires_at"`
	CorrelationID string    `json:"correlation_id"`
}

// AuditRecord is one append-only lifecycle event.
type AuditRecord struct {
	StoreID   string                 `json:"store_id"`
	EventType string                 `json:"event_type"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Audit event types.
const (
	EventTrialInitialized       = "trial_initialized"
	EventPlanTransitioned       = "plan_transitioned"
	EventGracePeriodStarted     = "grace_period_started"
	EventStorePausedTrialExpire = "store_paused_trial_expired"
)

// SubscriptionEvent is one recorded subscription lifecycle change. Rows are
// append-only billing history; the store row itself stays the live state.
type SubscriptionEvent struct {
	StoreID        string             `json:"store_id"`
	SubscriptionID string             `json:"subscription_id,omitempty"`
	Status         SubscriptionStatus `json:"status"`
	PlanID         string             `json:"plan_id,omitempty"`
	CorrelationID  string             `json:"correlation_id,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Payment statuses the billing platform reports.
const (
	PaymentSucceeded = "succeeded"
	PaymentFailed    = "failed"
	PaymentRefunded  = "refunded"
)

// PaymentRecord is one billing payment outcome recorded against a store.
type PaymentRecord struct {
	StoreID        string    `json:"store_id"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	Amount         float64   `json:"amount"`
	Currency       string    `json:"currency,omitempty"`
	Status         string    `json:"status"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// TransitionReason enumerates why a plan changes.
type TransitionReason string

const (
	TransitionUpgrade               TransitionReason = "upgrade"
	TransitionDowngrade             TransitionReason = "downgrade"
	TransitionTrialStart            TransitionReason = "trial_start"
	TransitionTrialExpired          TransitionReason = "trial_expired"
	TransitionSubscriptionCancelled TransitionReason = "subscription_cancelled"
	TransitionSubscriptionActivated TransitionReason = "subscription_activated"
)

// Valid reports whether the reason is one of the six the platform accepts.
func (r TransitionReason) Valid() bool {
	switch r {
	case TransitionUpgrade, TransitionDowngrade, TransitionTrialStart,
		TransitionTrialExpired, TransitionSubscriptionCancelled, TransitionSubscriptionActivated:
		return true
	}
	return false
}

// TransitionRequest describes one plan change.
type TransitionRequest struct {
	FromPlanID     string                 `json:"from_plan_id"`
	ToPlanID       string                 `json:"to_plan_id"`
	Reason         TransitionReason       `json:"reason"`
	SubscriptionID string                 `json:"subscription_id,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CorrelationID  string                 `json:"correlation_id,omitempty"`
}
