package plan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceLockIfExpiredBoundary(t *testing.T) {
	store := NewInMemoryPlanStore()
	ctx := context.Background()
	expires := time.Now()

	require.NoError(t, store.InsertLock(ctx, &Lock{
		StoreID:       "shop-1",
		Operation:     OpQuotaCheck,
		ExpiresAt:     expires,
		CorrelationID: "corr-a",
	}))

	replacement := &Lock{
		StoreID:       "shop-1",
		Operation:     OpQuotaCheck,
		ExpiresAt:     expires.Add(30 * time.Second),
		CorrelationID: "corr-b",
	}

	// expires_at == now is not strictly expired.
	replaced, err := store.ReplaceLockIfExpired(ctx, replacement, expires)
	require.NoError(t, err)
	assert.False(t, replaced)

	replaced, err = store.ReplaceLockIfExpired(ctx, replacement, expires.Add(time.Nanosecond))
	require.NoError(t, err)
	assert.True(t, replaced)

	current, err := store.GetLock(ctx, "shop-1", OpQuotaCheck)
	require.NoError(t, err)
	assert.Equal(t, "corr-b", current.CorrelationID)

	// No row means nothing to replace.
	replaced, err = store.ReplaceLockIfExpired(ctx, &Lock{StoreID: "shop-9", Operation: OpQuotaCheck}, time.Now())
	require.NoError(t, err)
	assert.False(t, replaced)
}

func TestSyncPlanLimitsRecomputesQuota(t *testing.T) {
	store := NewInMemoryPlanStore()
	ctx := context.Background()

	store.PutPlan(&Plan{ID: "growth", Name: "Growth", ArticleLimit: 50})
	store.PutQuota(&QuotaStatus{StoreID: "shop-1", PlanID: "starter", ArticlesUsed: 8, ArticlesLimit: 10, ArticlesRemaining: 2})

	require.NoError(t, store.SyncPlanLimits(ctx, "shop-1", "growth"))

	quota, err := store.GetQuotaStatus(ctx, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, "growth", quota.PlanID)
	assert.Equal(t, 50, quota.ArticlesLimit)
	assert.Equal(t, 42, quota.ArticlesRemaining)
	assert.Equal(t, 1, store.SyncCalls())
}

func TestSyncPlanLimitsClampsAtZero(t *testing.T) {
	store := NewInMemoryPlanStore()
	ctx := context.Background()

	store.PutPlan(&Plan{ID: "starter", Name: "Starter", ArticleLimit: 5})
	store.PutQuota(&QuotaStatus{StoreID: "shop-1", PlanID: "growth", ArticlesUsed: 9, ArticlesLimit: 50, ArticlesRemaining: 41})

	require.NoError(t, store.SyncPlanLimits(ctx, "shop-1", "starter"))

	quota, err := store.GetQuotaStatus(ctx, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, 0, quota.ArticlesRemaining)
}

func TestStoreCopySemantics(t *testing.T) {
	store := NewInMemoryPlanStore()
	ctx := context.Background()

	store.PutStore(&Store{ID: "shop-1", PlanID: "starter", IsActive: true})

	got, err := store.GetStore(ctx, "shop-1")
	require.NoError(t, err)
	got.PlanID = "mutated"

	again, err := store.GetStore(ctx, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, "starter", again.PlanID)
}

func TestSubscriptionHistoryAppends(t *testing.T) {
	store := NewInMemoryPlanStore()
	ctx := context.Background()
	store.PutStore(&Store{ID: "shop-1", PlanID: "starter", IsActive: true})

	require.NoError(t, store.RecordSubscriptionEvent(ctx, &SubscriptionEvent{
		StoreID:        "shop-1",
		SubscriptionID: "sub-1",
		Status:         SubscriptionActive,
	}))
	require.NoError(t, store.RecordPayment(ctx, &PaymentRecord{
		StoreID: "shop-1",
		Amount:  12.50,
		Status:  PaymentSucceeded,
	}))

	events := store.SubscriptionEvents()
	require.Len(t, events, 1)
	assert.False(t, events[0].CreatedAt.IsZero())

	payments := store.Payments()
	require.Len(t, payments, 1)
	assert.False(t, payments[0].OccurredAt.IsZero())

	// Unknown stores are rejected, matching the relational foreign key.
	assert.Error(t, store.RecordSubscriptionEvent(ctx, &SubscriptionEvent{StoreID: "ghost"}))
	assert.Error(t, store.RecordPayment(ctx, &PaymentRecord{StoreID: "ghost"}))
}

func TestAuditTrailAppends(t *testing.T) {
	store := NewInMemoryPlanStore()
	ctx := context.Background()

	require.NoError(t, store.InsertAudit(ctx, &AuditRecord{StoreID: "shop-1", EventType: EventTrialInitialized, CreatedAt: time.Now()}))
	require.NoError(t, store.InsertAudit(ctx, &AuditRecord{StoreID: "shop-1", EventType: EventPlanTransitioned, CreatedAt: time.Now()}))

	audits := store.Audits()
	require.Len(t, audits, 2)
	assert.Equal(t, EventTrialInitialized, audits[0].EventType)
	assert.Equal(t, EventPlanTransitioned, audits[1].EventType)
}
