package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/draftmill/flywheel/core"
)

// PlanTier is a shop's commerce platform plan, which determines its GraphQL
// cost allowance.
type PlanTier string

const (
	TierStandard   PlanTier = "standard"
	TierAdvanced   PlanTier = "advanced"
	TierPlus       PlanTier = "plus"
	TierEnterprise PlanTier = "enterprise"
)

// tierAllowance holds a tier's GraphQL leaky bucket parameters: the bucket
// size in cost points and the restore rate in points per second.
type tierAllowance struct {
	bucket  float64
	restore float64
}

var graphQLTiers = map[PlanTier]tierAllowance{
	TierStandard:   {bucket: 1000, restore: 100},
	TierAdvanced:   {bucket: 2000, restore: 200},
	TierPlus:       {bucket: 10000, restore: 1000},
	TierEnterprise: {bucket: 20000, restore: 2000},
}

// unknownTierAllowance is the conservative fallback for shops whose plan
// the platform has not told us yet.
var unknownTierAllowance = tierAllowance{bucket: 1000, restore: 50}

// CommerceLimiter enforces the commerce platform's two admission budgets
// per shop: a REST request bucket and a tiered GraphQL cost bucket. Both
// buckets start full, so a fresh shop can burst immediately.
type CommerceLimiter struct {
	cfg     core.CommerceConfig
	rest    *Limiter
	graphql *Limiter

	mu    sync.Mutex
	tiers map[string]PlanTier

	logger    core.Logger
	telemetry core.Telemetry
}

// NewCommerceLimiter creates a commerce limiter from the platform
// configuration block.
func NewCommerceLimiter(cfg core.CommerceConfig, opts ...Option) *CommerceLimiter {
	if cfg.MaxQueryCost <= 0 {
		cfg.MaxQueryCost = 1000
	}
	restDefaults := Config{
		Algorithm:   AlgorithmTokenBucket,
		MaxRequests: cfg.RESTLimit,
		Window:      cfg.RESTWindow,
	}
	gqlDefaults := Config{
		Algorithm:   AlgorithmLeakyBucket,
		MaxRequests: int(unknownTierAllowance.bucket),
		Window:      time.Second,
		Burst:       unknownTierAllowance.bucket,
		RestoreRate: unknownTierAllowance.restore,
	}

	c := &CommerceLimiter{
		cfg:     cfg,
		rest:    NewLimiter(restDefaults, opts...),
		graphql: NewLimiter(gqlDefaults, opts...),
		tiers:   make(map[string]PlanTier),
	}
	c.logger = c.rest.logger
	c.telemetry = c.rest.telemetry

	if tier := PlanTier(cfg.PlanTier); tier != "" {
		if _, ok := graphQLTiers[tier]; !ok {
			c.logger.Warn("Unknown commerce plan tier, using conservative limits", map[string]interface{}{
				"operation": "commerce_limiter",
				"tier":      string(tier),
			})
		}
	}
	return c
}

// RegisterShop records a shop's plan tier and sizes its GraphQL bucket
// accordingly. Re-registering with a new tier resets the shop's bucket.
func (c *CommerceLimiter) RegisterShop(shop string, tier PlanTier) {
	allowance, ok := graphQLTiers[tier]
	if !ok {
		allowance = unknownTierAllowance
	}

	c.mu.Lock()
	c.tiers[shop] = tier
	c.mu.Unlock()

	c.graphql.Configure(graphqlKey(shop), Config{
		Algorithm:   AlgorithmLeakyBucket,
		MaxRequests: int(allowance.bucket),
		Window:      time.Second,
		Burst:       allowance.bucket,
		RestoreRate: allowance.restore,
	})

	c.logger.Info("Registered shop rate limits", map[string]interface{}{
		"operation":    "commerce_limiter",
		"shop":         shop,
		"tier":         string(tier),
		"gql_bucket":   allowance.bucket,
		"restore_rate": allowance.restore,
	})
}

// ShopTier returns the tier a shop registered with, or the unknown default.
func (c *CommerceLimiter) ShopTier(shop string) PlanTier {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tier, ok := c.tiers[shop]; ok {
		return tier
	}
	return ""
}

// CheckREST admits one REST request for the shop.
func (c *CommerceLimiter) CheckREST(ctx context.Context, shop string) (*Result, error) {
	return c.rest.CheckLimit(ctx, restKey(shop))
}

// WaitREST blocks until the shop's REST bucket admits a request or maxWait
// elapses.
func (c *CommerceLimiter) WaitREST(ctx context.Context, shop string, maxWait time.Duration) (bool, error) {
	return c.rest.WaitForToken(ctx, restKey(shop), maxWait)
}

// CheckGraphQL admits a query of the estimated cost against the shop's
// tiered cost bucket. Queries whose estimate exceeds the configured hard
// ceiling are refused outright without consuming any budget; they must be
// split up, not retried.
func (c *CommerceLimiter) CheckGraphQL(ctx context.Context, shop string, estimatedCost float64) (*Result, error) {
	if estimatedCost > c.cfg.MaxQueryCost {
		c.telemetry.RecordMetric("commerce.throttled", 1, map[string]string{"shop": shop, "reason": "max_query_cost"})
		return nil, &core.PlatformError{
			Op:      "ratelimit.CheckGraphQL",
			Kind:    "validation",
			ID:      shop,
			Message: fmt.Sprintf("estimated query cost %.1f exceeds the %.0f point maximum", estimatedCost, c.cfg.MaxQueryCost),
			Err:     core.ErrInvalidInput,
		}
	}
	return c.graphql.CheckCost(ctx, graphqlKey(shop), estimatedCost)
}

// WaitGraphQL blocks until the shop's cost bucket admits the estimate or
// maxWait elapses.
func (c *CommerceLimiter) WaitGraphQL(ctx context.Context, shop string, estimatedCost float64, maxWait time.Duration) (bool, error) {
	if estimatedCost > c.cfg.MaxQueryCost {
		_, err := c.CheckGraphQL(ctx, shop, estimatedCost)
		return false, err
	}
	return c.graphql.WaitForCost(ctx, graphqlKey(shop), estimatedCost, maxWait)
}

// ReportActualCost reconciles an admitted query's estimated cost with the
// platform-reported actual cost, refunding the difference. Refunds clamp at
// the bucket size; an actual cost above the estimate is absorbed, never
// charged twice.
func (c *CommerceLimiter) ReportActualCost(ctx context.Context, shop string, estimated, actual float64) {
	refund := estimated - actual
	if refund <= 0 {
		return
	}
	c.graphql.Refund(ctx, graphqlKey(shop), refund)
	c.telemetry.RecordMetric("commerce.query_cost", actual, map[string]string{"shop": shop})
}

// RESTMetrics returns the shop's REST bucket counters.
func (c *CommerceLimiter) RESTMetrics(shop string) *KeyMetrics {
	return c.rest.Metrics(restKey(shop))
}

// GraphQLMetrics returns the shop's cost bucket counters.
func (c *CommerceLimiter) GraphQLMetrics(shop string) *KeyMetrics {
	return c.graphql.Metrics(graphqlKey(shop))
}

// Cleanup drops state for shops idle longer than maxIdle.
func (c *CommerceLimiter) Cleanup(maxIdle time.Duration) int {
	return c.rest.Cleanup(maxIdle) + c.graphql.Cleanup(maxIdle)
}

func restKey(shop string) string {
	return "rest:" + shop
}

func graphqlKey(shop string) string {
	return "gql:" + shop
}
