package commerce

import (
	"context"
	"fmt"
	"time"

	"github.com/draftmill/flywheel/core"
	"github.com/draftmill/flywheel/plan"
)

// Subscription is one app subscription as the platform reports it.
// PlatformStatus keeps the vendor vocabulary; Status is the internal
// mapping.
type Subscription struct {
	ID             string                  `json:"id"`
	Name           string                  `json:"name"`
	PlatformStatus string                  `json:"platform_status"`
	Status         plan.SubscriptionStatus `json:"status"`
	TrialDays      int                     `json:"trial_days"`
}

// Preferences is the shop's billing configuration.
type Preferences struct {
	Currency string `json:"currency"`
	Country  string `json:"country"`
}

// BillingAPI is the platform surface billing reconciliation reads from. The
// GraphQL implementation below is the production one.
type BillingAPI interface {
	ActiveSubscriptions(ctx context.Context) ([]Subscription, error)
	Subscription(ctx context.Context, id string) (*Subscription, error)
	Preferences(ctx context.Context) (*Preferences, error)
}

const activeSubscriptionsQuery = `query {
  currentAppInstallation {
    activeSubscriptions {
      id
      name
      status
      trialDays
    }
  }
}`

const subscriptionByIDQuery = `query subscription($id: ID!) {
  node(id: $id) {
    ... on AppSubscription {
      id
      name
      status
      trialDays
    }
  }
}`

const billingPreferencesQuery = `query {
  shop {
    currencyCode
    billingAddress {
      countryCode
    }
  }
}`

type wireSubscription struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	TrialDays int    `json:"trialDays"`
}

func (w wireSubscription) toSubscription() Subscription {
	mapped, _ := plan.ParseSubscriptionStatus(w.Status)
	return Subscription{
		ID:             w.ID,
		Name:           w.Name,
		PlatformStatus: w.Status,
		Status:         mapped,
		TrialDays:      w.TrialDays,
	}
}

// GraphQLBillingAPI reads billing state through the shop's GraphQL client.
type GraphQLBillingAPI struct {
	client *GraphQLClient
}

func NewGraphQLBillingAPI(client *GraphQLClient) *GraphQLBillingAPI {
	return &GraphQLBillingAPI{client: client}
}

func (a *GraphQLBillingAPI) ActiveSubscriptions(ctx context.Context) ([]Subscription, error) {
	resp, err := a.client.Query(ctx, &GraphQLRequest{Query: activeSubscriptionsQuery})
	if err != nil {
		return nil, err
	}
	var payload struct {
		CurrentAppInstallation struct {
			ActiveSubscriptions []wireSubscription `json:"activeSubscriptions"`
		} `json:"currentAppInstallation"`
	}
	if err := resp.DecodeData(&payload); err != nil {
		return nil, fmt.Errorf("decode active subscriptions: %w", err)
	}
	out := make([]Subscription, 0, len(payload.CurrentAppInstallation.ActiveSubscriptions))
	for _, w := range payload.CurrentAppInstallation.ActiveSubscriptions {
		out = append(out, w.toSubscription())
	}
	return out, nil
}

func (a *GraphQLBillingAPI) Subscription(ctx context.Context, id string) (*Subscription, error) {
	resp, err := a.client.Query(ctx, &GraphQLRequest{
		Query:     subscriptionByIDQuery,
		Variables: map[string]interface{}{"id": id},
	})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Node *wireSubscription `json:"node"`
	}
	if err := resp.DecodeData(&payload); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	if payload.Node == nil || payload.Node.ID == "" {
		return nil, &core.PlatformError{
			Op:      "commerce.Subscription",
			Kind:    "billing",
			ID:      id,
			Message: "platform has no subscription with this id",
			Err:     core.ErrSubscriptionNotFound,
		}
	}
	sub := payload.Node.toSubscription()
	return &sub, nil
}

func (a *GraphQLBillingAPI) Preferences(ctx context.Context) (*Preferences, error) {
	resp, err := a.client.Query(ctx, &GraphQLRequest{Query: billingPreferencesQuery})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Shop struct {
			CurrencyCode   string `json:"currencyCode"`
			BillingAddress struct {
				CountryCode string `json:"countryCode"`
			} `json:"billingAddress"`
		} `json:"shop"`
	}
	if err := resp.DecodeData(&payload); err != nil {
		return nil, fmt.Errorf("decode billing preferences: %w", err)
	}
	return &Preferences{
		Currency: payload.Shop.CurrencyCode,
		Country:  payload.Shop.BillingAddress.CountryCode,
	}, nil
}

// BillingService reconciles webhook-reported subscription state with the
// platform. Webhook claims of an active subscription are verified live
// before anything trusts them; short caches keep the verification traffic
// bounded.
type BillingService struct {
	shop      string
	api       BillingAPI
	cache     *core.TTLCache
	cfg       core.CommerceConfig
	logger    core.Logger
	telemetry core.Telemetry
}

func NewBillingService(shop string, api BillingAPI, cfg core.CommerceConfig, opts ...Option) *BillingService {
	if cfg.SubscriptionCacheTTL <= 0 {
		cfg.SubscriptionCacheTTL = 5 * time.Minute
	}
	if cfg.PreferencesCacheTTL <= 0 {
		cfg.PreferencesCacheTTL = time.Hour
	}
	o := defaultClientOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &BillingService{
		shop:      shop,
		api:       api,
		cache:     core.NewTTLCache(),
		cfg:       cfg,
		logger:    o.logger,
		telemetry: o.telemetry,
	}
}

func (s *BillingService) subscriptionsKey() string { return "subs:" + s.shop }
func (s *BillingService) preferencesKey() string   { return "prefs:" + s.shop }

// ActiveSubscriptions returns the platform's active subscriptions, cached
// for SubscriptionCacheTTL.
func (s *BillingService) ActiveSubscriptions(ctx context.Context) ([]Subscription, error) {
	if v, ok := s.cache.Get(s.subscriptionsKey()); ok {
		if subs, ok := v.([]Subscription); ok {
			return subs, nil
		}
	}
	subs, err := s.api.ActiveSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.Set(s.subscriptionsKey(), subs, s.cfg.SubscriptionCacheTTL)
	return subs, nil
}

// Preferences returns the shop's billing preferences, cached for
// PreferencesCacheTTL.
func (s *BillingService) Preferences(ctx context.Context) (*Preferences, error) {
	if v, ok := s.cache.Get(s.preferencesKey()); ok {
		if prefs, ok := v.(*Preferences); ok {
			return prefs, nil
		}
	}
	prefs, err := s.api.Preferences(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.Set(s.preferencesKey(), prefs, s.cfg.PreferencesCacheTTL)
	return prefs, nil
}

// InvalidateSubscriptions drops the cached subscription list. Webhook
// handlers call this on receipt so the next verification reads fresh state.
func (s *BillingService) InvalidateSubscriptions() {
	s.cache.Delete(s.subscriptionsKey())
}

// VerifySubscription resolves the authoritative state of a subscription a
// webhook reported. A claimed ACTIVE is checked against the platform's
// active list; when absent, the subscription is fetched directly and the
// fetched status wins. Non-active claims are taken at face value.
func (s *BillingService) VerifySubscription(ctx context.Context, subscriptionID, claimedStatus string) (*Subscription, error) {
	ctx, span := s.telemetry.StartSpan(ctx, "commerce.VerifySubscription")
	defer span.End()
	span.SetAttribute("commerce.shop", s.shop)
	span.SetAttribute("subscription.id", subscriptionID)

	mapped, ok := plan.ParseSubscriptionStatus(claimedStatus)
	if !ok {
		return nil, &core.PlatformError{
			Op:      "commerce.VerifySubscription",
			Kind:    "validation",
			ID:      subscriptionID,
			Message: fmt.Sprintf("unknown subscription status %q", claimedStatus),
			Err:     core.ErrInvalidInput,
		}
	}

	if mapped != plan.SubscriptionActive {
		return &Subscription{
			ID:             subscriptionID,
			PlatformStatus: claimedStatus,
			Status:         mapped,
		}, nil
	}

	subs, err := s.ActiveSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range subs {
		if subs[i].ID == subscriptionID {
			sub := subs[i]
			return &sub, nil
		}
	}

	// The webhook says active; the platform's active list disagrees. Fetch
	// the subscription itself and let its status decide.
	sub, err := s.api.Subscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != plan.SubscriptionActive {
		s.logger.WarnWithContext(ctx, "Webhook status diverged from platform", map[string]interface{}{
			"shop":            s.shop,
			"subscription_id": subscriptionID,
			"claimed_status":  claimedStatus,
			"actual_status":   string(sub.Status),
		})
	}
	return sub, nil
}
