package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

// unitConfig builds a config with an effectively disabled denial cache so
// tests observe every evaluation.
func unitConfig(alg Algorithm, max int, window time.Duration) Config {
	return Config{
		Algorithm:   alg,
		MaxRequests: max,
		Window:      window,
		CheckTTL:    time.Nanosecond,
	}
}

func TestConfigNormalizedDefaults(t *testing.T) {
	cfg := Config{}.normalized()

	if cfg.Algorithm != AlgorithmTokenBucket {
		t.Errorf("Algorithm = %q, want %q", cfg.Algorithm, AlgorithmTokenBucket)
	}
	if cfg.MaxRequests != 40 {
		t.Errorf("MaxRequests = %d, want 40", cfg.MaxRequests)
	}
	if cfg.Window != time.Minute {
		t.Errorf("Window = %v, want 1m", cfg.Window)
	}
	if cfg.Burst != 40 {
		t.Errorf("Burst = %v, want 40", cfg.Burst)
	}
	if cfg.CheckTTL != time.Second {
		t.Errorf("CheckTTL = %v, want 1s", cfg.CheckTTL)
	}
	if cfg.HistoryKeep != 10 {
		t.Errorf("HistoryKeep = %d, want 10", cfg.HistoryKeep)
	}
}

func TestTokenBucketBurstThenDeny(t *testing.T) {
	l := NewLimiter(unitConfig(AlgorithmTokenBucket, 5, time.Minute))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := l.CheckLimit(ctx, "shop-a")
		if err != nil {
			t.Fatalf("CheckLimit %d failed: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("check %d denied, want allowed", i)
		}
	}

	res, err := l.CheckLimit(ctx, "shop-a")
	if err != nil {
		t.Fatalf("CheckLimit failed: %v", err)
	}
	if res.Allowed {
		t.Fatal("sixth check allowed, want denied")
	}
	if res.Reason != ReasonRateLimited {
		t.Errorf("Reason = %q, want %q", res.Reason, ReasonRateLimited)
	}
	if res.WaitTime <= 0 {
		t.Errorf("WaitTime = %v, want positive", res.WaitTime)
	}

	// Other keys are unaffected.
	other, err := l.CheckLimit(ctx, "shop-b")
	if err != nil {
		t.Fatalf("CheckLimit failed: %v", err)
	}
	if !other.Allowed {
		t.Error("fresh key denied, want allowed")
	}
}

func TestTokenBucketRefills(t *testing.T) {
	l := NewLimiter(unitConfig(AlgorithmTokenBucket, 5, 100*time.Millisecond))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if res, _ := l.CheckLimit(ctx, "k"); !res.Allowed {
			t.Fatalf("check %d denied while draining", i)
		}
	}
	if res, _ := l.CheckLimit(ctx, "k"); res.Allowed {
		t.Fatal("check allowed on empty bucket")
	}

	time.Sleep(150 * time.Millisecond)

	res, err := l.CheckLimit(ctx, "k")
	if err != nil {
		t.Fatalf("CheckLimit failed: %v", err)
	}
	if !res.Allowed {
		t.Error("check denied after refill window elapsed")
	}
}

func TestDenialReplayedWithinCheckTTL(t *testing.T) {
	l := NewLimiter(Config{
		Algorithm:   AlgorithmTokenBucket,
		MaxRequests: 1,
		Window:      50 * time.Millisecond,
		CheckTTL:    10 * time.Second,
	})
	ctx := context.Background()

	if res, _ := l.CheckLimit(ctx, "k"); !res.Allowed {
		t.Fatal("first check denied")
	}
	if res, _ := l.CheckLimit(ctx, "k"); res.Allowed {
		t.Fatal("second check allowed on empty bucket")
	}

	// Tokens refill underneath, but the cached denial still answers
	// back-to-back checks.
	time.Sleep(120 * time.Millisecond)
	res, err := l.CheckLimit(ctx, "k")
	if err != nil {
		t.Fatalf("CheckLimit failed: %v", err)
	}
	if res.Allowed {
		t.Error("check allowed inside denial replay window")
	}

	m := l.Metrics("k")
	if m == nil {
		t.Fatal("Metrics returned nil for seen key")
	}
	if m.TotalRejected != 2 {
		t.Errorf("TotalRejected = %d, want 2", m.TotalRejected)
	}
}

func TestConcurrencyCap(t *testing.T) {
	cfg := unitConfig(AlgorithmTokenBucket, 100, time.Minute)
	cfg.MaxConcurrent = 2
	l := NewLimiter(cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if res, _ := l.CheckLimit(ctx, "k"); !res.Allowed {
			t.Fatalf("check %d denied under cap", i)
		}
	}

	res, err := l.CheckLimit(ctx, "k")
	if err != nil {
		t.Fatalf("CheckLimit failed: %v", err)
	}
	if res.Allowed {
		t.Fatal("check allowed over concurrency cap")
	}
	if res.Reason != ReasonConcurrency {
		t.Errorf("Reason = %q, want %q", res.Reason, ReasonConcurrency)
	}
	if res.WaitTime != time.Second {
		t.Errorf("WaitTime = %v, want 1s", res.WaitTime)
	}

	l.Release(ctx, "k")
	if res, _ := l.CheckLimit(ctx, "k"); !res.Allowed {
		t.Error("check denied after Release freed a slot")
	}

	m := l.Metrics("k")
	if m.PeakConcurrency != 2 {
		t.Errorf("PeakConcurrency = %d, want 2", m.PeakConcurrency)
	}
}

func TestLeakyBucketRestores(t *testing.T) {
	l := NewLimiter(unitConfig(AlgorithmLeakyBucket, 10, time.Second))
	ctx := context.Background()

	res, err := l.CheckCost(ctx, "k", 10)
	if err != nil {
		t.Fatalf("CheckCost failed: %v", err)
	}
	if !res.Allowed {
		t.Fatal("full-bucket cost denied")
	}

	res, err = l.CheckCost(ctx, "k", 5)
	if err != nil {
		t.Fatalf("CheckCost failed: %v", err)
	}
	if res.Allowed {
		t.Fatal("cost allowed on drained bucket")
	}
	if res.WaitTime < 400*time.Millisecond || res.WaitTime > 600*time.Millisecond {
		t.Errorf("WaitTime = %v, want ~500ms", res.WaitTime)
	}

	time.Sleep(800 * time.Millisecond)

	res, err = l.CheckCost(ctx, "k", 5)
	if err != nil {
		t.Fatalf("CheckCost failed: %v", err)
	}
	if !res.Allowed {
		t.Error("cost denied after restore interval")
	}
}

func TestSlidingWindowCapsCount(t *testing.T) {
	l := NewLimiter(unitConfig(AlgorithmSlidingWindow, 3, 300*time.Millisecond))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if res, _ := l.CheckLimit(ctx, "k"); !res.Allowed {
			t.Fatalf("check %d denied within window cap", i)
		}
	}
	if res, _ := l.CheckLimit(ctx, "k"); res.Allowed {
		t.Fatal("fourth check allowed inside window")
	}

	time.Sleep(400 * time.Millisecond)

	if res, _ := l.CheckLimit(ctx, "k"); !res.Allowed {
		t.Error("check denied after window rolled past old entries")
	}
}

func TestFixedWindowResetsOnBoundary(t *testing.T) {
	l := NewLimiter(unitConfig(AlgorithmFixedWindow, 2, 200*time.Millisecond))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if res, _ := l.CheckLimit(ctx, "k"); !res.Allowed {
			t.Fatalf("check %d denied in fresh window", i)
		}
	}
	res, _ := l.CheckLimit(ctx, "k")
	if res.Allowed {
		t.Fatal("third check allowed in same window")
	}
	if res.WaitTime > 200*time.Millisecond {
		t.Errorf("WaitTime = %v, want at most the window", res.WaitTime)
	}

	time.Sleep(250 * time.Millisecond)

	if res, _ := l.CheckLimit(ctx, "k"); !res.Allowed {
		t.Error("check denied after window boundary")
	}
}

func TestRefundRestoresAllowance(t *testing.T) {
	l := NewLimiter(unitConfig(AlgorithmTokenBucket, 10, time.Minute))
	ctx := context.Background()

	if res, _ := l.CheckCost(ctx, "k", 8); !res.Allowed {
		t.Fatal("initial cost denied")
	}
	if res, _ := l.CheckCost(ctx, "k", 5); res.Allowed {
		t.Fatal("cost allowed beyond remaining tokens")
	}

	l.Refund(ctx, "k", 6)

	if res, _ := l.CheckCost(ctx, "k", 5); !res.Allowed {
		t.Error("cost denied after refund")
	}
}

func TestRefundClampsAtBurst(t *testing.T) {
	l := NewLimiter(unitConfig(AlgorithmTokenBucket, 10, time.Minute))
	ctx := context.Background()

	if res, _ := l.CheckCost(ctx, "k", 1); !res.Allowed {
		t.Fatal("initial cost denied")
	}
	l.Refund(ctx, "k", 100)

	// A clamped refund leaves exactly one burst worth of tokens.
	if res, _ := l.CheckCost(ctx, "k", 10); !res.Allowed {
		t.Fatal("burst-size cost denied after clamped refund")
	}
	if res, _ := l.CheckCost(ctx, "k", 1); res.Allowed {
		t.Error("cost allowed beyond burst after clamped refund")
	}
}

func TestRefundSlidingWindowShrinksRecentEntries(t *testing.T) {
	cfg := unitConfig(AlgorithmSlidingWindow, 10, time.Minute)
	cfg.Burst = 10
	l := NewLimiter(cfg)
	ctx := context.Background()

	if res, _ := l.CheckCost(ctx, "k", 4); !res.Allowed {
		t.Fatal("first cost denied")
	}
	if res, _ := l.CheckCost(ctx, "k", 4); !res.Allowed {
		t.Fatal("second cost denied")
	}
	if res, _ := l.CheckCost(ctx, "k", 4); res.Allowed {
		t.Fatal("cost allowed beyond window budget")
	}

	l.Refund(ctx, "k", 6)

	if res, _ := l.CheckCost(ctx, "k", 4); !res.Allowed {
		t.Error("cost denied after refund shrank window entries")
	}
}

func TestWaitForCostEventuallyAdmits(t *testing.T) {
	l := NewLimiter(unitConfig(AlgorithmLeakyBucket, 20, time.Second))
	ctx := context.Background()

	if res, _ := l.CheckCost(ctx, "k", 20); !res.Allowed {
		t.Fatal("drain cost denied")
	}

	start := time.Now()
	ok, err := l.WaitForCost(ctx, "k", 10, 3*time.Second)
	if err != nil {
		t.Fatalf("WaitForCost failed: %v", err)
	}
	if !ok {
		t.Fatal("WaitForCost timed out, want admission")
	}
	if elapsed := time.Since(start); elapsed > 2500*time.Millisecond {
		t.Errorf("WaitForCost took %v, want under 2.5s", elapsed)
	}
}

func TestWaitForTokenTimesOut(t *testing.T) {
	l := NewLimiter(unitConfig(AlgorithmTokenBucket, 1, 10*time.Minute))
	ctx := context.Background()

	if res, _ := l.CheckLimit(ctx, "k"); !res.Allowed {
		t.Fatal("drain check denied")
	}

	start := time.Now()
	ok, err := l.WaitForToken(ctx, "k", 150*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForToken failed: %v", err)
	}
	if ok {
		t.Fatal("WaitForToken admitted, want timeout")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("WaitForToken blocked %v past its deadline", elapsed)
	}
}

func TestWaitForTokenHonorsContext(t *testing.T) {
	l := NewLimiter(unitConfig(AlgorithmTokenBucket, 1, 10*time.Minute))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if res, _ := l.CheckLimit(ctx, "k"); !res.Allowed {
		t.Fatal("drain check denied")
	}

	ok, err := l.WaitForToken(ctx, "k", 10*time.Second)
	if ok {
		t.Fatal("WaitForToken admitted after context expiry")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestConfigureOverridesAndResets(t *testing.T) {
	l := NewLimiter(unitConfig(AlgorithmTokenBucket, 1, time.Minute))
	ctx := context.Background()

	big := unitConfig(AlgorithmTokenBucket, 100, time.Minute)
	l.Configure("big", big)

	for i := 0; i < 50; i++ {
		if res, _ := l.CheckLimit(ctx, "big"); !res.Allowed {
			t.Fatalf("check %d denied under override", i)
		}
	}

	// Default keys still carry the limiter-wide allowance.
	if res, _ := l.CheckLimit(ctx, "small"); !res.Allowed {
		t.Fatal("first default check denied")
	}
	if res, _ := l.CheckLimit(ctx, "small"); res.Allowed {
		t.Fatal("second default check allowed beyond allowance")
	}

	// Reconfiguring discards state, so the key starts from a full bucket.
	l.Configure("small", unitConfig(AlgorithmTokenBucket, 2, time.Minute))
	if res, _ := l.CheckLimit(ctx, "small"); !res.Allowed {
		t.Error("check denied after Configure reset the key")
	}
}

func TestMetricsSnapshot(t *testing.T) {
	l := NewLimiter(unitConfig(AlgorithmTokenBucket, 2, time.Minute))
	ctx := context.Background()

	l.CheckCost(ctx, "k", 2)
	l.CheckLimit(ctx, "k")
	l.CheckLimit(ctx, "k")

	m := l.Metrics("k")
	if m == nil {
		t.Fatal("Metrics returned nil for seen key")
	}
	if m.TotalChecks != 3 {
		t.Errorf("TotalChecks = %d, want 3", m.TotalChecks)
	}
	if m.TotalAllowed != 1 {
		t.Errorf("TotalAllowed = %d, want 1", m.TotalAllowed)
	}
	if m.TotalRejected != 2 {
		t.Errorf("TotalRejected = %d, want 2", m.TotalRejected)
	}
	if got, want := m.RejectionRate, 2.0/3.0; got < want-0.01 || got > want+0.01 {
		t.Errorf("RejectionRate = %v, want ~%v", got, want)
	}
	if m.AverageCost != 2 {
		t.Errorf("AverageCost = %v, want 2", m.AverageCost)
	}

	if l.Metrics("never-seen") != nil {
		t.Error("Metrics returned a snapshot for an unseen key")
	}
}

func TestCleanupDropsIdleKeys(t *testing.T) {
	cfg := unitConfig(AlgorithmTokenBucket, 10, time.Minute)
	cfg.MaxConcurrent = 5
	l := NewLimiter(cfg)
	ctx := context.Background()

	l.CheckLimit(ctx, "idle")
	l.Release(ctx, "idle")
	l.CheckLimit(ctx, "busy") // holds an in-flight slot

	time.Sleep(10 * time.Millisecond)

	removed := l.Cleanup(time.Nanosecond)
	if removed != 1 {
		t.Errorf("Cleanup removed %d keys, want 1", removed)
	}
	if l.Metrics("idle") != nil {
		t.Error("idle key survived cleanup")
	}
	if l.Metrics("busy") == nil {
		t.Error("key with in-flight work was cleaned up")
	}
}

func TestDistributedFixedWindow(t *testing.T) {
	cfg := unitConfig(AlgorithmFixedWindow, 3, time.Hour)
	l := NewLimiter(cfg, WithStorage(NewMemoryStorage()))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.CheckLimit(ctx, "shared")
		if err != nil {
			t.Fatalf("CheckLimit %d failed: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("check %d denied under shared limit", i)
		}
	}

	res, err := l.CheckLimit(ctx, "shared")
	if err != nil {
		t.Fatalf("CheckLimit failed: %v", err)
	}
	if res.Allowed {
		t.Fatal("check allowed over shared limit")
	}
	if res.Reason != ReasonRateLimited {
		t.Errorf("Reason = %q, want %q", res.Reason, ReasonRateLimited)
	}

	// Denials undo their own increment, so the count stays at the limit.
	if res, _ := l.CheckLimit(ctx, "shared"); res.Allowed {
		t.Fatal("repeat check allowed over shared limit")
	}

	l.Refund(ctx, "shared", 1)
	if res, _ := l.CheckLimit(ctx, "shared"); !res.Allowed {
		t.Error("check denied after distributed refund")
	}
}

func TestDistributedConcurrencyCap(t *testing.T) {
	cfg := unitConfig(AlgorithmFixedWindow, 100, time.Hour)
	cfg.MaxConcurrent = 1
	l := NewLimiter(cfg, WithStorage(NewMemoryStorage()))
	ctx := context.Background()

	if res, _ := l.CheckLimit(ctx, "k"); !res.Allowed {
		t.Fatal("first check denied")
	}
	res, _ := l.CheckLimit(ctx, "k")
	if res.Allowed {
		t.Fatal("check allowed over shared concurrency cap")
	}
	if res.Reason != ReasonConcurrency {
		t.Errorf("Reason = %q, want %q", res.Reason, ReasonConcurrency)
	}

	l.Release(ctx, "k")
	if res, _ := l.CheckLimit(ctx, "k"); !res.Allowed {
		t.Error("check denied after distributed release")
	}
}

var errStorageDown = errors.New("storage down")

type failingStorage struct{}

func (failingStorage) Get(ctx context.Context, key string) (int64, bool, error) {
	return 0, false, errStorageDown
}

func (failingStorage) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	return errStorageDown
}

func (failingStorage) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return 0, errStorageDown
}

func (failingStorage) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	return 0, errStorageDown
}

func (failingStorage) Delete(ctx context.Context, key string) error {
	return errStorageDown
}

func TestDistributedFailsOpen(t *testing.T) {
	l := NewLimiter(unitConfig(AlgorithmFixedWindow, 1, time.Hour), WithStorage(failingStorage{}))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := l.CheckLimit(ctx, "k")
		if err != nil {
			t.Fatalf("CheckLimit surfaced storage error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("check %d denied while storage is down, want fail open", i)
		}
	}
}
