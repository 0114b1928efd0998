package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// setupRedisStorage creates a miniredis-backed storage for testing.
func setupRedisStorage(t *testing.T) (*miniredis.Miniredis, *RedisStorage) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	storage, err := NewRedisStorage("redis://"+mr.Addr(), nil)
	if err != nil {
		t.Fatalf("NewRedisStorage failed: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	return mr, storage
}

func TestNewRedisStorageRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStorage("not-a-url", nil); err == nil {
		t.Fatal("NewRedisStorage accepted a malformed URL")
	}
}

func TestRedisStorageCounters(t *testing.T) {
	_, storage := setupRedisStorage(t)
	ctx := context.Background()

	if _, found, err := storage.Get(ctx, "counter"); err != nil || found {
		t.Fatalf("Get on missing key = (found=%v, err=%v), want miss", found, err)
	}

	value, err := storage.Increment(ctx, "counter", 2, time.Minute)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if value != 2 {
		t.Errorf("Increment = %d, want 2", value)
	}

	value, err = storage.Increment(ctx, "counter", 3, time.Minute)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if value != 5 {
		t.Errorf("Increment = %d, want 5", value)
	}

	value, err = storage.Decrement(ctx, "counter", 4)
	if err != nil {
		t.Fatalf("Decrement failed: %v", err)
	}
	if value != 1 {
		t.Errorf("Decrement = %d, want 1", value)
	}

	value, found, err := storage.Get(ctx, "counter")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found || value != 1 {
		t.Errorf("Get = (%d, %v), want (1, true)", value, found)
	}

	if err := storage.Delete(ctx, "counter"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, found, _ := storage.Get(ctx, "counter"); found {
		t.Error("key survived Delete")
	}
}

func TestRedisStorageSetGet(t *testing.T) {
	_, storage := setupRedisStorage(t)
	ctx := context.Background()

	if err := storage.Set(ctx, "k", 42, 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	value, found, err := storage.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found || value != 42 {
		t.Errorf("Get = (%d, %v), want (42, true)", value, found)
	}
}

func TestRedisStorageExpiresAtCreation(t *testing.T) {
	mr, storage := setupRedisStorage(t)
	ctx := context.Background()

	if _, err := storage.Increment(ctx, "window", 1, 100*time.Millisecond); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	mr.FastForward(50 * time.Millisecond)

	// Later increments reuse the creation TTL instead of refreshing it.
	if _, err := storage.Increment(ctx, "window", 1, 100*time.Millisecond); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	mr.FastForward(60 * time.Millisecond)

	if _, found, err := storage.Get(ctx, "window"); err != nil || found {
		t.Errorf("Get after TTL = (found=%v, err=%v), want expired", found, err)
	}
}

func TestMemoryStorageCounters(t *testing.T) {
	storage := NewMemoryStorage()
	ctx := context.Background()

	if _, found, _ := storage.Get(ctx, "counter"); found {
		t.Fatal("Get on missing key reported a hit")
	}

	if value, _ := storage.Increment(ctx, "counter", 2, time.Minute); value != 2 {
		t.Errorf("Increment = %d, want 2", value)
	}
	if value, _ := storage.Increment(ctx, "counter", 3, time.Minute); value != 5 {
		t.Errorf("Increment = %d, want 5", value)
	}
	if value, _ := storage.Decrement(ctx, "counter", 4); value != 1 {
		t.Errorf("Decrement = %d, want 1", value)
	}

	if err := storage.Delete(ctx, "counter"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, found, _ := storage.Get(ctx, "counter"); found {
		t.Error("key survived Delete")
	}
}

func TestMemoryStorageExpiry(t *testing.T) {
	storage := NewMemoryStorage()
	ctx := context.Background()

	if _, err := storage.Increment(ctx, "window", 1, 50*time.Millisecond); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	time.Sleep(80 * time.Millisecond)

	if _, found, _ := storage.Get(ctx, "window"); found {
		t.Error("entry survived its TTL")
	}

	// A fresh increment after expiry starts the counter over.
	if value, _ := storage.Increment(ctx, "window", 1, time.Minute); value != 1 {
		t.Errorf("Increment after expiry = %d, want 1", value)
	}
}

func TestDistributedLimiterOverRedis(t *testing.T) {
	_, storage := setupRedisStorage(t)

	cfg := unitConfig(AlgorithmFixedWindow, 2, time.Hour)
	l := NewLimiter(cfg, WithStorage(storage))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.CheckLimit(ctx, "shop")
		if err != nil {
			t.Fatalf("CheckLimit %d failed: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("check %d denied under shared limit", i)
		}
	}

	res, err := l.CheckLimit(ctx, "shop")
	if err != nil {
		t.Fatalf("CheckLimit failed: %v", err)
	}
	if res.Allowed {
		t.Fatal("check allowed over shared limit")
	}
	if res.WaitTime <= 0 {
		t.Error("denial carried no wait estimate")
	}

	l.Refund(ctx, "shop", 1)
	if res, _ := l.CheckLimit(ctx, "shop"); !res.Allowed {
		t.Error("check denied after refund freed shared budget")
	}
}
