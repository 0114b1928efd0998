package core

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupMiniredis creates a miniredis instance for testing
func setupMiniredis(t *testing.T) *miniredis.Miniredis {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	return mr
}

func TestGetRedisDBName(t *testing.T) {
	tests := []struct {
		name     string
		db       int
		expected string
	}{
		// Named databases
		{"Cache", RedisDBCache, "Cache"},
		{"RateLimiting", RedisDBRateLimiting, "Rate Limiting"},
		{"ResultCache", RedisDBResultCache, "Result Cache"},

		// Reserved databases (7-15)
		{"Reserved7", RedisDBReserved7, "Reserved DB 7"},
		{"Reserved10", RedisDBReserved10, "Reserved DB 10"},
		{"Reserved15", RedisDBReserved15, "Reserved DB 15"},

		// Non-reserved, unnamed databases (outside 0-15 range)
		{"DB16", 16, "DB 16"},
		{"DB100", 100, "DB 100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := GetRedisDBName(tt.db)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestIsReservedDB(t *testing.T) {
	tests := []struct {
		name     string
		db       int
		expected bool
	}{
		// Not reserved (application DBs 0-6)
		{"DB0", 0, false},
		{"DB6", 6, false},

		// Reserved (platform DBs 7-15)
		{"DB7", 7, true},
		{"DB8", 8, true},
		{"DB15", 15, true},

		// Not reserved (beyond standard range)
		{"DB16", 16, false},
		{"DB100", 100, false},
		{"NegativeDB", -1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsReservedDB(tt.db)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestNewRedisClient(t *testing.T) {
	mr := setupMiniredis(t)
	defer mr.Close()

	t.Run("successful connection", func(t *testing.T) {
		client, err := NewRedisClient(RedisClientOptions{
			RedisURL:  fmt.Sprintf("redis://%s", mr.Addr()),
			DB:        RedisDBRateLimiting,
			Namespace: "flywheel:ratelimit",
		})
		require.NoError(t, err)
		defer client.Close()

		assert.Equal(t, RedisDBRateLimiting, client.GetDB())
		assert.Equal(t, "flywheel:ratelimit", client.GetNamespace())
	})

	t.Run("missing URL", func(t *testing.T) {
		_, err := NewRedisClient(RedisClientOptions{})
		assert.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("invalid URL", func(t *testing.T) {
		_, err := NewRedisClient(RedisClientOptions{RedisURL: "not-a-url"})
		assert.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("unreachable server", func(t *testing.T) {
		down := setupMiniredis(t)
		addr := down.Addr()
		down.Close()

		_, err := NewRedisClient(RedisClientOptions{
			RedisURL: fmt.Sprintf("redis://%s", addr),
		})
		assert.Error(t, err)
		assert.ErrorIs(t, err, ErrConnectionFailed)
	})
}

func TestRedisClient_KeyNamespacing(t *testing.T) {
	mr := setupMiniredis(t)
	defer mr.Close()

	client, err := NewRedisClient(RedisClientOptions{
		RedisURL:  fmt.Sprintf("redis://%s", mr.Addr()),
		Namespace: "flywheel:test",
	})
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()

	err = client.Set(ctx, "mykey", "myvalue", 0)
	require.NoError(t, err)

	// The raw key in Redis carries the namespace prefix
	raw, err := mr.Get("flywheel:test:mykey")
	require.NoError(t, err)
	assert.Equal(t, "myvalue", raw)

	// Reading back through the client strips the prefix
	val, err := client.Get(ctx, "mykey")
	require.NoError(t, err)
	assert.Equal(t, "myvalue", val)
}

func TestRedisClient_Counters(t *testing.T) {
	mr := setupMiniredis(t)
	defer mr.Close()

	client, err := NewRedisClient(RedisClientOptions{
		RedisURL:  fmt.Sprintf("redis://%s", mr.Addr()),
		Namespace: "flywheel:ratelimit",
	})
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()

	n, err := client.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = client.IncrBy(ctx, "counter", 49)
	require.NoError(t, err)
	assert.Equal(t, int64(50), n)

	// DecrBy is the refund path: returning unused budget
	n, err = client.DecrBy(ctx, "counter", 40)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
}

func TestRedisClient_SetNX(t *testing.T) {
	mr := setupMiniredis(t)
	defer mr.Close()

	client, err := NewRedisClient(RedisClientOptions{
		RedisURL:  fmt.Sprintf("redis://%s", mr.Addr()),
		Namespace: "flywheel:locks",
	})
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()

	ok, err := client.SetNX(ctx, "lock:store-1", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second writer loses
	ok, err = client.SetNX(ctx, "lock:store-1", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	val, err := client.Get(ctx, "lock:store-1")
	require.NoError(t, err)
	assert.Equal(t, "owner-a", val)
}

func TestRedisClient_TTLExpiry(t *testing.T) {
	mr := setupMiniredis(t)
	defer mr.Close()

	client, err := NewRedisClient(RedisClientOptions{
		RedisURL: fmt.Sprintf("redis://%s", mr.Addr()),
	})
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()

	err = client.Set(ctx, "ephemeral", "data", 10*time.Second)
	require.NoError(t, err)

	ttl, err := client.TTL(ctx, "ephemeral")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	// miniredis lets us advance the clock rather than sleeping
	mr.FastForward(11 * time.Second)

	_, err = client.Get(ctx, "ephemeral")
	assert.ErrorIs(t, err, redis.Nil)
}

func TestRedisClient_SortedSets(t *testing.T) {
	mr := setupMiniredis(t)
	defer mr.Close()

	client, err := NewRedisClient(RedisClientOptions{
		RedisURL:  fmt.Sprintf("redis://%s", mr.Addr()),
		Namespace: "flywheel:ratelimit",
	})
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	now := time.Now().UnixMilli()

	// Timestamped request history for a sliding window
	err = client.ZAdd(ctx, "window:api",
		&redis.Z{Score: float64(now - 5000), Member: "req-1"},
		&redis.Z{Score: float64(now - 3000), Member: "req-2"},
		&redis.Z{Score: float64(now - 1000), Member: "req-3"},
	)
	require.NoError(t, err)

	count, err := client.ZCard(ctx, "window:api")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	// Drop entries older than 4s
	err = client.ZRemRangeByScore(ctx, "window:api", "0", fmt.Sprintf("%d", now-4000))
	require.NoError(t, err)

	count, err = client.ZCard(ctx, "window:api")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	inRange, err := client.ZCount(ctx, "window:api", fmt.Sprintf("%d", now-3500), fmt.Sprintf("%d", now))
	require.NoError(t, err)
	assert.Equal(t, int64(2), inRange)
}

func TestRedisClient_HealthCheck(t *testing.T) {
	mr := setupMiniredis(t)

	client, err := NewRedisClient(RedisClientOptions{
		RedisURL: fmt.Sprintf("redis://%s", mr.Addr()),
	})
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()

	assert.NoError(t, client.HealthCheck(ctx))

	// Connection failure surfaces from the health check
	mr.Close()
	assert.Error(t, client.HealthCheck(ctx))
}
