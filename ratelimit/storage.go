package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/draftmill/flywheel/core"
)

// DistributedStorage is the counter interface a limiter needs to enforce
// limits across replicas. Implementations must make Increment atomic; the
// limiter layers fixed-window semantics on top.
type DistributedStorage interface {
	// Get returns the counter value and whether the key exists.
	Get(ctx context.Context, key string) (int64, bool, error)
	// Set stores a counter value with a TTL.
	Set(ctx context.Context, key string, value int64, ttl time.Duration) error
	// Increment adds delta and returns the new value, applying ttl when the
	// key is created by this call.
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// Decrement subtracts delta and returns the new value.
	Decrement(ctx context.Context, key string, delta int64) (int64, error)
	// Delete removes the key.
	Delete(ctx context.Context, key string) error
}

// RedisStorage implements DistributedStorage on the platform's Redis
// client, isolated in the rate limiting database.
type RedisStorage struct {
	client *core.RedisClient
	logger core.Logger
}

// NewRedisStorage connects a DistributedStorage to Redis. Keys are
// namespaced under flywheel:ratelimit in the rate limiting DB.
func NewRedisStorage(redisURL string, logger core.Logger) (*RedisStorage, error) {
	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  redisURL,
		DB:        core.RedisDBRateLimiting,
		Namespace: "flywheel:ratelimit",
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisStorage{client: client, logger: logger}, nil
}

// NewRedisStorageFromClient wraps an existing client, for callers that
// manage connection lifecycle themselves.
func NewRedisStorageFromClient(client *core.RedisClient, logger core.Logger) *RedisStorage {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisStorage{client: client, logger: logger}
}

func (s *RedisStorage) Get(ctx context.Context, key string) (int64, bool, error) {
	raw, err := s.client.Get(ctx, key)
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return value, true, nil
}

func (s *RedisStorage) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl)
}

func (s *RedisStorage) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	value, err := s.client.IncrBy(ctx, key, delta)
	if err != nil {
		return 0, err
	}
	// First increment created the key; give it an expiry so abandoned
	// windows clean themselves up.
	if value == delta && ttl > 0 {
		if err := s.client.Expire(ctx, key, ttl); err != nil {
			s.logger.Warn("Failed to set TTL on rate limit counter", map[string]interface{}{
				"operation": "ratelimit_storage",
				"key":       key,
				"error":     err.Error(),
			})
		}
	}
	return value, nil
}

func (s *RedisStorage) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	return s.client.DecrBy(ctx, key, delta)
}

func (s *RedisStorage) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key)
}

// Close releases the underlying Redis connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// MemoryStorage implements DistributedStorage in process memory. It gives
// single-replica deployments and tests the same code path as Redis.
type MemoryStorage struct {
	mu      sync.Mutex
	entries map[string]*memoryCounter
}

type memoryCounter struct {
	value     int64
	expiresAt time.Time
}

// NewMemoryStorage creates an empty in-process counter store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{entries: make(map[string]*memoryCounter)}
}

func (s *MemoryStorage) Get(ctx context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.liveLocked(key)
	if entry == nil {
		return 0, false, nil
	}
	return entry.value, true, nil
}

func (s *MemoryStorage) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &memoryCounter{value: value, expiresAt: expiry(ttl)}
	return nil
}

func (s *MemoryStorage) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.liveLocked(key)
	if entry == nil {
		entry = &memoryCounter{expiresAt: expiry(ttl)}
		s.entries[key] = entry
	}
	entry.value += delta
	return entry.value, nil
}

func (s *MemoryStorage) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.liveLocked(key)
	if entry == nil {
		entry = &memoryCounter{}
		s.entries[key] = entry
	}
	entry.value -= delta
	return entry.value, nil
}

func (s *MemoryStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// liveLocked returns the entry if present and unexpired, pruning it
// otherwise.
func (s *MemoryStorage) liveLocked(key string) *memoryCounter {
	entry, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return entry
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
