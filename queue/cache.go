package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/draftmill/flywheel/core"
)

// CacheEntry is one stored job result. Keys are either caller-supplied or
// derived as hash32(type || canonical_json(payload)) base-36, so the same
// work re-enqueued maps to the same entry.
type CacheEntry struct {
	Key          string                 `json:"key"`
	JobType      JobType                `json:"job_type"`
	PayloadHash  string                 `json:"payload_hash"`
	Result       map[string]interface{} `json:"result"`
	ExpiresAt    time.Time              `json:"expires_at"`
	HitCount     int64                  `json:"hit_count"`
	LastAccessed time.Time              `json:"last_accessed"`
}

// ResultCache stores completed job results so identical work can
// short-circuit at enqueue time. Expired entries are invisible to readers.
// Get performs hit-count bookkeeping best-effort: bookkeeping failures are
// logged, never surfaced.
type ResultCache interface {
	Get(ctx context.Context, key string) (*CacheEntry, bool)
	Set(ctx context.Context, entry *CacheEntry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Stats() map[string]interface{}
}

// MemoryResultCache keeps results in process memory, bounded and
// TTL-enforced by the core cache.
type MemoryResultCache struct {
	mu      sync.Mutex
	entries *core.TTLCache

	hits   int64
	misses int64
}

// NewMemoryResultCache creates an in-process result cache.
func NewMemoryResultCache() *MemoryResultCache {
	return &MemoryResultCache{entries: core.NewTTLCache()}
}

func (c *MemoryResultCache) Get(ctx context.Context, key string) (*CacheEntry, bool) {
	value, found := c.entries.Get(key)
	if !found {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	entry := value.(*CacheEntry)
	c.mu.Lock()
	entry.HitCount++
	entry.LastAccessed = time.Now()
	snapshot := *entry
	c.mu.Unlock()

	atomic.AddInt64(&c.hits, 1)
	return &snapshot, true
}

func (c *MemoryResultCache) Set(ctx context.Context, entry *CacheEntry, ttl time.Duration) error {
	stored := *entry
	stored.ExpiresAt = time.Now().Add(ttl)
	c.entries.Set(entry.Key, &stored, ttl)
	return nil
}

func (c *MemoryResultCache) Delete(ctx context.Context, key string) error {
	c.entries.Delete(key)
	return nil
}

// Stats returns cache performance statistics for monitoring.
func (c *MemoryResultCache) Stats() map[string]interface{} {
	return cacheStats(atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses))
}

// RedisResultCache shares results across replicas. Entries live in the
// result-cache DB under the "flywheel:results" namespace.
type RedisResultCache struct {
	client *core.RedisClient
	logger core.Logger

	hits   int64
	misses int64
}

// NewRedisResultCache connects a result cache to Redis.
func NewRedisResultCache(redisURL string, logger core.Logger) (*RedisResultCache, error) {
	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  redisURL,
		DB:        core.RedisDBResultCache,
		Namespace: "flywheel:results",
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return NewRedisResultCacheFromClient(client, logger), nil
}

// NewRedisResultCacheFromClient wraps an existing client, which the caller
// keeps ownership of.
func NewRedisResultCacheFromClient(client *core.RedisClient, logger core.Logger) *RedisResultCache {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisResultCache{client: client, logger: logger}
}

func (c *RedisResultCache) Get(ctx context.Context, key string) (*CacheEntry, bool) {
	raw, err := c.client.Get(ctx, key)
	if err == redis.Nil {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	if err != nil {
		// A failed read is a miss.
		atomic.AddInt64(&c.misses, 1)
		c.logger.Warn("Result cache lookup failed", map[string]interface{}{
			"operation": "result_cache_get",
			"key":       key,
			"error":     err.Error(),
		})
		return nil, false
	}

	var entry CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		// Undecodable rows are misses.
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	atomic.AddInt64(&c.hits, 1)
	c.touch(ctx, key, &entry)
	return &entry, true
}

// touch rewrites the entry with updated bookkeeping, preserving the
// remaining TTL. Failures are logged and swallowed.
func (c *RedisResultCache) touch(ctx context.Context, key string, entry *CacheEntry) {
	entry.HitCount++
	entry.LastAccessed = time.Now()

	remaining, err := c.client.TTL(ctx, key)
	if err != nil || remaining <= 0 {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, remaining); err != nil {
		c.logger.Warn("Result cache bookkeeping failed", map[string]interface{}{
			"operation": "result_cache_touch",
			"key":       key,
			"error":     err.Error(),
		})
	}
}

func (c *RedisResultCache) Set(ctx context.Context, entry *CacheEntry, ttl time.Duration) error {
	stored := *entry
	stored.ExpiresAt = time.Now().Add(ttl)

	data, err := json.Marshal(&stored)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, entry.Key, data, ttl)
}

func (c *RedisResultCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key)
}

// Stats returns cache performance statistics for monitoring.
func (c *RedisResultCache) Stats() map[string]interface{} {
	return cacheStats(atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses))
}

// Close releases the underlying Redis connection.
func (c *RedisResultCache) Close() error {
	return c.client.Close()
}

func cacheStats(hits, misses int64) map[string]interface{} {
	total := hits + misses
	stats := map[string]interface{}{
		"hits":          hits,
		"misses":        misses,
		"total_lookups": total,
	}
	if total > 0 {
		stats["hit_rate"] = float64(hits) / float64(total)
	}
	return stats
}
