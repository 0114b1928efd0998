package core

import (
	"sync"
	"sync/atomic"
	"time"
)

// TTLCache is a process-local cache with per-entry expiry and a bounded size.
// It backs the short-lived L1 caches of the platform (classification results,
// rate-limit check memos, embedding vectors, billing lookups). Distributed
// variants live behind their own interfaces and use Redis.
type TTLCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	maxSize int
	logger  Logger

	// Stats (atomic for thread-safety)
	hits   int64
	misses int64
}

type cacheEntry struct {
	value     interface{}
	createdAt time.Time
	expiresAt time.Time
}

// TTLCacheOption customizes cache behavior.
type TTLCacheOption func(*TTLCache)

// WithMaxSize bounds the number of entries; inserting past the bound evicts
// the oldest entry.
func WithMaxSize(n int) TTLCacheOption {
	return func(c *TTLCache) {
		c.maxSize = n
	}
}

// WithCacheLogger attaches a logger for cache diagnostics.
func WithCacheLogger(logger Logger) TTLCacheOption {
	return func(c *TTLCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewTTLCache creates an empty cache. The default size bound is 1000 entries.
func NewTTLCache(opts ...TTLCacheOption) *TTLCache {
	c := &TTLCache{
		entries: make(map[string]cacheEntry),
		maxSize: 1000,
		logger:  &NoOpLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value for key if present and unexpired.
func (c *TTLCache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		atomic.AddInt64(&c.misses, 1)
		c.logger.Debug("Cache entry expired", map[string]interface{}{
			"operation":  "cache_get",
			"key":        key,
			"expired_at": entry.expiresAt.Format(time.RFC3339),
		})
		return nil, false
	}

	atomic.AddInt64(&c.hits, 1)
	return entry.value, true
}

// Set stores a value. A ttl of zero means the entry never expires.
func (c *TTLCache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		if _, exists := c.entries[key]; !exists {
			c.evictOldestLocked()
		}
	}

	entry := cacheEntry{
		value:     value,
		createdAt: time.Now(),
	}
	if ttl > 0 {
		entry.expiresAt = entry.createdAt.Add(ttl)
	}
	c.entries[key] = entry
}

// Delete removes a key.
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len reports the number of stored entries, including any not yet reaped.
func (c *TTLCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// CleanupExpired removes every expired entry and returns how many were
// removed. Callers run this from their own lifecycle (janitor tick or
// on-access check); the cache itself starts no goroutines.
func (c *TTLCache) CleanupExpired() int {
	now := time.Now()
	removed := 0

	c.mu.Lock()
	for key, entry := range c.entries {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("Cache cleanup complete", map[string]interface{}{
			"operation": "cache_cleanup",
			"removed":   removed,
		})
	}
	return removed
}

// Clear drops every entry.
func (c *TTLCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Stats returns cache performance statistics for monitoring.
func (c *TTLCache) Stats() map[string]interface{} {
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	total := hits + misses

	stats := map[string]interface{}{
		"hits":          hits,
		"misses":        misses,
		"total_lookups": total,
		"size":          c.Len(),
	}
	if total > 0 {
		stats["hit_rate"] = float64(hits) / float64(total)
	}
	return stats
}

// evictOldestLocked removes the entry with the earliest creation time.
// Caller must hold the write lock.
func (c *TTLCache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	first := true

	for key, entry := range c.entries {
		if first || entry.createdAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.createdAt
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.logger.Debug("Cache evicted oldest entry", map[string]interface{}{
			"operation": "cache_evict",
			"key":       oldestKey,
		})
	}
}
