// Package hotcache provides a thread-safe in-process cache with per-entry TTL
// eviction. It backs the hot tier of the tiered cache manager, where entries
// carry the TTL assigned at write time rather than a cache-wide expiry.
//
// Statistics are always collected; Prometheus metrics export is optional via
// functional options.
package hotcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/bookstream/errors"
)

// EvictCallback is called when an entry is evicted from the cache.
type EvictCallback[V any] func(key string, value V)

// entry is a value with its expiry.
type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Cache is a thread-safe cache with per-entry TTL eviction. Expired entries
// are dropped lazily on read and swept by a background cleanup goroutine.
type Cache[V any] struct {
	mu              sync.RWMutex
	defaultTTL      time.Duration
	cleanupInterval time.Duration
	items           map[string]*entry[V]
	stats           *Statistics
	metrics         *cacheMetrics
	evictFn         EvictCallback[V]

	shutdown chan struct{}
	done     chan struct{}
}

// New creates a cache with the given default TTL and cleanup interval.
// The background cleanup goroutine stops when ctx is cancelled or Close is
// called. Returns an error if metrics registration fails when requested.
func New[V any](ctx context.Context, defaultTTL, cleanupInterval time.Duration, opts ...Option[V]) (*Cache[V], error) {
	if defaultTTL <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "hotcache", "New", "defaultTTL must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	options := applyOptions(opts...)

	var metrics *cacheMetrics
	if options.metricsReg != nil && options.metricsPrefix != "" {
		var err error
		metrics, err = newCacheMetrics(options.metricsReg, options.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "hotcache", "New", "metrics registration")
		}
	}

	c := &Cache[V]{
		defaultTTL:      defaultTTL,
		cleanupInterval: cleanupInterval,
		items:           make(map[string]*entry[V]),
		stats:           NewStatistics(),
		metrics:         metrics,
		evictFn:         options.evictCallback,
		shutdown:        make(chan struct{}),
		done:            make(chan struct{}),
	}

	go c.cleanup(ctx)

	return c, nil
}

// Get retrieves a value by key, checking for expiration.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, exists := c.items[key]
	c.mu.RUnlock()

	if !exists {
		var zero V
		c.recordMiss()
		return zero, false
	}

	if e.expired(time.Now()) {
		c.mu.Lock()
		// Double-check under the write lock
		if current, still := c.items[key]; still && current.expired(time.Now()) {
			delete(c.items, key)
			if c.evictFn != nil {
				defer c.evictFn(key, current.value)
			}
			c.stats.Eviction()
			c.updateSize(len(c.items))
			if c.metrics != nil {
				c.metrics.recordEviction()
			}
		}
		c.mu.Unlock()

		var zero V
		c.recordMiss()
		return zero, false
	}

	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.recordHit()
	}
	return e.value, true
}

// Set stores a value under the default TTL.
func (c *Cache[V]) Set(key string, value V) error {
	return c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores a value with an explicit TTL, overwriting any existing
// entry. A non-positive ttl falls back to the default.
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "hotcache", "SetWithTTL", "key cannot be empty")
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	c.items[key] = &entry[V]{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Set()
	c.updateSize(size)
	if c.metrics != nil {
		c.metrics.recordSet()
	}
	return nil
}

// Delete removes an entry by key. Returns true if the key existed.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	e, exists := c.items[key]
	if exists {
		delete(c.items, key)
		if c.evictFn != nil {
			defer c.evictFn(key, e.value)
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	if exists {
		c.stats.Delete()
		c.updateSize(size)
		if c.metrics != nil {
			c.metrics.recordDelete()
		}
	}
	return exists
}

// Clear removes all entries from the cache.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	if c.evictFn != nil {
		for _, e := range c.items {
			c.evictFn(e.key, e.value)
		}
	}
	c.items = make(map[string]*entry[V])
	c.mu.Unlock()

	c.updateSize(0)
}

// Size returns the current number of entries, including any not yet swept.
func (c *Cache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Keys returns all unexpired keys currently in the cache.
func (c *Cache[V]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.items))
	now := time.Now()
	for key, e := range c.items {
		if now.Before(e.expiresAt) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Stats returns the cache statistics tracker.
func (c *Cache[V]) Stats() *Statistics {
	return c.stats
}

// Close stops the background cleanup goroutine.
func (c *Cache[V]) Close() error {
	select {
	case <-c.shutdown:
		// Already shutting down
	default:
		close(c.shutdown)
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for cleanup goroutine to finish")
	}
}

func (c *Cache[V]) recordMiss() {
	c.stats.Miss()
	if c.metrics != nil {
		c.metrics.recordMiss()
	}
}

func (c *Cache[V]) updateSize(size int) {
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.updateSize(size)
	}
}

// cleanup periodically removes expired entries.
func (c *Cache[V]) cleanup(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *Cache[V]) removeExpired() {
	now := time.Now()
	var expired []*entry[V]

	c.mu.Lock()
	for key, e := range c.items {
		if now.After(e.expiresAt) {
			expired = append(expired, e)
			delete(c.items, key)
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	// Eviction callbacks run outside the lock
	if c.evictFn != nil {
		for _, e := range expired {
			c.evictFn(e.key, e.value)
		}
	}

	if len(expired) > 0 {
		for range expired {
			c.stats.Eviction()
			if c.metrics != nil {
				c.metrics.recordEviction()
			}
		}
		c.updateSize(size)
	}
}
