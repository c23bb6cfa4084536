// Package ttlcache provides a concurrency-safe map with per-entry expiry.
// The bridge uses it for the delivery dedupe window and for pending OAuth
// handshakes.
package ttlcache

import (
	"context"
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache maps keys to values that expire after a TTL. Expired entries are
// invisible to Get immediately; their memory is reclaimed by Sweep.
type Cache[K comparable, V any] struct {
	mu         sync.RWMutex
	defaultTTL time.Duration
	entries    map[K]entry[V]

	now func() time.Time
}

// New creates a cache whose entries expire after defaultTTL.
func New[K comparable, V any](defaultTTL time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		defaultTTL: defaultTTL,
		entries:    make(map[K]entry[V]),
		now:        time.Now,
	}
}

// Get returns the value for k. Expired entries count as misses.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores v under k with the default TTL.
func (c *Cache[K, V]) Set(k K, v V) {
	c.SetTTL(k, v, c.defaultTTL)
}

// SetTTL stores v under k with an explicit TTL.
func (c *Cache[K, V]) SetTTL(k K, v V, ttl time.Duration) {
	c.mu.Lock()
	c.entries[k] = entry[V]{value: v, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}

// Delete removes k.
func (c *Cache[K, V]) Delete(k K) {
	c.mu.Lock()
	delete(c.entries, k)
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep evicts expired entries and returns how many were removed.
func (c *Cache[K, V]) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Sweeper runs periodic eviction until ctx is cancelled.
func (c *Cache[K, V]) Sweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
