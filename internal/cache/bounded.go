// Package cache implements the bounded TTL+LRU map and rate limiters of
// spec.md §4.1 (component C1), plus the navigation-failure memo spec.md
// §7 calls for.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Stats mirrors the stats{valid, expired, size, maxSize} shape spec.md
// §4.1 asks BoundedCache to expose.
type Stats struct {
	Valid   int
	Expired int
	Size    int
	MaxSize int
}

type entry[V any] struct {
	value     V
	expiresAt time.Time // zero means "never expires"
}

// BoundedCache is a TTL map with LRU eviction. Get returns a value only
// if it hasn't expired, and (like the underlying LRU) counts as an
// access that keeps the entry warm; Set evicts the least-recently-used
// entry when the cache is at capacity before inserting the new one.
//
// Safe for concurrent use: mutation is exclusive, reads share a lock
// only incidentally (the underlying LRU itself isn't safe for unlocked
// concurrent reads because Get reorders the recency list).
type BoundedCache[K comparable, V any] struct {
	mu      sync.Mutex
	lru     *lru.Cache[K, *entry[V]]
	maxSize int

	expiredCount int
}

// NewBounded creates a BoundedCache holding at most maxSize entries.
func NewBounded[K comparable, V any](maxSize int) *BoundedCache[K, V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	l, _ := lru.New[K, *entry[V]](maxSize)
	return &BoundedCache[K, V]{lru: l, maxSize: maxSize}
}

// Get returns the cached value for k, or zero value and false if it is
// absent or expired. An expired entry is removed as a side effect.
func (c *BoundedCache[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(k)
	if !ok {
		var zero V
		return zero, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		c.lru.Remove(k)
		c.expiredCount++
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores v under k with the given ttl. A zero ttl means the entry
// never expires on its own (it can still be evicted by LRU pressure).
func (c *BoundedCache[K, V]) Set(k K, v V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	c.lru.Add(k, &entry[V]{value: v, expiresAt: exp})
}

// Has reports whether k is present and unexpired, without affecting
// recency (unlike Get).
func (c *BoundedCache[K, V]) Has(k K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(k)
	if !ok {
		return false
	}
	return e.expiresAt.IsZero() || !time.Now().After(e.expiresAt)
}

// Delete removes k unconditionally.
func (c *BoundedCache[K, V]) Delete(k K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(k)
}

// Clear empties the cache.
func (c *BoundedCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.expiredCount = 0
}

// Keys returns every key currently stored, expired or not.
func (c *BoundedCache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

// Stats reports the current valid/expired/size/maxSize snapshot. Valid
// is computed by sweeping for expired entries without evicting them (a
// cheap, read-only scan), matching the four-field shape spec.md asks for.
func (c *BoundedCache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	valid, expired := 0, 0
	for _, k := range c.lru.Keys() {
		e, ok := c.lru.Peek(k)
		if !ok {
			continue
		}
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			expired++
		} else {
			valid++
		}
	}
	return Stats{Valid: valid, Expired: expired, Size: c.lru.Len(), MaxSize: c.maxSize}
}
