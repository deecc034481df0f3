// ABOUTME: Thread-safe TTL cache keyed by string with an optional remembered value
// ABOUTME: Backs Idempotency-Key replay detection and participant upsert suppression

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the value, timestamp and list element for a cached key.
type cacheEntry[V any] struct {
	value     V
	timestamp time.Time
	element   *list.Element
}

// Cache is a TTL-based, size-limited set of seen keys, each carrying a value.
// A doubly-linked list keeps insertion order for O(1) eviction.
type Cache[V any] struct {
	mu      sync.RWMutex
	seen    map[string]*cacheEntry[V]
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	c := &Cache[V]{
		seen:    make(map[string]*cacheEntry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Check returns true if the key has been seen and is not expired.
func (c *Cache[V]) Check(key string) bool {
	_, ok := c.Lookup(key)
	return ok
}

// Lookup returns the value remembered for key.
func (c *Cache[V]) Lookup(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[key]
	if !ok || c.now().Sub(entry.timestamp) >= c.ttl {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// CheckAndMark atomically checks if a key has been seen and marks it with
// the zero value if not. Returns true if the key was already seen.
func (c *Cache[V]) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if ok && c.now().Sub(entry.timestamp) < c.ttl {
		return true
	}
	var zero V
	c.setLocked(key, zero)
	return false
}

// Mark records that a key has been seen.
func (c *Cache[V]) Mark(key string) {
	var zero V
	c.Remember(key, zero)
}

// Remember records key with value, refreshing its TTL. If the cache is at
// capacity the oldest entry is evicted.
func (c *Cache[V]) Remember(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value)
}

// Forget removes key so it can be used again.
func (c *Cache[V]) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of entries, including expired ones not yet cleaned.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seen)
}

// setLocked must be called with mu held.
func (c *Cache[V]) setLocked(key string, value V) {
	now := c.now()

	if entry, exists := c.seen[key]; exists {
		entry.value = value
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry[V]{
		value:     value,
		timestamp: now,
		element:   elem,
	}
}

// evictOldest removes the front of the order list. Must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
