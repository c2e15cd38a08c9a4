// Package cache provides a process-local TTL cache.
//
// Entries expire lazily: expiry is checked on read, never by a background
// sweep. Instances are constructed once and injected into the components
// that need them rather than held as package state.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a mutex-guarded cache whose entries expire after a fixed lifetime.
type TTL[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]entry[V]
	ttl     time.Duration
	clock   func() time.Time
}

// NewTTL creates a cache whose entries live for the given duration.
func NewTTL[K comparable, V any](ttl time.Duration) *TTL[K, V] {
	return &TTL[K, V]{
		entries: make(map[K]entry[V]),
		ttl:     ttl,
		clock:   time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (c *TTL[K, V]) SetClock(clock func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

// Get returns the cached value for key when present and unexpired.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if !c.clock().Before(e.expiresAt) {
		delete(c.entries, key)
		return zero, false
	}
	return e.value, true
}

// GetOrCompute returns the cached value for key, computing and storing it
// with the cache's default lifetime on a miss or after expiry.
func (c *TTL[K, V]) GetOrCompute(key K, supplier func() (V, error)) (V, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}
	value, err := supplier()
	if err != nil {
		var zero V
		return zero, err
	}
	c.Set(key, value, c.ttl)
	return value, nil
}

// Set stores value under key for the given lifetime. A non-positive ttl
// falls back to the cache's default lifetime.
func (c *TTL[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.entries[key] = entry[V]{value: value, expiresAt: c.clock().Add(ttl)}
}

// Delete removes key from the cache.
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
