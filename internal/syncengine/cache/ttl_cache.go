// Package cache provides a bounded TTL cache keyed by identity. It backs
// the webhook dedup fast-path, malformed-sender failure counters, and
// staleness event suppression. Each instance is owned by a single
// component, never shared global state.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	value     int64
	expiresAt time.Time
}

// TTLCache is a bounded map with per-entry expiry. When full, the entry
// closest to expiry is evicted.
type TTLCache struct {
	mu       sync.Mutex
	entries  map[string]entry
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

func NewTTLCache(capacity int, ttl time.Duration) *TTLCache {
	if capacity <= 0 {
		capacity = 1024
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &TTLCache{
		entries:  make(map[string]entry, capacity),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Contains reports whether key is present and unexpired.
func (c *TTLCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return false
	}
	return true
}

// Set marks key present for the cache TTL.
func (c *TTLCache) Set(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked()
	c.entries[key] = entry{expiresAt: c.now().Add(c.ttl)}
}

// Incr increments the counter for key and returns the new value. A fresh
// or expired key restarts at 1 with a fresh TTL.
func (c *TTLCache) Incr(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	e, ok := c.entries[key]
	if !ok || now.After(e.expiresAt) {
		c.evictLocked()
		c.entries[key] = entry{value: 1, expiresAt: now.Add(c.ttl)}
		return 1
	}
	e.value++
	c.entries[key] = e
	return e.value
}

// Len returns the number of live entries, sweeping expired ones.
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	return len(c.entries)
}

// evictLocked frees one slot when the cache is full: expired entries
// first, otherwise the entry closest to expiry.
func (c *TTLCache) evictLocked() {
	if len(c.entries) < c.capacity {
		return
	}
	now := c.now()
	var (
		victim   string
		earliest time.Time
	)
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			if len(c.entries) < c.capacity {
				return
			}
			continue
		}
		if victim == "" || e.expiresAt.Before(earliest) {
			victim = k
			earliest = e.expiresAt
		}
	}
	if victim != "" && len(c.entries) >= c.capacity {
		delete(c.entries, victim)
	}
}
