// Package cache is a small in-process key→value store with per-entry TTL,
// hit/miss accounting and per-device invalidation. It fronts the status and
// devices endpoints and holds advisory results between orchestrator ticks.
package cache

import (
	"strings"
	"sync"
	"time"
)

type entry struct {
	value     any
	expiresAt time.Time
}

// Stats is the snapshot returned by Stats and the cache-stats endpoint.
type Stats struct {
	Size    int     `json:"size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Cache is safe for concurrent use. Callers store values, not references to
// mutable state; everything put here must already be a private copy.
type Cache struct {
	mu      sync.RWMutex
	name    string
	entries map[string]entry
	hits    uint64
	misses  uint64
	sweepAt int

	now func() time.Time
}

// New creates a named cache. The name labels cache metrics.
func New(name string) *Cache {
	return &Cache{
		name:    name,
		entries: make(map[string]entry),
		sweepAt: 64,
		now:     time.Now,
	}
}

// Name returns the cache's metric label.
func (c *Cache) Name() string { return c.name }

// Get returns the live value for key. Expired entries are removed lazily and
// count as misses.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Put stores value under key for ttl. Expired entries are swept
// opportunistically once the map grows past a watermark.
func (c *Cache) Put(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry{value: value, expiresAt: c.now().Add(ttl)}
	if len(c.entries) >= c.sweepAt {
		now := c.now()
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
		c.sweepAt = len(c.entries)*2 + 64
	}
}

// Invalidate removes one key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidateDevice removes every key that embeds the device id.
func (c *Cache) InvalidateDevice(deviceID string) {
	if deviceID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.Contains(k, deviceID) {
			delete(c.entries, k)
		}
	}
}

// Stats reports size and exact hit/miss counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{Size: len(c.entries), Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}
