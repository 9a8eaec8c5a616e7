package client

import (
	"sync"
	"time"

	"github.com/finchkit/trading-core/internal/model"
)

// resultCache remembers ClosedResults produced by the monitor for a short
// TTL so a racing manual close observes the settled result instead of
// re-closing. Expired entries are swept on every access, which bounds the
// map in long-running processes.
type resultCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	result    model.ClosedResult
	expiresAt time.Time
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *resultCache) sweepLocked(now time.Time) {
	for id, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, id)
		}
	}
}

func (c *resultCache) put(id string, r model.ClosedResult) {
	now := time.Now()
	c.mu.Lock()
	c.sweepLocked(now)
	c.entries[id] = cacheEntry{result: r, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
}

// pop removes and returns the cached result for id.
func (c *resultCache) pop(id string) (model.ClosedResult, bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(now)

	e, ok := c.entries[id]
	if !ok {
		return model.ClosedResult{}, false
	}
	delete(c.entries, id)
	return e.result, true
}

// drain removes and returns every live entry.
func (c *resultCache) drain() []model.ClosedResult {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(now)

	out := make([]model.ClosedResult, 0, len(c.entries))
	for id, e := range c.entries {
		out = append(out, e.result)
		delete(c.entries, id)
	}
	return out
}
