// Package cache is the in-memory, per-owner, per-window TTL cache in
// front of the durable fallback store.
package cache

import (
	"sync"
	"time"

	"friendcal/internal/clock"
	"friendcal/internal/model"
)

// DefaultTTL is the freshness window for cache entries.
const DefaultTTL = 15 * time.Minute

type entry struct {
	events    []model.FriendEvent
	writtenAt time.Time
}

// WindowCache caches merged friend events keyed by (owner, windowKey).
// An entry is fresh while now − writtenAt < TTL. All windows of one
// owner are purged under a single lock, so no reader can observe a
// partially-purged owner.
type WindowCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	clk     clock.Clock
	entries map[string]map[string]entry // owner -> windowKey -> entry
}

// New creates a WindowCache. A non-positive ttl selects DefaultTTL; a
// nil clk selects the real clock.
func New(ttl time.Duration, clk clock.Clock) *WindowCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &WindowCache{
		ttl:     ttl,
		clk:     clk,
		entries: make(map[string]map[string]entry),
	}
}

// Get returns the cached events for (owner, windowKey) if present and
// fresh. A stale entry is never returned as a hit.
func (c *WindowCache) Get(ownerID, windowKey string) ([]model.FriendEvent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	windows, ok := c.entries[ownerID]
	if !ok {
		return nil, false
	}
	e, ok := windows[windowKey]
	if !ok {
		return nil, false
	}
	if c.clk.Now().Sub(e.writtenAt) >= c.ttl {
		return nil, false
	}
	return e.events, true
}

// Put stores events for (owner, windowKey), stamping the write time.
func (c *WindowCache) Put(ownerID, windowKey string, events []model.FriendEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	windows, ok := c.entries[ownerID]
	if !ok {
		windows = make(map[string]entry)
		c.entries[ownerID] = windows
	}
	windows[windowKey] = entry{events: events, writtenAt: c.clk.Now()}
}

// Purge removes every window entry for the owner. Synchronous with
// respect to subsequent Get calls on the same owner.
func (c *WindowCache) Purge(ownerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, ownerID)
}

// Windows reports how many window entries an owner currently holds,
// fresh or not.
func (c *WindowCache) Windows(ownerID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries[ownerID])
}
