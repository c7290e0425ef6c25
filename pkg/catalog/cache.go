// Package catalog syncs assistant definitions into storage: declarations
// from strand.yaml plus, when configured, a remote catalog endpoint.
// Synced assistants belong to the system owner and are readable by every
// caller.
package catalog

import (
	"sync"
	"time"
)

// entryCache holds the last fetched catalog for the configured TTL so
// lazy per-request syncs do not hammer the endpoint. Expiry is checked
// lazily on read; there is no background goroutine.
type entryCache struct {
	mu        sync.RWMutex
	entries   []Entry
	fetchedAt time.Time
	ttl       time.Duration
}

func newEntryCache(ttl time.Duration) *entryCache {
	return &entryCache{ttl: ttl}
}

func (c *entryCache) get() ([]Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.fetchedAt.IsZero() || time.Since(c.fetchedAt) > c.ttl {
		return nil, false
	}
	return c.entries, true
}

func (c *entryCache) set(entries []Entry) {
	c.mu.Lock()
	c.entries = entries
	c.fetchedAt = time.Now()
	c.mu.Unlock()
}
