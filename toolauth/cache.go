package toolauth

import (
	"sync"
	"time"
)

// permissionCache is a process-local TTL cache of permission decisions. It
// supports concurrent reads and racing writes on cache misses; last writer
// wins, which is acceptable because the permission store remains the source
// of truth.
type permissionCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
	ttl     time.Duration
}

type cacheKey struct {
	tenantID string
	agentID  string
	tool     string
}

type cacheEntry struct {
	allowed   bool
	expiresAt time.Time
}

func newPermissionCache(ttl time.Duration) *permissionCache {
	return &permissionCache{entries: make(map[cacheKey]cacheEntry), ttl: ttl}
}

// get returns the cached decision and whether a live entry exists. Expired
// entries are removed lazily.
func (c *permissionCache) get(key cacheKey) (bool, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return false, false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock: a concurrent miss may have
		// repopulated the entry.
		if cur, ok := c.entries[key]; ok && time.Now().After(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return false, false
	}
	return entry.allowed, true
}

// set records a decision with the cache TTL.
func (c *permissionCache) set(key cacheKey, allowed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{allowed: allowed, expiresAt: time.Now().Add(c.ttl)}
}

// invalidate removes the entry for the key, if any.
func (c *permissionCache) invalidate(key cacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
