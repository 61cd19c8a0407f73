package rbac

import (
	"sync"
	"time"
)

// cacheKey identifies a (principal, team) membership.
type cacheKey struct {
	principalID string
	teamID      string
}

// cacheEntry is a cached membership lookup. A zero role records a
// negative lookup.
type cacheEntry struct {
	role      Role
	expiresAt time.Time
}

// membershipCache is a TTL cache of membership lookups. Expired entries
// are never returned.
type membershipCache struct {
	ttl         time.Duration
	negativeTTL time.Duration
	maxEntries  int
	now         func() time.Time

	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
	// gen advances on every invalidation. Lookups that started before
	// an invalidation must not repopulate the cache.
	gen uint64
}

func newMembershipCache(ttl, negativeTTL time.Duration, maxEntries int, now func() time.Time) *membershipCache {
	return &membershipCache{
		ttl:         ttl,
		negativeTTL: negativeTTL,
		maxEntries:  maxEntries,
		now:         now,
		entries:     make(map[cacheKey]cacheEntry),
	}
}

// get returns the cached role and whether a live entry exists. A live
// negative entry returns RoleNone, true.
func (c *membershipCache) get(key cacheKey) (Role, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return RoleNone, false
	}
	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur == entry {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return RoleNone, false
	}
	return entry.role, true
}

// generation returns the current invalidation generation.
func (c *membershipCache) generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// setPositive caches a found role observed at generation gen.
func (c *membershipCache) setPositive(key cacheKey, role Role, gen uint64) {
	if c.ttl <= 0 {
		return
	}
	c.set(key, cacheEntry{role: role, expiresAt: c.now().Add(c.ttl)}, gen)
}

// setNegative caches an absent membership observed at generation gen.
// It is a no-op when negative caching is disabled.
func (c *membershipCache) setNegative(key cacheKey, gen uint64) {
	if c.negativeTTL <= 0 {
		return
	}
	c.set(key, cacheEntry{role: RoleNone, expiresAt: c.now().Add(c.negativeTTL)}, gen)
}

func (c *membershipCache) set(key cacheKey, entry cacheEntry, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}
	if _, exists := c.entries[key]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	c.entries[key] = entry
}

// evictLocked removes expired entries, or the entry closest to expiry
// when none have expired.
func (c *membershipCache) evictLocked() {
	now := c.now()
	var (
		oldestKey cacheKey
		oldestAt  time.Time
		found     bool
		removed   bool
	)
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed = true
			continue
		}
		if !found || e.expiresAt.Before(oldestAt) {
			oldestKey, oldestAt, found = k, e.expiresAt, true
		}
	}
	if !removed && found {
		delete(c.entries, oldestKey)
	}
}

func (c *membershipCache) delete(key cacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	delete(c.entries, key)
}

// deleteTeam removes every entry for teamID and returns how many.
func (c *membershipCache) deleteTeam(teamID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	n := 0
	for k := range c.entries {
		if k.teamID == teamID {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *membershipCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.entries = make(map[cacheKey]cacheEntry)
}

// cleanup removes expired entries.
func (c *membershipCache) cleanup() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *membershipCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
