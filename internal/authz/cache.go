package authz

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ScopeCache is a short-TTL in-memory cache of principal capabilities.
// Resolving a principal's readable collections usually costs a round trip to
// the roles subsystem; the cache lets a burst of scoped queries from the same
// principal share one resolution.
//
// Key: any stable principal identifier (role id, token subject).
// Value: a Static snapshot + expiry time.
type ScopeCache struct {
	mu      sync.RWMutex
	entries map[string]cachedEntry
	ttl     time.Duration
	group   singleflight.Group
	done    chan struct{}
}

type cachedEntry struct {
	snapshot  Static
	expiresAt time.Time
}

// NewScopeCache creates a new cache with the given TTL.
// Call Close to stop the background eviction goroutine.
func NewScopeCache(ttl time.Duration) *ScopeCache {
	c := &ScopeCache{
		entries: make(map[string]cachedEntry),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Get returns the cached snapshot and true if a valid entry exists.
func (c *ScopeCache) Get(key string) (Static, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return Static{}, false
	}
	return entry.snapshot, true
}

// Set stores a snapshot with the configured TTL.
func (c *ScopeCache) Set(key string, s Static) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cachedEntry{
		snapshot:  s,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Load returns the cached snapshot for key, taking one from a on a miss.
// Concurrent misses for the same key share a single snapshot call.
func (c *ScopeCache) Load(key string, a Authorizer) Static {
	if s, ok := c.Get(key); ok {
		return s
	}
	v, _, _ := c.group.Do(key, func() (any, error) {
		if s, ok := c.Get(key); ok {
			return s, nil
		}
		s := Snapshot(a)
		c.Set(key, s)
		return s, nil
	})
	return v.(Static)
}

// Invalidate drops the entry for key, e.g. after a role change.
func (c *ScopeCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Close stops the background eviction goroutine.
func (c *ScopeCache) Close() {
	close(c.done)
}

// evictLoop removes expired entries every minute.
func (c *ScopeCache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *ScopeCache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// Cached returns an Authorizer answering from the cache entry for key.
// A nil cache disables caching and returns a unchanged.
func Cached(key string, a Authorizer, c *ScopeCache) Authorizer {
	if c == nil || key == "" {
		return a
	}
	return c.Load(key, a)
}
