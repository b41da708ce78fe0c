package gitcreds

import (
	"sync"
	"time"
)

// tokenCache keeps resolved tokens for network-backed refs so every
// clone and fetch does not round-trip to Vault or Secrets Manager.
// Entries are keyed by the full ref string; expired entries read as
// misses and are overwritten by the next set.
type tokenCache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	token     string
	expiresAt time.Time
}

func newTokenCache(ttl time.Duration) *tokenCache {
	return &tokenCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *tokenCache) get(ref string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[ref]
	if !ok || time.Now().After(e.expiresAt) {
		return "", false
	}
	return e.token, true
}

func (c *tokenCache) set(ref, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ref] = cacheEntry{token: token, expiresAt: time.Now().Add(c.ttl)}
}
