package ratelimit

import (
	"sync"
	"time"
)

// staleAfter is how long a caller's bucket may sit unused before the next
// Allow sweeps it away.
const staleAfter = 10 * time.Minute

// Keyed hands out one limiter per caller key, such as an API key or remote
// host. All keys share the same rate and burst. Buckets idle longer than
// staleAfter are evicted so the map does not accumulate an entry for every
// client that ever connected.
type Keyed struct {
	rate  float64
	burst int

	mu       sync.RWMutex
	limiters map[string]*keyedLimiter
	swept    time.Time
}

type keyedLimiter struct {
	limiter  *Limiter
	lastSeen time.Time
}

// NewKeyed creates a keyed limiter where each key gets a bucket of the
// given rate and burst.
func NewKeyed(rate float64, burst int) *Keyed {
	return &Keyed{
		rate:     rate,
		burst:    burst,
		limiters: make(map[string]*keyedLimiter),
		swept:    time.Now(),
	}
}

// Allow consumes one token from key's bucket, creating the bucket on first
// use.
func (k *Keyed) Allow(key string) bool {
	return k.get(key).Allow()
}

// Tokens returns the tokens currently available to key.
func (k *Keyed) Tokens(key string) float64 {
	return k.get(key).Tokens()
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.limiters)
}

func (k *Keyed) get(key string) *Limiter {
	now := time.Now()

	k.mu.RLock()
	entry, exists := k.limiters[key]
	k.mu.RUnlock()

	if exists {
		k.mu.Lock()
		entry.lastSeen = now
		k.mu.Unlock()
		return entry.limiter
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	// Double-check after acquiring write lock
	if entry, exists = k.limiters[key]; exists {
		entry.lastSeen = now
		return entry.limiter
	}

	if now.Sub(k.swept) > staleAfter {
		k.sweepLocked(now)
		k.swept = now
	}

	entry = &keyedLimiter{
		limiter:  NewLimiter(k.rate, k.burst),
		lastSeen: now,
	}
	k.limiters[key] = entry

	return entry.limiter
}

// sweepLocked drops buckets unused for longer than staleAfter. Callers must
// hold mu.
func (k *Keyed) sweepLocked(now time.Time) {
	for key, entry := range k.limiters {
		if now.Sub(entry.lastSeen) > staleAfter {
			delete(k.limiters, key)
		}
	}
}
