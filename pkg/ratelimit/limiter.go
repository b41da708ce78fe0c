// Package ratelimit provides token bucket rate limiting for the branchbox API.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter provides token bucket rate limiting. The bucket starts full so a
// quiet caller can burst, then settles at the refill rate under sustained
// traffic.
type Limiter struct {
	rate     float64 // tokens per second
	burst    int     // maximum burst size
	tokens   float64
	lastTime time.Time
	mu       sync.Mutex
}

// NewLimiter creates a new rate limiter refilled at rate tokens per second
// with capacity burst.
func NewLimiter(rate float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	if rate <= 0 {
		rate = float64(burst)
	}
	return &Limiter{
		rate:     rate,
		burst:    burst,
		tokens:   float64(burst),
		lastTime: time.Now(),
	}
}

// Allow checks if an operation is allowed and consumes a token if so.
func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

// AllowN checks if n operations are allowed and consumes n tokens if so.
// It never blocks.
func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()

	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

// Tokens returns the current number of available tokens.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()
	return l.tokens
}

// Rate returns the token refill rate per second.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}

// Burst returns the maximum burst size.
func (l *Limiter) Burst() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.burst
}

// SetRate updates the refill rate.
func (l *Limiter) SetRate(rate float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rate > 0 {
		l.rate = rate
	}
}

// SetBurst updates the burst limit, capping stored tokens if needed.
func (l *Limiter) SetBurst(burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if burst < 1 {
		return
	}
	l.burst = burst
	if l.tokens > float64(burst) {
		l.tokens = float64(burst)
	}
}

// refillLocked adds tokens for the time elapsed since the last touch.
// Callers must hold mu.
func (l *Limiter) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(l.lastTime).Seconds()
	l.lastTime = now

	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
}
