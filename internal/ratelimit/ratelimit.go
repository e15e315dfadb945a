// Package ratelimit provides fixed-window rate limiting, per entity and
// per key.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a simple fixed-window rate limiter for a single entity.
type Limiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
}

// New creates a Limiter that allows rate requests per window.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		rate:        rate,
		window:      window,
		windowStart: time.Now(),
	}
}

// Allow returns true if the request is within the rate limit.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.windowStart) > l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	return l.count <= l.rate
}

// Keyed tracks an independent fixed window per key, typically a wallet
// address or client IP. Stale entries are cleaned up in the background.
type Keyed struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int
	window   time.Duration
}

// visitor tracks request counts within the current window for one key.
type visitor struct {
	count       int
	windowStart time.Time
}

// NewKeyed creates a per-key limiter that allows rate requests per window.
// It starts a background goroutine that cleans up stale entries every minute.
func NewKeyed(rate int, window time.Duration) *Keyed {
	k := &Keyed{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
	}
	go func() {
		for {
			time.Sleep(time.Minute)
			k.cleanup()
		}
	}()
	return k
}

// Allow returns true if the key has not exceeded its rate limit.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	v, exists := k.visitors[key]
	if !exists || now.Sub(v.windowStart) > k.window {
		k.visitors[key] = &visitor{count: 1, windowStart: now}
		return true
	}
	v.count++
	return v.count <= k.rate
}

// cleanup removes entries whose window has expired.
func (k *Keyed) cleanup() {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := time.Now()
	for key, v := range k.visitors {
		if now.Sub(v.windowStart) > k.window {
			delete(k.visitors, key)
		}
	}
}
