// Package middleware holds the global pre-filters that run before route
// matching.
package middleware

import (
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// RateLimiter enforces a per-client-IP request budget ahead of the
// admission pipeline.
//
// Uses a sliding window: each window tracks request counts per IP, and
// expired windows are garbage-collected periodically.
type RateLimiter struct {
	mu      sync.RWMutex
	windows map[string]*rateLimitWindow
	perMin  int
	now     func() time.Time
	logger  *log.Logger
}

type rateLimitWindow struct {
	count       int64 // incremented atomically under RLock
	windowStart time.Time
}

// NewRateLimiter creates a rate limiter allowing perMin requests per
// minute per client IP and starts its cleanup goroutine.
func NewRateLimiter(perMin int) *RateLimiter {
	if perMin <= 0 {
		perMin = 100
	}
	rl := &RateLimiter{
		windows: make(map[string]*rateLimitWindow),
		perMin:  perMin,
		now:     time.Now,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
	go rl.cleanup()
	return rl
}

// SetClock overrides the time source for tests.
func (rl *RateLimiter) SetClock(now func() time.Time) {
	rl.mu.Lock()
	rl.now = now
	rl.mu.Unlock()
}

// Allow checks whether a request from key should proceed.
//
// Read-first pattern: only acquires the write lock when a window must
// be created or has expired. The counter is atomic, so concurrent
// callers under RLock each observe a distinct count and the budget
// admits exactly perMin requests per window.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.RLock()
	now := rl.now()
	window, exists := rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		count := atomic.AddInt64(&window.count, 1)
		rl.mu.RUnlock()

		if count > int64(rl.perMin) {
			rl.logger.Printf("🚫 rate limit exceeded: key=%s count=%d limit=%d", key, count, rl.perMin)
			return false
		}
		return true
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Re-check after acquiring the write lock.
	window, exists = rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		return atomic.AddInt64(&window.count, 1) <= int64(rl.perMin)
	}

	rl.windows[key] = &rateLimitWindow{count: 1, windowStart: now}
	return true
}

// ClientIP extracts the caller's address for the limit key.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// cleanup periodically removes expired windows to prevent memory
// leaks.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := rl.now()
		for key, window := range rl.windows {
			if now.Sub(window.windowStart) > 2*time.Minute {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}
