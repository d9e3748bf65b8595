package gateway

import (
	"sync"
	"time"
)

// maxTrackedKeys caps tracked clients so rotating source addresses cannot
// exhaust memory.
const maxTrackedKeys = 4096

const rateLimitWindow = 60 * time.Second

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// RateLimiter counts requests per client key in a fixed window. Safe for
// concurrent use. rpm <= 0 disables limiting.
type RateLimiter struct {
	rpm     int
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
}

// NewRateLimiter creates a bounded per-key limiter.
func NewRateLimiter(rpm int) *RateLimiter {
	return &RateLimiter{rpm: rpm, entries: make(map[string]*rateLimitEntry)}
}

// Enabled reports whether limiting is active.
func (r *RateLimiter) Enabled() bool { return r.rpm > 0 }

// Allow reports whether the key is within its budget, pruning stale entries
// when the tracked set approaches the cap.
func (r *RateLimiter) Allow(key string) bool {
	if !r.Enabled() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= rateLimitWindow {
				delete(r.entries, k)
			}
		}
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= rateLimitWindow {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}
	e.count++
	return e.count <= r.rpm
}
