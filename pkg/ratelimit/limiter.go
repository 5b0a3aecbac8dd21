package ratelimit

import (
	"sync"
	"time"
)

// Decision reports the outcome of one fixed-window check. ResetAt is
// when the current window ends; denials surface it to clients as a
// Retry-After hint.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter admits or refuses one request under a per-key limit. Keys
// are agent addresses when the request carries one, client IPs
// otherwise.
type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter is the single-process fixed-window limiter. It backs
// deployments without Redis and serves as the degraded path of the
// Redis limiter.
type InMemoryLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	windows map[string]countWindow
	ops     int
}

type countWindow struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window:  window,
		windows: make(map[string]countWindow),
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()

	// Amortized eviction keeps the map bounded by keys seen within
	// the last window.
	l.ops++
	if l.ops%256 == 0 {
		for k, w := range l.windows {
			if now.After(w.resetAt) {
				delete(l.windows, k)
			}
		}
	}

	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		w = countWindow{resetAt: now.Add(l.window)}
	}
	w.count++
	l.windows[key] = w

	remaining := limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   w.count <= limit,
		Count:     w.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   w.resetAt,
	}
}
