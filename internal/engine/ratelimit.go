package engine

import (
	"sync"
	"time"
)

// RateLimiter enforces a fixed-window submission cap per tenant. The counter
// for a tenant resets when its window elapses; submissions beyond Max within
// one window are rejected with the time remaining until reset.
type RateLimiter struct {
	window time.Duration
	max    int

	mu      sync.Mutex
	windows map[string]*rateWindow
	now     func() time.Time
}

type rateWindow struct {
	start time.Time
	count int
}

// NewRateLimiter creates a limiter allowing max submissions per window per
// tenant. A max <= 0 disables limiting.
func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	return &RateLimiter{
		window:  window,
		max:     max,
		windows: make(map[string]*rateWindow),
		now:     time.Now,
	}
}

// Allow records one submission for the tenant. It returns nil when admitted,
// or a RateLimitError carrying the time until the window resets.
func (l *RateLimiter) Allow(tenantID string) error {
	if l.max <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.windows[tenantID]
	if w == nil || now.Sub(w.start) >= l.window {
		w = &rateWindow{start: now}
		l.windows[tenantID] = w
	}

	if w.count >= l.max {
		return &RateLimitError{
			TenantID:   tenantID,
			RetryAfter: l.window - now.Sub(w.start),
		}
	}

	w.count++
	return nil
}

// Remaining returns how many submissions the tenant has left in the current
// window.
func (l *RateLimiter) Remaining(tenantID string) int {
	if l.max <= 0 {
		return -1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[tenantID]
	if w == nil || l.now().Sub(w.start) >= l.window {
		return l.max
	}
	if w.count >= l.max {
		return 0
	}
	return l.max - w.count
}
