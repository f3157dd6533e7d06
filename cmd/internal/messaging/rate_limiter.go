package messaging

import (
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding-window limiter. It keeps the
// timestamps of the last `limit` permitted events in a ring; an event is
// denied while all `limit` slots still fall inside the window.
type RateLimiter struct {
	mu     sync.Mutex
	stamps []time.Time
	head   int
	filled bool
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		stamps: make([]time.Time, limit),
		window: window,
	}
}

// Allow reports whether an event at time "now" should be permitted.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Once the ring has wrapped, stamps[head] is the oldest of the last
	// `limit` events. If even that one is still inside the window, `limit`
	// events happened within it.
	if r.filled && r.stamps[r.head].After(now.Add(-r.window)) {
		return false
	}

	r.stamps[r.head] = now
	r.head++
	if r.head == len(r.stamps) {
		r.head = 0
		r.filled = true
	}
	return true
}
