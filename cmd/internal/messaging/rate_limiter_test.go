package messaging

import (
	"testing"
	"time"
)

func TestRateLimiterWindow(t *testing.T) {
	t.Parallel()

	base := testTime()
	rl := NewRateLimiter(3, time.Second)

	for i := 0; i < 3; i++ {
		if !rl.Allow(base) {
			t.Fatalf("event %d denied under limit", i)
		}
	}
	if rl.Allow(base) {
		t.Fatal("event over limit permitted")
	}
	if rl.Allow(base.Add(500 * time.Millisecond)) {
		t.Fatal("event inside window permitted")
	}

	// The window slides: once the oldest event ages out, capacity returns.
	if !rl.Allow(base.Add(1100 * time.Millisecond)) {
		t.Fatal("event after window denied")
	}
}

func TestRateLimiterSlides(t *testing.T) {
	t.Parallel()

	base := testTime()
	rl := NewRateLimiter(2, time.Second)

	if !rl.Allow(base) || !rl.Allow(base.Add(600*time.Millisecond)) {
		t.Fatal("initial events denied")
	}
	// base has aged out at +1.1s, base+600ms has not.
	if !rl.Allow(base.Add(1100 * time.Millisecond)) {
		t.Fatal("slot freed by expiry denied")
	}
	if rl.Allow(base.Add(1200 * time.Millisecond)) {
		t.Fatal("third event within a rolling second permitted")
	}
}

func TestRateLimiterDefaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if len(rl.stamps) != rateLimitEvents {
		t.Fatalf("default limit = %d, want %d", len(rl.stamps), rateLimitEvents)
	}
	if rl.window != rateLimitWindow {
		t.Fatalf("default window = %v, want %v", rl.window, rateLimitWindow)
	}
}
