package ratelimit

import (
	"testing"
	"time"
)

var limiterBase = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestLimiter(cfg Config) (*Limiter, *time.Time) {
	l := NewLimiter(cfg)
	current := limiterBase
	l.now = func() time.Time { return current }
	return l, &current
}

func TestAllowUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(Config{PerMinute: 3})

	for i := 0; i < 3; i++ {
		if !l.Allow("u1") {
			t.Fatalf("event %d should be allowed", i+1)
		}
	}
	if l.Allow("u1") {
		t.Fatal("event over the limit should be denied")
	}
}

func TestWindowSlides(t *testing.T) {
	l, current := newTestLimiter(Config{PerMinute: 2})

	if !l.Allow("u1") {
		t.Fatal("first event denied")
	}
	*current = limiterBase.Add(40 * time.Second)
	if !l.Allow("u1") {
		t.Fatal("second event denied")
	}
	*current = limiterBase.Add(50 * time.Second)
	if l.Allow("u1") {
		t.Fatal("window full, event should be denied")
	}

	// 61s after the first event only the 40s one is live.
	*current = limiterBase.Add(61 * time.Second)
	if !l.Allow("u1") {
		t.Fatal("expired event should free a slot")
	}
	if l.Allow("u1") {
		t.Fatal("window is full again")
	}
}

func TestIndependentKeys(t *testing.T) {
	l, _ := newTestLimiter(Config{PerMinute: 1})

	if !l.Allow("u1") || !l.Allow("u2") {
		t.Fatal("keys must not share windows")
	}
	if l.Allow("u1") {
		t.Fatal("u1 window is full")
	}
}

func TestWaitTime(t *testing.T) {
	l, current := newTestLimiter(Config{PerMinute: 1})

	if got := l.WaitTime("u1"); got != 0 {
		t.Fatalf("empty window wait = %v, want 0", got)
	}
	l.Allow("u1")

	*current = limiterBase.Add(15 * time.Second)
	if got := l.WaitTime("u1"); got != 45*time.Second {
		t.Fatalf("wait = %v, want 45s", got)
	}

	*current = limiterBase.Add(time.Minute)
	if got := l.WaitTime("u1"); got != 0 {
		t.Fatalf("wait after expiry = %v, want 0", got)
	}
}

func TestGetStatusDoesNotConsume(t *testing.T) {
	l, _ := newTestLimiter(Config{PerMinute: 2})

	l.Allow("u1")
	status := l.GetStatus("u1")
	if !status.AllowedNow || status.Remaining != 1 {
		t.Fatalf("status = %+v, want one slot remaining", status)
	}
	if status.RetryAfter != 0 {
		t.Fatalf("retry after = %v, want 0 while allowed", status.RetryAfter)
	}

	l.Allow("u1")
	status = l.GetStatus("u1")
	if status.AllowedNow || status.Remaining != 0 || status.RetryAfter <= 0 {
		t.Fatalf("full status = %+v", status)
	}

	// Two Allow calls plus two GetStatus calls: still exactly two events.
	if l.WaitTime("u1") <= 0 {
		t.Fatal("window should still be full")
	}
}

func TestReset(t *testing.T) {
	l, _ := newTestLimiter(Config{PerMinute: 1})

	l.Allow("u1")
	if l.Allow("u1") {
		t.Fatal("window is full")
	}
	l.Reset("u1")
	if !l.Allow("u1") {
		t.Fatal("reset should clear the window")
	}
}

func TestPruneEvictsStaleKeys(t *testing.T) {
	l, current := newTestLimiter(Config{PerMinute: 5, MaxKeys: 2})

	l.Allow("u1")
	l.Allow("u2")

	*current = limiterBase.Add(2 * time.Minute)
	l.Allow("u3")

	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.windows["u1"]; ok {
		t.Fatal("stale key u1 should be pruned")
	}
	if _, ok := l.windows["u3"]; !ok {
		t.Fatal("new key u3 missing")
	}
}

func TestPruneKeepsActiveKeys(t *testing.T) {
	l, current := newTestLimiter(Config{PerMinute: 5, MaxKeys: 1})

	l.Allow("u1")
	*current = limiterBase.Add(10 * time.Second)
	l.Allow("u2")

	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.windows["u1"]; !ok {
		t.Fatal("active key u1 must survive the prune")
	}
	if _, ok := l.windows["u2"]; !ok {
		t.Fatal("new key u2 missing")
	}
}

func TestDefaults(t *testing.T) {
	l := NewLimiter(Config{})
	if l.cfg.PerMinute != 30 {
		t.Fatalf("per minute = %d, want 30", l.cfg.PerMinute)
	}
	if l.cfg.MaxKeys != 10000 {
		t.Fatalf("max keys = %d, want 10000", l.cfg.MaxKeys)
	}
}
