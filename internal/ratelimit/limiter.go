// Package ratelimit caps inbound message rate per key with a sliding
// window of timestamps. Transports consult it before handing a message to
// the agent loop.
package ratelimit

import (
	"sync"
	"time"
)

// windowSize is the span a key's events are counted over.
const windowSize = time.Minute

// Config configures the limiter.
type Config struct {
	// PerMinute is how many events each key may emit in any sliding
	// 60-second window. Zero or negative means 30.
	PerMinute int
	// MaxKeys bounds limiter memory across distinct keys. Zero or
	// negative means 10000.
	MaxKeys int
}

func (c Config) withDefaults() Config {
	if c.PerMinute <= 0 {
		c.PerMinute = 30
	}
	if c.MaxKeys <= 0 {
		c.MaxKeys = 10000
	}
	return c
}

// window holds one key's recent event timestamps, oldest first.
type window struct {
	mu     sync.Mutex
	events []time.Time
}

// trim drops events older than the window, in place.
func (w *window) trim(cutoff time.Time) {
	keep := 0
	for keep < len(w.events) && !w.events[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		w.events = append(w.events[:0], w.events[keep:]...)
	}
}

// Limiter tracks per-key sliding windows. Safe for concurrent use.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.RWMutex
	windows map[string]*window
}

// NewLimiter builds a limiter from cfg.
func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// Allow records an event for key if the window has room, reporting whether
// it was admitted.
func (l *Limiter) Allow(key string) bool {
	now := l.now()
	w := l.getWindow(key)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.trim(now.Add(-windowSize))
	if len(w.events) >= l.cfg.PerMinute {
		return false
	}
	w.events = append(w.events, now)
	return true
}

// WaitTime returns how long until the next event for key would be
// admitted. Zero means it would be admitted now.
func (l *Limiter) WaitTime(key string) time.Duration {
	now := l.now()
	w := l.getWindow(key)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.trim(now.Add(-windowSize))
	if len(w.events) < l.cfg.PerMinute {
		return 0
	}
	return w.events[0].Add(windowSize).Sub(now)
}

// Reset forgets all events for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	delete(l.windows, key)
	l.mu.Unlock()
}

// Status is a point-in-time view of one key's window.
type Status struct {
	Key        string        `json:"key"`
	AllowedNow bool          `json:"allowed_now"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
}

// GetStatus reports the window state for key without recording an event.
func (l *Limiter) GetStatus(key string) Status {
	now := l.now()
	w := l.getWindow(key)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.trim(now.Add(-windowSize))

	remaining := l.cfg.PerMinute - len(w.events)
	status := Status{Key: key, AllowedNow: remaining > 0, Remaining: remaining}
	if remaining <= 0 {
		status.Remaining = 0
		status.RetryAfter = w.events[0].Add(windowSize).Sub(now)
	}
	return status
}

// getWindow returns or creates the window for key, pruning stale keys when
// the map is full.
func (l *Limiter) getWindow(key string) *window {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[key]; ok {
		return w
	}
	if len(l.windows) >= l.cfg.MaxKeys {
		l.prune()
	}
	w = &window{}
	l.windows[key] = w
	return w
}

// prune removes keys whose windows hold no live events. Called with the
// write lock held.
func (l *Limiter) prune() {
	cutoff := l.now().Add(-windowSize)
	for key, w := range l.windows {
		w.mu.Lock()
		w.trim(cutoff)
		empty := len(w.events) == 0
		w.mu.Unlock()
		if empty {
			delete(l.windows, key)
		}
	}
}
