package cache

import (
	"context"
	"sync"
	"time"
)

// window tracks one key's fixed-window counter.
type window struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
}

// RateLimiter is a fixed-window counter per key with a bounded key set,
// per spec.md §4.1. check(k) increments the current window's count
// (resetting the window when it has elapsed) and reports whether the
// post-increment count is still within max. When the tracked key set is
// full, the window with the oldest windowStart is evicted to make room —
// the same "bounded map, evict-oldest-on-pressure, background cleaner"
// shape as the teacher's token-bucket Limiter, with the algorithm itself
// swapped for the fixed window spec.md specifies.
type RateLimiter struct {
	mu       sync.Mutex
	windows  map[string]*window
	maxKeys  int
	max      int
	period   time.Duration
	cleanTTL time.Duration
}

// NewRateLimiter builds a limiter admitting at most max checks per
// period for any one key, retaining at most maxKeys distinct keys.
func NewRateLimiter(ctx context.Context, maxKeys, max int, period time.Duration) *RateLimiter {
	rl := &RateLimiter{
		windows:  make(map[string]*window, maxKeys),
		maxKeys:  maxKeys,
		max:      max,
		period:   period,
		cleanTTL: period * 4,
	}
	go rl.cleaner(ctx)
	return rl
}

// Check increments key's current window and reports whether it is still
// within the limit (count <= max after the increment).
func (rl *RateLimiter) Check(key string) bool {
	w := rl.getOrCreate(key)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if now.Sub(w.windowStart) >= rl.period {
		w.windowStart = now
		w.count = 0
	}
	w.count++
	return w.count <= rl.max
}

// Len reports how many distinct keys are currently tracked, for the
// debug status page and the stats() RPC.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

// Remaining reports how many more checks the key's current window would
// admit, for diagnostics; it does not mutate state.
func (rl *RateLimiter) Remaining(key string) int {
	rl.mu.Lock()
	w, ok := rl.windows[key]
	rl.mu.Unlock()
	if !ok {
		return rl.max
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if time.Since(w.windowStart) >= rl.period {
		return rl.max
	}
	left := rl.max - w.count
	if left < 0 {
		left = 0
	}
	return left
}

func (rl *RateLimiter) getOrCreate(key string) *window {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if w, ok := rl.windows[key]; ok {
		return w
	}

	if len(rl.windows) >= rl.maxKeys {
		rl.evictOldestLocked()
	}

	w := &window{windowStart: time.Now()}
	rl.windows[key] = w
	return w
}

// evictOldestLocked removes the window with the oldest windowStart. Must
// be called with rl.mu held.
func (rl *RateLimiter) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for k, w := range rl.windows {
		w.mu.Lock()
		start := w.windowStart
		w.mu.Unlock()
		if first || start.Before(oldestAt) {
			oldestKey, oldestAt, first = k, start, false
		}
	}
	if !first {
		delete(rl.windows, oldestKey)
	}
}

// Clean drops windows that have been idle long enough that they no
// longer matter (several periods stale).
func (rl *RateLimiter) Clean() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for k, w := range rl.windows {
		w.mu.Lock()
		stale := now.Sub(w.windowStart) > rl.cleanTTL
		w.mu.Unlock()
		if stale {
			delete(rl.windows, k)
		}
	}
}

func (rl *RateLimiter) cleaner(ctx context.Context) {
	t := time.NewTicker(rl.cleanTTL)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rl.Clean()
		}
	}
}
