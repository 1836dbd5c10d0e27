package license

import (
	"sync"
	"time"
)

// DefaultReplayCapacity bounds the nonce cache so sustained traffic cannot
// grow it without limit; at capacity the oldest entry is evicted.
const DefaultReplayCapacity = 100_000

type replayKey struct {
	scope string
	nonce string
}

// ReplayGuard is the bounded, time-windowed nonce cache. Insertion is
// atomic: of two simultaneous requests carrying the same (scope, nonce)
// pair, exactly one passes. Entries expire after the window and are removed
// by a background sweep.
type ReplayGuard struct {
	mu       sync.Mutex
	seen     map[replayKey]time.Time
	window   time.Duration
	capacity int
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewReplayGuard creates a guard remembering nonces for the given window
// and starts its sweep goroutine. Call Stop to release it.
func NewReplayGuard(window time.Duration, capacity int) *ReplayGuard {
	if window <= 0 {
		window = DefaultSignatureWindow
	}
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}
	g := &ReplayGuard{
		seen:     make(map[replayKey]time.Time),
		window:   window,
		capacity: capacity,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go g.sweep()
	return g
}

// WithClock overrides the guard clock. Tests only.
func (g *ReplayGuard) WithClock(now func() time.Time) *ReplayGuard {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
	return g
}

// Remember registers a nonce for a scope. It returns false when the nonce
// was already seen inside the window; the insert-if-absent check and the
// insertion happen under one lock so duplicates cannot race past each other.
func (g *ReplayGuard) Remember(scope, nonce string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	key := replayKey{scope: scope, nonce: nonce}
	if seenAt, ok := g.seen[key]; ok {
		if now.Sub(seenAt) <= g.window {
			return false
		}
		// Stale entry the sweep has not collected yet; the nonce is
		// outside the window, so it is acceptable again.
	}

	if len(g.seen) >= g.capacity {
		g.evictOldestLocked()
	}
	g.seen[key] = now
	return true
}

// Len returns the current number of remembered nonces.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// Stop terminates the sweep goroutine. Idempotent.
func (g *ReplayGuard) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
}

func (g *ReplayGuard) evictOldestLocked() {
	var oldestKey replayKey
	var oldestAt time.Time
	first := true
	for k, at := range g.seen {
		if first || at.Before(oldestAt) {
			oldestKey, oldestAt = k, at
			first = false
		}
	}
	if !first {
		delete(g.seen, oldestKey)
	}
}

func (g *ReplayGuard) sweep() {
	ticker := time.NewTicker(g.window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.mu.Lock()
			cutoff := g.now().Add(-g.window)
			for k, at := range g.seen {
				if at.Before(cutoff) {
					delete(g.seen, k)
				}
			}
			g.mu.Unlock()
		case <-g.stop:
			return
		}
	}
}
