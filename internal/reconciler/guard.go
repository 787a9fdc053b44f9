package reconciler

import (
	"context"
	"sync"
	"time"
)

const (
	// guardWindow is how long after a human action the engine must leave a
	// trade alone, covering the gap until the platform reflects the action.
	guardWindow = 10 * time.Second

	sweepInterval = 30 * time.Second
	sweepMaxAge   = 40 * time.Second
)

// Guard is the short-lived "recently touched" registry. Every
// human-initiated mutation marks the trade hash here right after its
// ledger write, so the next reconciliation tick skips it instead of
// clobbering the change. It is a race-avoidance hint, not a lock;
// entries are never a source of truth.
type Guard struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewGuard() *Guard {
	return &Guard{entries: make(map[string]time.Time), now: time.Now}
}

// NewGuardWithClock is used by tests that need a deterministic clock.
func NewGuardWithClock(now func() time.Time) *Guard {
	return &Guard{entries: make(map[string]time.Time), now: now}
}

// Mark records that tradeHash was just mutated by a human action.
func (g *Guard) Mark(tradeHash string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[tradeHash] = g.now()
}

// RecentlyModified reports whether tradeHash was marked within the window.
func (g *Guard) RecentlyModified(tradeHash string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	at, ok := g.entries[tradeHash]
	if !ok {
		return false
	}
	return g.now().Sub(at) < guardWindow
}

// Sweep removes entries older than the retention age and reports how many
// were dropped.
func (g *Guard) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().Add(-sweepMaxAge)
	removed := 0
	for hash, at := range g.entries {
		if at.Before(cutoff) {
			delete(g.entries, hash)
			removed++
		}
	}
	return removed
}

// Run sweeps in the background until ctx is cancelled.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}
