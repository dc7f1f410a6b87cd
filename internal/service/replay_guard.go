package service

import (
	"sync"
	"time"

	"github.com/raulk/clock"
)

// ReplayGuard rejects a signed request whose replay key was already seen
// within the TTL window. It is safe for concurrent use.
type ReplayGuard struct {
	seen  map[string]time.Time // replay key -> first seen
	ttl   time.Duration
	clock clock.Clock
	mu    sync.Mutex
}

// NewReplayGuard creates a guard that remembers keys for ttl. The ttl
// should cover the accepted timestamp skew in both directions.
func NewReplayGuard(ttl time.Duration, clk clock.Clock) *ReplayGuard {
	return &ReplayGuard{
		seen:  make(map[string]time.Time),
		ttl:   ttl,
		clock: clk,
	}
}

// Seen reports whether key was already presented within the TTL. An unseen
// key is recorded and false is returned.
func (g *ReplayGuard) Seen(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if first, ok := g.seen[key]; ok && now.Sub(first) < g.ttl {
		return true
	}
	g.seen[key] = now
	return false
}

// Cleanup drops expired entries. Call it periodically.
func (g *ReplayGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	for key, ts := range g.seen {
		if now.Sub(ts) >= g.ttl {
			delete(g.seen, key)
		}
	}
}

// Len returns the number of remembered keys.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
