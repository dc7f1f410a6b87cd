package memory

import (
	"context"
	"sync"
	"time"

	"github.com/raulk/clock"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

// LockManager is an in-process domain.LockManager with the same contract as
// the Redis one: Acquire never blocks, and a lease whose TTL ran out may be
// taken over.
type LockManager struct {
	clock clock.Clock

	mu     sync.Mutex
	leases map[string]lease
	seq    uint64
}

type lease struct {
	token   uint64
	expires time.Time
}

// NewLockManager creates a LockManager reading time from clk.
func NewLockManager(clk clock.Clock) *LockManager {
	return &LockManager{clock: clk, leases: make(map[string]lease)}
}

// Acquire takes the lock for key or returns domain.ErrLockHeld.
func (lm *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.clock.Now()
	if l, ok := lm.leases[key]; ok && now.Before(l.expires) {
		return nil, domain.ErrLockHeld
	}
	lm.seq++
	token := lm.seq
	lm.leases[key] = lease{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			lm.mu.Lock()
			defer lm.mu.Unlock()
			if l, ok := lm.leases[key]; ok && l.token == token {
				delete(lm.leases, key)
			}
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
