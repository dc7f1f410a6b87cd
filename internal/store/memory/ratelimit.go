package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/raulk/clock"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

// RateLimiter is a single-process sliding-window limiter.
type RateLimiter struct {
	mu     sync.Mutex
	clock  clock.Clock
	hits   map[string][]time.Time
	limit  int
	window time.Duration
}

// NewRateLimiter creates a limiter whose Wait applies limit per window.
func NewRateLimiter(clk clock.Clock, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		clock:  clk,
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
	}
}

func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	cutoff := now.Add(-window)
	hits := rl.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) >= limit {
		rl.hits[key] = hits
		return false, nil
	}
	rl.hits[key] = append(hits, now)
	return true, nil
}

func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	for {
		ok, _ := rl.Allow(ctx, key, rl.limit, rl.window)
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("memory: rate limit wait %s: %w", key, ctx.Err())
		case <-rl.clock.After(50 * time.Millisecond):
		}
	}
}

// SummaryCache is an unbounded map cache used when Redis is not configured.
type SummaryCache struct {
	mu sync.RWMutex
	m  map[int64]domain.ExchangeSummary
}

func NewSummaryCache() *SummaryCache {
	return &SummaryCache{m: make(map[int64]domain.ExchangeSummary)}
}

func (c *SummaryCache) Set(_ context.Context, s domain.ExchangeSummary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[s.ID] = s
	return nil
}

func (c *SummaryCache) SetIfAbsent(_ context.Context, s domain.ExchangeSummary) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.m[s.ID]; ok {
		return false, nil
	}
	c.m[s.ID] = s
	return true, nil
}

func (c *SummaryCache) Get(_ context.Context, id int64) (domain.ExchangeSummary, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.m[id]
	if !ok {
		return domain.ExchangeSummary{}, fmt.Errorf("memory: summary %d: %w", id, domain.ErrNotFound)
	}
	return s, nil
}

func (c *SummaryCache) Invalidate(_ context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, id)
	return nil
}

var (
	_ domain.RateLimiter  = (*RateLimiter)(nil)
	_ domain.SummaryCache = (*SummaryCache)(nil)
)
