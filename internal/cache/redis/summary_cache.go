package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

// SummaryCache keeps exchange summaries as JSON strings under
// exchange:summary:{id}. Entries expire after ttl as a backstop; the
// exchange service refreshes them on every committed transition.
type SummaryCache struct {
	c   *Client
	ttl time.Duration
}

func NewSummaryCache(c *Client, ttl time.Duration) *SummaryCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SummaryCache{c: c, ttl: ttl}
}

func (sc *SummaryCache) key(id int64) string {
	return sc.c.Key("exchange:summary:" + strconv.FormatInt(id, 10))
}

func (sc *SummaryCache) Set(ctx context.Context, s domain.ExchangeSummary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("redis: marshal summary %d: %w", s.ID, err)
	}
	if err := sc.c.rdb.Set(ctx, sc.key(s.ID), data, sc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set summary %d: %w", s.ID, err)
	}
	return nil
}

// SetIfAbsent writes the summary only when no entry exists (SET NX).
func (sc *SummaryCache) SetIfAbsent(ctx context.Context, s domain.ExchangeSummary) (bool, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return false, fmt.Errorf("redis: marshal summary %d: %w", s.ID, err)
	}
	ok, err := sc.c.rdb.SetNX(ctx, sc.key(s.ID), data, sc.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: setnx summary %d: %w", s.ID, err)
	}
	return ok, nil
}

// Get returns domain.ErrNotFound on a cache miss.
func (sc *SummaryCache) Get(ctx context.Context, id int64) (domain.ExchangeSummary, error) {
	data, err := sc.c.rdb.Get(ctx, sc.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ExchangeSummary{}, fmt.Errorf("redis: summary %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ExchangeSummary{}, fmt.Errorf("redis: get summary %d: %w", id, err)
	}
	var s domain.ExchangeSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return domain.ExchangeSummary{}, fmt.Errorf("redis: unmarshal summary %d: %w", id, err)
	}
	return s, nil
}

func (sc *SummaryCache) Invalidate(ctx context.Context, id int64) error {
	if err := sc.c.rdb.Del(ctx, sc.key(id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate summary %d: %w", id, err)
	}
	return nil
}

var _ domain.SummaryCache = (*SummaryCache)(nil)
