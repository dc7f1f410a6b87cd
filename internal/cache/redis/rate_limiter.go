package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/raulk/clock"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

const waitPollInterval = 50 * time.Millisecond

// RateLimiter is a sliding-window limiter shared by every API replica. Wait
// applies the limiter's default limit and window.
type RateLimiter struct {
	c             *Client
	clock         clock.Clock
	slidingWindow *redis.Script
	limit         int
	window        time.Duration
}

func NewRateLimiter(c *Client, clk clock.Clock, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		c:             c,
		clock:         clk,
		slidingWindow: redis.NewScript(slidingWindowLua),
		limit:         limit,
		window:        window,
	}
}

// Allow counts one request for key and reports whether it fits the limit.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	res, err := rl.slidingWindow.Run(ctx, rl.c.rdb,
		[]string{rl.c.Key("ratelimit:" + key)},
		rl.clock.Now().UnixMicro(),
		window.Microseconds(),
		limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	if len(res) < 2 {
		return false, fmt.Errorf("redis: rate limit %s: unexpected reply length %d", key, len(res))
	}
	return res[0] == 1, nil
}

// Wait polls Allow until the request fits or ctx ends.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	for {
		ok, err := rl.Allow(ctx, key, rl.limit, rl.window)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("redis: rate limit wait %s: %w", key, ctx.Err())
		case <-rl.clock.After(waitPollInterval):
		}
	}
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
