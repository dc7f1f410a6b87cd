package domain

import (
	"context"
	"time"
)

// SummaryCache provides fast exchange summary lookups for read endpoints.
// Writers that observed a committed transition use Set; readers filling a
// miss use SetIfAbsent so they never replace a newer entry.
type SummaryCache interface {
	Set(ctx context.Context, s ExchangeSummary) error
	SetIfAbsent(ctx context.Context, s ExchangeSummary) (bool, error)
	Get(ctx context.Context, id int64) (ExchangeSummary, error)
	Invalidate(ctx context.Context, id int64) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Channel and stream names used for exchange events.
const (
	ChannelExchangeEvents = "exchange_events"
	StreamExchangeEvents  = "stream:exchange_events"
)
