package domain

import (
	"context"
	"time"
)

// MarketStatsCache provides fast access to per-symbol market statistics.
type MarketStatsCache interface {
	Set(ctx context.Context, stats MarketStats) error
	Get(ctx context.Context, symbol string) (MarketStats, error)
	// GetMany omits symbols that have no entry.
	GetMany(ctx context.Context, symbols []string) (map[string]MarketStats, error)
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

// StreamMessage represents a single entry from a Redis stream.
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
	StreamTail(ctx context.Context, stream string, count int) ([]StreamMessage, error)
}

// Bus channels and streams.
const (
	ChannelAlerts   = "tca:alerts"
	ChannelMetrics  = "tca:metrics"
	ChannelAnalyses = "tca:analyses"
)
