package domain

import (
	"context"
	"time"
)

// TemplateCache provides fast rule template lookups.
type TemplateCache interface {
	Set(ctx context.Context, t RuleTemplate) error
	Get(ctx context.Context, id string, version int) (RuleTemplate, error)
	Invalidate(ctx context.Context, id string, version int) error
}

// LockManager provides per-key mutual exclusion.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int, block time.Duration) ([]StreamMessage, error)
}

// RateLimiter admits at most limit events per key within a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
