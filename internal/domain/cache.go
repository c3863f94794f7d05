package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Lease is a held distributed lock.
type Lease interface {
	// Refresh extends the lease TTL. It returns ErrLockHeld when the lease was
	// lost to another holder.
	Refresh(ctx context.Context) error
	Release()
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Publisher fans a payload out to subscribers of channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publisher
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}
