package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SettlementCache caches venue settlement denominators so readiness polling
// does not hammer the venue. A zero denominator (unsettled) is cached with a
// short TTL; a non-zero denominator is final and may be cached indefinitely.
type SettlementCache interface {
	GetDenominator(ctx context.Context, marketID common.Hash) (denom uint64, ok bool, err error)
	SetDenominator(ctx context.Context, marketID common.Hash, denom uint64) error
}

// LockManager provides distributed per-vault locks so mutating operations are
// serialized the way a host ledger would serialize calls. Acquire returns an
// unlock function, or ErrLockHeld when another party holds the lock.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// StreamMessage is one durable message read from the signal bus.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus publishes trade/skip/lifecycle events, both ephemeral (pub/sub)
// and durable (streams).
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// RateLimiter enforces a sliding-window limit per key. Used on the
// permissionless advance entry point.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
