package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/seqvault/internal/domain"
)

// settledTTL bounds how long a final (non-zero) denominator stays cached.
// Settlement never reverses, so this only controls key churn.
const settledTTL = 24 * time.Hour

// SettlementCache implements domain.SettlementCache on Redis strings. A zero
// denominator means "not settled yet" and expires quickly so readiness checks
// pick up settlement promptly; a non-zero denominator is final.
type SettlementCache struct {
	rdb          *redis.Client
	unsettledTTL time.Duration
}

// NewSettlementCache creates a SettlementCache. unsettledTTL controls how long
// a zero (unsettled) answer is trusted before the venue is asked again.
func NewSettlementCache(c *Client, unsettledTTL time.Duration) *SettlementCache {
	return &SettlementCache{
		rdb:          c.Underlying(),
		unsettledTTL: unsettledTTL,
	}
}

func settlementKey(marketID common.Hash) string {
	return "seqvault:settlement:" + marketID.Hex()
}

// GetDenominator returns the cached payout denominator for a market. ok is
// false on a cache miss.
func (sc *SettlementCache) GetDenominator(ctx context.Context, marketID common.Hash) (uint64, bool, error) {
	val, err := sc.rdb.Get(ctx, settlementKey(marketID)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis: get settlement %s: %w", marketID.Hex(), err)
	}

	denom, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("redis: parse settlement %s: %w", marketID.Hex(), err)
	}
	return denom, true, nil
}

// SetDenominator caches the payout denominator for a market, choosing the TTL
// by whether the market has settled.
func (sc *SettlementCache) SetDenominator(ctx context.Context, marketID common.Hash, denom uint64) error {
	ttl := settledTTL
	if denom == 0 {
		ttl = sc.unsettledTTL
	}
	if err := sc.rdb.Set(ctx, settlementKey(marketID), strconv.FormatUint(denom, 10), ttl).Err(); err != nil {
		return fmt.Errorf("redis: set settlement %s: %w", marketID.Hex(), err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.SettlementCache = (*SettlementCache)(nil)
