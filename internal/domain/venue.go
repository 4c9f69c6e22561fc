package domain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Venue is the external conditional-outcome market the adapter executes
// against. FillOrders carries no interface-level price guarantee, which is why
// the adapter measures position-balance deltas instead of trusting anything
// the order data claims.
type Venue interface {
	// FillOrders submits an opaque, caller-supplied trade instruction set on
	// behalf of taker. The venue moves taker collateral and position balances
	// as it sees fit.
	FillOrders(ctx context.Context, taker common.Address, orderData []byte) error

	// GetCollectionID deterministically derives the outcome collection for
	// (parent, marketID, indexSet).
	GetCollectionID(parent common.Hash, marketID common.Hash, indexSet uint64) common.Hash

	// GetPositionID deterministically derives the position-token identifier
	// for a collateral asset and collection.
	GetPositionID(collateral common.Address, collection common.Hash) common.Hash

	// BalanceOf returns holder's balance of the given position token.
	BalanceOf(ctx context.Context, holder common.Address, positionID common.Hash) (uint64, error)

	// TransferPosition moves position tokens between holders.
	TransferPosition(ctx context.Context, from, to common.Address, positionID common.Hash, amount uint64) error

	// RedeemPositions converts settled position tokens back to collateral.
	// It is a no-op (not an error) when the market is unsettled or the holder
	// has no balance.
	RedeemPositions(ctx context.Context, holder common.Address, collateral common.Address, parent common.Hash, marketID common.Hash, indexSets []uint64) error

	// PayoutDenominator returns the settlement denominator for a market.
	// Zero means not yet settled.
	PayoutDenominator(ctx context.Context, marketID common.Hash) (uint64, error)
}
