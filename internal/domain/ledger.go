package domain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// CollateralLedger is the fungible collateral asset consumed by the vault and
// adapter. Semantics follow the standard transferable-balance asset:
// TransferFrom requires a prior allowance from the holder to the spender.
// Insufficient balance or allowance surfaces as ErrTransferFailed.
type CollateralLedger interface {
	BalanceOf(ctx context.Context, holder common.Address) (uint64, error)
	Transfer(ctx context.Context, from, to common.Address, amount uint64) error
	Approve(ctx context.Context, holder, spender common.Address, amount uint64) error
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount uint64) error
}

// Journal exposes atomic-call semantics over in-process custody state: the
// adapter snapshots at call entry and reverts on any failure so no partial
// balance change survives a failed bounded trade.
type Journal interface {
	Snapshot() int
	RevertTo(snap int)
}
