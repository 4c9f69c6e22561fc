package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TradeRecord is the observability record emitted for every successful bounded
// trade. RealizedPriceBps is derived from the measured custody delta, never
// from venue-claimed fill amounts.
type TradeRecord struct {
	ID               string
	Vault            common.Address
	MarketID         common.Hash
	OutcomeIndex     uint8
	AmountIn         uint64
	AmountOut        uint64
	RealizedPriceBps uint64
	ExecutedAt       time.Time
}

// SkipRecord is emitted when an automated step falls outside its corridor and
// the sequence halts instead of aborting the call.
type SkipRecord struct {
	ID        string
	Vault     common.Address
	Step      uint64
	Reason    string
	SkippedAt time.Time
}

// OutcomeKind discriminates the result of a bounded-trade execution.
type OutcomeKind string

const (
	OutcomeSuccess     OutcomeKind = "success"
	OutcomeOutOfBounds OutcomeKind = "out_of_bounds"
)

// TradeOutcome is the explicit result variant returned by the adapter's
// bounded execution to the state machine. OutOfBounds is not an error: the
// state machine pattern-matches on Kind to apply its skip-and-halt policy.
// Err keeps the adapter's original error for callers that propagate the
// violation instead of halting, so ErrSlippageExceeded and ErrInvalidPrice
// stay distinguishable.
type TradeOutcome struct {
	Kind             OutcomeKind
	AmountOut        uint64
	RealizedPriceBps uint64
	Reason           string
	Err              error
}
