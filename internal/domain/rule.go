package domain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// PriceScaleBps is the basis-point scale for corridor prices: 10000 == 1.0
// collateral unit per position unit.
const PriceScaleBps uint64 = 10000

// Rule is one step of a vault's committed sequence. It names a market and
// outcome, the acceptable acquisition-price corridor in basis points, and how
// the step's input amount is sized. Rules are immutable once armed.
type Rule struct {
	MarketID        common.Hash
	OutcomeIndex    uint8
	MinPriceBps     uint64
	MaxPriceBps     uint64
	UseAllAvailable bool
	// FixedAmount is the collateral input for the step. Ignored when
	// UseAllAvailable is set.
	FixedAmount uint64
}

// Validate checks the corridor invariant MinPriceBps <= MaxPriceBps <= 10000.
func (r Rule) Validate() error {
	if r.MaxPriceBps > PriceScaleBps {
		return fmt.Errorf("%w: max price %d exceeds scale %d", ErrInvalidRule, r.MaxPriceBps, PriceScaleBps)
	}
	if r.MinPriceBps > r.MaxPriceBps {
		return fmt.Errorf("%w: min price %d above max price %d", ErrInvalidRule, r.MinPriceBps, r.MaxPriceBps)
	}
	return nil
}

// ValidateRules checks a full sequence for arming: it must be non-empty and
// every rule's corridor must hold.
func ValidateRules(rules []Rule) error {
	if len(rules) == 0 {
		return fmt.Errorf("%w: empty sequence", ErrInvalidRule)
	}
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}
