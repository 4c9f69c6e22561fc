// Package sim implements the venue interface in process: deterministic
// position-id derivation, scripted fills, settlement payouts, and redemption.
// It backs paper mode and the test suite; a live venue is an external system
// reached through the same interface.
package sim

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/seqvault/internal/domain"
)

// Order is one instruction inside the opaque order payload. ClaimedAmountOut
// is parsed but never trusted: the venue computes fills from its own
// configured execution price, so a payload claiming a better fill than
// executed changes nothing.
type Order struct {
	MarketID         common.Hash `json:"market_id"`
	OutcomeIndex     uint8       `json:"outcome_index"`
	AmountIn         uint64      `json:"amount_in"`
	ClaimedAmountOut uint64      `json:"claimed_amount_out,omitempty"`
}

// OrderData is the decoded form of the opaque payload FillOrders accepts.
type OrderData struct {
	Orders []Order `json:"orders"`
}

// EncodeOrders builds an opaque order payload for FillOrders.
func EncodeOrders(orders ...Order) []byte {
	data, _ := json.Marshal(OrderData{Orders: orders})
	return data
}

// Venue is a scriptable in-process outcome-token venue. Execution prices are
// configured per (market, outcome) with SetFillPrice; settlement is fixed with
// Resolve. The venue's treasury address must be funded with enough collateral
// to cover redemptions.
type Venue struct {
	mu       sync.Mutex
	treasury common.Address
	ledger   domain.CollateralLedger

	positions    map[common.Hash]map[common.Address]uint64
	fillPriceBps map[string]uint64
	payoutDenom  map[common.Hash]uint64
	payoutNum    map[common.Hash]map[uint64]uint64
	journal      []func()
}

// New creates a Venue whose collateral custody lives at treasury on the given
// ledger.
func New(ledger domain.CollateralLedger, treasury common.Address) *Venue {
	return &Venue{
		treasury:     treasury,
		ledger:       ledger,
		positions:    make(map[common.Hash]map[common.Address]uint64),
		fillPriceBps: make(map[string]uint64),
		payoutDenom:  make(map[common.Hash]uint64),
		payoutNum:    make(map[common.Hash]map[uint64]uint64),
	}
}

func fillKey(marketID common.Hash, outcome uint8) string {
	return marketID.Hex() + ":" + fmt.Sprintf("%d", outcome)
}

// SetFillPrice scripts the execution price in basis points for a market
// outcome. Unscripted outcomes execute at par (10000).
func (v *Venue) SetFillPrice(marketID common.Hash, outcome uint8, priceBps uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fillPriceBps[fillKey(marketID, outcome)] = priceBps
}

// Resolve fixes settlement payouts for a market. payouts[i] is the numerator
// for outcome i; the denominator is their sum. Resolving with all zeros is
// rejected since a zero denominator means "unsettled".
func (v *Venue) Resolve(marketID common.Hash, payouts []uint64) error {
	var denom uint64
	for _, p := range payouts {
		denom += p
	}
	if denom == 0 {
		return fmt.Errorf("sim: resolve %s: all-zero payout vector", marketID.Hex())
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	nums := make(map[uint64]uint64, len(payouts))
	for i, p := range payouts {
		nums[uint64(1)<<uint(i)] = p
	}
	v.payoutNum[marketID] = nums
	v.payoutDenom[marketID] = denom
	return nil
}

// FillOrders executes the decoded orders at the venue's scripted prices,
// pulling taker collateral into the treasury and crediting position tokens.
func (v *Venue) FillOrders(ctx context.Context, taker common.Address, orderData []byte) error {
	var data OrderData
	if err := json.Unmarshal(orderData, &data); err != nil {
		return fmt.Errorf("sim: decode order data: %w", err)
	}
	if len(data.Orders) == 0 {
		return fmt.Errorf("sim: empty order data")
	}

	for _, o := range data.Orders {
		if o.AmountIn == 0 {
			return fmt.Errorf("sim: order with zero amount_in")
		}
		if err := v.ledger.Transfer(ctx, taker, v.treasury, o.AmountIn); err != nil {
			return fmt.Errorf("sim: fill pull collateral: %w", err)
		}

		v.mu.Lock()
		price := v.fillPriceBps[fillKey(o.MarketID, o.OutcomeIndex)]
		if price == 0 {
			price = domain.PriceScaleBps
		}
		out := mulDiv(o.AmountIn, domain.PriceScaleBps, price)
		posID := v.GetPositionID(CollateralAsset, v.GetCollectionID(common.Hash{}, o.MarketID, uint64(1)<<uint(o.OutcomeIndex)))
		v.creditLocked(posID, taker, out)
		v.mu.Unlock()
	}
	return nil
}

// CollateralAsset stands in for the collateral asset address in position-id
// derivation. The sim venue has a single collateral asset; adapters must use
// the same address so fill and lookup derivations agree.
var CollateralAsset = common.HexToAddress("0x0000000000000000000000000000000000000001")

// GetCollectionID derives keccak256(parent || marketID || indexSet).
func (v *Venue) GetCollectionID(parent common.Hash, marketID common.Hash, indexSet uint64) common.Hash {
	var idx [32]byte
	binary.BigEndian.PutUint64(idx[24:], indexSet)
	return common.BytesToHash(ethcrypto.Keccak256(parent.Bytes(), marketID.Bytes(), idx[:]))
}

// GetPositionID derives keccak256(leftpad32(collateral) || collection).
func (v *Venue) GetPositionID(collateral common.Address, collection common.Hash) common.Hash {
	return common.BytesToHash(ethcrypto.Keccak256(
		common.LeftPadBytes(collateral.Bytes(), 32),
		collection.Bytes(),
	))
}

// PositionID is a convenience for the (market, outcome) derivation chain used
// throughout this repo: parent collection is the root (zero) collection.
func (v *Venue) PositionID(marketID common.Hash, outcome uint8) common.Hash {
	return v.GetPositionID(CollateralAsset, v.GetCollectionID(common.Hash{}, marketID, uint64(1)<<uint(outcome)))
}

// BalanceOf returns holder's position-token balance.
func (v *Venue) BalanceOf(_ context.Context, holder common.Address, positionID common.Hash) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positions[positionID][holder], nil
}

// TransferPosition moves position tokens between holders.
func (v *Venue) TransferPosition(_ context.Context, from, to common.Address, positionID common.Hash, amount uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	bal := v.positions[positionID][from]
	if bal < amount {
		return fmt.Errorf("%w: position balance %d below %d", domain.ErrTransferFailed, bal, amount)
	}
	v.setPositionLocked(positionID, from, bal-amount)
	v.creditLocked(positionID, to, amount)
	return nil
}

// RedeemPositions converts holder's settled position tokens for the given
// index sets back to collateral at the recorded payout ratio. Unsettled
// markets and empty positions are no-ops.
func (v *Venue) RedeemPositions(ctx context.Context, holder common.Address, collateral common.Address, parent common.Hash, marketID common.Hash, indexSets []uint64) error {
	_ = collateral // single-asset sim; derivation uses the collateral marker

	v.mu.Lock()
	denom := v.payoutDenom[marketID]
	if denom == 0 {
		v.mu.Unlock()
		return nil
	}

	var totalPayout uint64
	for _, idx := range indexSets {
		posID := v.GetPositionID(CollateralAsset, v.GetCollectionID(parent, marketID, idx))
		bal := v.positions[posID][holder]
		if bal == 0 {
			continue
		}
		num := v.payoutNum[marketID][idx]
		v.setPositionLocked(posID, holder, 0)
		totalPayout += mulDiv(bal, num, denom)
	}
	v.mu.Unlock()

	if totalPayout == 0 {
		return nil
	}
	if err := v.ledger.Transfer(ctx, v.treasury, holder, totalPayout); err != nil {
		return fmt.Errorf("sim: redeem payout: %w", err)
	}
	return nil
}

// PayoutDenominator returns the settlement denominator, zero when unsettled.
func (v *Venue) PayoutDenominator(_ context.Context, marketID common.Hash) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.payoutDenom[marketID], nil
}

// Snapshot returns a journal position covering the venue's position balances.
// Collateral moved through the ledger is covered by the ledger's own journal.
func (v *Venue) Snapshot() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.journal)
}

// RevertTo unwinds position mutations recorded after the snapshot.
func (v *Venue) RevertTo(snap int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if snap < 0 || snap > len(v.journal) {
		return
	}
	for i := len(v.journal) - 1; i >= snap; i-- {
		v.journal[i]()
	}
	v.journal = v.journal[:snap]
}

// mulDiv returns a*b/c computed in big.Int so large balances cannot wrap.
func mulDiv(a, b, c uint64) uint64 {
	n := new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
	n.Div(n, new(big.Int).SetUint64(c))
	return n.Uint64()
}

func (v *Venue) creditLocked(positionID common.Hash, holder common.Address, amount uint64) {
	v.setPositionLocked(positionID, holder, v.positions[positionID][holder]+amount)
}

func (v *Venue) setPositionLocked(positionID common.Hash, holder common.Address, val uint64) {
	inner, hadInner := v.positions[positionID]
	if !hadInner {
		inner = make(map[common.Address]uint64)
		v.positions[positionID] = inner
		v.journal = append(v.journal, func() { delete(v.positions, positionID) })
	}
	prev, had := inner[holder]
	v.journal = append(v.journal, func() {
		if had {
			inner[holder] = prev
		} else {
			delete(inner, holder)
		}
	})
	inner[holder] = val
}

// Compile-time interface checks.
var (
	_ domain.Venue   = (*Venue)(nil)
	_ domain.Journal = (*Venue)(nil)
)
