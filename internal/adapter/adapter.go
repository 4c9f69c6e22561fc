// Package adapter implements the price-bounded trade adapter: a registry-gated
// component that converts vault collateral into a venue position while
// enforcing an acceptable-price corridor against the observed custody delta.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/seqvault/internal/domain"
	"github.com/alanyoungcy/seqvault/internal/ledger"
)

// TradeAdapter executes bounded trades on behalf of authorized vaults. It
// holds collateral and positions only transiently within a single call: on any
// failure the custody journals are reverted to the call-entry snapshot, so
// there is no partial success.
type TradeAdapter struct {
	self        common.Address
	provisioner common.Address
	collateral  common.Address

	ledger   domain.CollateralLedger
	venue    domain.Venue
	journals ledger.MultiJournal
	registry *Registry

	trades domain.TradeStore
	audit  domain.AuditStore
	bus    domain.SignalBus
	logger *slog.Logger
}

// Config carries the identities and collaborators a TradeAdapter needs.
type Config struct {
	// Self is the adapter's own ledger identity used for transient custody.
	Self common.Address
	// Provisioner is the only identity allowed to call Authorize.
	Provisioner common.Address
	// Collateral is the collateral asset address used in position derivation.
	Collateral common.Address

	Ledger   domain.CollateralLedger
	Venue    domain.Venue
	Journals []domain.Journal
	Trades   domain.TradeStore
	Audit    domain.AuditStore
	Bus      domain.SignalBus
}

// New creates a TradeAdapter with an empty authorization registry.
func New(cfg Config, logger *slog.Logger) *TradeAdapter {
	return &TradeAdapter{
		self:        cfg.Self,
		provisioner: cfg.Provisioner,
		collateral:  cfg.Collateral,
		ledger:      cfg.Ledger,
		venue:       cfg.Venue,
		journals:    ledger.MultiJournal(cfg.Journals),
		registry:    NewRegistry(),
		trades:      cfg.Trades,
		audit:       cfg.Audit,
		bus:         cfg.Bus,
		logger:      logger.With(slog.String("component", "trade_adapter")),
	}
}

// Self returns the adapter's ledger identity. Vaults approve this identity
// before delegating execution.
func (a *TradeAdapter) Self() common.Address {
	return a.self
}

// Authorize adds a vault to the registry. Only the provisioning identity may
// call it; re-authorizing an existing vault is a no-op.
func (a *TradeAdapter) Authorize(ctx context.Context, caller, vault common.Address) error {
	if caller != a.provisioner {
		return fmt.Errorf("%w: %s is not the provisioning service", domain.ErrUnauthorized, caller.Hex())
	}
	if !a.registry.Add(vault) {
		return nil
	}
	if err := a.audit.Log(ctx, "vault_authorized", map[string]any{
		"vault": vault.Hex(),
	}); err != nil {
		a.logger.WarnContext(ctx, "adapter: audit log failed",
			slog.String("vault", vault.Hex()),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Authorized reports whether a vault may invoke bounded execution.
func (a *TradeAdapter) Authorized(vault common.Address) bool {
	return a.registry.Contains(vault)
}

// ExecuteBoundedTrade pulls amountIn of collateral from callerVault, submits
// orderData to the venue, and measures both custody deltas around the fill:
// the position received and the collateral actually consumed. The measured
// deltas, never venue- or caller-claimed values, are checked against the
// quantity bound implied by maxPriceBps and the realized price corridor; the
// realized price is spent/received, so a payload spending less than amountIn
// cannot dress a below-floor fill up as an in-corridor one. On success the
// position is forwarded to callerVault along with any unspent input and the
// measured amount returned; on any failure every custody change is reverted.
func (a *TradeAdapter) ExecuteBoundedTrade(
	ctx context.Context,
	callerVault common.Address,
	marketID common.Hash,
	outcomeIndex uint8,
	amountIn, minPriceBps, maxPriceBps uint64,
	orderData []byte,
) (uint64, error) {
	if !a.registry.Contains(callerVault) {
		return 0, fmt.Errorf("%w: vault %s not registered", domain.ErrUnauthorized, callerVault.Hex())
	}
	if maxPriceBps == 0 || maxPriceBps > domain.PriceScaleBps || minPriceBps > maxPriceBps {
		return 0, fmt.Errorf("%w: corridor [%d,%d] out of range", domain.ErrInvalidParameters, minPriceBps, maxPriceBps)
	}
	if amountIn == 0 {
		return 0, fmt.Errorf("%w: zero amount", domain.ErrInvalidParameters)
	}

	amountOut, spentIn, realized, err := a.execute(ctx, callerVault, marketID, outcomeIndex, amountIn, orderData, func(spentIn, amountOut uint64) (uint64, error) {
		// Quantity bound: the fill must deliver at least the amount implied
		// by the corridor ceiling.
		if amountOut < impliedMinOut(amountIn, maxPriceBps) {
			return 0, fmt.Errorf("%w: received %d, corridor ceiling %d implies at least %d",
				domain.ErrSlippageExceeded, amountOut, maxPriceBps, impliedMinOut(amountIn, maxPriceBps))
		}
		// Price bound: the price realized on collateral actually spent must
		// sit inside the corridor.
		realized := realizedPriceBps(spentIn, amountOut)
		if realized < minPriceBps || realized > maxPriceBps {
			return 0, fmt.Errorf("%w: realized %d bps outside [%d,%d]",
				domain.ErrInvalidPrice, realized, minPriceBps, maxPriceBps)
		}
		return realized, nil
	})
	if err != nil {
		return 0, err
	}

	a.record(ctx, callerVault, marketID, outcomeIndex, spentIn, amountOut, realized)
	return amountOut, nil
}

// ExecuteTradeWithFloor is the simplified variant: no corridor, just a single
// minimum-output floor, with the same delta-measurement discipline.
func (a *TradeAdapter) ExecuteTradeWithFloor(
	ctx context.Context,
	callerVault common.Address,
	marketID common.Hash,
	outcomeIndex uint8,
	amountIn, minAmountOut uint64,
	orderData []byte,
) (uint64, error) {
	if !a.registry.Contains(callerVault) {
		return 0, fmt.Errorf("%w: vault %s not registered", domain.ErrUnauthorized, callerVault.Hex())
	}
	if amountIn == 0 {
		return 0, fmt.Errorf("%w: zero amount", domain.ErrInvalidParameters)
	}

	amountOut, spentIn, realized, err := a.execute(ctx, callerVault, marketID, outcomeIndex, amountIn, orderData, func(spentIn, amountOut uint64) (uint64, error) {
		if amountOut < minAmountOut {
			return 0, fmt.Errorf("%w: received %d below floor %d", domain.ErrSlippageExceeded, amountOut, minAmountOut)
		}
		return realizedPriceBps(spentIn, amountOut), nil
	})
	if err != nil {
		return 0, err
	}

	a.record(ctx, callerVault, marketID, outcomeIndex, spentIn, amountOut, realized)
	return amountOut, nil
}

// execute runs the shared pull-fill-measure-forward flow. The check callback
// receives the measured collateral and position deltas and returns the
// realized price to record, or an error that aborts (and reverts) the whole
// call. Input the payload left unspent is returned to callerVault before the
// call completes, so the adapter never holds funds beyond the call.
func (a *TradeAdapter) execute(
	ctx context.Context,
	callerVault common.Address,
	marketID common.Hash,
	outcomeIndex uint8,
	amountIn uint64,
	orderData []byte,
	check func(spentIn, amountOut uint64) (uint64, error),
) (amountOut, spentIn, realized uint64, err error) {
	snaps := a.journals.Snapshots()
	defer func() {
		if err != nil {
			a.journals.RevertAll(snaps)
		}
	}()

	if err = a.ledger.TransferFrom(ctx, a.self, callerVault, a.self, amountIn); err != nil {
		return 0, 0, 0, fmt.Errorf("adapter: pull collateral: %w", err)
	}

	indexSet := uint64(1) << uint(outcomeIndex)
	collection := a.venue.GetCollectionID(common.Hash{}, marketID, indexSet)
	positionID := a.venue.GetPositionID(a.collateral, collection)

	before, err := a.venue.BalanceOf(ctx, a.self, positionID)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("adapter: position balance before fill: %w", err)
	}
	heldBefore, err := a.ledger.BalanceOf(ctx, a.self)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("adapter: collateral balance before fill: %w", err)
	}

	if err = a.venue.FillOrders(ctx, a.self, orderData); err != nil {
		return 0, 0, 0, fmt.Errorf("adapter: fill orders: %w", err)
	}

	after, err := a.venue.BalanceOf(ctx, a.self, positionID)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("adapter: position balance after fill: %w", err)
	}
	if after < before {
		return 0, 0, 0, fmt.Errorf("%w: position balance decreased across fill", domain.ErrSlippageExceeded)
	}
	amountOut = after - before
	if amountOut == 0 {
		return 0, 0, 0, fmt.Errorf("%w: fill produced no position delta", domain.ErrSlippageExceeded)
	}

	heldAfter, err := a.ledger.BalanceOf(ctx, a.self)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("adapter: collateral balance after fill: %w", err)
	}
	if heldAfter > heldBefore {
		return 0, 0, 0, fmt.Errorf("%w: collateral balance increased across fill", domain.ErrSlippageExceeded)
	}
	spentIn = heldBefore - heldAfter

	if realized, err = check(spentIn, amountOut); err != nil {
		return 0, 0, 0, err
	}

	if err = a.venue.TransferPosition(ctx, a.self, callerVault, positionID, amountOut); err != nil {
		return 0, 0, 0, fmt.Errorf("adapter: forward position: %w", err)
	}
	if heldAfter > 0 {
		if err = a.ledger.Transfer(ctx, a.self, callerVault, heldAfter); err != nil {
			return 0, 0, 0, fmt.Errorf("adapter: return unspent collateral: %w", err)
		}
	}
	return amountOut, spentIn, realized, nil
}

// record persists and publishes the trade-executed record. Record failures are
// logged, not propagated: the trade itself already settled.
func (a *TradeAdapter) record(ctx context.Context, vault common.Address, marketID common.Hash, outcomeIndex uint8, amountIn, amountOut, realized uint64) {
	rec := domain.TradeRecord{
		ID:               uuid.New().String(),
		Vault:            vault,
		MarketID:         marketID,
		OutcomeIndex:     outcomeIndex,
		AmountIn:         amountIn,
		AmountOut:        amountOut,
		RealizedPriceBps: realized,
		ExecutedAt:       time.Now().UTC(),
	}
	if err := a.trades.InsertTrade(ctx, rec); err != nil {
		a.logger.WarnContext(ctx, "adapter: persist trade record failed",
			slog.String("trade_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}

	evt, _ := json.Marshal(map[string]any{
		"event":        "trade_executed",
		"trade_id":     rec.ID,
		"vault":        vault.Hex(),
		"market_id":    marketID.Hex(),
		"outcome":      outcomeIndex,
		"amount_in":    amountIn,
		"amount_out":   amountOut,
		"realized_bps": realized,
	})
	if err := a.bus.Publish(ctx, "trades", evt); err != nil {
		a.logger.WarnContext(ctx, "adapter: publish trade event failed",
			slog.String("trade_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}

	a.logger.InfoContext(ctx, "adapter: bounded trade executed",
		slog.String("vault", vault.Hex()),
		slog.String("market_id", marketID.Hex()),
		slog.Uint64("amount_in", amountIn),
		slog.Uint64("amount_out", amountOut),
		slog.Uint64("realized_bps", realized),
	)
}

// impliedMinOut returns amountIn*10000/maxPriceBps computed in big.Int so
// large collateral amounts cannot overflow.
func impliedMinOut(amountIn, maxPriceBps uint64) uint64 {
	n := new(big.Int).Mul(new(big.Int).SetUint64(amountIn), new(big.Int).SetUint64(domain.PriceScaleBps))
	n.Div(n, new(big.Int).SetUint64(maxPriceBps))
	return n.Uint64()
}

// realizedPriceBps returns amountIn*10000/amountOut in basis points.
func realizedPriceBps(amountIn, amountOut uint64) uint64 {
	n := new(big.Int).Mul(new(big.Int).SetUint64(amountIn), new(big.Int).SetUint64(domain.PriceScaleBps))
	n.Div(n, new(big.Int).SetUint64(amountOut))
	return n.Uint64()
}
