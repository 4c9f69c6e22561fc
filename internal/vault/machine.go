// Package vault implements the per-owner sequence vault: a persistent state
// machine that advances through an immutable rule list exactly once per
// satisfied settlement precondition, delegating price-bounded execution to the
// trade adapter.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/seqvault/internal/domain"
	"github.com/alanyoungcy/seqvault/internal/ledger"
)

// BoundedExecutor is the adapter contract the state machine delegates to.
type BoundedExecutor interface {
	Self() common.Address
	ExecuteBoundedTrade(ctx context.Context, callerVault common.Address, marketID common.Hash, outcomeIndex uint8, amountIn, minPriceBps, maxPriceBps uint64, orderData []byte) (uint64, error)
}

// OrderEncoder builds a venue order payload for a step when the caller did
// not supply one. The trigger worker relies on this: the step input amount is
// only known inside the locked advance, after redemption.
type OrderEncoder func(marketID common.Hash, outcomeIndex uint8, amountIn uint64) []byte

// CollateralAssetKey is the zero asset key: Withdraw with this key moves the
// vault's collateral balance; any other key is treated as a position-token id.
var CollateralAssetKey = common.Hash{}

// advanceLimit bounds permissionless AdvanceStep calls per vault per window so
// an unattended trigger cannot spin on a vault.
const (
	advanceLimit  = 6
	advanceWindow = time.Minute
)

// Machine drives vault state transitions. Every mutating operation runs under
// the vault's distributed lock, mirroring the one-call-at-a-time execution
// model the design assumes.
type Machine struct {
	vaults      domain.VaultStore
	ledger      domain.CollateralLedger
	venue       domain.Venue
	adapter     BoundedExecutor
	journals    ledger.MultiJournal
	encodeOrder OrderEncoder

	settle  domain.SettlementCache
	locks   domain.LockManager
	limiter domain.RateLimiter
	trades  domain.TradeStore
	audit   domain.AuditStore
	bus     domain.SignalBus
	logger  *slog.Logger

	lockTTL time.Duration
}

// Config carries the machine's collaborators.
type Config struct {
	Vaults      domain.VaultStore
	Ledger      domain.CollateralLedger
	Venue       domain.Venue
	Adapter     BoundedExecutor
	Journals    []domain.Journal
	EncodeOrder OrderEncoder

	Settlements domain.SettlementCache
	Locks       domain.LockManager
	Limiter     domain.RateLimiter
	Trades      domain.TradeStore
	Audit       domain.AuditStore
	Bus         domain.SignalBus

	LockTTL time.Duration
}

// NewMachine creates a Machine.
func NewMachine(cfg Config, logger *slog.Logger) *Machine {
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Machine{
		vaults:      cfg.Vaults,
		ledger:      cfg.Ledger,
		venue:       cfg.Venue,
		adapter:     cfg.Adapter,
		journals:    ledger.MultiJournal(cfg.Journals),
		encodeOrder: cfg.EncodeOrder,
		settle:   cfg.Settlements,
		locks:    cfg.Locks,
		limiter:  cfg.Limiter,
		trades:   cfg.Trades,
		audit:    cfg.Audit,
		bus:      cfg.Bus,
		logger:   logger.With(slog.String("component", "vault_machine")),
		lockTTL:  ttl,
	}
}

func lockKey(id common.Address) string {
	return "vault:" + id.Hex()
}

// Get returns the persisted state of a vault.
func (m *Machine) Get(ctx context.Context, id common.Address) (domain.Vault, error) {
	return m.vaults.Get(ctx, id)
}

// Arm commits a non-empty, validated rule sequence to the vault. Owner-only;
// a vault can be armed exactly once.
func (m *Machine) Arm(ctx context.Context, id, caller common.Address, rules []domain.Rule) error {
	unlock, err := m.locks.Acquire(ctx, lockKey(id), m.lockTTL)
	if err != nil {
		return fmt.Errorf("vault: arm %s: %w", id.Hex(), err)
	}
	defer unlock()

	v, err := m.vaults.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("vault: arm: %w", err)
	}
	if caller != v.Owner {
		return fmt.Errorf("%w: %s is not the vault owner", domain.ErrUnauthorized, caller.Hex())
	}
	if v.Active || v.Armed() {
		return fmt.Errorf("%w: vault %s", domain.ErrAlreadyArmed, id.Hex())
	}
	if err := domain.ValidateRules(rules); err != nil {
		return err
	}

	if err := m.vaults.SaveSequence(ctx, id, rules); err != nil {
		return fmt.Errorf("vault: save sequence: %w", err)
	}

	m.auditLog(ctx, "sequence_armed", map[string]any{
		"vault": id.Hex(),
		"steps": len(rules),
	})
	m.publish(ctx, map[string]any{
		"event": "sequence_armed",
		"vault": id.Hex(),
		"steps": len(rules),
	})
	m.logger.InfoContext(ctx, "vault: sequence armed",
		slog.String("vault", id.Hex()),
		slog.Int("steps", len(rules)),
	)
	return nil
}

// RunFirstStep pulls amountIn of collateral from the owner into the vault and
// executes step 0 with its corridor. Owner-only and owner-initiated, so an
// adapter failure here is a hard failure: all effects, including the pull, are
// discarded and the error propagates for the owner to retry deliberately.
func (m *Machine) RunFirstStep(ctx context.Context, id, caller common.Address, amountIn uint64, orderData []byte) (err error) {
	unlock, lockErr := m.locks.Acquire(ctx, lockKey(id), m.lockTTL)
	if lockErr != nil {
		return fmt.Errorf("vault: first step %s: %w", id.Hex(), lockErr)
	}
	defer unlock()

	v, err := m.vaults.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("vault: first step: %w", err)
	}
	if caller != v.Owner {
		return fmt.Errorf("%w: %s is not the vault owner", domain.ErrUnauthorized, caller.Hex())
	}
	if !v.Active || v.Cursor != 0 {
		return fmt.Errorf("%w: first step requires an armed vault at cursor 0", domain.ErrInvalidStep)
	}
	if amountIn == 0 {
		return fmt.Errorf("%w: zero amount", domain.ErrInvalidParameters)
	}
	rule, ok := v.CurrentRule()
	if !ok {
		return fmt.Errorf("%w: no rule at cursor", domain.ErrInvalidStep)
	}

	snaps := m.journals.Snapshots()
	defer func() {
		if err != nil {
			m.journals.RevertAll(snaps)
		}
	}()

	if err = m.ledger.TransferFrom(ctx, v.ID, v.Owner, v.ID, amountIn); err != nil {
		return fmt.Errorf("vault: pull collateral from owner: %w", err)
	}

	outcome, err := m.executeStep(ctx, v, rule, amountIn, orderData)
	if err != nil {
		return err
	}
	if outcome.Kind == domain.OutcomeOutOfBounds {
		// Owner-initiated: no skip-and-halt, the adapter's violation
		// propagates as-is.
		return fmt.Errorf("vault: first step: %w", outcome.Err)
	}

	active := v.TotalSteps > 1
	if err = m.vaults.UpdateProgress(ctx, id, 0, 1, active); err != nil {
		return fmt.Errorf("vault: advance cursor: %w", err)
	}

	m.auditLog(ctx, "first_step_executed", map[string]any{
		"vault":      id.Hex(),
		"amount_in":  amountIn,
		"amount_out": outcome.AmountOut,
	})
	m.publish(ctx, map[string]any{
		"event":        "step_advanced",
		"vault":        id.Hex(),
		"step":         0,
		"amount_out":   outcome.AmountOut,
		"realized_bps": outcome.RealizedPriceBps,
	})
	if !active {
		m.publish(ctx, map[string]any{"event": "sequence_completed", "vault": id.Hex()})
	}
	return nil
}

// AdvanceStep advances the vault by one step. It is deliberately callable by
// anyone: safety comes from the settlement precondition, the price corridor,
// and the per-vault lock, not from caller identity. A corridor violation is
// the single recovered failure: the step is recorded as skipped and the
// sequence halts permanently instead of the call aborting.
func (m *Machine) AdvanceStep(ctx context.Context, id common.Address, orderData []byte) (err error) {
	if m.limiter != nil {
		allowed, limErr := m.limiter.Allow(ctx, "advance:"+id.Hex(), advanceLimit, advanceWindow)
		if limErr != nil {
			return fmt.Errorf("vault: advance rate limiter: %w", limErr)
		}
		if !allowed {
			return fmt.Errorf("%w: advance %s", domain.ErrRateLimited, id.Hex())
		}
	}

	unlock, lockErr := m.locks.Acquire(ctx, lockKey(id), m.lockTTL)
	if lockErr != nil {
		return fmt.Errorf("vault: advance %s: %w", id.Hex(), lockErr)
	}
	defer unlock()

	v, err := m.vaults.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("vault: advance: %w", err)
	}
	if v.Completed() {
		return fmt.Errorf("%w: vault %s", domain.ErrSequenceComplete, id.Hex())
	}
	if !v.Active {
		return fmt.Errorf("%w: vault %s is not active", domain.ErrInvalidStep, id.Hex())
	}
	rule, ok := v.CurrentRule()
	if !ok {
		return fmt.Errorf("%w: no rule at cursor %d", domain.ErrInvalidStep, v.Cursor)
	}

	snaps := m.journals.Snapshots()
	hardFail := func(e error) error {
		m.journals.RevertAll(snaps)
		return e
	}

	// Reclaim settled proceeds from the previous step before re-deploying
	// capital. Redemption of an unsettled or empty position is a no-op.
	if prev, ok := v.PreviousRule(); ok {
		indexSet := uint64(1) << uint(prev.OutcomeIndex)
		if err := m.venue.RedeemPositions(ctx, v.ID, common.Address{}, common.Hash{}, prev.MarketID, []uint64{indexSet}); err != nil {
			return hardFail(fmt.Errorf("vault: redeem previous step: %w", err))
		}
	}

	balance, err := m.ledger.BalanceOf(ctx, v.ID)
	if err != nil {
		return hardFail(fmt.Errorf("vault: read balance: %w", err))
	}

	amountIn := rule.FixedAmount
	if rule.UseAllAvailable || amountIn > balance {
		amountIn = balance
	}
	if amountIn == 0 {
		return hardFail(fmt.Errorf("%w: vault %s has no collateral for step %d", domain.ErrTransferFailed, id.Hex(), v.Cursor))
	}

	outcome, err := m.executeStep(ctx, v, rule, amountIn, orderData)
	if err != nil {
		return hardFail(err)
	}

	if outcome.Kind == domain.OutcomeOutOfBounds {
		return m.skipAndHalt(ctx, v, outcome.Reason)
	}

	newCursor := v.Cursor + 1
	active := newCursor != v.TotalSteps
	if err := m.vaults.UpdateProgress(ctx, id, v.Cursor, newCursor, active); err != nil {
		return hardFail(fmt.Errorf("vault: advance cursor: %w", err))
	}

	m.auditLog(ctx, "step_advanced", map[string]any{
		"vault":      id.Hex(),
		"step":       v.Cursor,
		"amount_in":  amountIn,
		"amount_out": outcome.AmountOut,
	})
	m.publish(ctx, map[string]any{
		"event":        "step_advanced",
		"vault":        id.Hex(),
		"step":         v.Cursor,
		"amount_out":   outcome.AmountOut,
		"realized_bps": outcome.RealizedPriceBps,
	})
	if !active {
		m.publish(ctx, map[string]any{"event": "sequence_completed", "vault": id.Hex()})
		m.logger.InfoContext(ctx, "vault: sequence completed", slog.String("vault", id.Hex()))
	}
	return nil
}

// skipAndHalt converts an out-of-corridor automated step into a halted but
// consistent state. The call itself succeeds; the sequence never advances
// again, and at most one corridor failure is possible per sequence.
func (m *Machine) skipAndHalt(ctx context.Context, v domain.Vault, reason string) error {
	if err := m.vaults.SetActive(ctx, v.ID, false); err != nil {
		return fmt.Errorf("vault: halt after skip: %w", err)
	}

	rec := domain.SkipRecord{
		ID:        uuid.New().String(),
		Vault:     v.ID,
		Step:      v.Cursor,
		Reason:    reason,
		SkippedAt: time.Now().UTC(),
	}
	if err := m.trades.InsertSkip(ctx, rec); err != nil {
		m.logger.WarnContext(ctx, "vault: persist skip record failed",
			slog.String("vault", v.ID.Hex()),
			slog.String("error", err.Error()),
		)
	}

	m.auditLog(ctx, "step_skipped", map[string]any{
		"vault":  v.ID.Hex(),
		"step":   v.Cursor,
		"reason": reason,
	})
	m.publish(ctx, map[string]any{
		"event":  "sequence_halted",
		"vault":  v.ID.Hex(),
		"step":   v.Cursor,
		"reason": reason,
	})
	m.logger.WarnContext(ctx, "vault: step skipped, sequence halted",
		slog.String("vault", v.ID.Hex()),
		slog.Uint64("step", v.Cursor),
		slog.String("reason", reason),
	)
	return nil
}

// Withdraw moves vault funds to the owner. Always available regardless of the
// active flag. The zero asset key selects collateral; any other key is a
// position-token id. amount == 0 withdraws the full balance.
func (m *Machine) Withdraw(ctx context.Context, id, caller common.Address, asset common.Hash, amount uint64) error {
	unlock, err := m.locks.Acquire(ctx, lockKey(id), m.lockTTL)
	if err != nil {
		return fmt.Errorf("vault: withdraw %s: %w", id.Hex(), err)
	}
	defer unlock()

	v, err := m.vaults.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("vault: withdraw: %w", err)
	}
	if caller != v.Owner {
		return fmt.Errorf("%w: %s is not the vault owner", domain.ErrUnauthorized, caller.Hex())
	}

	if asset == CollateralAssetKey {
		balance, err := m.ledger.BalanceOf(ctx, v.ID)
		if err != nil {
			return fmt.Errorf("vault: withdraw balance: %w", err)
		}
		if amount == 0 {
			amount = balance
		}
		if amount > balance {
			return fmt.Errorf("%w: requested %d exceeds balance %d", domain.ErrTransferFailed, amount, balance)
		}
		if amount > 0 {
			if err := m.ledger.Transfer(ctx, v.ID, v.Owner, amount); err != nil {
				return fmt.Errorf("vault: withdraw collateral: %w", err)
			}
		}
	} else {
		balance, err := m.venue.BalanceOf(ctx, v.ID, asset)
		if err != nil {
			return fmt.Errorf("vault: withdraw position balance: %w", err)
		}
		if amount == 0 {
			amount = balance
		}
		if amount > balance {
			return fmt.Errorf("%w: requested %d exceeds position balance %d", domain.ErrTransferFailed, amount, balance)
		}
		if amount > 0 {
			if err := m.venue.TransferPosition(ctx, v.ID, v.Owner, asset, amount); err != nil {
				return fmt.Errorf("vault: withdraw position: %w", err)
			}
		}
	}

	m.auditLog(ctx, "withdrawal", map[string]any{
		"vault":  id.Hex(),
		"asset":  asset.Hex(),
		"amount": amount,
	})
	return nil
}

// Disarm unconditionally deactivates the vault. Owner-only and idempotent.
func (m *Machine) Disarm(ctx context.Context, id, caller common.Address) error {
	unlock, err := m.locks.Acquire(ctx, lockKey(id), m.lockTTL)
	if err != nil {
		return fmt.Errorf("vault: disarm %s: %w", id.Hex(), err)
	}
	defer unlock()

	v, err := m.vaults.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("vault: disarm: %w", err)
	}
	if caller != v.Owner {
		return fmt.Errorf("%w: %s is not the vault owner", domain.ErrUnauthorized, caller.Hex())
	}
	if !v.Active {
		return nil
	}
	if err := m.vaults.SetActive(ctx, id, false); err != nil {
		return fmt.Errorf("vault: disarm: %w", err)
	}
	m.auditLog(ctx, "vault_disarmed", map[string]any{"vault": id.Hex()})
	m.publish(ctx, map[string]any{"event": "vault_disarmed", "vault": id.Hex()})
	return nil
}

// CheckReadiness reports whether AdvanceStep would find its precondition
// satisfied: the vault is active, the sequence is incomplete, and the previous
// step's market (if any) has settled. Read-only.
func (m *Machine) CheckReadiness(ctx context.Context, id common.Address) (bool, error) {
	v, err := m.vaults.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("vault: readiness: %w", err)
	}
	if !v.Active || v.Completed() {
		return false, nil
	}
	prev, ok := v.PreviousRule()
	if !ok {
		return true, nil
	}

	denom, err := m.settlementDenominator(ctx, prev.MarketID)
	if err != nil {
		return false, err
	}
	return denom != 0, nil
}

// settlementDenominator reads the payout denominator through the cache.
func (m *Machine) settlementDenominator(ctx context.Context, marketID common.Hash) (uint64, error) {
	if m.settle != nil {
		if denom, ok, err := m.settle.GetDenominator(ctx, marketID); err == nil && ok {
			return denom, nil
		} else if err != nil {
			m.logger.WarnContext(ctx, "vault: settlement cache read failed",
				slog.String("market_id", marketID.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}

	denom, err := m.venue.PayoutDenominator(ctx, marketID)
	if err != nil {
		return 0, fmt.Errorf("vault: payout denominator: %w", err)
	}
	if m.settle != nil {
		if err := m.settle.SetDenominator(ctx, marketID, denom); err != nil {
			m.logger.WarnContext(ctx, "vault: settlement cache write failed",
				slog.String("market_id", marketID.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}
	return denom, nil
}

// executeStep approves the adapter for the step input and delegates bounded
// execution, translating corridor violations into the explicit OutOfBounds
// outcome the callers pattern-match on. Any other adapter failure is an error.
func (m *Machine) executeStep(ctx context.Context, v domain.Vault, rule domain.Rule, amountIn uint64, orderData []byte) (domain.TradeOutcome, error) {
	if len(orderData) == 0 {
		if m.encodeOrder == nil {
			return domain.TradeOutcome{}, fmt.Errorf("%w: missing order data", domain.ErrInvalidParameters)
		}
		orderData = m.encodeOrder(rule.MarketID, rule.OutcomeIndex, amountIn)
	}

	if err := m.ledger.Approve(ctx, v.ID, m.adapter.Self(), amountIn); err != nil {
		return domain.TradeOutcome{}, fmt.Errorf("vault: approve adapter: %w", err)
	}

	amountOut, err := m.adapter.ExecuteBoundedTrade(ctx, v.ID, rule.MarketID, rule.OutcomeIndex, amountIn, rule.MinPriceBps, rule.MaxPriceBps, orderData)
	if err != nil {
		if errors.Is(err, domain.ErrSlippageExceeded) || errors.Is(err, domain.ErrInvalidPrice) {
			return domain.TradeOutcome{
				Kind:   domain.OutcomeOutOfBounds,
				Reason: err.Error(),
				Err:    err,
			}, nil
		}
		return domain.TradeOutcome{}, fmt.Errorf("vault: bounded trade: %w", err)
	}

	realized := new(big.Int).Mul(new(big.Int).SetUint64(amountIn), new(big.Int).SetUint64(domain.PriceScaleBps))
	realized.Div(realized, new(big.Int).SetUint64(amountOut))

	return domain.TradeOutcome{
		Kind:             domain.OutcomeSuccess,
		AmountOut:        amountOut,
		RealizedPriceBps: realized.Uint64(),
	}, nil
}

func (m *Machine) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := m.audit.Log(ctx, event, detail); err != nil {
		m.logger.WarnContext(ctx, "vault: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Machine) publish(ctx context.Context, payload map[string]any) {
	data, _ := json.Marshal(payload)
	if err := m.bus.Publish(ctx, "vaults", data); err != nil {
		m.logger.WarnContext(ctx, "vault: publish event failed",
			slog.String("error", err.Error()),
		)
	}
	if err := m.bus.StreamAppend(ctx, "vault-events", data); err != nil {
		m.logger.WarnContext(ctx, "vault: stream append failed",
			slog.String("error", err.Error()),
		)
	}
}
