package vault_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/seqvault/internal/adapter"
	"github.com/alanyoungcy/seqvault/internal/domain"
	"github.com/alanyoungcy/seqvault/internal/ledger"
	"github.com/alanyoungcy/seqvault/internal/vault"
	"github.com/alanyoungcy/seqvault/internal/venue/sim"
)

var (
	provisioner = common.HexToAddress("0x1000000000000000000000000000000000000001")
	adapterSelf = common.HexToAddress("0x2000000000000000000000000000000000000002")
	treasury    = common.HexToAddress("0x3000000000000000000000000000000000000003")
	owner       = common.HexToAddress("0x4000000000000000000000000000000000000004")
	stranger    = common.HexToAddress("0x5000000000000000000000000000000000000005")
	market1     = common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000c1")
	market2     = common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000c2")
)

// --- in-memory fakes ---

type memVaultStore struct {
	mu     sync.Mutex
	vaults map[common.Address]*domain.Vault
}

func newMemVaultStore() *memVaultStore {
	return &memVaultStore{vaults: make(map[common.Address]*domain.Vault)}
}

func (s *memVaultStore) Create(_ context.Context, v domain.Vault) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vaults[v.ID]; ok {
		return fmt.Errorf("vault %s already exists", v.ID.Hex())
	}
	cp := v
	s.vaults[v.ID] = &cp
	return nil
}

func (s *memVaultStore) Get(_ context.Context, id common.Address) (domain.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vaults[id]
	if !ok {
		return domain.Vault{}, domain.ErrNotFound
	}
	cp := *v
	cp.Rules = append([]domain.Rule(nil), v.Rules...)
	return cp, nil
}

func (s *memVaultStore) ListByOwner(_ context.Context, owner common.Address) ([]domain.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Vault
	for _, v := range s.vaults {
		if v.Owner == owner {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (s *memVaultStore) List(_ context.Context, opts domain.ListOpts) ([]domain.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Vault
	for _, v := range s.vaults {
		out = append(out, *v)
	}
	if opts.Offset >= len(out) {
		return nil, nil
	}
	return out[opts.Offset:], nil
}

func (s *memVaultStore) ListActive(_ context.Context, opts domain.ListOpts) ([]domain.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Vault
	for _, v := range s.vaults {
		if v.Active {
			cp := *v
			cp.Rules = append([]domain.Rule(nil), v.Rules...)
			out = append(out, cp)
		}
	}
	if opts.Offset >= len(out) {
		return nil, nil
	}
	return out[opts.Offset:], nil
}

func (s *memVaultStore) SaveSequence(_ context.Context, id common.Address, rules []domain.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vaults[id]
	if !ok {
		return domain.ErrNotFound
	}
	if v.TotalSteps != 0 {
		return domain.ErrAlreadyArmed
	}
	v.Rules = append([]domain.Rule(nil), rules...)
	v.TotalSteps = uint64(len(rules))
	v.Cursor = 0
	v.Active = true
	return nil
}

func (s *memVaultStore) UpdateProgress(_ context.Context, id common.Address, fromCursor, toCursor uint64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vaults[id]
	if !ok {
		return domain.ErrNotFound
	}
	if v.Cursor != fromCursor {
		return domain.ErrInvalidStep
	}
	v.Cursor = toCursor
	v.Active = active
	return nil
}

func (s *memVaultStore) SetActive(_ context.Context, id common.Address, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vaults[id]
	if !ok {
		return domain.ErrNotFound
	}
	v.Active = active
	return nil
}

type memTradeStore struct {
	mu     sync.Mutex
	trades []domain.TradeRecord
	skips  []domain.SkipRecord
}

func (s *memTradeStore) InsertTrade(_ context.Context, rec domain.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, rec)
	return nil
}

func (s *memTradeStore) InsertSkip(_ context.Context, rec domain.SkipRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skips = append(s.skips, rec)
	return nil
}

func (s *memTradeStore) ListTrades(_ context.Context, vault common.Address, _ domain.ListOpts) ([]domain.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TradeRecord
	for _, rec := range s.trades {
		if rec.Vault == vault {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memTradeStore) ListSkips(_ context.Context, vault common.Address, _ domain.ListOpts) ([]domain.SkipRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SkipRecord
	for _, rec := range s.skips {
		if rec.Vault == vault {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memTradeStore) ListTradesBefore(context.Context, time.Time) ([]domain.TradeRecord, error) {
	return nil, nil
}

func (s *memTradeStore) DeleteTradesBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type memAuditStore struct {
	mu     sync.Mutex
	events []string
}

func (s *memAuditStore) Log(_ context.Context, event string, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memAuditStore) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (s *memAuditStore) ListBefore(context.Context, time.Time) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (s *memAuditStore) DeleteBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *memAuditStore) has(event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e == event {
			return true
		}
	}
	return false
}

type memBus struct {
	mu     sync.Mutex
	events [][]byte
}

func (b *memBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *memBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type fakeLocks struct{ held bool }

func (l *fakeLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	if l.held {
		return nil, domain.ErrLockHeld
	}
	return func() {}, nil
}

type fakeLimiter struct{ deny bool }

func (l *fakeLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return !l.deny, nil
}

// --- fixture ---

type fixture struct {
	machine *vault.Machine
	vaults  *memVaultStore
	trades  *memTradeStore
	audit   *memAuditStore
	ledger  *ledger.Memory
	venue   *sim.Venue
	locks   *fakeLocks
	limiter *fakeLimiter
	vaultID common.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	led := ledger.NewMemory()
	led.Mint(treasury, 1_000_000)
	led.Mint(owner, 1_000)
	venue := sim.New(led, treasury)

	vaults := newMemVaultStore()
	trades := &memTradeStore{}
	audit := &memAuditStore{}
	bus := &memBus{}
	locks := &fakeLocks{}
	limiter := &fakeLimiter{}

	a := adapter.New(adapter.Config{
		Self:        adapterSelf,
		Provisioner: provisioner,
		Collateral:  sim.CollateralAsset,
		Ledger:      led,
		Venue:       venue,
		Journals:    []domain.Journal{led, venue},
		Trades:      trades,
		Audit:       audit,
		Bus:         bus,
	}, logger)

	m := vault.NewMachine(vault.Config{
		Vaults:   vaults,
		Ledger:   led,
		Venue:    venue,
		Adapter:  a,
		Journals: []domain.Journal{led, venue},
		EncodeOrder: func(marketID common.Hash, outcomeIndex uint8, amountIn uint64) []byte {
			return sim.EncodeOrders(sim.Order{
				MarketID:     marketID,
				OutcomeIndex: outcomeIndex,
				AmountIn:     amountIn,
			})
		},
		Locks:   locks,
		Limiter: limiter,
		Trades:  trades,
		Audit:   audit,
		Bus:     bus,
	}, logger)

	id := vault.VaultID(provisioner, owner)
	require.NoError(t, vaults.Create(context.Background(), domain.Vault{
		ID:        id,
		Owner:     owner,
		Adapter:   adapterSelf,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}))
	require.NoError(t, a.Authorize(context.Background(), provisioner, id))
	require.NoError(t, led.Approve(context.Background(), owner, id, 1_000))

	return &fixture{
		machine: m,
		vaults:  vaults,
		trades:  trades,
		audit:   audit,
		ledger:  led,
		venue:   venue,
		locks:   locks,
		limiter: limiter,
		vaultID: id,
	}
}

func twoStepRules() []domain.Rule {
	return []domain.Rule{
		{MarketID: market1, OutcomeIndex: 0, MinPriceBps: 3000, MaxPriceBps: 5000},
		{MarketID: market2, OutcomeIndex: 0, MinPriceBps: 3000, MaxPriceBps: 5000, UseAllAvailable: true},
	}
}

// arm arms the fixture vault and runs the first step at a 0.50 fill, leaving
// the vault at cursor 1 with 200 units of the market1 position.
func (f *fixture) armAndRunFirst(t *testing.T, rules []domain.Rule) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.machine.Arm(ctx, f.vaultID, owner, rules))
	f.venue.SetFillPrice(market1, 0, 5000)
	require.NoError(t, f.machine.RunFirstStep(ctx, f.vaultID, owner, 100, nil))
}

// --- tests ---

func TestArm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.machine.Arm(ctx, f.vaultID, stranger, twoStepRules())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	err = f.machine.Arm(ctx, f.vaultID, owner, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidRule)

	err = f.machine.Arm(ctx, f.vaultID, owner, []domain.Rule{{MinPriceBps: 2, MaxPriceBps: 1}})
	assert.ErrorIs(t, err, domain.ErrInvalidRule)

	require.NoError(t, f.machine.Arm(ctx, f.vaultID, owner, twoStepRules()))

	v, err := f.machine.Get(ctx, f.vaultID)
	require.NoError(t, err)
	assert.Equal(t, domain.VaultStatusArmed, v.Status())
	assert.Equal(t, uint64(2), v.TotalSteps)
	assert.True(t, v.Active)

	// Arming is once-only.
	err = f.machine.Arm(ctx, f.vaultID, owner, twoStepRules())
	assert.ErrorIs(t, err, domain.ErrAlreadyArmed)
}

func TestArmLockHeld(t *testing.T) {
	f := newFixture(t)
	f.locks.held = true
	err := f.machine.Arm(context.Background(), f.vaultID, owner, twoStepRules())
	assert.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestRunFirstStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.armAndRunFirst(t, twoStepRules())

	v, err := f.machine.Get(ctx, f.vaultID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v.Cursor)
	assert.True(t, v.Active)
	assert.Equal(t, domain.VaultStatusRunning, v.Status())

	pos, _ := f.venue.BalanceOf(ctx, f.vaultID, f.venue.PositionID(market1, 0))
	assert.Equal(t, uint64(200), pos)

	ownerBal, _ := f.ledger.BalanceOf(ctx, owner)
	assert.Equal(t, uint64(900), ownerBal)

	// First step again at cursor 1 is invalid.
	err = f.machine.RunFirstStep(ctx, f.vaultID, owner, 100, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidStep)
}

func TestRunFirstStepValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Unarmed vault has no step to run.
	err := f.machine.RunFirstStep(ctx, f.vaultID, owner, 100, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidStep)

	require.NoError(t, f.machine.Arm(ctx, f.vaultID, owner, twoStepRules()))

	err = f.machine.RunFirstStep(ctx, f.vaultID, stranger, 100, nil)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	err = f.machine.RunFirstStep(ctx, f.vaultID, owner, 0, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidParameters)
}

func TestRunFirstStepCorridorViolationHardFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.machine.Arm(ctx, f.vaultID, owner, twoStepRules()))

	// Fill at 0.20, below the 0.30 corridor floor. Owner-initiated, so the
	// violation is an error, not a skip.
	f.venue.SetFillPrice(market1, 0, 2000)
	err := f.machine.RunFirstStep(ctx, f.vaultID, owner, 100, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidPrice)

	// The pull is rolled back with everything else.
	ownerBal, _ := f.ledger.BalanceOf(ctx, owner)
	assert.Equal(t, uint64(1000), ownerBal)
	vaultBal, _ := f.ledger.BalanceOf(ctx, f.vaultID)
	assert.Equal(t, uint64(0), vaultBal)

	v, _ := f.machine.Get(ctx, f.vaultID)
	assert.Equal(t, uint64(0), v.Cursor)
	assert.True(t, v.Active, "a failed first step does not halt the sequence")
	assert.Empty(t, f.trades.skips)
}

func TestRunFirstStepQuantityViolationHardFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.machine.Arm(ctx, f.vaultID, owner, twoStepRules()))

	// Fill at 0.70: too few units for the 0.50 corridor ceiling. The
	// quantity violation keeps its own error kind, distinct from a price
	// floor breach.
	f.venue.SetFillPrice(market1, 0, 7000)
	err := f.machine.RunFirstStep(ctx, f.vaultID, owner, 100, nil)
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)
	assert.NotErrorIs(t, err, domain.ErrInvalidPrice)

	ownerBal, _ := f.ledger.BalanceOf(ctx, owner)
	assert.Equal(t, uint64(1000), ownerBal)
	v, _ := f.machine.Get(ctx, f.vaultID)
	assert.Equal(t, uint64(0), v.Cursor)
	assert.True(t, v.Active)
}

func TestAdvanceStepSkipAndHalt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.armAndRunFirst(t, twoStepRules())

	require.NoError(t, f.venue.Resolve(market1, []uint64{1, 0}))
	// Step 2 executes at 0.70, outside [0.30, 0.50].
	f.venue.SetFillPrice(market2, 0, 7000)

	// The call itself succeeds: the skip is the recorded outcome.
	require.NoError(t, f.machine.AdvanceStep(ctx, f.vaultID, nil))

	v, err := f.machine.Get(ctx, f.vaultID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v.Cursor, "a skipped step does not advance the cursor")
	assert.False(t, v.Active)
	assert.Equal(t, domain.VaultStatusHalted, v.Status())

	skips, err := f.trades.ListSkips(ctx, f.vaultID, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, skips, 1)
	assert.Equal(t, uint64(1), skips[0].Step)
	assert.NotEmpty(t, skips[0].Reason)

	// The settled proceeds reclaimed before the skip stay in the vault.
	vaultBal, _ := f.ledger.BalanceOf(ctx, f.vaultID)
	assert.Equal(t, uint64(200), vaultBal)

	// A halted sequence never advances again.
	err = f.machine.AdvanceStep(ctx, f.vaultID, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidStep)
}

func TestAdvanceStepToCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rules := twoStepRules()
	rules[1].MinPriceBps = 5000
	rules[1].MaxPriceBps = 10000
	f.armAndRunFirst(t, rules)

	require.NoError(t, f.venue.Resolve(market1, []uint64{1, 0}))
	// market2 is unscripted and fills at par, inside [0.50, 1.00].

	require.NoError(t, f.machine.AdvanceStep(ctx, f.vaultID, nil))

	v, err := f.machine.Get(ctx, f.vaultID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v.Cursor)
	assert.True(t, v.Completed())
	assert.Equal(t, domain.VaultStatusCompleted, v.Status())

	pos, _ := f.venue.BalanceOf(ctx, f.vaultID, f.venue.PositionID(market2, 0))
	assert.Equal(t, uint64(200), pos, "redeemed 200 collateral re-deployed at par")

	err = f.machine.AdvanceStep(ctx, f.vaultID, nil)
	assert.ErrorIs(t, err, domain.ErrSequenceComplete)
}

func TestAdvanceStepWithoutCollateral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.machine.Arm(ctx, f.vaultID, owner, twoStepRules()))

	// Armed but never funded: nothing to deploy.
	err := f.machine.AdvanceStep(ctx, f.vaultID, nil)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
}

func TestAdvanceStepRateLimited(t *testing.T) {
	f := newFixture(t)
	f.limiter.deny = true
	err := f.machine.AdvanceStep(context.Background(), f.vaultID, nil)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestCheckReadiness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Unarmed: not ready.
	ready, err := f.machine.CheckReadiness(ctx, f.vaultID)
	require.NoError(t, err)
	assert.False(t, ready)

	f.armAndRunFirst(t, twoStepRules())

	// market1 unsettled: the precondition gates the advance.
	ready, err = f.machine.CheckReadiness(ctx, f.vaultID)
	require.NoError(t, err)
	assert.False(t, ready)

	require.NoError(t, f.venue.Resolve(market1, []uint64{1, 0}))
	ready, err = f.machine.CheckReadiness(ctx, f.vaultID)
	require.NoError(t, err)
	assert.True(t, ready)

	require.NoError(t, f.machine.Disarm(ctx, f.vaultID, owner))
	ready, err = f.machine.CheckReadiness(ctx, f.vaultID)
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestWithdrawCollateral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.armAndRunFirst(t, twoStepRules())
	require.NoError(t, f.venue.Resolve(market1, []uint64{1, 0}))
	f.venue.SetFillPrice(market2, 0, 7000)
	require.NoError(t, f.machine.AdvanceStep(ctx, f.vaultID, nil))

	// Halted vault, 200 reclaimed collateral inside.
	err := f.machine.Withdraw(ctx, f.vaultID, stranger, common.Hash{}, 0)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	err = f.machine.Withdraw(ctx, f.vaultID, owner, common.Hash{}, 500)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)

	// Zero amount drains the full balance, even while halted.
	require.NoError(t, f.machine.Withdraw(ctx, f.vaultID, owner, common.Hash{}, 0))
	ownerBal, _ := f.ledger.BalanceOf(ctx, owner)
	assert.Equal(t, uint64(1100), ownerBal)
	assert.True(t, f.audit.has("withdrawal"))
}

func TestWithdrawPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.armAndRunFirst(t, twoStepRules())

	posID := f.venue.PositionID(market1, 0)
	require.NoError(t, f.machine.Withdraw(ctx, f.vaultID, owner, posID, 50))

	ownerPos, _ := f.venue.BalanceOf(ctx, owner, posID)
	vaultPos, _ := f.venue.BalanceOf(ctx, f.vaultID, posID)
	assert.Equal(t, uint64(50), ownerPos)
	assert.Equal(t, uint64(150), vaultPos)
}

func TestDisarm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.armAndRunFirst(t, twoStepRules())

	err := f.machine.Disarm(ctx, f.vaultID, stranger)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	require.NoError(t, f.machine.Disarm(ctx, f.vaultID, owner))
	v, _ := f.machine.Get(ctx, f.vaultID)
	assert.Equal(t, domain.VaultStatusHalted, v.Status())

	// Idempotent.
	require.NoError(t, f.machine.Disarm(ctx, f.vaultID, owner))
}
