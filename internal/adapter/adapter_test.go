package adapter_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/seqvault/internal/adapter"
	"github.com/alanyoungcy/seqvault/internal/domain"
	"github.com/alanyoungcy/seqvault/internal/ledger"
	"github.com/alanyoungcy/seqvault/internal/venue/sim"
)

var (
	provisioner = common.HexToAddress("0x1000000000000000000000000000000000000001")
	adapterSelf = common.HexToAddress("0x2000000000000000000000000000000000000002")
	treasury    = common.HexToAddress("0x3000000000000000000000000000000000000003")
	vaultAddr   = common.HexToAddress("0x4000000000000000000000000000000000000004")
	market      = common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000bb")
)

type memTradeStore struct {
	trades []domain.TradeRecord
	skips  []domain.SkipRecord
}

func (s *memTradeStore) InsertTrade(_ context.Context, rec domain.TradeRecord) error {
	s.trades = append(s.trades, rec)
	return nil
}

func (s *memTradeStore) InsertSkip(_ context.Context, rec domain.SkipRecord) error {
	s.skips = append(s.skips, rec)
	return nil
}

func (s *memTradeStore) ListTrades(_ context.Context, vault common.Address, _ domain.ListOpts) ([]domain.TradeRecord, error) {
	var out []domain.TradeRecord
	for _, rec := range s.trades {
		if rec.Vault == vault {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memTradeStore) ListSkips(_ context.Context, vault common.Address, _ domain.ListOpts) ([]domain.SkipRecord, error) {
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
	events []string
}

func (s *memAuditStore) Log(_ context.Context, event string, _ map[string]any) error {
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

type memBus struct {
	published map[string][][]byte
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	if b.published == nil {
		b.published = make(map[string][][]byte)
	}
	b.published[channel] = append(b.published[channel], payload)
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

type fixture struct {
	adapter *adapter.TradeAdapter
	ledger  *ledger.Memory
	venue   *sim.Venue
	trades  *memTradeStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	led := ledger.NewMemory()
	led.Mint(treasury, 1_000_000)
	led.Mint(vaultAddr, 1_000)
	venue := sim.New(led, treasury)

	trades := &memTradeStore{}
	a := adapter.New(adapter.Config{
		Self:        adapterSelf,
		Provisioner: provisioner,
		Collateral:  sim.CollateralAsset,
		Ledger:      led,
		Venue:       venue,
		Journals:    []domain.Journal{led, venue},
		Trades:      trades,
		Audit:       &memAuditStore{},
		Bus:         &memBus{},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, a.Authorize(context.Background(), provisioner, vaultAddr))
	return &fixture{adapter: a, ledger: led, venue: venue, trades: trades}
}

func (f *fixture) approve(t *testing.T, amount uint64) {
	t.Helper()
	require.NoError(t, f.ledger.Approve(context.Background(), vaultAddr, adapterSelf, amount))
}

func orderPayload(amountIn uint64) []byte {
	return sim.EncodeOrders(sim.Order{MarketID: market, OutcomeIndex: 0, AmountIn: amountIn})
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := common.HexToAddress("0x5000000000000000000000000000000000000005")
	err := f.adapter.Authorize(ctx, other, other)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.False(t, f.adapter.Authorized(other))

	// Registry is append-only and idempotent.
	require.NoError(t, f.adapter.Authorize(ctx, provisioner, vaultAddr))
	assert.True(t, f.adapter.Authorized(vaultAddr))
}

func TestExecuteBoundedTradeSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.venue.SetFillPrice(market, 0, 5000)
	f.approve(t, 100)

	out, err := f.adapter.ExecuteBoundedTrade(ctx, vaultAddr, market, 0, 100, 3000, 5000, orderPayload(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(200), out)

	// The position lands in the vault, not the adapter.
	posID := f.venue.PositionID(market, 0)
	vaultPos, _ := f.venue.BalanceOf(ctx, vaultAddr, posID)
	adapterPos, _ := f.venue.BalanceOf(ctx, adapterSelf, posID)
	assert.Equal(t, uint64(200), vaultPos)
	assert.Equal(t, uint64(0), adapterPos)

	adapterBal, _ := f.ledger.BalanceOf(ctx, adapterSelf)
	assert.Equal(t, uint64(0), adapterBal, "adapter custody is transient")

	require.Len(t, f.trades.trades, 1)
	rec := f.trades.trades[0]
	assert.Equal(t, uint64(100), rec.AmountIn)
	assert.Equal(t, uint64(200), rec.AmountOut)
	assert.Equal(t, uint64(5000), rec.RealizedPriceBps)
}

func TestExecuteBoundedTradeUnauthorizedVault(t *testing.T) {
	f := newFixture(t)
	other := common.HexToAddress("0x6000000000000000000000000000000000000006")

	_, err := f.adapter.ExecuteBoundedTrade(context.Background(), other, market, 0, 100, 3000, 5000, orderPayload(100))
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestExecuteBoundedTradeCorridorParams(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		min, max uint64
	}{
		{"zero max", 0, 0},
		{"max above scale", 0, 10001},
		{"min above max", 6000, 5000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.adapter.ExecuteBoundedTrade(ctx, vaultAddr, market, 0, 100, tc.min, tc.max, orderPayload(100))
			assert.ErrorIs(t, err, domain.ErrInvalidParameters)
		})
	}

	_, err := f.adapter.ExecuteBoundedTrade(ctx, vaultAddr, market, 0, 0, 3000, 5000, orderPayload(100))
	assert.ErrorIs(t, err, domain.ErrInvalidParameters)
}

func TestExecuteBoundedTradeQuantityBound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Executes at 0.70, corridor ceiling 0.50: too few units delivered.
	f.venue.SetFillPrice(market, 0, 7000)
	f.approve(t, 100)

	_, err := f.adapter.ExecuteBoundedTrade(ctx, vaultAddr, market, 0, 100, 3000, 5000, orderPayload(100))
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)

	// Full rollback: vault balance untouched, no position anywhere.
	bal, _ := f.ledger.BalanceOf(ctx, vaultAddr)
	assert.Equal(t, uint64(1000), bal)
	pos, _ := f.venue.BalanceOf(ctx, vaultAddr, f.venue.PositionID(market, 0))
	assert.Equal(t, uint64(0), pos)
	assert.Empty(t, f.trades.trades)
}

func TestExecuteBoundedTradePriceBelowFloor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Executes at 0.20, below the corridor floor of 0.30.
	f.venue.SetFillPrice(market, 0, 2000)
	f.approve(t, 100)

	_, err := f.adapter.ExecuteBoundedTrade(ctx, vaultAddr, market, 0, 100, 3000, 5000, orderPayload(100))
	assert.ErrorIs(t, err, domain.ErrInvalidPrice)

	bal, _ := f.ledger.BalanceOf(ctx, vaultAddr)
	assert.Equal(t, uint64(1000), bal)
}

func TestExecuteBoundedTradePartialSpendRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// The payload spends only half the pulled input at 0.25. The realized
	// price is measured against collateral actually consumed, and the
	// unspent half must not stay behind at the adapter.
	f.venue.SetFillPrice(market, 0, 2500)
	f.approve(t, 100)

	out, err := f.adapter.ExecuteBoundedTrade(ctx, vaultAddr, market, 0, 100, 2000, 5000, orderPayload(50))
	require.NoError(t, err)
	assert.Equal(t, uint64(200), out)

	adapterBal, _ := f.ledger.BalanceOf(ctx, adapterSelf)
	assert.Equal(t, uint64(0), adapterBal, "adapter custody is transient")
	vaultBal, _ := f.ledger.BalanceOf(ctx, vaultAddr)
	assert.Equal(t, uint64(950), vaultBal, "unspent input returns to the vault")

	require.Len(t, f.trades.trades, 1)
	assert.Equal(t, uint64(50), f.trades.trades[0].AmountIn)
	assert.Equal(t, uint64(2500), f.trades.trades[0].RealizedPriceBps)
}

func TestExecuteBoundedTradePartialSpendBelowFloor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// A payload spending less than the pulled input cannot dress a
	// below-floor fill up as an in-corridor one: 50 spent at 0.25 yields the
	// 200 units the full input would imply at 0.50, but the measured spend
	// exposes the real price.
	f.venue.SetFillPrice(market, 0, 2500)
	f.approve(t, 100)

	_, err := f.adapter.ExecuteBoundedTrade(ctx, vaultAddr, market, 0, 100, 3000, 5000, orderPayload(50))
	assert.ErrorIs(t, err, domain.ErrInvalidPrice)

	vaultBal, _ := f.ledger.BalanceOf(ctx, vaultAddr)
	assert.Equal(t, uint64(1000), vaultBal)
	adapterBal, _ := f.ledger.BalanceOf(ctx, adapterSelf)
	assert.Equal(t, uint64(0), adapterBal)
	assert.Empty(t, f.trades.trades)
}

func TestExecuteBoundedTradeIgnoresClaimedFill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.venue.SetFillPrice(market, 0, 7000)
	f.approve(t, 100)

	// An adversarial payload claiming an in-corridor fill changes nothing:
	// the adapter measures the delta, it does not read the claim.
	payload := sim.EncodeOrders(sim.Order{
		MarketID:         market,
		OutcomeIndex:     0,
		AmountIn:         100,
		ClaimedAmountOut: 250,
	})
	_, err := f.adapter.ExecuteBoundedTrade(ctx, vaultAddr, market, 0, 100, 3000, 5000, payload)
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)
}

func TestExecuteTradeWithFloor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.venue.SetFillPrice(market, 0, 5000)
	f.approve(t, 100)

	out, err := f.adapter.ExecuteTradeWithFloor(ctx, vaultAddr, market, 0, 100, 150, orderPayload(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(200), out)

	f.approve(t, 100)
	_, err = f.adapter.ExecuteTradeWithFloor(ctx, vaultAddr, market, 0, 100, 300, orderPayload(100))
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)
}
