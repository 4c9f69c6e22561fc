package sim_test

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/seqvault/internal/ledger"
	"github.com/alanyoungcy/seqvault/internal/venue/sim"
)

var (
	treasury = common.HexToAddress("0x7e50000000000000000000000000000000000001")
	taker    = common.HexToAddress("0x7a4e000000000000000000000000000000000002")
	market   = common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000aa")
)

func newVenue(t *testing.T) (*sim.Venue, *ledger.Memory) {
	t.Helper()
	led := ledger.NewMemory()
	led.Mint(treasury, 1_000_000)
	led.Mint(taker, 1_000)
	return sim.New(led, treasury), led
}

func TestFillOrdersScriptedPrice(t *testing.T) {
	ctx := context.Background()
	v, led := newVenue(t)
	v.SetFillPrice(market, 0, 5000)

	data := sim.EncodeOrders(sim.Order{MarketID: market, OutcomeIndex: 0, AmountIn: 100})
	require.NoError(t, v.FillOrders(ctx, taker, data))

	bal, err := v.BalanceOf(ctx, taker, v.PositionID(market, 0))
	require.NoError(t, err)
	assert.Equal(t, uint64(200), bal, "100 collateral at 0.50 buys 200 units")

	collateral, _ := led.BalanceOf(ctx, taker)
	assert.Equal(t, uint64(900), collateral)
}

func TestFillOrdersIgnoresClaimedAmountOut(t *testing.T) {
	ctx := context.Background()
	v, _ := newVenue(t)
	v.SetFillPrice(market, 0, 5000)

	// The payload claims a fill far better than the venue executes.
	data := sim.EncodeOrders(sim.Order{
		MarketID:         market,
		OutcomeIndex:     0,
		AmountIn:         100,
		ClaimedAmountOut: 99999,
	})
	require.NoError(t, v.FillOrders(ctx, taker, data))

	bal, err := v.BalanceOf(ctx, taker, v.PositionID(market, 0))
	require.NoError(t, err)
	assert.Equal(t, uint64(200), bal)
}

func TestFillOrdersRejectsBadPayloads(t *testing.T) {
	ctx := context.Background()
	v, _ := newVenue(t)

	assert.Error(t, v.FillOrders(ctx, taker, []byte("not json")))
	assert.Error(t, v.FillOrders(ctx, taker, sim.EncodeOrders()))
	assert.Error(t, v.FillOrders(ctx, taker, sim.EncodeOrders(sim.Order{MarketID: market})))
}

func TestResolveAndRedeem(t *testing.T) {
	ctx := context.Background()
	v, led := newVenue(t)
	v.SetFillPrice(market, 0, 5000)

	data := sim.EncodeOrders(sim.Order{MarketID: market, OutcomeIndex: 0, AmountIn: 100})
	require.NoError(t, v.FillOrders(ctx, taker, data))

	// Unsettled redemption is a no-op.
	require.NoError(t, v.RedeemPositions(ctx, taker, common.Address{}, common.Hash{}, market, []uint64{1}))
	bal, _ := v.BalanceOf(ctx, taker, v.PositionID(market, 0))
	assert.Equal(t, uint64(200), bal)

	require.Error(t, v.Resolve(market, []uint64{0, 0}), "all-zero payout vector is unsettled, not a resolution")
	require.NoError(t, v.Resolve(market, []uint64{1, 0}))

	denom, err := v.PayoutDenominator(ctx, market)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), denom)

	require.NoError(t, v.RedeemPositions(ctx, taker, common.Address{}, common.Hash{}, market, []uint64{1}))

	bal, _ = v.BalanceOf(ctx, taker, v.PositionID(market, 0))
	assert.Equal(t, uint64(0), bal, "redeemed position is burned")

	collateral, _ := led.BalanceOf(ctx, taker)
	assert.Equal(t, uint64(1100), collateral, "winning outcome pays out at par")
}

func TestRedeemLosingOutcome(t *testing.T) {
	ctx := context.Background()
	v, led := newVenue(t)
	v.SetFillPrice(market, 1, 5000)

	data := sim.EncodeOrders(sim.Order{MarketID: market, OutcomeIndex: 1, AmountIn: 100})
	require.NoError(t, v.FillOrders(ctx, taker, data))
	require.NoError(t, v.Resolve(market, []uint64{1, 0}))

	require.NoError(t, v.RedeemPositions(ctx, taker, common.Address{}, common.Hash{}, market, []uint64{2}))

	bal, _ := v.BalanceOf(ctx, taker, v.PositionID(market, 1))
	assert.Equal(t, uint64(0), bal)

	collateral, _ := led.BalanceOf(ctx, taker)
	assert.Equal(t, uint64(900), collateral, "losing outcome pays nothing")
}

func TestLargeAmountsDoNotWrap(t *testing.T) {
	ctx := context.Background()
	v, led := newVenue(t)
	led.Mint(treasury, 1<<62)
	led.Mint(taker, 1<<60)
	v.SetFillPrice(market, 0, 5000)

	data := sim.EncodeOrders(sim.Order{MarketID: market, OutcomeIndex: 0, AmountIn: 1 << 60})
	require.NoError(t, v.FillOrders(ctx, taker, data))

	bal, err := v.BalanceOf(ctx, taker, v.PositionID(market, 0))
	require.NoError(t, err)
	assert.Equal(t, uint64(1)<<61, bal, "scaling the input must not wrap")

	// balance*9 alone exceeds 64 bits; the payout must still come out exact.
	require.NoError(t, v.Resolve(market, []uint64{9, 1}))
	require.NoError(t, v.RedeemPositions(ctx, taker, common.Address{}, common.Hash{}, market, []uint64{1}))

	collateral, _ := led.BalanceOf(ctx, taker)
	assert.Equal(t, uint64(1000)+uint64(2075258708292324556), collateral)
}

func TestVenueJournalRevert(t *testing.T) {
	ctx := context.Background()
	v, _ := newVenue(t)
	v.SetFillPrice(market, 0, 5000)

	snap := v.Snapshot()

	data := sim.EncodeOrders(sim.Order{MarketID: market, OutcomeIndex: 0, AmountIn: 100})
	require.NoError(t, v.FillOrders(ctx, taker, data))

	v.RevertTo(snap)

	bal, err := v.BalanceOf(ctx, taker, v.PositionID(market, 0))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), bal)
}

func TestPositionIDDerivation(t *testing.T) {
	v, _ := newVenue(t)

	a := v.PositionID(market, 0)
	b := v.GetPositionID(sim.CollateralAsset, v.GetCollectionID(common.Hash{}, market, 1))
	assert.Equal(t, a, b)

	assert.NotEqual(t, v.PositionID(market, 0), v.PositionID(market, 1))
}
