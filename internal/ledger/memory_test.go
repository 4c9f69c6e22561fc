package ledger_test

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/seqvault/internal/domain"
	"github.com/alanyoungcy/seqvault/internal/ledger"
)

var (
	alice = common.HexToAddress("0xa11ce00000000000000000000000000000000001")
	bob   = common.HexToAddress("0xb0b0000000000000000000000000000000000002")
	carol = common.HexToAddress("0xca201000000000000000000000000000000000a3")
)

func TestMemoryTransfer(t *testing.T) {
	ctx := context.Background()
	m := ledger.NewMemory()
	m.Mint(alice, 100)

	require.NoError(t, m.Transfer(ctx, alice, bob, 40))

	balA, err := m.BalanceOf(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), balA)

	balB, err := m.BalanceOf(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), balB)

	err = m.Transfer(ctx, alice, bob, 61)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
}

func TestMemoryTransferFrom(t *testing.T) {
	ctx := context.Background()
	m := ledger.NewMemory()
	m.Mint(alice, 100)

	// No allowance yet.
	err := m.TransferFrom(ctx, carol, alice, bob, 10)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)

	require.NoError(t, m.Approve(ctx, alice, carol, 50))
	require.NoError(t, m.TransferFrom(ctx, carol, alice, bob, 30))

	// Allowance is consumed, not reset.
	err = m.TransferFrom(ctx, carol, alice, bob, 30)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)

	// Spending from your own balance needs no allowance.
	require.NoError(t, m.TransferFrom(ctx, alice, alice, carol, 10))
}

func TestMemoryJournalRevert(t *testing.T) {
	ctx := context.Background()
	m := ledger.NewMemory()
	m.Mint(alice, 100)

	snap := m.Snapshot()

	require.NoError(t, m.Approve(ctx, alice, carol, 50))
	require.NoError(t, m.TransferFrom(ctx, carol, alice, bob, 50))
	require.NoError(t, m.Transfer(ctx, bob, carol, 20))

	m.RevertTo(snap)

	balA, _ := m.BalanceOf(ctx, alice)
	balB, _ := m.BalanceOf(ctx, bob)
	balC, _ := m.BalanceOf(ctx, carol)
	assert.Equal(t, uint64(100), balA)
	assert.Equal(t, uint64(0), balB)
	assert.Equal(t, uint64(0), balC)

	// The reverted allowance must not be spendable.
	err := m.TransferFrom(ctx, carol, alice, bob, 1)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
}

func TestMultiJournalRevertAll(t *testing.T) {
	ctx := context.Background()
	first := ledger.NewMemory()
	second := ledger.NewMemory()
	first.Mint(alice, 10)
	second.Mint(bob, 10)

	mj := ledger.MultiJournal{first, second}
	snaps := mj.Snapshots()

	require.NoError(t, first.Transfer(ctx, alice, bob, 10))
	require.NoError(t, second.Transfer(ctx, bob, alice, 10))

	mj.RevertAll(snaps)

	balA, _ := first.BalanceOf(ctx, alice)
	balB, _ := second.BalanceOf(ctx, bob)
	assert.Equal(t, uint64(10), balA)
	assert.Equal(t, uint64(10), balB)
}
