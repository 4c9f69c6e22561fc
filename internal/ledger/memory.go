// Package ledger provides the in-process collateral ledger used by paper mode
// and tests. It implements standard transferable-balance semantics plus a
// journal that gives callers atomic-call rollback over custody state.
package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/seqvault/internal/domain"
)

// Memory is a mutex-guarded in-memory collateral ledger. Every mutation pushes
// an undo entry onto the journal; RevertTo unwinds mutations in reverse order
// back to a snapshot taken at call entry.
type Memory struct {
	mu         sync.Mutex
	balances   map[common.Address]uint64
	allowances map[common.Address]map[common.Address]uint64
	journal    []func()
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		balances:   make(map[common.Address]uint64),
		allowances: make(map[common.Address]map[common.Address]uint64),
	}
}

// Mint credits newly issued collateral to holder. Test and paper-mode helper;
// minting is journaled like any other mutation.
func (m *Memory) Mint(holder common.Address, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setBalance(holder, m.balances[holder]+amount)
}

// BalanceOf returns holder's collateral balance.
func (m *Memory) BalanceOf(_ context.Context, holder common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[holder], nil
}

// Transfer moves amount from one holder to another.
func (m *Memory) Transfer(_ context.Context, from, to common.Address, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transferLocked(from, to, amount)
}

// Approve sets spender's allowance over holder's balance.
func (m *Memory) Approve(_ context.Context, holder, spender common.Address, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setAllowance(holder, spender, amount)
	return nil
}

// TransferFrom moves amount from `from` to `to` on behalf of spender,
// consuming spender's allowance.
func (m *Memory) TransferFrom(_ context.Context, spender, from, to common.Address, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if spender != from {
		allowed := m.allowances[from][spender]
		if allowed < amount {
			return fmt.Errorf("%w: allowance %d below %d for spender %s", domain.ErrTransferFailed, allowed, amount, spender.Hex())
		}
		m.setAllowance(from, spender, allowed-amount)
	}
	return m.transferLocked(from, to, amount)
}

// Snapshot returns a journal position for a later RevertTo.
func (m *Memory) Snapshot() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.journal)
}

// RevertTo unwinds every mutation recorded after the given snapshot.
func (m *Memory) RevertTo(snap int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap < 0 || snap > len(m.journal) {
		return
	}
	for i := len(m.journal) - 1; i >= snap; i-- {
		m.journal[i]()
	}
	m.journal = m.journal[:snap]
}

func (m *Memory) transferLocked(from, to common.Address, amount uint64) error {
	bal := m.balances[from]
	if bal < amount {
		return fmt.Errorf("%w: balance %d below %d for %s", domain.ErrTransferFailed, bal, amount, from.Hex())
	}
	m.setBalance(from, bal-amount)
	m.setBalance(to, m.balances[to]+amount)
	return nil
}

// setBalance records the previous value in the journal before mutating.
func (m *Memory) setBalance(holder common.Address, v uint64) {
	prev, had := m.balances[holder]
	m.journal = append(m.journal, func() {
		if had {
			m.balances[holder] = prev
		} else {
			delete(m.balances, holder)
		}
	})
	m.balances[holder] = v
}

func (m *Memory) setAllowance(holder, spender common.Address, v uint64) {
	inner, hadInner := m.allowances[holder]
	if !hadInner {
		inner = make(map[common.Address]uint64)
		m.allowances[holder] = inner
		m.journal = append(m.journal, func() { delete(m.allowances, holder) })
	}
	prev, had := inner[spender]
	m.journal = append(m.journal, func() {
		if had {
			inner[spender] = prev
		} else {
			delete(inner, spender)
		}
	})
	inner[spender] = v
}

// MultiJournal composes several journals so a caller can snapshot and revert
// ledger and venue custody state as one unit.
type MultiJournal []domain.Journal

// Snapshots captures one snapshot per member journal, in order.
func (mj MultiJournal) Snapshots() []int {
	snaps := make([]int, len(mj))
	for i, j := range mj {
		snaps[i] = j.Snapshot()
	}
	return snaps
}

// RevertAll unwinds every member journal to its captured snapshot, in reverse
// order of capture.
func (mj MultiJournal) RevertAll(snaps []int) {
	for i := len(mj) - 1; i >= 0; i-- {
		mj[i].RevertTo(snaps[i])
	}
}

// Compile-time interface checks.
var (
	_ domain.CollateralLedger = (*Memory)(nil)
	_ domain.Journal          = (*Memory)(nil)
)
