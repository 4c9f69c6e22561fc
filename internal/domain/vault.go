package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// VaultStatus is the derived lifecycle state of a vault.
type VaultStatus string

const (
	VaultStatusUnarmed   VaultStatus = "unarmed"
	VaultStatusArmed     VaultStatus = "armed"
	VaultStatusRunning   VaultStatus = "running"
	VaultStatusCompleted VaultStatus = "completed"
	VaultStatusHalted    VaultStatus = "halted"
)

// Vault is the persistent state of one owner's sequence vault. Owner and
// Adapter are fixed at provisioning time; Rules and TotalSteps are fixed at
// arming time. Cursor and Active are the only fields mutated afterwards.
type Vault struct {
	ID         common.Address
	Owner      common.Address
	Adapter    common.Address
	Rules      []Rule
	Cursor     uint64
	TotalSteps uint64
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Armed reports whether a sequence has ever been loaded.
func (v Vault) Armed() bool {
	return v.TotalSteps > 0
}

// Completed reports whether every step of the sequence has executed.
func (v Vault) Completed() bool {
	return v.Armed() && v.Cursor == v.TotalSteps
}

// CurrentRule returns the rule at the cursor. The second result is false when
// the cursor is past the end of the sequence or the vault is unarmed.
func (v Vault) CurrentRule() (Rule, bool) {
	if !v.Armed() || v.Cursor >= uint64(len(v.Rules)) {
		return Rule{}, false
	}
	return v.Rules[v.Cursor], true
}

// PreviousRule returns the rule executed by the step before the cursor.
func (v Vault) PreviousRule() (Rule, bool) {
	if v.Cursor == 0 || v.Cursor > uint64(len(v.Rules)) {
		return Rule{}, false
	}
	return v.Rules[v.Cursor-1], true
}

// Status derives the lifecycle state from the persisted fields. A vault that
// armed and went inactive before completing is halted (owner disarm or
// skip-and-halt); withdrawal remains available in every state.
func (v Vault) Status() VaultStatus {
	switch {
	case !v.Armed():
		return VaultStatusUnarmed
	case v.Completed():
		return VaultStatusCompleted
	case !v.Active:
		return VaultStatusHalted
	case v.Cursor == 0:
		return VaultStatusArmed
	default:
		return VaultStatusRunning
	}
}
