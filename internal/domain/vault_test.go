package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/seqvault/internal/domain"
)

func TestVaultStatus(t *testing.T) {
	rules := []domain.Rule{
		{MaxPriceBps: 10000},
		{MaxPriceBps: 10000},
	}

	unarmed := domain.Vault{}
	assert.Equal(t, domain.VaultStatusUnarmed, unarmed.Status())

	armed := domain.Vault{Rules: rules, TotalSteps: 2, Active: true}
	assert.Equal(t, domain.VaultStatusArmed, armed.Status())

	running := domain.Vault{Rules: rules, TotalSteps: 2, Cursor: 1, Active: true}
	assert.Equal(t, domain.VaultStatusRunning, running.Status())

	completed := domain.Vault{Rules: rules, TotalSteps: 2, Cursor: 2}
	assert.Equal(t, domain.VaultStatusCompleted, completed.Status())
	assert.True(t, completed.Completed())

	halted := domain.Vault{Rules: rules, TotalSteps: 2, Cursor: 1, Active: false}
	assert.Equal(t, domain.VaultStatusHalted, halted.Status())
	assert.False(t, halted.Completed())
}

func TestVaultRuleCursor(t *testing.T) {
	rules := []domain.Rule{
		{FixedAmount: 1, MaxPriceBps: 10000},
		{FixedAmount: 2, MaxPriceBps: 10000},
	}
	v := domain.Vault{Rules: rules, TotalSteps: 2, Active: true}

	cur, ok := v.CurrentRule()
	require.True(t, ok)
	assert.Equal(t, uint64(1), cur.FixedAmount)

	_, ok = v.PreviousRule()
	assert.False(t, ok)

	v.Cursor = 2
	_, ok = v.CurrentRule()
	assert.False(t, ok)

	prev, ok := v.PreviousRule()
	require.True(t, ok)
	assert.Equal(t, uint64(2), prev.FixedAmount)

	var unarmed domain.Vault
	_, ok = unarmed.CurrentRule()
	assert.False(t, ok)
}
