package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/seqvault/internal/domain"
)

// Authorizer is the adapter surface the provisioning service uses to register
// a freshly created vault.
type Authorizer interface {
	Self() common.Address
	Authorize(ctx context.Context, caller, vault common.Address) error
}

// Factory is the provisioning service: it deterministically derives one vault
// per owner, persists it, and registers it with the adapter's authorization
// registry before handing control to the owner.
type Factory struct {
	vaults      domain.VaultStore
	adapter     Authorizer
	provisioner common.Address
	audit       domain.AuditStore
	logger      *slog.Logger
}

// NewFactory creates a Factory whose Authorize calls are made with the given
// provisioning identity.
func NewFactory(vaults domain.VaultStore, adapter Authorizer, provisioner common.Address, audit domain.AuditStore, logger *slog.Logger) *Factory {
	return &Factory{
		vaults:      vaults,
		adapter:     adapter,
		provisioner: provisioner,
		audit:       audit,
		logger:      logger.With(slog.String("component", "vault_factory")),
	}
}

// VaultID deterministically derives the vault identity for an owner:
// keccak256("seqvault" || provisioner || owner), truncated to an address.
func VaultID(provisioner, owner common.Address) common.Address {
	digest := ethcrypto.Keccak256(
		[]byte("seqvault"),
		provisioner.Bytes(),
		owner.Bytes(),
	)
	return common.BytesToAddress(digest[12:])
}

// Provision creates the owner's vault if it does not exist yet and registers
// it with the adapter. Provisioning the same owner twice returns the existing
// vault, keeping the one-vault-per-owner property.
func (f *Factory) Provision(ctx context.Context, owner common.Address) (domain.Vault, error) {
	id := VaultID(f.provisioner, owner)

	existing, err := f.vaults.Get(ctx, id)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Vault{}, fmt.Errorf("factory: lookup vault: %w", err)
	}

	now := time.Now().UTC()
	v := domain.Vault{
		ID:        id,
		Owner:     owner,
		Adapter:   f.adapter.Self(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.vaults.Create(ctx, v); err != nil {
		return domain.Vault{}, fmt.Errorf("factory: create vault: %w", err)
	}

	if err := f.adapter.Authorize(ctx, f.provisioner, id); err != nil {
		return domain.Vault{}, fmt.Errorf("factory: authorize vault: %w", err)
	}

	if err := f.audit.Log(ctx, "vault_provisioned", map[string]any{
		"vault": id.Hex(),
		"owner": owner.Hex(),
	}); err != nil {
		f.logger.WarnContext(ctx, "factory: audit log failed",
			slog.String("vault", id.Hex()),
			slog.String("error", err.Error()),
		)
	}

	f.logger.InfoContext(ctx, "factory: vault provisioned",
		slog.String("vault", id.Hex()),
		slog.String("owner", owner.Hex()),
	)
	return v, nil
}

// Rehydrate re-registers every persisted vault with the adapter registry.
// Called at startup since the registry itself is process-local.
func (f *Factory) Rehydrate(ctx context.Context) error {
	const page = 500
	for offset := 0; ; offset += page {
		vaults, err := f.vaults.List(ctx, domain.ListOpts{Limit: page, Offset: offset})
		if err != nil {
			return fmt.Errorf("factory: rehydrate list: %w", err)
		}
		for _, v := range vaults {
			if err := f.adapter.Authorize(ctx, f.provisioner, v.ID); err != nil {
				return fmt.Errorf("factory: rehydrate authorize %s: %w", v.ID.Hex(), err)
			}
		}
		if len(vaults) < page {
			return nil
		}
	}
}
