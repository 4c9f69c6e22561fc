package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// VaultStore persists vault state and rule sequences. UpdateProgress uses the
// caller's expected cursor as a compare-and-swap guard so a lost race never
// double-advances a step.
type VaultStore interface {
	Create(ctx context.Context, v Vault) error
	Get(ctx context.Context, id common.Address) (Vault, error)
	ListByOwner(ctx context.Context, owner common.Address) ([]Vault, error)
	List(ctx context.Context, opts ListOpts) ([]Vault, error)
	ListActive(ctx context.Context, opts ListOpts) ([]Vault, error)
	// SaveSequence stores the immutable rule list and flips the vault active.
	// Fails with ErrAlreadyArmed when a sequence is already present.
	SaveSequence(ctx context.Context, id common.Address, rules []Rule) error
	// UpdateProgress sets cursor and active iff the stored cursor equals
	// fromCursor; otherwise it fails with ErrInvalidStep.
	UpdateProgress(ctx context.Context, id common.Address, fromCursor, toCursor uint64, active bool) error
	// SetActive unconditionally sets the active flag (owner disarm).
	SetActive(ctx context.Context, id common.Address, active bool) error
}

// TradeStore persists executed-trade and skipped-step records.
type TradeStore interface {
	InsertTrade(ctx context.Context, rec TradeRecord) error
	InsertSkip(ctx context.Context, rec SkipRecord) error
	ListTrades(ctx context.Context, vault common.Address, opts ListOpts) ([]TradeRecord, error)
	ListSkips(ctx context.Context, vault common.Address, opts ListOpts) ([]SkipRecord, error)
	ListTradesBefore(ctx context.Context, before time.Time) ([]TradeRecord, error)
	DeleteTradesBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of lifecycle mutations.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, before time.Time) ([]AuditEntry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// BlobWriter stores an object in blob storage under the given key.
type BlobWriter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Archiver exports aged records to blob storage and prunes them from the
// primary store.
type Archiver interface {
	Archive(ctx context.Context, before time.Time) error
}
