package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/seqvault/internal/domain"
)

// VaultStore implements domain.VaultStore using PostgreSQL.
type VaultStore struct {
	pool *pgxpool.Pool
}

// NewVaultStore creates a new VaultStore backed by the given connection pool.
func NewVaultStore(pool *pgxpool.Pool) *VaultStore {
	return &VaultStore{pool: pool}
}

const vaultSelectCols = `id, owner, adapter, cursor, total_steps, active, created_at, updated_at`

func scanVaultRow(row pgx.Row) (domain.Vault, error) {
	var (
		v                  domain.Vault
		id, owner, adapter string
		cursor, totalSteps int64
	)
	if err := row.Scan(&id, &owner, &adapter, &cursor, &totalSteps, &v.Active, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return domain.Vault{}, err
	}
	v.ID = common.HexToAddress(id)
	v.Owner = common.HexToAddress(owner)
	v.Adapter = common.HexToAddress(adapter)
	v.Cursor = uint64(cursor)
	v.TotalSteps = uint64(totalSteps)
	return v, nil
}

// Create inserts a freshly provisioned vault with no sequence.
func (s *VaultStore) Create(ctx context.Context, v domain.Vault) error {
	const query = `
		INSERT INTO vaults (id, owner, adapter, cursor, total_steps, active, created_at, updated_at)
		VALUES ($1, $2, $3, 0, 0, FALSE, $4, $5)`
	_, err := s.pool.Exec(ctx, query,
		v.ID.Hex(), v.Owner.Hex(), v.Adapter.Hex(), v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create vault %s: %w", v.ID.Hex(), err)
	}
	return nil
}

// Get returns one vault with its full rule sequence loaded.
func (s *VaultStore) Get(ctx context.Context, id common.Address) (domain.Vault, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+vaultSelectCols+` FROM vaults WHERE id = $1`, id.Hex())

	v, err := scanVaultRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Vault{}, domain.ErrNotFound
		}
		return domain.Vault{}, fmt.Errorf("postgres: get vault %s: %w", id.Hex(), err)
	}

	rules, err := s.loadRules(ctx, []string{v.ID.Hex()})
	if err != nil {
		return domain.Vault{}, err
	}
	v.Rules = rules[v.ID.Hex()]
	return v, nil
}

// ListByOwner returns every vault belonging to an owner.
func (s *VaultStore) ListByOwner(ctx context.Context, owner common.Address) ([]domain.Vault, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+vaultSelectCols+` FROM vaults WHERE owner = $1 ORDER BY created_at ASC`,
		owner.Hex())
	if err != nil {
		return nil, fmt.Errorf("postgres: list vaults by owner: %w", err)
	}
	defer rows.Close()
	return s.collectVaults(ctx, rows)
}

// List returns vaults ordered by creation time with pagination.
func (s *VaultStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Vault, error) {
	query := `SELECT ` + vaultSelectCols + ` FROM vaults ORDER BY created_at ASC`
	args := []any{}
	argIdx := 1

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list vaults: %w", err)
	}
	defer rows.Close()
	return s.collectVaults(ctx, rows)
}

// ListActive returns vaults whose sequences are still runnable.
func (s *VaultStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Vault, error) {
	query := `SELECT ` + vaultSelectCols + ` FROM vaults WHERE active ORDER BY updated_at ASC`
	args := []any{}
	argIdx := 1

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active vaults: %w", err)
	}
	defer rows.Close()
	return s.collectVaults(ctx, rows)
}

// SaveSequence writes the immutable rule list and flips the vault active. It
// fails with ErrAlreadyArmed when the vault already holds a sequence, and
// ErrNotFound when the vault does not exist.
func (s *VaultStore) SaveSequence(ctx context.Context, id common.Address, rules []domain.Rule) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin save sequence: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The total_steps = 0 guard makes arming a one-shot transition.
	tag, err := tx.Exec(ctx, `
		UPDATE vaults
		SET total_steps = $2, cursor = 0, active = TRUE, updated_at = NOW()
		WHERE id = $1 AND total_steps = 0`,
		id.Hex(), len(rules))
	if err != nil {
		return fmt.Errorf("postgres: arm vault %s: %w", id.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM vaults WHERE id = $1)`, id.Hex(),
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: arm vault %s: %w", id.Hex(), err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrAlreadyArmed
	}

	const insertRule = `
		INSERT INTO vault_rules (
			vault_id, step_idx, market_id, outcome_index,
			min_price_bps, max_price_bps, use_all_available, fixed_amount
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	for i, r := range rules {
		if _, err := tx.Exec(ctx, insertRule,
			id.Hex(), i, r.MarketID.Hex(), int16(r.OutcomeIndex),
			int64(r.MinPriceBps), int64(r.MaxPriceBps),
			r.UseAllAvailable, int64(r.FixedAmount),
		); err != nil {
			return fmt.Errorf("postgres: insert rule %d for %s: %w", i, id.Hex(), err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit save sequence: %w", err)
	}
	return nil
}

// UpdateProgress advances the cursor iff the stored cursor equals fromCursor.
// A lost race (cursor already moved) fails with ErrInvalidStep.
func (s *VaultStore) UpdateProgress(ctx context.Context, id common.Address, fromCursor, toCursor uint64, active bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE vaults
		SET cursor = $3, active = $4, updated_at = NOW()
		WHERE id = $1 AND cursor = $2`,
		id.Hex(), int64(fromCursor), int64(toCursor), active)
	if err != nil {
		return fmt.Errorf("postgres: update progress %s: %w", id.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM vaults WHERE id = $1)`, id.Hex(),
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: update progress %s: %w", id.Hex(), err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrInvalidStep
	}
	return nil
}

// SetActive unconditionally sets the active flag.
func (s *VaultStore) SetActive(ctx context.Context, id common.Address, active bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE vaults SET active = $2, updated_at = NOW() WHERE id = $1`,
		id.Hex(), active)
	if err != nil {
		return fmt.Errorf("postgres: set active %s: %w", id.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// collectVaults scans vault rows and attaches each vault's rule sequence.
func (s *VaultStore) collectVaults(ctx context.Context, rows pgx.Rows) ([]domain.Vault, error) {
	var vaults []domain.Vault
	for rows.Next() {
		v, err := scanVaultRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan vault: %w", err)
		}
		vaults = append(vaults, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: vault rows: %w", err)
	}
	if len(vaults) == 0 {
		return nil, nil
	}

	ids := make([]string, len(vaults))
	for i, v := range vaults {
		ids[i] = v.ID.Hex()
	}
	rulesByVault, err := s.loadRules(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range vaults {
		vaults[i].Rules = rulesByVault[vaults[i].ID.Hex()]
	}
	return vaults, nil
}

// loadRules fetches rule sequences for the given vault IDs, keyed by hex ID.
func (s *VaultStore) loadRules(ctx context.Context, ids []string) (map[string][]domain.Rule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT vault_id, market_id, outcome_index,
		       min_price_bps, max_price_bps, use_all_available, fixed_amount
		FROM vault_rules
		WHERE vault_id = ANY($1)
		ORDER BY vault_id, step_idx ASC`, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: load rules: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.Rule, len(ids))
	for rows.Next() {
		var (
			vaultID, marketID                 string
			outcomeIndex                      int16
			minBps, maxBps, fixedAmount       int64
			useAll                            bool
		)
		if err := rows.Scan(&vaultID, &marketID, &outcomeIndex,
			&minBps, &maxBps, &useAll, &fixedAmount); err != nil {
			return nil, fmt.Errorf("postgres: scan rule: %w", err)
		}
		out[vaultID] = append(out[vaultID], domain.Rule{
			MarketID:        common.HexToHash(marketID),
			OutcomeIndex:    uint8(outcomeIndex),
			MinPriceBps:     uint64(minBps),
			MaxPriceBps:     uint64(maxBps),
			UseAllAvailable: useAll,
			FixedAmount:     uint64(fixedAmount),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rule rows: %w", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.VaultStore = (*VaultStore)(nil)
