package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/seqvault/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL. It persists
// executed-trade records and skipped-step records for observability.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, vault, market_id, outcome_index, amount_in, amount_out, realized_price_bps, executed_at`

func scanTradeRows(rows pgx.Rows) ([]domain.TradeRecord, error) {
	var records []domain.TradeRecord
	for rows.Next() {
		var (
			rec                      domain.TradeRecord
			vault, marketID          string
			outcomeIndex             int16
			amountIn, amountOut, bps int64
		)
		if err := rows.Scan(&rec.ID, &vault, &marketID, &outcomeIndex,
			&amountIn, &amountOut, &bps, &rec.ExecutedAt); err != nil {
			return nil, err
		}
		rec.Vault = common.HexToAddress(vault)
		rec.MarketID = common.HexToHash(marketID)
		rec.OutcomeIndex = uint8(outcomeIndex)
		rec.AmountIn = uint64(amountIn)
		rec.AmountOut = uint64(amountOut)
		rec.RealizedPriceBps = uint64(bps)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// InsertTrade persists one executed-trade record.
func (s *TradeStore) InsertTrade(ctx context.Context, rec domain.TradeRecord) error {
	const query = `
		INSERT INTO vault_trades (
			id, vault, market_id, outcome_index,
			amount_in, amount_out, realized_price_bps, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Vault.Hex(), rec.MarketID.Hex(), int16(rec.OutcomeIndex),
		int64(rec.AmountIn), int64(rec.AmountOut), int64(rec.RealizedPriceBps), rec.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", rec.ID, err)
	}
	return nil
}

// InsertSkip persists one skipped-step record.
func (s *TradeStore) InsertSkip(ctx context.Context, rec domain.SkipRecord) error {
	const query = `
		INSERT INTO vault_skips (id, vault, step, reason, skipped_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Vault.Hex(), int64(rec.Step), rec.Reason, rec.SkippedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert skip %s: %w", rec.ID, err)
	}
	return nil
}

// ListTrades returns a vault's trade records with pagination and optional time
// filtering, newest first.
func (s *TradeStore) ListTrades(ctx context.Context, vault common.Address, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM vault_trades WHERE vault = $1`
	args := []any{vault.Hex()}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND executed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND executed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY executed_at DESC"

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
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	records, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades: %w", err)
	}
	return records, nil
}

// ListSkips returns a vault's skipped-step records, newest first.
func (s *TradeStore) ListSkips(ctx context.Context, vault common.Address, opts domain.ListOpts) ([]domain.SkipRecord, error) {
	query := `SELECT id, vault, step, reason, skipped_at FROM vault_skips WHERE vault = $1`
	args := []any{vault.Hex()}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND skipped_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND skipped_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY skipped_at DESC"

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
		return nil, fmt.Errorf("postgres: list skips: %w", err)
	}
	defer rows.Close()

	var records []domain.SkipRecord
	for rows.Next() {
		var (
			rec   domain.SkipRecord
			vault string
			step  int64
		)
		if err := rows.Scan(&rec.ID, &vault, &step, &rec.Reason, &rec.SkippedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan skip: %w", err)
		}
		rec.Vault = common.HexToAddress(vault)
		rec.Step = uint64(step)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: skip rows: %w", err)
	}
	return records, nil
}

// ListTradesBefore returns all trades executed strictly before the given time,
// oldest first, for archiving.
func (s *TradeStore) ListTradesBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM vault_trades WHERE executed_at < $1 ORDER BY executed_at ASC`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before: %w", err)
	}
	defer rows.Close()
	return scanTradeRows(rows)
}

// DeleteTradesBefore deletes all trades executed before the given time and
// returns the number deleted.
func (s *TradeStore) DeleteTradesBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM vault_trades WHERE executed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trades before: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.TradeStore = (*TradeStore)(nil)
