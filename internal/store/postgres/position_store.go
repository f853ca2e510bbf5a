package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/willcroft/fundarb/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, symbol, long_venue, short_venue, size, state,
	strategy, regime, opened_at, target_close_at,
	entry_funding_long, entry_funding_short, entry_price_long, entry_price_short,
	funding_pnl, price_pnl, closed_at, exit_price_long, exit_price_short, realized_pnl`

func scanPosition(row pgx.Row) (domain.PairedPosition, error) {
	var p domain.PairedPosition
	var state, strategy, regime string

	err := row.Scan(
		&p.ID, &p.Symbol, &p.LongVenue, &p.ShortVenue, &p.Size,
		&state, &strategy, &regime,
		&p.OpenedAt, &p.TargetCloseAt,
		&p.EntryFundingLong, &p.EntryFundingShort,
		&p.EntryPriceLong, &p.EntryPriceShort,
		&p.FundingPnL, &p.PricePnL,
		&p.ClosedAt, &p.ExitPriceLong, &p.ExitPriceShort, &p.RealizedPnL,
	)
	if err != nil {
		return domain.PairedPosition{}, err
	}
	p.State = domain.PositionState(state)
	p.Strategy = domain.HoldStrategy(strategy)
	p.Regime = domain.RateRegime(regime)
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.PairedPosition, error) {
	var positions []domain.PairedPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new paired position.
func (s *PositionStore) Create(ctx context.Context, p domain.PairedPosition) error {
	const query = `
		INSERT INTO paired_positions (
			id, symbol, long_venue, short_venue, size, state,
			strategy, regime, opened_at, target_close_at,
			entry_funding_long, entry_funding_short, entry_price_long, entry_price_short,
			funding_pnl, price_pnl, closed_at, exit_price_long, exit_price_short,
			realized_pnl, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18, $19,
			$20, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Symbol, p.LongVenue, p.ShortVenue, p.Size, string(p.State),
		string(p.Strategy), string(p.Regime), p.OpenedAt, p.TargetCloseAt,
		p.EntryFundingLong, p.EntryFundingShort, p.EntryPriceLong, p.EntryPriceShort,
		p.FundingPnL, p.PricePnL, p.ClosedAt, p.ExitPriceLong, p.ExitPriceShort,
		p.RealizedPnL,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a paired position.
func (s *PositionStore) Update(ctx context.Context, p domain.PairedPosition) error {
	const query = `
		UPDATE paired_positions SET
			size                = $2,
			state               = $3,
			strategy            = $4,
			target_close_at     = $5,
			entry_funding_long  = $6,
			entry_funding_short = $7,
			entry_price_long    = $8,
			entry_price_short   = $9,
			funding_pnl         = $10,
			price_pnl           = $11,
			closed_at           = $12,
			exit_price_long     = $13,
			exit_price_short    = $14,
			realized_pnl        = $15,
			updated_at          = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.Size, string(p.State), string(p.Strategy), p.TargetCloseAt,
		p.EntryFundingLong, p.EntryFundingShort,
		p.EntryPriceLong, p.EntryPriceShort,
		p.FundingPnL, p.PricePnL,
		p.ClosedAt, p.ExitPriceLong, p.ExitPriceShort, p.RealizedPnL,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single paired position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.PairedPosition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM paired_positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.PairedPosition{}, domain.ErrNotFound
		}
		return domain.PairedPosition{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListActive returns all positions in a non-terminal state, used to rehydrate
// the in-memory ledger on startup.
func (s *PositionStore) ListActive(ctx context.Context) ([]domain.PairedPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM paired_positions
		 WHERE state NOT IN ('closed', 'emergency_closed', 'failed')
		 ORDER BY opened_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active positions: %w", err)
	}
	return positions, nil
}

// ListHistory returns positions for the given symbol with pagination and
// optional time filtering. An empty symbol matches all symbols.
func (s *PositionStore) ListHistory(ctx context.Context, symbol string, opts domain.ListOpts) ([]domain.PairedPosition, error) {
	query := `SELECT ` + positionSelectCols + ` FROM paired_positions WHERE 1=1`
	args := []any{}
	argIdx := 1

	if symbol != "" {
		query += fmt.Sprintf(" AND symbol = $%d", argIdx)
		args = append(args, symbol)
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND opened_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND opened_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY opened_at DESC"

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
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan position history: %w", err)
	}
	return positions, nil
}

// ListResolvedBefore returns terminal positions closed before the cutoff,
// used by the archiver to select rows for export.
func (s *PositionStore) ListResolvedBefore(ctx context.Context, cutoff time.Time) ([]domain.PairedPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM paired_positions
		 WHERE state IN ('closed', 'emergency_closed', 'failed') AND closed_at < $1
		 ORDER BY closed_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resolved positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan resolved positions: %w", err)
	}
	return positions, nil
}

// DeleteResolvedBefore removes terminal positions closed before the cutoff
// and returns the number of rows deleted. Callers archive before deleting.
func (s *PositionStore) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM paired_positions
		 WHERE state IN ('closed', 'emergency_closed', 'failed') AND closed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete resolved positions: %w", err)
	}
	return tag.RowsAffected(), nil
}
