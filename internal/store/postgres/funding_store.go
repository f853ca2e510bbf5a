package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/willcroft/fundarb/internal/domain"
)

// FundingRateStore implements domain.FundingRateStore using PostgreSQL.
type FundingRateStore struct {
	pool *pgxpool.Pool
}

// NewFundingRateStore creates a new FundingRateStore backed by the given
// connection pool.
func NewFundingRateStore(pool *pgxpool.Pool) *FundingRateStore {
	return &FundingRateStore{pool: pool}
}

// InsertBatch persists a batch of observed funding quotes in one round trip.
func (s *FundingRateStore) InsertBatch(ctx context.Context, quotes []domain.FundingQuote) error {
	if len(quotes) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO funding_rates (venue, symbol, rate, interval_hours, observed_at, next_settlement)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (venue, symbol, observed_at) DO NOTHING`

	for _, q := range quotes {
		var next *time.Time
		if !q.NextSettlement.IsZero() {
			t := q.NextSettlement
			next = &t
		}
		batch.Queue(query, q.Venue, q.Symbol, q.Rate, q.Interval.Hours(), q.ObservedAt, next)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range quotes {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("postgres: insert funding rates: %w", err)
		}
	}
	return nil
}

// ListRecent returns the most recent funding quotes for one venue and symbol,
// newest first.
func (s *FundingRateStore) ListRecent(ctx context.Context, venue, symbol string, limit int) ([]domain.FundingQuote, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx,
		`SELECT venue, symbol, rate, interval_hours, observed_at, next_settlement
		 FROM funding_rates
		 WHERE venue = $1 AND symbol = $2
		 ORDER BY observed_at DESC
		 LIMIT $3`, venue, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list funding rates: %w", err)
	}
	defer rows.Close()

	var quotes []domain.FundingQuote
	for rows.Next() {
		var q domain.FundingQuote
		var intervalHours float64
		var next *time.Time

		if err := rows.Scan(&q.Venue, &q.Symbol, &q.Rate, &intervalHours, &q.ObservedAt, &next); err != nil {
			return nil, fmt.Errorf("postgres: scan funding rate: %w", err)
		}
		q.Interval = time.Duration(intervalHours * float64(time.Hour))
		if next != nil {
			q.NextSettlement = *next
		}
		quotes = append(quotes, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list funding rates rows: %w", err)
	}
	return quotes, nil
}
