package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/willcroft/fundarb/internal/domain"
)

// QuoteCache implements domain.QuoteCache using Redis hashes. Each quote is
// stored at key "funding:{venue}:{symbol}" with fields "rate",
// "interval_hours", "observed" and "next" (Unix nanosecond timestamps).
type QuoteCache struct {
	rdb *redis.Client
}

// NewQuoteCache creates a QuoteCache backed by the given Client.
func NewQuoteCache(c *Client) *QuoteCache {
	return &QuoteCache{rdb: c.Underlying()}
}

func quoteKey(venue, symbol string) string {
	return "funding:" + venue + ":" + symbol
}

// SetQuote stores the latest funding quote for a (venue, symbol) pair.
func (qc *QuoteCache) SetQuote(ctx context.Context, q domain.FundingQuote) error {
	key := quoteKey(q.Venue, q.Symbol)
	fields := map[string]interface{}{
		"rate":           strconv.FormatFloat(q.Rate, 'f', -1, 64),
		"interval_hours": strconv.FormatFloat(q.Interval.Hours(), 'f', -1, 64),
		"observed":       strconv.FormatInt(q.ObservedAt.UnixNano(), 10),
		"next":           strconv.FormatInt(q.NextSettlement.UnixNano(), 10),
	}
	if err := qc.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("redis: set quote %s/%s: %w", q.Venue, q.Symbol, err)
	}
	return nil
}

// GetQuote retrieves the latest funding quote for a (venue, symbol) pair.
// It returns domain.ErrNotFound when the key does not exist.
func (qc *QuoteCache) GetQuote(ctx context.Context, venue, symbol string) (domain.FundingQuote, error) {
	vals, err := qc.rdb.HGetAll(ctx, quoteKey(venue, symbol)).Result()
	if err != nil {
		return domain.FundingQuote{}, fmt.Errorf("redis: get quote %s/%s: %w", venue, symbol, err)
	}
	if len(vals) == 0 {
		return domain.FundingQuote{}, domain.ErrNotFound
	}
	return parseQuote(venue, symbol, vals)
}

// GetQuotes retrieves the latest quotes for one symbol across multiple venues
// using a pipeline. Venues with no cached quote are omitted from the result.
func (qc *QuoteCache) GetQuotes(ctx context.Context, symbol string, venues []string) (map[string]domain.FundingQuote, error) {
	if len(venues) == 0 {
		return map[string]domain.FundingQuote{}, nil
	}

	pipe := qc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(venues))
	for _, v := range venues {
		cmds[v] = pipe.HGetAll(ctx, quoteKey(v, symbol))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get quotes pipeline: %w", err)
	}

	result := make(map[string]domain.FundingQuote, len(venues))
	for v, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		q, err := parseQuote(v, symbol, vals)
		if err != nil {
			continue
		}
		result[v] = q
	}

	return result, nil
}

func parseQuote(venue, symbol string, vals map[string]string) (domain.FundingQuote, error) {
	rate, err := strconv.ParseFloat(vals["rate"], 64)
	if err != nil {
		return domain.FundingQuote{}, fmt.Errorf("redis: parse rate %s/%s: %w", venue, symbol, err)
	}
	intervalHours, err := strconv.ParseFloat(vals["interval_hours"], 64)
	if err != nil {
		return domain.FundingQuote{}, fmt.Errorf("redis: parse interval %s/%s: %w", venue, symbol, err)
	}
	observedNano, err := strconv.ParseInt(vals["observed"], 10, 64)
	if err != nil {
		return domain.FundingQuote{}, fmt.Errorf("redis: parse observed %s/%s: %w", venue, symbol, err)
	}

	q := domain.FundingQuote{
		Venue:      venue,
		Symbol:     symbol,
		Rate:       rate,
		Interval:   time.Duration(intervalHours * float64(time.Hour)),
		ObservedAt: time.Unix(0, observedNano),
	}
	if nextNano, err := strconv.ParseInt(vals["next"], 10, 64); err == nil && nextNano > 0 {
		q.NextSettlement = time.Unix(0, nextNano)
	}
	return q, nil
}

// Compile-time interface check.
var _ domain.QuoteCache = (*QuoteCache)(nil)
