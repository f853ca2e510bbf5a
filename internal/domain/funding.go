// Package domain defines the core types shared across the funding arbitrage
// engine: funding quotes, opportunities, paired positions, orders, and the
// capability interfaces for venues, stores, and caches.
package domain

import (
	"fmt"
	"math"
	"time"
)

// FundingQuote is one venue's raw funding rate observation for a symbol.
// Rate is the fraction of notional exchanged per settlement period; negative
// means longs are paid.
type FundingQuote struct {
	Venue          string
	Symbol         string
	Rate           float64
	Interval       time.Duration // settlement interval, e.g. 1h or 8h
	ObservedAt     time.Time
	NextSettlement time.Time // zero when the venue does not report it
}

// Validate checks the structural invariants of a quote.
func (q FundingQuote) Validate() error {
	if q.Venue == "" {
		return fmt.Errorf("funding quote: venue must not be empty")
	}
	if q.Symbol == "" {
		return fmt.Errorf("funding quote: symbol must not be empty")
	}
	if q.Interval <= 0 {
		return fmt.Errorf("funding quote %s/%s: settlement interval must be positive, got %s", q.Venue, q.Symbol, q.Interval)
	}
	if math.IsNaN(q.Rate) || math.IsInf(q.Rate, 0) {
		return fmt.Errorf("funding quote %s/%s: rate must be finite", q.Venue, q.Symbol)
	}
	return nil
}

// HourlyRate normalizes the quote to a per-hour rate so venues with different
// settlement intervals can be compared on a common basis.
func (q FundingQuote) HourlyRate() float64 {
	return q.Rate / q.Interval.Hours()
}

// IntervalHours returns the settlement interval in hours.
func (q FundingQuote) IntervalHours() float64 {
	return q.Interval.Hours()
}

// Stale reports whether the quote is older than the given bound at time now.
// Stale quotes are treated as missing by the evaluator.
func (q FundingQuote) Stale(now time.Time, bound time.Duration) bool {
	if q.ObservedAt.IsZero() {
		return true
	}
	return now.Sub(q.ObservedAt) > bound
}
