// Package funding normalizes venue funding quotes onto a common per-hour
// basis and evaluates cross-venue rate differentials into ranked
// opportunities.
package funding

import (
	"fmt"

	"github.com/willcroft/fundarb/internal/domain"
)

// NormalizedRate is a funding quote converted to an hourly-equivalent rate.
type NormalizedRate struct {
	Venue         string
	Symbol        string
	PerHour       float64
	IntervalHours float64
	Raw           domain.FundingQuote
}

// Normalize converts a raw quote into its hourly-equivalent rate. It is a
// pure function over the quote.
func Normalize(q domain.FundingQuote) (NormalizedRate, error) {
	if err := q.Validate(); err != nil {
		return NormalizedRate{}, fmt.Errorf("funding: normalize: %w", err)
	}
	return NormalizedRate{
		Venue:         q.Venue,
		Symbol:        q.Symbol,
		PerHour:       q.HourlyRate(),
		IntervalHours: q.IntervalHours(),
		Raw:           q,
	}, nil
}
