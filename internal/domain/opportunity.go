package domain

import "time"

// RateRegime classifies the sign pair of the two normalized rates. Zero is
// treated as non-negative.
type RateRegime string

const (
	RegimeBothNegative RateRegime = "both_negative" // both venues pay longs
	RegimeBothPositive RateRegime = "both_positive" // both venues pay shorts
	RegimeStandard     RateRegime = "standard"      // venue A pays longs, venue B pays shorts
	RegimeMixed        RateRegime = "mixed"         // venue A pays shorts, venue B pays longs
)

// ClassifyRegime is a pure function of the two rate signs and is exhaustive
// over the four combinations.
func ClassifyRegime(rateA, rateB float64) RateRegime {
	switch {
	case rateA < 0 && rateB < 0:
		return RegimeBothNegative
	case rateA >= 0 && rateB >= 0:
		return RegimeBothPositive
	case rateA < 0:
		return RegimeStandard
	default:
		return RegimeMixed
	}
}

// HoldStrategy selects how long an opened pair is held relative to venue B's
// settlement cycle.
type HoldStrategy string

const (
	// StrategyFullCycle holds through venue B's next settlement, collecting
	// (or paying) that settlement in addition to venue A's hourly payments.
	StrategyFullCycle HoldStrategy = "full_cycle"
	// StrategyEarlyClose exits one hour before venue B's settlement,
	// forgoing that payment entirely.
	StrategyEarlyClose HoldStrategy = "early_close"
)

// Opportunity is one evaluated funding-rate differential for a symbol across
// a pair of venues. Opportunities are created fresh each evaluation cycle and
// never mutated.
type Opportunity struct {
	ID     string
	Symbol string

	// VenueA settles hourly; VenueB settles on a longer interval.
	VenueA string
	VenueB string

	// RateA and RateB are hourly-normalized rates.
	RateA float64
	RateB float64

	// QuoteA and QuoteB are the raw observations the evaluation was made from.
	QuoteA FundingQuote
	QuoteB FundingQuote

	Regime   RateRegime
	Strategy HoldStrategy

	// LongVenue receives funding when its rate is negative; the lower rate
	// side is assigned long, the other short.
	LongVenue  string
	ShortVenue string

	// ProfitPerHour is the chosen strategy's profit per hour per unit of
	// notional. ProjectedProfit is ProfitPerHour * HorizonHours.
	ProfitPerHour   float64
	ProjectedProfit float64
	HorizonHours    float64

	DetectedAt time.Time
}
