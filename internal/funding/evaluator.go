package funding

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/willcroft/fundarb/internal/domain"
)

// EvaluatorConfig holds the evaluator's thresholds.
type EvaluatorConfig struct {
	// StalenessBound is the maximum quote age; older quotes are treated as
	// missing and the pair is skipped.
	StalenessBound time.Duration
	// MinProfitPerHour is the admission threshold per unit of notional.
	// The strict-positivity requirement always applies on top of it.
	MinProfitPerHour float64
}

// Evaluator computes opportunities from pairs of funding quotes. It holds no
// mutable state; every call produces a fresh result.
type Evaluator struct {
	cfg    EvaluatorConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewEvaluator creates an Evaluator with the given thresholds.
func NewEvaluator(cfg EvaluatorConfig, logger *slog.Logger) *Evaluator {
	if cfg.StalenessBound <= 0 {
		cfg.StalenessBound = 5 * time.Minute
	}
	return &Evaluator{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "evaluator")),
		now:    time.Now,
	}
}

// candidate is one holding strategy's payoff per unit of notional.
type candidate struct {
	strategy domain.HoldStrategy
	profit   float64
	hours    float64
}

func (c candidate) perHour() float64 {
	if c.hours <= 0 {
		return 0
	}
	return c.profit / c.hours
}

// Evaluate compares two funding quotes for the same symbol and returns the
// profit-maximizing opportunity, or nil when no admissible strategy yields a
// strictly positive profit or either quote is stale. quoteA must settle on a
// shorter interval than quoteB.
func (e *Evaluator) Evaluate(quoteA, quoteB domain.FundingQuote) (*domain.Opportunity, error) {
	if quoteA.Symbol != quoteB.Symbol {
		return nil, fmt.Errorf("funding: evaluate: symbol mismatch %q vs %q", quoteA.Symbol, quoteB.Symbol)
	}

	normA, err := Normalize(quoteA)
	if err != nil {
		return nil, err
	}
	normB, err := Normalize(quoteB)
	if err != nil {
		return nil, err
	}
	if normA.IntervalHours >= normB.IntervalHours {
		return nil, fmt.Errorf("funding: evaluate %s: venue %s interval %s must be shorter than venue %s interval %s",
			quoteA.Symbol, quoteA.Venue, quoteA.Interval, quoteB.Venue, quoteB.Interval)
	}

	now := e.now()
	if quoteA.Stale(now, e.cfg.StalenessBound) || quoteB.Stale(now, e.cfg.StalenessBound) {
		// Stale data discards the pair; it is not an error condition.
		return nil, nil
	}

	rateA := normA.PerHour
	rateB := normB.PerHour
	regime := domain.ClassifyRegime(rateA, rateB)

	// The venue with the lower (more negative) hourly rate goes long: a long
	// leg receives funding when the rate is negative. The other goes short.
	longVenue, shortVenue := quoteA.Venue, quoteB.Venue
	aLong := rateA <= rateB
	if !aLong {
		longVenue, shortVenue = quoteB.Venue, quoteA.Venue
	}

	// Hourly flow collected on venue A, per unit of notional.
	flowA := rateA
	if aLong {
		flowA = -rateA
	}
	// Venue B settles once per cycle; the settlement payment is the raw rate.
	bSettlement := quoteB.Rate
	if !aLong { // venue B is the long leg
		bSettlement = -quoteB.Rate
	}

	cycleHours := normB.IntervalHours

	cands := []candidate{
		{
			strategy: domain.StrategyFullCycle,
			profit:   cycleHours*flowA + bSettlement,
			hours:    cycleHours,
		},
	}
	if cycleHours > 1 {
		cands = append(cands, candidate{
			strategy: domain.StrategyEarlyClose,
			profit:   (cycleHours - 1) * flowA,
			hours:    cycleHours - 1,
		})
	}

	// Pick by profit per hour over each candidate's own holding duration,
	// not by total profit.
	best := cands[0]
	for _, c := range cands[1:] {
		if c.perHour() > best.perHour() {
			best = c
		}
	}

	if best.profit <= 0 || best.perHour() < e.cfg.MinProfitPerHour {
		return nil, nil
	}

	opp := &domain.Opportunity{
		ID:              uuid.New().String(),
		Symbol:          quoteA.Symbol,
		VenueA:          quoteA.Venue,
		VenueB:          quoteB.Venue,
		RateA:           rateA,
		RateB:           rateB,
		QuoteA:          quoteA,
		QuoteB:          quoteB,
		Regime:          regime,
		Strategy:        best.strategy,
		LongVenue:       longVenue,
		ShortVenue:      shortVenue,
		ProfitPerHour:   best.perHour(),
		ProjectedProfit: best.profit,
		HorizonHours:    best.hours,
		DetectedAt:      now,
	}

	e.logger.Debug("opportunity evaluated",
		slog.String("symbol", opp.Symbol),
		slog.String("regime", string(opp.Regime)),
		slog.String("strategy", string(opp.Strategy)),
		slog.String("long_venue", opp.LongVenue),
		slog.String("short_venue", opp.ShortVenue),
		slog.Float64("profit_per_hour", opp.ProfitPerHour),
	)

	return opp, nil
}

// QuotePair is one (hourly venue, long-interval venue) quote pairing for a
// symbol, fed to EvaluateAll by the engine's evaluation cycle.
type QuotePair struct {
	QuoteA domain.FundingQuote
	QuoteB domain.FundingQuote
}

// EvaluateAll evaluates every pair and returns admissible opportunities
// ranked by profit per hour descending, ties broken by larger projected
// profit. Pairs that fail structural validation are skipped with a warning
// rather than aborting the batch.
func (e *Evaluator) EvaluateAll(pairs []QuotePair) []domain.Opportunity {
	opps := make([]domain.Opportunity, 0, len(pairs))
	for _, p := range pairs {
		opp, err := e.Evaluate(p.QuoteA, p.QuoteB)
		if err != nil {
			e.logger.Warn("pair evaluation failed",
				slog.String("symbol", p.QuoteA.Symbol),
				slog.String("venue_a", p.QuoteA.Venue),
				slog.String("venue_b", p.QuoteB.Venue),
				slog.String("error", err.Error()),
			)
			continue
		}
		if opp == nil {
			continue
		}
		opps = append(opps, *opp)
	}

	sort.SliceStable(opps, func(i, j int) bool {
		if opps[i].ProfitPerHour != opps[j].ProfitPerHour {
			return opps[i].ProfitPerHour > opps[j].ProfitPerHour
		}
		return opps[i].ProjectedProfit > opps[j].ProjectedProfit
	})
	return opps
}
