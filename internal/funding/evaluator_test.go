package funding

import (
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/willcroft/fundarb/internal/domain"
)

var testTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func testEvaluator(cfg EvaluatorConfig) *Evaluator {
	e := NewEvaluator(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.now = func() time.Time { return testTime }
	return e
}

func quote(venue string, rate float64, interval time.Duration) domain.FundingQuote {
	return domain.FundingQuote{
		Venue:      venue,
		Symbol:     "BTCUSDT",
		Rate:       rate,
		Interval:   interval,
		ObservedAt: testTime,
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-12
}

func TestEvaluateEarlyCloseBeatsFullCycle(t *testing.T) {
	// Hourly venue pays longs 0.3% per hour, eight-hour venue pays longs 1%
	// per cycle. Sitting out venue B's settlement keeps the full hourly flow.
	e := testEvaluator(EvaluatorConfig{})

	opp, err := e.Evaluate(quote("alpha", -0.003, time.Hour), quote("beta", -0.01, 8*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opp == nil {
		t.Fatal("expected an opportunity")
	}
	if opp.Strategy != domain.StrategyEarlyClose {
		t.Fatalf("strategy = %q, want early_close", opp.Strategy)
	}
	if !almostEqual(opp.ProfitPerHour, 0.003) {
		t.Fatalf("profit per hour = %v, want 0.003", opp.ProfitPerHour)
	}
	if opp.HorizonHours != 7 {
		t.Fatalf("horizon = %v, want 7", opp.HorizonHours)
	}
	if !almostEqual(opp.ProjectedProfit, 0.021) {
		t.Fatalf("projected profit = %v, want 0.021", opp.ProjectedProfit)
	}
	if opp.LongVenue != "alpha" || opp.ShortVenue != "beta" {
		t.Fatalf("legs = long %q short %q, want long alpha short beta", opp.LongVenue, opp.ShortVenue)
	}
	if opp.Regime != domain.RegimeBothNegative {
		t.Fatalf("regime = %q, want both_negative", opp.Regime)
	}
}

func TestEvaluateFullCycleWins(t *testing.T) {
	// The eight-hour settlement pays the short leg enough to beat closing
	// early: 8*0.001 + 0.016 over 8h is 0.003/h against 0.001/h early.
	e := testEvaluator(EvaluatorConfig{})

	opp, err := e.Evaluate(quote("alpha", -0.001, time.Hour), quote("beta", 0.016, 8*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opp == nil {
		t.Fatal("expected an opportunity")
	}
	if opp.Strategy != domain.StrategyFullCycle {
		t.Fatalf("strategy = %q, want full_cycle", opp.Strategy)
	}
	if !almostEqual(opp.ProfitPerHour, 0.003) {
		t.Fatalf("profit per hour = %v, want 0.003", opp.ProfitPerHour)
	}
	if opp.HorizonHours != 8 {
		t.Fatalf("horizon = %v, want 8", opp.HorizonHours)
	}
	if opp.Regime != domain.RegimeStandard {
		t.Fatalf("regime = %q, want standard", opp.Regime)
	}
}

func TestEvaluateLowerRateGoesLong(t *testing.T) {
	// Venue B carries the lower hourly rate, so the long leg flips to B.
	e := testEvaluator(EvaluatorConfig{})

	opp, err := e.Evaluate(quote("alpha", 0.002, time.Hour), quote("beta", -0.016, 8*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opp == nil {
		t.Fatal("expected an opportunity")
	}
	if opp.LongVenue != "beta" || opp.ShortVenue != "alpha" {
		t.Fatalf("legs = long %q short %q, want long beta short alpha", opp.LongVenue, opp.ShortVenue)
	}
	if opp.Regime != domain.RegimeMixed {
		t.Fatalf("regime = %q, want mixed", opp.Regime)
	}
}

func TestEvaluateZeroProfitRejected(t *testing.T) {
	// 8*(-0.001) + 0.008 nets exactly zero over the full cycle and the early
	// close loses money; nothing strictly positive survives.
	e := testEvaluator(EvaluatorConfig{})

	opp, err := e.Evaluate(quote("alpha", 0.001, time.Hour), quote("beta", 0.008, 8*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opp != nil {
		t.Fatalf("expected no opportunity, got %+v", opp)
	}
}

func TestEvaluateBelowMinProfit(t *testing.T) {
	e := testEvaluator(EvaluatorConfig{MinProfitPerHour: 0.005})

	opp, err := e.Evaluate(quote("alpha", -0.003, time.Hour), quote("beta", -0.01, 8*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opp != nil {
		t.Fatalf("expected threshold to reject 0.003/h, got %+v", opp)
	}
}

func TestEvaluateStaleQuoteDiscarded(t *testing.T) {
	e := testEvaluator(EvaluatorConfig{StalenessBound: time.Minute})

	qa := quote("alpha", -0.003, time.Hour)
	qa.ObservedAt = testTime.Add(-2 * time.Minute)

	opp, err := e.Evaluate(qa, quote("beta", -0.01, 8*time.Hour))
	if err != nil {
		t.Fatalf("staleness must not error: %v", err)
	}
	if opp != nil {
		t.Fatalf("expected stale pair to be discarded, got %+v", opp)
	}
}

func TestEvaluateIntervalOrdering(t *testing.T) {
	e := testEvaluator(EvaluatorConfig{})

	if _, err := e.Evaluate(quote("alpha", -0.003, 8*time.Hour), quote("beta", -0.01, time.Hour)); err == nil {
		t.Fatal("expected error when venue A settles on the longer interval")
	}
	if _, err := e.Evaluate(quote("alpha", -0.003, time.Hour), quote("beta", -0.01, time.Hour)); err == nil {
		t.Fatal("expected error when intervals are equal")
	}
}

func TestEvaluateSymbolMismatch(t *testing.T) {
	e := testEvaluator(EvaluatorConfig{})

	qa := quote("alpha", -0.003, time.Hour)
	qb := quote("beta", -0.01, 8*time.Hour)
	qb.Symbol = "ETHUSDT"

	if _, err := e.Evaluate(qa, qb); err == nil {
		t.Fatal("expected error on symbol mismatch")
	}
}

func TestEvaluateAllRanksByProfitPerHour(t *testing.T) {
	e := testEvaluator(EvaluatorConfig{})

	rich := QuotePair{
		QuoteA: quote("alpha", -0.005, time.Hour),
		QuoteB: quote("beta", -0.01, 8*time.Hour),
	}
	thin := QuotePair{
		QuoteA: quote("alpha", -0.002, time.Hour),
		QuoteB: quote("beta", -0.01, 8*time.Hour),
	}
	thin.QuoteA.Symbol = "ETHUSDT"
	thin.QuoteB.Symbol = "ETHUSDT"
	broken := QuotePair{
		QuoteA: quote("alpha", -0.005, 8*time.Hour),
		QuoteB: quote("beta", -0.01, time.Hour),
	}

	opps := e.EvaluateAll([]QuotePair{thin, broken, rich})
	if len(opps) != 2 {
		t.Fatalf("got %d opportunities, want 2", len(opps))
	}
	if opps[0].Symbol != "BTCUSDT" || opps[1].Symbol != "ETHUSDT" {
		t.Fatalf("ranking = [%s %s], want richest first", opps[0].Symbol, opps[1].Symbol)
	}
	if opps[0].ProfitPerHour < opps[1].ProfitPerHour {
		t.Fatal("opportunities not sorted by profit per hour descending")
	}
}
