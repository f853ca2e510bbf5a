package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/willcroft/fundarb/internal/domain"
	"github.com/willcroft/fundarb/internal/funding"
	"github.com/willcroft/fundarb/internal/notify"
)

// evalLoop fetches funding quotes on a fixed cadence, evaluates every symbol
// pair, and opens the best admissible opportunity when auto-execution is on.
func (e *Engine) evalLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.EvalInterval)
	defer ticker.Stop()

	e.logger.Info("evaluation loop started",
		slog.Int("symbols", len(e.cfg.Symbols)),
		slog.Duration("interval", e.cfg.EvalInterval),
		slog.Bool("auto_execute", e.cfg.AutoExecute),
	)
	defer e.logger.Info("evaluation loop stopped")

	// Evaluate once at startup rather than waiting a full interval.
	e.evaluateOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.evaluateOnce(ctx)
		}
	}
}

// evaluateOnce runs one full evaluation cycle: collect quotes, persist and
// cache them, rank opportunities, and possibly open the best one.
func (e *Engine) evaluateOnce(ctx context.Context) {
	pairs := e.collectQuotes(ctx)
	if len(pairs) == 0 {
		return
	}

	opps := e.evaluator.EvaluateAll(pairs)
	if len(opps) == 0 {
		return
	}

	for _, opp := range opps {
		e.publishOpportunity(ctx, opp)
	}

	best := opps[0]
	e.logger.Info("opportunity detected",
		slog.String("symbol", best.Symbol),
		slog.String("strategy", string(best.Strategy)),
		slog.String("regime", string(best.Regime)),
		slog.String("long_venue", best.LongVenue),
		slog.String("short_venue", best.ShortVenue),
		slog.Float64("profit_per_hour", best.ProfitPerHour),
		slog.Float64("projected_profit", best.ProjectedProfit),
	)
	title, message := notify.FormatOpportunity(best)
	e.notifyEvent(ctx, notify.EventOpportunityDetected, title, message)

	if e.cfg.AutoExecute {
		e.maybeOpen(ctx, best)
	}
}

// collectQuotes fetches the current funding rate from both venues for every
// configured symbol. Quotes are cached for the close watcher and persisted
// for later analysis. A symbol is only evaluated when both venues answered.
func (e *Engine) collectQuotes(ctx context.Context) []funding.QuotePair {
	var pairs []funding.QuotePair
	var batch []domain.FundingQuote

	for _, symbol := range e.cfg.Symbols {
		qa, errA := e.venueA.GetFundingRate(ctx, symbol)
		qb, errB := e.venueB.GetFundingRate(ctx, symbol)

		for _, fetched := range []struct {
			quote  domain.FundingQuote
			err    error
			client domain.VenueClient
		}{
			{qa, errA, e.venueA},
			{qb, errB, e.venueB},
		} {
			if fetched.err != nil {
				e.logger.Warn("funding rate fetch failed",
					slog.String("venue", fetched.client.Name()),
					slog.String("symbol", symbol),
					slog.String("error", fetched.err.Error()),
				)
				continue
			}
			batch = append(batch, fetched.quote)
			if err := e.quotes.SetQuote(ctx, fetched.quote); err != nil {
				e.logger.Warn("quote cache update failed",
					slog.String("venue", fetched.quote.Venue),
					slog.String("symbol", symbol),
					slog.String("error", err.Error()),
				)
			}
		}
		if errA != nil || errB != nil {
			continue
		}

		// The evaluator requires the shorter settlement interval on the A
		// side; order the pair accordingly.
		if qa.Interval > qb.Interval {
			qa, qb = qb, qa
		}
		pairs = append(pairs, funding.QuotePair{QuoteA: qa, QuoteB: qb})
	}

	if len(batch) > 0 && e.rates != nil {
		if err := e.rates.InsertBatch(ctx, batch); err != nil {
			e.logger.Warn("funding rate persist failed", slog.String("error", err.Error()))
		}
	}
	return pairs
}

// publishOpportunity emits a detected opportunity on the signal bus for
// external tooling.
func (e *Engine) publishOpportunity(ctx context.Context, opp domain.Opportunity) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"id":               opp.ID,
		"symbol":           opp.Symbol,
		"long_venue":       opp.LongVenue,
		"short_venue":      opp.ShortVenue,
		"strategy":         string(opp.Strategy),
		"regime":           string(opp.Regime),
		"profit_per_hour":  opp.ProfitPerHour,
		"projected_profit": opp.ProjectedProfit,
		"horizon_hours":    opp.HorizonHours,
		"detected_at":      opp.DetectedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, opportunityChannel, payload); err != nil {
		e.logger.Warn("opportunity publish failed", slog.String("error", err.Error()))
	}
}

// maybeOpen opens a position for the opportunity when capacity allows and no
// position is already open on the symbol.
func (e *Engine) maybeOpen(ctx context.Context, opp domain.Opportunity) {
	if e.ledger.HasOpen(opp.Symbol) {
		e.logger.Debug("skipping opportunity, symbol already has an open position",
			slog.String("symbol", opp.Symbol))
		return
	}
	if len(e.ledger.AllActive()) >= e.cfg.MaxPositions {
		e.logger.Debug("skipping opportunity, at position capacity",
			slog.Int("max_positions", e.cfg.MaxPositions))
		return
	}

	pos, err := e.coord.Open(ctx, opp, e.cfg.PositionSize)
	if err != nil {
		if errors.Is(err, domain.ErrAttemptInFlight) {
			return
		}
		e.logger.Error("open failed",
			slog.String("symbol", opp.Symbol),
			slog.String("error", err.Error()),
		)
		e.auditLog(ctx, "position.open_failed", map[string]any{
			"symbol": opp.Symbol,
			"error":  err.Error(),
		})
		e.notifyEvent(ctx, notify.EventError, "Open failed: "+opp.Symbol, err.Error())
		return
	}

	e.touchAccrual(pos.ID)
	e.persist(ctx, pos)
	e.auditLog(ctx, "position.opened", map[string]any{
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
		"long_venue":  pos.LongVenue,
		"short_venue": pos.ShortVenue,
		"size":        pos.Size,
		"strategy":    string(pos.Strategy),
	})
	title, message := notify.FormatPositionOpened(pos)
	e.notifyEvent(ctx, notify.EventPositionOpened, title, message)
}
