package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/willcroft/fundarb/internal/domain"
	"github.com/willcroft/fundarb/internal/notify"
)

// closeLoop watches active positions: accrues funding, closes positions whose
// horizon has expired, and closes early when the funding spread flips sign.
func (e *Engine) closeLoop(ctx context.Context) error {
	ticker := time.NewTicker(closeCheckInterval)
	defer ticker.Stop()

	e.logger.Info("close watcher started", slog.Duration("interval", closeCheckInterval))
	defer e.logger.Info("close watcher stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.checkPositions(ctx)
		}
	}
}

// checkPositions runs one close-watcher pass over the ledger.
func (e *Engine) checkPositions(ctx context.Context) {
	now := time.Now().UTC()

	for _, pos := range e.ledger.AllActive() {
		if pos.State != domain.PositionActive {
			continue
		}

		e.accrueFunding(ctx, pos)

		if pos.TargetCloseAt != nil && !now.Before(*pos.TargetCloseAt) {
			e.closePosition(ctx, pos.ID, "horizon_expired")
			continue
		}
		if flipped, net := e.spreadFlipped(ctx, pos); flipped {
			e.logger.Info("funding spread flipped",
				slog.String("position_id", pos.ID),
				slog.String("symbol", pos.Symbol),
				slog.Float64("net_hourly", net),
			)
			e.closePosition(ctx, pos.ID, "funding_flip")
		}
	}
}

// accrueFunding estimates the funding accrued since the last pass from the
// current cached rates and records it on the ledger. The estimate uses the
// hourly-normalized spread times the position notional.
func (e *Engine) accrueFunding(ctx context.Context, pos domain.PairedPosition) {
	elapsed := e.takeAccrual(pos.ID)
	if elapsed <= 0 {
		return
	}

	long, short, ok := e.cachedRates(ctx, pos)
	if !ok {
		return
	}

	net := short.HourlyRate() - long.HourlyRate()
	amount := net * pos.Notional() * elapsed.Hours()
	if amount == 0 {
		return
	}

	if err := e.ledger.AccrueFunding(pos.ID, amount); err != nil {
		e.logger.Warn("funding accrual failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if updated, ok := e.ledger.Get(pos.ID); ok {
		e.persist(ctx, updated)
	}
}

// spreadFlipped reports whether the hourly funding spread on the position's
// venues has turned negative, i.e. holding the pair now costs money.
func (e *Engine) spreadFlipped(ctx context.Context, pos domain.PairedPosition) (bool, float64) {
	long, short, ok := e.cachedRates(ctx, pos)
	if !ok {
		return false, 0
	}
	net := short.HourlyRate() - long.HourlyRate()
	return net < 0, net
}

// cachedRates returns the cached funding quotes for both legs, discarding
// stale observations.
func (e *Engine) cachedRates(ctx context.Context, pos domain.PairedPosition) (long, short domain.FundingQuote, ok bool) {
	quotes, err := e.quotes.GetQuotes(ctx, pos.Symbol, []string{pos.LongVenue, pos.ShortVenue})
	if err != nil {
		e.logger.Warn("quote cache read failed",
			slog.String("symbol", pos.Symbol),
			slog.String("error", err.Error()),
		)
		return domain.FundingQuote{}, domain.FundingQuote{}, false
	}

	long, okL := quotes[pos.LongVenue]
	short, okS := quotes[pos.ShortVenue]
	if !okL || !okS {
		return domain.FundingQuote{}, domain.FundingQuote{}, false
	}

	now := time.Now().UTC()
	bound := e.cfg.StalenessBound
	if bound <= 0 {
		bound = 5 * time.Minute
	}
	if long.Stale(now, bound) || short.Stale(now, bound) {
		return domain.FundingQuote{}, domain.FundingQuote{}, false
	}
	return long, short, true
}

// closePosition unwinds one position and records the outcome. A failed close
// leaves the position active; the next watcher pass retries.
func (e *Engine) closePosition(ctx context.Context, id, reason string) {
	closed, err := e.coord.Close(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrAttemptInFlight) {
			return
		}
		e.logger.Error("close failed",
			slog.String("position_id", id),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		e.auditLog(ctx, "position.close_failed", map[string]any{
			"position_id": id,
			"reason":      reason,
			"error":       err.Error(),
		})
		e.notifyEvent(ctx, notify.EventError, "Close failed", fmt.Sprintf("position %s (%s): %v", id, reason, err))
		// The coordinator may still have recorded a partial round trip.
		if pos, ok := e.ledger.Get(id); ok {
			e.persist(ctx, pos)
		}
		return
	}

	e.dropAccrual(id)
	e.persist(ctx, closed.Position)
	e.auditLog(ctx, "position.closed", map[string]any{
		"position_id":  id,
		"reason":       reason,
		"state":        string(closed.Position.State),
		"price_pnl":    closed.PricePnL,
		"funding_pnl":  closed.FundingPnL,
		"realized_pnl": closed.RealizedPnL,
		"emergency":    closed.Emergency,
	})
	event := notify.EventPositionClosed
	if closed.Emergency {
		event = notify.EventHedgeEmergency
	}
	title, message := notify.FormatPositionClosed(reason, closed)
	e.notifyEvent(ctx, event, title, message)
}

// closeSignal is the JSON payload accepted on the close channel.
type closeSignal struct {
	PositionID string `json:"position_id"`
	Reason     string `json:"reason"`
}

// signalLoop listens for administrative close-now requests on the signal bus.
func (e *Engine) signalLoop(ctx context.Context) error {
	ch, err := e.bus.Subscribe(ctx, closeChannel)
	if err != nil {
		return fmt.Errorf("engine: subscribe %s: %w", closeChannel, err)
	}
	e.logger.Info("close signal listener started", slog.String("channel", closeChannel))
	defer e.logger.Info("close signal listener stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			var sig closeSignal
			if err := json.Unmarshal(data, &sig); err != nil || sig.PositionID == "" {
				e.logger.Warn("ignoring malformed close signal", slog.String("payload", string(data)))
				continue
			}
			reason := sig.Reason
			if reason == "" {
				reason = "requested"
			}
			e.closePosition(ctx, sig.PositionID, reason)
		}
	}
}

// ---------------------------------------------------------------------------
// accrual bookkeeping
// ---------------------------------------------------------------------------

// touchAccrual marks now as the accrual baseline for a position.
func (e *Engine) touchAccrual(id string) {
	e.accrualMu.Lock()
	defer e.accrualMu.Unlock()
	e.lastAccrual[id] = time.Now().UTC()
}

// takeAccrual returns the time elapsed since the last accrual baseline and
// advances it. Positions without a baseline start one and report zero.
func (e *Engine) takeAccrual(id string) time.Duration {
	e.accrualMu.Lock()
	defer e.accrualMu.Unlock()

	now := time.Now().UTC()
	last, ok := e.lastAccrual[id]
	e.lastAccrual[id] = now
	if !ok {
		return 0
	}
	return now.Sub(last)
}

// dropAccrual forgets the accrual baseline for a resolved position.
func (e *Engine) dropAccrual(id string) {
	e.accrualMu.Lock()
	defer e.accrualMu.Unlock()
	delete(e.lastAccrual, id)
}
