package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/willcroft/fundarb/internal/domain"
)

// legPlan describes one side of a pair cycle: which venue, which direction,
// and whether orders must be reduce-only (close cycles).
type legPlan struct {
	client     domain.VenueClient
	side       domain.OrderSide
	reduceOnly bool
}

// legExec tracks one leg's resting order through a maker round.
type legExec struct {
	plan      legPlan
	orderID   string
	requested float64
	price     float64
	offset    float64
	filled    float64
	avgPrice  float64
	done      bool
}

// addFill folds an additional fill into the leg's running size-weighted
// average price.
func (l *legExec) addFill(size, price float64) {
	if size <= 0 {
		return
	}
	total := l.filled + size
	l.avgPrice = (l.avgPrice*l.filled + price*size) / total
	l.filled = total
}

// legFill is the final outcome of one leg: total size and average price.
type legFill struct {
	Size  float64
	Price float64
}

// pairFills is the outcome of one open or close cycle. Long and short sizes
// are equal on success. Hedged marks the emergency-taker path; Fallback marks
// the simultaneous-market last resort.
type pairFills struct {
	Long     legFill
	Short    legFill
	Hedged   bool
	Fallback bool
}

// HedgeFailure reports that one leg filled, the emergency hedge on the other
// venue could not be completed, and the filled leg was closed out at market
// to restore a flat book. It unwraps to domain.ErrAsymmetricFill.
type HedgeFailure struct {
	FilledVenue string
	HedgeVenue  string
	Entry       legFill
	Exit        legFill
	Err         error
}

func (e *HedgeFailure) Error() string {
	return fmt.Sprintf("executor: hedge on %s failed after %s leg filled: %v (filled leg closed out)",
		e.HedgeVenue, e.FilledVenue, e.Err)
}

func (e *HedgeFailure) Unwrap() error { return domain.ErrAsymmetricFill }

// executePair drives one full open or close cycle for a symbol: maker-priced
// rounds with escalating offsets, emergency hedging on asymmetric fills, and
// the simultaneous-market fallback once the offset schedule is exhausted.
// onHedging is invoked (once) when the cycle enters the emergency-hedge path.
//
// On success both returned legs carry equal size. On error no leg is left
// open beyond what the caller already held: resting orders are cancelled and
// any one-sided exposure create by this cycle is closed out before returning.
func (c *Coordinator) executePair(
	ctx context.Context,
	symbol string,
	size float64,
	long, short legPlan,
	onHedging func(),
) (pairFills, error) {
	lastRound := len(c.cfg.MakerOffsets) - 1
	rejected := false

	for round, offset := range c.cfg.MakerOffsets {
		mid, err := c.referenceMid(ctx, symbol, long.client, short.client)
		if err != nil {
			return pairFills{}, err
		}

		log := c.logger.With(
			slog.String("symbol", symbol),
			slog.Int("round", round),
			slog.Float64("offset", offset),
			slog.Float64("mid", mid),
		)

		// Long leg is always submitted first; fill evaluation treats both
		// legs symmetrically.
		// A venue rejection gets exactly one retry at the next offset; a
		// second rejection aborts the attempt.
		legL, err := c.submitLimit(ctx, long, symbol, size, mid*(1-offset), offset)
		if err != nil {
			if errors.Is(err, domain.ErrOrderRejected) && !rejected && round < lastRound {
				rejected = true
				log.Warn("long leg rejected, retrying once at next offset", slog.String("error", err.Error()))
				continue
			}
			return pairFills{}, err
		}
		legS, err := c.submitLimit(ctx, short, symbol, size, mid*(1+offset), offset)
		if err != nil {
			// The long order is resting; pull it before deciding anything,
			// then check what it executed in the meantime.
			c.cancelAndCheck(ctx, legL, symbol)
			if legL.filled > 0 {
				return c.hedge(ctx, symbol, legL, &legExec{plan: short}, onHedging)
			}
			if errors.Is(err, domain.ErrOrderRejected) && !rejected && round < lastRound {
				rejected = true
				log.Warn("short leg rejected, retrying once at next offset", slog.String("error", err.Error()))
				continue
			}
			return pairFills{}, err
		}

		c.pollFills(ctx, symbol, legL, legS)

		// Top partial fills up to the target size before judging the round.
		if err := c.topUpPartials(ctx, symbol, legL, legS, onHedging); err != nil {
			return pairFills{}, err
		}

		switch {
		case legL.done && legS.done:
			log.Info("both legs filled",
				slog.Float64("long_price", legL.avgPrice),
				slog.Float64("short_price", legS.avgPrice),
			)
			return pairFills{
				Long:  legFill{Size: legL.filled, Price: legL.avgPrice},
				Short: legFill{Size: legS.filled, Price: legS.avgPrice},
			}, nil

		case !legL.done && !legS.done:
			// Cancelling can race a late fill; re-check both after cancel.
			c.cancelAndCheck(ctx, legL, symbol)
			c.cancelAndCheck(ctx, legS, symbol)
			switch {
			case legL.done && legS.done:
				return pairFills{
					Long:  legFill{Size: legL.filled, Price: legL.avgPrice},
					Short: legFill{Size: legS.filled, Price: legS.avgPrice},
				}, nil
			case legL.filled == 0 && legS.filled == 0:
				log.Info("no fills in window, escalating offset")
				continue
			case legL.filled >= legS.filled:
				// A fill that raced the cancel, full or partial, is live
				// exposure; hedge it rather than escalate with an open book.
				return c.hedge(ctx, symbol, legL, legS, onHedging)
			default:
				return c.hedge(ctx, symbol, legS, legL, onHedging)
			}

		case legL.done:
			c.cancelAndCheck(ctx, legS, symbol)
			if legS.done {
				return pairFills{
					Long:  legFill{Size: legL.filled, Price: legL.avgPrice},
					Short: legFill{Size: legS.filled, Price: legS.avgPrice},
				}, nil
			}
			return c.hedge(ctx, symbol, legL, legS, onHedging)

		default:
			c.cancelAndCheck(ctx, legL, symbol)
			if legL.done {
				return pairFills{
					Long:  legFill{Size: legL.filled, Price: legL.avgPrice},
					Short: legFill{Size: legS.filled, Price: legS.avgPrice},
				}, nil
			}
			return c.hedge(ctx, symbol, legS, legL, onHedging)
		}
	}

	// Offset schedule exhausted with zero fills: simultaneous market orders
	// on both legs, crossing the spread on both venues.
	c.logger.Warn("maker rounds exhausted, falling back to market orders", slog.String("symbol", symbol))

	fillL, err := c.marketOrder(ctx, long, symbol, size)
	if err != nil {
		return pairFills{}, err
	}
	fillS, err := c.marketOrder(ctx, short, symbol, size)
	if err != nil {
		// Long market leg is open with nothing against it.
		if onHedging != nil {
			onHedging()
		}
		exit, closeErr := c.closeOutLeg(ctx, long, symbol, fillL.Size)
		if closeErr != nil {
			return pairFills{}, fmt.Errorf("executor: short market leg failed and close-out of long leg failed: %w",
				errors.Join(domain.ErrAsymmetricFill, err, closeErr))
		}
		return pairFills{}, &HedgeFailure{
			FilledVenue: long.client.Name(),
			HedgeVenue:  short.client.Name(),
			Entry:       fillL,
			Exit:        exit,
			Err:         err,
		}
	}
	return pairFills{Long: fillL, Short: fillS, Fallback: true}, nil
}

// hedge restores equal-size exposure after an asymmetric outcome: whatever
// the filled leg holds beyond the other leg goes to the other venue as a
// market order. The other leg may itself carry a partial fill from a raced
// cancel; only the deficit is hedged. This takes priority over cost: a
// one-sided book carries unbounded price risk. When the hedge order fails,
// every fill from this cycle is closed out at market before returning.
func (c *Coordinator) hedge(
	ctx context.Context,
	symbol string,
	filled, unfilled *legExec,
	onHedging func(),
) (pairFills, error) {
	if onHedging != nil {
		onHedging()
	}
	deficit := filled.filled - unfilled.filled
	c.logger.Warn("asymmetric fill, submitting emergency hedge",
		slog.String("symbol", symbol),
		slog.String("filled_venue", filled.plan.client.Name()),
		slog.String("hedge_venue", unfilled.plan.client.Name()),
		slog.Float64("size", filled.filled),
		slog.Float64("deficit", deficit),
	)

	if deficit > 0 {
		fill, err := c.marketOrder(ctx, unfilled.plan, symbol, deficit)
		if err != nil {
			exit, closeErr := c.closeOutLeg(ctx, filled.plan, symbol, filled.filled)
			if unfilled.filled > 0 {
				if _, uerr := c.closeOutLeg(ctx, unfilled.plan, symbol, unfilled.filled); uerr != nil {
					closeErr = errors.Join(closeErr, uerr)
				}
			}
			if closeErr != nil {
				return pairFills{}, fmt.Errorf("executor: hedge failed and close-out failed: %w",
					errors.Join(domain.ErrAsymmetricFill, err, closeErr))
			}
			return pairFills{}, &HedgeFailure{
				FilledVenue: filled.plan.client.Name(),
				HedgeVenue:  unfilled.plan.client.Name(),
				Entry:       legFill{Size: filled.filled, Price: filled.avgPrice},
				Exit:        exit,
				Err:         err,
			}
		}
		unfilled.addFill(fill.Size, fill.Price)
	}

	out := pairFills{Hedged: true}
	filledFill := legFill{Size: filled.filled, Price: filled.avgPrice}
	hedgeFill := legFill{Size: unfilled.filled, Price: unfilled.avgPrice}
	if filled.plan.side == domain.OrderSideBuy {
		out.Long, out.Short = filledFill, hedgeFill
	} else {
		out.Long, out.Short = hedgeFill, filledFill
	}
	return out, nil
}

// pollFills watches both legs' order status on the configured cadence until
// both fill or the wait window expires.
func (c *Coordinator) pollFills(ctx context.Context, symbol string, legs ...*legExec) {
	deadline := time.Now().Add(c.cfg.WaitWindow)
	for {
		for _, leg := range legs {
			if leg.done {
				continue
			}
			res, err := leg.plan.client.GetOrder(ctx, symbol, leg.orderID)
			if err != nil {
				// Transient poll errors are tolerated; the window bound and
				// the post-window cancel keep the attempt safe.
				c.logger.Debug("order poll failed",
					slog.String("venue", leg.plan.client.Name()),
					slog.String("order_id", leg.orderID),
					slog.String("error", err.Error()),
				)
				continue
			}
			c.applyStatus(leg, res)
		}

		done := true
		for _, leg := range legs {
			if !leg.done {
				done = false
			}
		}
		if done || time.Now().After(deadline) || ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// applyStatus folds a venue order-status response into the leg. Executed
// quantities are cumulative, so the leg's running total is replaced rather
// than added to. A cancelled order can still report a fill that raced the
// cancel; that size is live exposure and is recorded like any other fill.
func (c *Coordinator) applyStatus(leg *legExec, res domain.OrderResult) {
	switch res.Status {
	case domain.OrderStatusFilled:
		leg.filled = 0
		leg.addFill(res.FilledSize, res.FilledPrice)
		leg.done = true
	case domain.OrderStatusPartiallyFilled:
		leg.filled = 0
		leg.addFill(res.FilledSize, res.FilledPrice)
	case domain.OrderStatusCancelled:
		if res.FilledSize > 0 {
			leg.filled = 0
			leg.addFill(res.FilledSize, res.FilledPrice)
			if leg.filled >= leg.requested {
				leg.done = true
			}
		}
	}
}

// topUpPartials converts partially filled legs into fully filled legs by
// cancelling the resting remainder and sending the deficit as a market
// order. A failed top-up aborts the attempt through abortWithExposure: the
// legs held fills, so the outcome is a hedge failure, never a clean one.
func (c *Coordinator) topUpPartials(ctx context.Context, symbol string, legL, legS *legExec, onHedging func()) error {
	for _, leg := range []*legExec{legL, legS} {
		if leg.done || leg.filled <= 0 {
			continue
		}
		// Pull the remainder first; the cancel itself can race another fill.
		if c.cancelAndCheck(ctx, leg, symbol) {
			continue
		}
		deficit := leg.requested - leg.filled
		c.logger.Info("topping up partial fill",
			slog.String("symbol", symbol),
			slog.String("venue", leg.plan.client.Name()),
			slog.Float64("filled", leg.filled),
			slog.Float64("deficit", deficit),
		)
		fill, err := c.marketOrder(ctx, leg.plan, symbol, deficit)
		if err != nil {
			return c.abortWithExposure(ctx, symbol,
				fmt.Errorf("executor: partial top-up on %s: %w", leg.plan.client.Name(), err),
				legL, legS, onHedging)
		}
		leg.addFill(fill.Size, fill.Price)
		leg.done = true
	}
	return nil
}

// abortWithExposure flattens whatever either leg has filled and reports the
// attempt as a hedge failure carrying the dominant leg's round trip. A leg
// did fill, so this is never a clean failure; when the flatten itself fails
// the returned error still unwraps to domain.ErrAsymmetricFill so callers
// never mistake live exposure for a no-fill abort.
func (c *Coordinator) abortWithExposure(
	ctx context.Context,
	symbol string,
	cause error,
	legL, legS *legExec,
	onHedging func(),
) error {
	if onHedging != nil {
		onHedging()
	}
	for _, leg := range []*legExec{legL, legS} {
		if !leg.done {
			c.cancelAndCheck(ctx, leg, symbol)
		}
	}
	exposed, other := legL, legS
	if legS.filled > legL.filled {
		exposed, other = legS, legL
	}
	exit, closeErr := c.closeOutLeg(ctx, exposed.plan, symbol, exposed.filled)
	if other.filled > 0 {
		if _, err := c.closeOutLeg(ctx, other.plan, symbol, other.filled); err != nil {
			closeErr = errors.Join(closeErr, err)
		}
	}
	if closeErr != nil {
		return fmt.Errorf("executor: %s: exposure could not be flattened: %w",
			symbol, errors.Join(domain.ErrAsymmetricFill, cause, closeErr))
	}
	return &HedgeFailure{
		FilledVenue: exposed.plan.client.Name(),
		HedgeVenue:  other.plan.client.Name(),
		Entry:       legFill{Size: exposed.filled, Price: exposed.avgPrice},
		Exit:        exit,
		Err:         cause,
	}
}

// cancelAndCheck cancels a leg's resting order and queries its final state,
// catching fills (full or partial) that raced the cancel. It returns true
// when the leg ended up fully filled; a raced partial leaves leg.filled
// nonzero with done false, and the caller owns hedging or flattening it.
func (c *Coordinator) cancelAndCheck(ctx context.Context, leg *legExec, symbol string) bool {
	if leg.orderID == "" || leg.done {
		return leg.done
	}
	c.cancelQuiet(ctx, leg, symbol)
	res, err := leg.plan.client.GetOrder(ctx, symbol, leg.orderID)
	if err != nil {
		return leg.done
	}
	c.applyStatus(leg, res)
	return leg.done
}

// cancelQuiet cancels a resting order, logging rather than propagating
// failures; the follow-up status query is what decides the leg's fate.
func (c *Coordinator) cancelQuiet(ctx context.Context, leg *legExec, symbol string) {
	if leg.orderID == "" {
		return
	}
	if err := leg.plan.client.CancelOrder(ctx, symbol, leg.orderID); err != nil {
		c.logger.Warn("cancel failed",
			slog.String("venue", leg.plan.client.Name()),
			slog.String("order_id", leg.orderID),
			slog.String("error", err.Error()),
		)
	}
}

// submitLimit places one maker leg with transport retries and returns its
// tracking state.
func (c *Coordinator) submitLimit(
	ctx context.Context,
	plan legPlan,
	symbol string,
	size, price, offset float64,
) (*legExec, error) {
	req := domain.OrderRequest{
		Symbol:     symbol,
		Side:       plan.side,
		Size:       size,
		Price:      price,
		Type:       domain.OrderTypeLimit,
		ReduceOnly: plan.reduceOnly,
	}
	res, err := c.placeWithRetry(ctx, plan.client, req)
	if err != nil {
		return nil, err
	}
	leg := &legExec{
		plan:      plan,
		orderID:   res.OrderID,
		requested: size,
		price:     price,
		offset:    offset,
	}
	c.applyStatus(leg, res)
	return leg, nil
}

// marketOrder submits a taker order with transport retries. Market orders
// are expected to fill; a venue that cannot even accept one is surfaced as
// unavailable.
func (c *Coordinator) marketOrder(ctx context.Context, plan legPlan, symbol string, size float64) (legFill, error) {
	req := domain.OrderRequest{
		Symbol:     symbol,
		Side:       plan.side,
		Size:       size,
		Type:       domain.OrderTypeMarket,
		ReduceOnly: plan.reduceOnly,
	}
	res, err := c.placeWithRetry(ctx, plan.client, req)
	if err != nil {
		return legFill{}, err
	}
	fill := legFill{Size: res.FilledSize, Price: res.FilledPrice}
	if fill.Size <= 0 {
		fill.Size = size
	}
	return fill, nil
}

// closeOutLeg reverses one completed leg with a market order in the opposite
// direction. In an open cycle this flattens the leg (reduce-only); in a
// close cycle it re-opens the leg that was just closed, restoring the hedge
// when the other venue's close cannot complete.
func (c *Coordinator) closeOutLeg(ctx context.Context, plan legPlan, symbol string, size float64) (legFill, error) {
	out := legPlan{client: plan.client, side: plan.side.Opposite(), reduceOnly: !plan.reduceOnly}
	return c.marketOrder(ctx, out, symbol, size)
}

// referenceMid fetches both venues' tickers and averages their mids into one
// reference price for the round.
func (c *Coordinator) referenceMid(ctx context.Context, symbol string, a, b domain.VenueClient) (float64, error) {
	var tickA, tickB domain.Ticker
	err := c.callWithRetry(ctx, a.Name(), "get ticker", func() error {
		var err error
		tickA, err = a.GetTicker(ctx, symbol)
		return err
	})
	if err != nil {
		return 0, err
	}
	err = c.callWithRetry(ctx, b.Name(), "get ticker", func() error {
		var err error
		tickB, err = b.GetTicker(ctx, symbol)
		return err
	})
	if err != nil {
		return 0, err
	}

	midA, midB := tickA.Mid(), tickB.Mid()
	if midA <= 0 || midB <= 0 {
		return 0, fmt.Errorf("executor: %s: unusable ticker (mid_a=%.8f mid_b=%.8f)", symbol, midA, midB)
	}
	return (midA + midB) / 2, nil
}

// placeWithRetry submits an order, retrying transport-level failures up to
// the configured count. Venue-level rejections are returned immediately; the
// round loop owns the retry-once-at-next-offset policy for those.
func (c *Coordinator) placeWithRetry(ctx context.Context, client domain.VenueClient, req domain.OrderRequest) (domain.OrderResult, error) {
	var res domain.OrderResult
	err := c.callWithRetry(ctx, client.Name(), "place order", func() error {
		var err error
		res, err = client.PlaceOrder(ctx, req)
		return err
	})
	return res, err
}

// callWithRetry runs a venue call, retrying transport failures with linear
// backoff. Rejections and context cancellation are never retried.
func (c *Coordinator) callWithRetry(ctx context.Context, venue, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= c.cfg.VenueRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * c.cfg.RetryBackoff):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrOrderRejected) || ctx.Err() != nil {
			return err
		}
	}
	return fmt.Errorf("executor: %s %s after %d retries: %w: %v",
		op, venue, c.cfg.VenueRetries, domain.ErrVenueUnavailable, err)
}
