// Package executor implements the dual-venue execution coordinator: a
// retrying, failure-tolerant state machine that realizes and unwinds paired
// positions with bounded time-at-risk. Open and close cycles share the same
// escalation ladder: maker rounds at increasing price offsets, emergency
// taker hedging on asymmetric fills, and a simultaneous-market last resort.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/willcroft/fundarb/internal/domain"
	"github.com/willcroft/fundarb/internal/ledger"
)

// Config holds the coordinator's timing and escalation parameters.
type Config struct {
	// MakerOffsets is the escalating fractional price offset schedule for
	// maker rounds, e.g. 0.0001, 0.0002, 0.0005. Its length is the number
	// of rounds attempted before the market fallback.
	MakerOffsets []float64
	// PollInterval is the cadence for fill-status polling within a round.
	PollInterval time.Duration
	// WaitWindow bounds how long a round waits for fills before escalating.
	WaitWindow time.Duration
	// VenueRetries bounds transport-level retries per venue call.
	VenueRetries int
	// RetryBackoff is the linear backoff unit between transport retries.
	RetryBackoff time.Duration
	// LockTTL bounds how long a per-symbol execution lock may be held.
	LockTTL time.Duration
}

// DefaultConfig returns the coordinator parameters used when the config file
// does not override them.
func DefaultConfig() Config {
	return Config{
		MakerOffsets: []float64{0.0001, 0.0002, 0.0005},
		PollInterval: 5 * time.Second,
		WaitWindow:   30 * time.Second,
		VenueRetries: 3,
		RetryBackoff: time.Second,
		LockTTL:      5 * time.Minute,
	}
}

// Coordinator drives the open/monitor/hedge/retry/close lifecycle of paired
// positions across two venues. Attempts for a given symbol are serialized
// through the lock manager; the coordinator holds no scheduling logic of its
// own.
type Coordinator struct {
	venues map[string]domain.VenueClient
	ledger *ledger.Ledger
	locks  domain.LockManager
	cfg    Config
	logger *slog.Logger
}

// New creates a Coordinator over the given venue clients.
func New(
	venues map[string]domain.VenueClient,
	led *ledger.Ledger,
	locks domain.LockManager,
	cfg Config,
	logger *slog.Logger,
) *Coordinator {
	if len(cfg.MakerOffsets) == 0 {
		cfg.MakerOffsets = DefaultConfig().MakerOffsets
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.WaitWindow <= 0 {
		cfg.WaitWindow = DefaultConfig().WaitWindow
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig().RetryBackoff
	}
	return &Coordinator{
		venues: venues,
		ledger: led,
		locks:  locks,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "coordinator")),
	}
}

func lockKey(symbol string) string { return "exec:" + symbol }

// Open realizes the given opportunity as a paired position of the requested
// size. It blocks until the position is active or the attempt has resolved
// to a clean terminal state; it never returns with one-sided exposure.
func (c *Coordinator) Open(ctx context.Context, opp domain.Opportunity, size float64) (domain.PairedPosition, error) {
	if size <= 0 {
		return domain.PairedPosition{}, fmt.Errorf("executor: open %s: size must be positive, got %v", opp.Symbol, size)
	}
	longClient, ok := c.venues[opp.LongVenue]
	if !ok {
		return domain.PairedPosition{}, fmt.Errorf("executor: open %s: unknown venue %q", opp.Symbol, opp.LongVenue)
	}
	shortClient, ok := c.venues[opp.ShortVenue]
	if !ok {
		return domain.PairedPosition{}, fmt.Errorf("executor: open %s: unknown venue %q", opp.Symbol, opp.ShortVenue)
	}

	unlock, err := c.locks.Acquire(ctx, lockKey(opp.Symbol), c.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.PairedPosition{}, fmt.Errorf("executor: open %s: %w", opp.Symbol, domain.ErrAttemptInFlight)
		}
		return domain.PairedPosition{}, fmt.Errorf("executor: open %s: acquire lock: %w", opp.Symbol, err)
	}
	defer unlock()

	now := time.Now().UTC()
	targetClose := now.Add(time.Duration(opp.HorizonHours * float64(time.Hour)))

	fundingLong, fundingShort := opp.RateA, opp.RateB
	if opp.LongVenue == opp.VenueB {
		fundingLong, fundingShort = opp.RateB, opp.RateA
	}

	pos := domain.PairedPosition{
		ID:                uuid.New().String(),
		Symbol:            opp.Symbol,
		LongVenue:         opp.LongVenue,
		ShortVenue:        opp.ShortVenue,
		Size:              size,
		State:             domain.PositionPending,
		Strategy:          opp.Strategy,
		Regime:            opp.Regime,
		OpenedAt:          now,
		TargetCloseAt:     &targetClose,
		EntryFundingLong:  fundingLong,
		EntryFundingShort: fundingShort,
	}
	if err := c.ledger.Register(pos); err != nil {
		return domain.PairedPosition{}, err
	}
	if err := c.ledger.Transition(pos.ID, domain.PositionOpening); err != nil {
		return domain.PairedPosition{}, err
	}

	c.logger.Info("opening position",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("long_venue", pos.LongVenue),
		slog.String("short_venue", pos.ShortVenue),
		slog.Float64("size", size),
		slog.String("strategy", string(opp.Strategy)),
	)

	long := legPlan{client: longClient, side: domain.OrderSideBuy}
	short := legPlan{client: shortClient, side: domain.OrderSideSell}

	fills, err := c.executePair(ctx, opp.Symbol, size, long, short, func() {
		if terr := c.ledger.Transition(pos.ID, domain.PositionHedging); terr != nil {
			c.logger.Error("hedging transition failed", slog.String("position_id", pos.ID), slog.String("error", terr.Error()))
		}
	})
	if err != nil {
		var hf *HedgeFailure
		switch {
		case errors.As(err, &hf):
			// One leg filled and was closed out at market; the book is flat
			// but exposure existed, so this is an emergency close, not a
			// clean failure. The never-opened leg is recorded with entry ==
			// exit so only the flattened leg contributes PnL.
			entryLong, entryShort := hf.Exit.Price, hf.Entry.Price
			exitLong, exitShort := hf.Exit.Price, hf.Exit.Price
			if hf.FilledVenue == opp.LongVenue {
				entryLong, entryShort = hf.Entry.Price, hf.Exit.Price
			}
			if serr := c.ledger.SetEntry(pos.ID, hf.Entry.Size, entryLong, entryShort, fundingLong, fundingShort); serr != nil {
				c.logger.Error("record entry after hedge failure failed", slog.String("position_id", pos.ID), slog.String("error", serr.Error()))
			}
			if _, rerr := c.ledger.Resolve(pos.ID, domain.ResolveOutcome{
				State:          domain.PositionEmergencyClosed,
				ExitPriceLong:  exitLong,
				ExitPriceShort: exitShort,
				Emergency:      true,
			}); rerr != nil && !errors.Is(rerr, domain.ErrPositionClosed) {
				c.logger.Error("resolve after hedge failure failed", slog.String("position_id", pos.ID), slog.String("error", rerr.Error()))
			}
			return domain.PairedPosition{}, err
		case errors.Is(err, domain.ErrAsymmetricFill):
			// A leg filled and the flatten could not be confirmed: exposure
			// may remain on a venue. Never a clean failure; resolve as an
			// emergency close and surface the error for intervention.
			c.logger.Error("open aborted with unconfirmed exposure",
				slog.String("position_id", pos.ID),
				slog.String("symbol", pos.Symbol),
				slog.String("error", err.Error()),
			)
			if _, rerr := c.ledger.Resolve(pos.ID, domain.ResolveOutcome{
				State:     domain.PositionEmergencyClosed,
				Emergency: true,
			}); rerr != nil && !errors.Is(rerr, domain.ErrPositionClosed) {
				c.logger.Error("resolve after aborted open failed", slog.String("position_id", pos.ID), slog.String("error", rerr.Error()))
			}
			return domain.PairedPosition{}, fmt.Errorf("executor: open %s: %w", opp.Symbol, err)
		default:
			// No leg ever filled: clean failure.
			if _, rerr := c.ledger.Resolve(pos.ID, domain.ResolveOutcome{State: domain.PositionFailed}); rerr != nil && !errors.Is(rerr, domain.ErrPositionClosed) {
				c.logger.Error("resolve after failed open failed", slog.String("position_id", pos.ID), slog.String("error", rerr.Error()))
			}
			return domain.PairedPosition{}, fmt.Errorf("executor: open %s: %w", opp.Symbol, err)
		}
	}

	finalSize := fills.Long.Size
	if fills.Short.Size < finalSize {
		finalSize = fills.Short.Size
	}
	if err := c.ledger.SetEntry(pos.ID, finalSize, fills.Long.Price, fills.Short.Price, fundingLong, fundingShort); err != nil {
		return domain.PairedPosition{}, err
	}
	if err := c.ledger.Transition(pos.ID, domain.PositionActive); err != nil {
		return domain.PairedPosition{}, err
	}

	opened, _ := c.ledger.Get(pos.ID)
	c.logger.Info("position active",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.Float64("size", opened.Size),
		slog.Float64("entry_long", opened.EntryPriceLong),
		slog.Float64("entry_short", opened.EntryPriceShort),
		slog.Bool("hedged", fills.Hedged),
		slog.Bool("market_fallback", fills.Fallback),
	)
	return opened, nil
}

// Close unwinds a paired position: the long leg sells, the short leg buys,
// through the same maker-then-hedge-then-market escalation, reduce-only.
// Closing an already resolved position is a no-op returning the prior
// result. The trigger (scheduled close, polarity flip, administrative
// request) is the caller's concern; Close only executes.
func (c *Coordinator) Close(ctx context.Context, positionID string) (domain.ClosedPosition, error) {
	if prior, ok := c.ledger.Resolved(positionID); ok {
		return prior, nil
	}
	pos, ok := c.ledger.Get(positionID)
	if !ok {
		return domain.ClosedPosition{}, fmt.Errorf("executor: close %s: %w", positionID, domain.ErrNotFound)
	}

	unlock, err := c.locks.Acquire(ctx, lockKey(pos.Symbol), c.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.ClosedPosition{}, fmt.Errorf("executor: close %s: %w", pos.Symbol, domain.ErrAttemptInFlight)
		}
		return domain.ClosedPosition{}, fmt.Errorf("executor: close %s: acquire lock: %w", pos.Symbol, err)
	}
	defer unlock()

	// Re-check under the lock; a concurrent close may have resolved it.
	if prior, ok := c.ledger.Resolved(positionID); ok {
		return prior, nil
	}
	pos, _ = c.ledger.Get(positionID)
	if pos.State != domain.PositionActive {
		return domain.ClosedPosition{}, fmt.Errorf("executor: close %s: position in state %q", positionID, pos.State)
	}
	if err := c.ledger.Transition(positionID, domain.PositionClosing); err != nil {
		return domain.ClosedPosition{}, err
	}

	c.logger.Info("closing position",
		slog.String("position_id", positionID),
		slog.String("symbol", pos.Symbol),
		slog.Float64("size", pos.Size),
	)

	long := legPlan{client: c.venues[pos.LongVenue], side: domain.OrderSideSell, reduceOnly: true}
	short := legPlan{client: c.venues[pos.ShortVenue], side: domain.OrderSideBuy, reduceOnly: true}

	fills, err := c.executePair(ctx, pos.Symbol, pos.Size, long, short, nil)
	if err != nil {
		var hf *HedgeFailure
		if errors.As(err, &hf) {
			// One leg closed but the other venue would not close its side;
			// the closed leg was re-opened at market so the pair is hedged
			// again. Record the round trip and revert to active.
			longLeg := hf.FilledVenue == pos.LongVenue
			var realized float64
			if longLeg {
				realized = (hf.Entry.Price - pos.EntryPriceLong) * hf.Entry.Size
			} else {
				realized = (pos.EntryPriceShort - hf.Entry.Price) * hf.Entry.Size
			}
			if rerr := c.ledger.RecordReentry(positionID, longLeg, hf.Exit.Price, realized); rerr != nil {
				c.logger.Error("record reentry failed", slog.String("position_id", positionID), slog.String("error", rerr.Error()))
			}
			if terr := c.ledger.Transition(positionID, domain.PositionActive); terr != nil {
				c.logger.Error("revert to active failed", slog.String("position_id", positionID), slog.String("error", terr.Error()))
			}
			return domain.ClosedPosition{}, fmt.Errorf("executor: close %s: %w", pos.Symbol, err)
		}
		// Either neither venue was reachable (the pair is still fully
		// hedged) or a flatten could not be confirmed mid-close. In both
		// cases the position must stay watched: revert to active so the
		// close watcher retries, and surface the failure.
		if errors.Is(err, domain.ErrAsymmetricFill) {
			c.logger.Error("close aborted with unconfirmed exposure",
				slog.String("position_id", positionID),
				slog.String("symbol", pos.Symbol),
				slog.String("error", err.Error()),
			)
		}
		if terr := c.ledger.Transition(positionID, domain.PositionActive); terr != nil {
			c.logger.Error("revert to active failed", slog.String("position_id", positionID), slog.String("error", terr.Error()))
		}
		return domain.ClosedPosition{}, fmt.Errorf("executor: close %s: %w", pos.Symbol, err)
	}

	state := domain.PositionClosed
	emergency := fills.Hedged || fills.Fallback
	if emergency {
		state = domain.PositionEmergencyClosed
	}
	closed, err := c.ledger.Resolve(positionID, domain.ResolveOutcome{
		State:          state,
		ExitPriceLong:  fills.Long.Price,
		ExitPriceShort: fills.Short.Price,
		Emergency:      emergency,
	})
	if err != nil && !errors.Is(err, domain.ErrPositionClosed) {
		return domain.ClosedPosition{}, err
	}

	c.logger.Info("position closed",
		slog.String("position_id", positionID),
		slog.String("state", string(state)),
		slog.Float64("exit_long", fills.Long.Price),
		slog.Float64("exit_short", fills.Short.Price),
		slog.Float64("realized_pnl", closed.RealizedPnL),
	)
	return closed, nil
}

// Venue returns the client registered under the given name.
func (c *Coordinator) Venue(name string) (domain.VenueClient, bool) {
	v, ok := c.venues[name]
	return v, ok
}
