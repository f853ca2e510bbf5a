// Package engine ties the evaluator, executor and ledger together into the
// long-running loops: quote collection, opportunity evaluation, and the close
// watcher that unwinds positions when their horizon expires or the funding
// spread flips against them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/willcroft/fundarb/internal/domain"
	"github.com/willcroft/fundarb/internal/executor"
	"github.com/willcroft/fundarb/internal/funding"
	"github.com/willcroft/fundarb/internal/ledger"
	"github.com/willcroft/fundarb/internal/notify"
	"github.com/willcroft/fundarb/internal/venue"
)

// closeCheckInterval is the cadence of the close watcher.
const closeCheckInterval = 30 * time.Second

// closeChannel is the signal bus channel carrying administrative close-now
// requests.
const closeChannel = "fundarb:close"

// opportunityChannel is the signal bus channel where detected opportunities
// are published for external tooling.
const opportunityChannel = "fundarb:opportunities"

// Config holds the engine loop parameters.
type Config struct {
	Symbols        []string
	EvalInterval   time.Duration
	StalenessBound time.Duration
	PositionSize   float64
	MaxPositions   int
	AutoExecute    bool
	StreamQuotes   bool
}

// Engine runs the evaluation and close-watcher loops over a pair of venues.
type Engine struct {
	cfg       Config
	venueA    domain.VenueClient
	venueB    domain.VenueClient
	streams   []*venue.Stream
	evaluator *funding.Evaluator
	coord     *executor.Coordinator
	ledger    *ledger.Ledger
	positions domain.PositionStore
	rates     domain.FundingRateStore
	audit     domain.AuditStore
	quotes    domain.QuoteCache
	bus       domain.SignalBus
	notifier  *notify.Notifier
	logger    *slog.Logger

	accrualMu   sync.Mutex
	lastAccrual map[string]time.Time
}

// Deps bundles the engine's collaborators.
type Deps struct {
	VenueA    domain.VenueClient
	VenueB    domain.VenueClient
	Streams   []*venue.Stream
	Evaluator *funding.Evaluator
	Coord     *executor.Coordinator
	Ledger    *ledger.Ledger
	Positions domain.PositionStore
	Rates     domain.FundingRateStore
	Audit     domain.AuditStore
	Quotes    domain.QuoteCache
	Bus       domain.SignalBus
	Notifier  *notify.Notifier
	Logger    *slog.Logger
}

// New creates an Engine from its dependencies.
func New(cfg Config, deps Deps) *Engine {
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = time.Minute
	}
	if cfg.MaxPositions < 1 {
		cfg.MaxPositions = 1
	}
	return &Engine{
		cfg:         cfg,
		venueA:      deps.VenueA,
		venueB:      deps.VenueB,
		streams:     deps.Streams,
		evaluator:   deps.Evaluator,
		coord:       deps.Coord,
		ledger:      deps.Ledger,
		positions:   deps.Positions,
		rates:       deps.Rates,
		audit:       deps.Audit,
		quotes:      deps.Quotes,
		bus:         deps.Bus,
		notifier:    deps.Notifier,
		logger:      deps.Logger.With(slog.String("component", "engine")),
		lastAccrual: make(map[string]time.Time),
	}
}

// Rehydrate loads non-terminal positions from the durable store into the
// in-memory ledger so a restart resumes watching open positions.
func (e *Engine) Rehydrate(ctx context.Context) error {
	active, err := e.positions.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("engine: rehydrate: %w", err)
	}
	for _, pos := range active {
		if err := e.ledger.Rehydrate(pos); err != nil {
			e.logger.Warn("skipping position on rehydrate",
				slog.String("position_id", pos.ID),
				slog.String("state", string(pos.State)),
				slog.String("error", err.Error()),
			)
			continue
		}
		e.touchAccrual(pos.ID)
	}
	e.logger.Info("ledger rehydrated", slog.Int("positions", len(active)))
	return nil
}

// Run starts all engine loops and blocks until ctx is cancelled or a loop
// fails fatally.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if e.cfg.StreamQuotes && len(e.streams) > 0 {
		if err := e.startStreams(ctx); err != nil {
			return err
		}
	}

	g.Go(func() error { return e.evalLoop(ctx) })
	g.Go(func() error { return e.closeLoop(ctx) })
	if e.bus != nil {
		g.Go(func() error { return e.signalLoop(ctx) })
	}

	return g.Wait()
}

// startStreams connects each venue's market-data feed and registers a handler
// that keeps the quote cache current between REST polls. The settlement
// interval is not carried on the stream, so updates merge it from the cached
// REST snapshot; updates with no prior snapshot are dropped.
func (e *Engine) startStreams(ctx context.Context) error {
	for _, st := range e.streams {
		st.OnFunding(func(u venue.FundingUpdate) {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			prior, err := e.quotes.GetQuote(cctx, u.Venue, u.Symbol)
			if err != nil {
				return
			}
			q := domain.FundingQuote{
				Venue:          u.Venue,
				Symbol:         u.Symbol,
				Rate:           u.Rate,
				Interval:       prior.Interval,
				ObservedAt:     u.At,
				NextSettlement: u.NextFunding,
			}
			if err := e.quotes.SetQuote(cctx, q); err != nil {
				e.logger.Warn("stream quote cache update failed",
					slog.String("venue", u.Venue),
					slog.String("symbol", u.Symbol),
					slog.String("error", err.Error()),
				)
			}
		})

		if err := st.Connect(ctx); err != nil {
			return fmt.Errorf("engine: connect stream: %w", err)
		}
		if err := st.Subscribe(ctx, e.cfg.Symbols); err != nil {
			return fmt.Errorf("engine: subscribe stream: %w", err)
		}
	}

	go func() {
		<-ctx.Done()
		for _, st := range e.streams {
			_ = st.Close()
		}
	}()
	return nil
}

// persist writes the ledger's current view of a position to the durable
// store, creating the row when it does not exist yet.
func (e *Engine) persist(ctx context.Context, pos domain.PairedPosition) {
	if e.positions == nil {
		return
	}
	err := e.positions.Update(ctx, pos)
	if errors.Is(err, domain.ErrNotFound) {
		err = e.positions.Create(ctx, pos)
	}
	if err != nil {
		e.logger.Error("persist position failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) auditLog(ctx context.Context, event string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.Warn("audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) notifyEvent(ctx context.Context, event notify.Event, title, message string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, event, title, message); err != nil {
		e.logger.Warn("notify failed",
			slog.String("event", string(event)),
			slog.String("error", err.Error()),
		)
	}
}
