package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/willcroft/fundarb/internal/domain"
	"github.com/willcroft/fundarb/internal/engine"
	"github.com/willcroft/fundarb/internal/executor"
	"github.com/willcroft/fundarb/internal/funding"
	"github.com/willcroft/fundarb/internal/ledger"
)

// archiveCheckInterval is the cadence of the position archival pass.
const archiveCheckInterval = 24 * time.Hour

// buildEngine assembles the evaluator, ledger, coordinator and engine from
// the wired dependencies. autoExecute overrides the config flag so monitor
// mode can never place orders.
func (a *App) buildEngine(deps *Dependencies, autoExecute bool) *engine.Engine {
	led := ledger.New(a.logger)

	evaluator := funding.NewEvaluator(funding.EvaluatorConfig{
		StalenessBound:   a.cfg.Engine.StalenessBound.Duration,
		MinProfitPerHour: a.cfg.Engine.MinProfitPerHour,
	}, a.logger)

	locks := deps.LockManager
	if locks == nil {
		locks = executor.NewMemLockManager()
	}

	coord := executor.New(
		map[string]domain.VenueClient{
			deps.VenueA.Name(): deps.VenueA,
			deps.VenueB.Name(): deps.VenueB,
		},
		led,
		locks,
		executor.Config{
			MakerOffsets: a.cfg.Executor.MakerOffsets,
			PollInterval: a.cfg.Executor.PollInterval.Duration,
			WaitWindow:   a.cfg.Executor.WaitWindow.Duration,
			VenueRetries: a.cfg.Executor.VenueRetries,
			RetryBackoff: a.cfg.Executor.RetryBackoff.Duration,
			LockTTL:      a.cfg.Executor.LockTTL.Duration,
		},
		a.logger,
	)

	return engine.New(engine.Config{
		Symbols:        a.cfg.Engine.Symbols,
		EvalInterval:   a.cfg.Engine.EvalInterval.Duration,
		StalenessBound: a.cfg.Engine.StalenessBound.Duration,
		PositionSize:   a.cfg.Engine.PositionSize,
		MaxPositions:   a.cfg.Engine.MaxPositions,
		AutoExecute:    autoExecute,
		StreamQuotes:   a.cfg.Engine.StreamQuotes,
	}, engine.Deps{
		VenueA:    deps.VenueA,
		VenueB:    deps.VenueB,
		Streams:   deps.Streams,
		Evaluator: evaluator,
		Coord:     coord,
		Ledger:    led,
		Positions: deps.PositionStore,
		Rates:     deps.RateStore,
		Audit:     deps.AuditStore,
		Quotes:    deps.QuoteCache,
		Bus:       deps.SignalBus,
		Notifier:  deps.Notifier,
		Logger:    a.logger,
	})
}

// RunMode starts the full trading engine: evaluation, execution, the close
// watcher, and the daily archival pass.
func (a *App) RunMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting run mode")

	eng := a.buildEngine(deps, a.cfg.Engine.AutoExecute)
	if err := eng.Rehydrate(ctx); err != nil {
		return fmt.Errorf("run mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Run(ctx)
	})

	if deps.Archiver != nil {
		g.Go(func() error {
			return a.archiveLoop(ctx, deps)
		})
	}

	return g.Wait()
}

// MonitorMode runs evaluation and publishing only: opportunities are detected,
// logged, and published on the signal bus, but no orders are ever placed and
// no database is required.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	eng := a.buildEngine(deps, false)
	return eng.Run(ctx)
}

// BackfillMode collects funding-rate history into the database without
// evaluating or trading, and runs the archival pass. Useful for building a
// rate dataset before enabling execution.
func (a *App) BackfillMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting backfill mode")

	if deps.RateStore == nil {
		return fmt.Errorf("backfill mode: funding rate store is required")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.collectLoop(ctx, deps)
	})

	if deps.Archiver != nil {
		g.Go(func() error {
			return a.archiveLoop(ctx, deps)
		})
	}

	return g.Wait()
}

// collectLoop polls both venues for funding rates on the evaluation cadence
// and persists every observation.
func (a *App) collectLoop(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.Engine.EvalInterval.Duration
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.InfoContext(ctx, "funding rate collection started",
		slog.Int("symbols", len(a.cfg.Engine.Symbols)),
		slog.Duration("interval", interval),
	)

	collect := func() {
		var batch []domain.FundingQuote
		for _, symbol := range a.cfg.Engine.Symbols {
			for _, client := range []domain.VenueClient{deps.VenueA, deps.VenueB} {
				quote, err := client.GetFundingRate(ctx, symbol)
				if err != nil {
					a.logger.WarnContext(ctx, "funding rate fetch failed",
						slog.String("venue", client.Name()),
						slog.String("symbol", symbol),
						slog.String("error", err.Error()),
					)
					continue
				}
				batch = append(batch, quote)
				if deps.QuoteCache != nil {
					if err := deps.QuoteCache.SetQuote(ctx, quote); err != nil {
						a.logger.WarnContext(ctx, "quote cache update failed",
							slog.String("venue", quote.Venue),
							slog.String("error", err.Error()),
						)
					}
				}
			}
		}
		if len(batch) == 0 {
			return
		}
		if err := deps.RateStore.InsertBatch(ctx, batch); err != nil {
			a.logger.ErrorContext(ctx, "funding rate persist failed", slog.String("error", err.Error()))
			return
		}
		a.logger.DebugContext(ctx, "funding rates persisted", slog.Int("count", len(batch)))
	}

	collect()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			collect()
		}
	}
}

// archiveLoop runs the daily archival pass: resolved positions and audit
// entries older than the retention window are exported to S3 and pruned from
// the database.
func (a *App) archiveLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(archiveCheckInterval)
	defer ticker.Stop()

	a.logger.InfoContext(ctx, "archive loop started",
		slog.Int("retention_days", a.cfg.S3.ArchiveRetentionDays),
	)

	runOnce := func() {
		cutoff := archiveCutoff(a.cfg.S3.ArchiveRetentionDays, time.Now().UTC())
		count, err := deps.Archiver.ArchivePositions(ctx, cutoff)
		if err != nil {
			a.logger.ErrorContext(ctx, "position archival failed", slog.String("error", err.Error()))
			return
		}
		if count > 0 {
			a.logger.InfoContext(ctx, "positions archived",
				slog.Int64("count", count),
				slog.Time("cutoff", cutoff),
			)
		}

		count, err = deps.Archiver.ArchiveAudit(ctx, cutoff)
		if err != nil {
			a.logger.ErrorContext(ctx, "audit archival failed", slog.String("error", err.Error()))
			return
		}
		if count > 0 {
			a.logger.InfoContext(ctx, "audit entries archived",
				slog.Int64("count", count),
				slog.Time("cutoff", cutoff),
			)
		}
	}

	runOnce()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			runOnce()
		}
	}
}
