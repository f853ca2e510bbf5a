// Package ledger holds the authoritative in-memory set of open paired
// positions. Only the execution coordinator mutates a position after
// registration; everything else reads.
package ledger

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/willcroft/fundarb/internal/domain"
)

// Ledger is a passive record of paired positions plus their lifecycle
// transitions. It enforces the position state machine but never decides to
// open or close anything itself.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]*domain.PairedPosition
	resolved  map[string]domain.ClosedPosition
	logger    *slog.Logger
}

// New creates an empty Ledger.
func New(logger *slog.Logger) *Ledger {
	return &Ledger{
		positions: make(map[string]*domain.PairedPosition),
		resolved:  make(map[string]domain.ClosedPosition),
		logger:    logger.With(slog.String("component", "ledger")),
	}
}

// Register adds a new position. The position must be in the pending state.
func (l *Ledger) Register(pos domain.PairedPosition) error {
	if pos.ID == "" {
		return fmt.Errorf("ledger: register: position ID must not be empty")
	}
	if pos.State != domain.PositionPending {
		return fmt.Errorf("ledger: register %s: expected state %q, got %q", pos.ID, domain.PositionPending, pos.State)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.positions[pos.ID]; exists {
		return fmt.Errorf("ledger: register %s: already registered", pos.ID)
	}
	p := pos
	l.positions[pos.ID] = &p

	l.logger.Info("position registered",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.Float64("size", pos.Size),
	)
	return nil
}

// Rehydrate inserts a previously persisted active position without the
// pending-state requirement. Used at startup when reloading from the store.
func (l *Ledger) Rehydrate(pos domain.PairedPosition) error {
	if pos.State.Terminal() {
		return fmt.Errorf("ledger: rehydrate %s: state %q is terminal", pos.ID, pos.State)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.positions[pos.ID]; exists {
		return fmt.Errorf("ledger: rehydrate %s: already registered", pos.ID)
	}
	p := pos
	l.positions[pos.ID] = &p
	return nil
}

// Transition moves a position to the next lifecycle state, enforcing the
// state machine edges.
func (l *Ledger) Transition(id string, next domain.PositionState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[id]
	if !ok {
		return fmt.Errorf("ledger: transition %s: %w", id, domain.ErrNotFound)
	}
	if !pos.State.CanTransition(next) {
		return fmt.Errorf("ledger: transition %s: %q -> %q is not a valid edge", id, pos.State, next)
	}
	prev := pos.State
	pos.State = next

	l.logger.Debug("position transitioned",
		slog.String("position_id", id),
		slog.String("from", string(prev)),
		slog.String("to", string(next)),
	)
	return nil
}

// SetEntry records the confirmed size, entry fill prices, and entry funding
// rates once both legs are confirmed. Coordinator-only. Size comes from the
// venue-reported fills, which may differ from the requested size.
func (l *Ledger) SetEntry(id string, size, priceLong, priceShort, fundingLong, fundingShort float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[id]
	if !ok {
		return fmt.Errorf("ledger: set entry %s: %w", id, domain.ErrNotFound)
	}
	pos.Size = size
	pos.EntryPriceLong = priceLong
	pos.EntryPriceShort = priceShort
	pos.EntryFundingLong = fundingLong
	pos.EntryFundingShort = fundingShort
	return nil
}

// RecordReentry updates one leg's entry price after a failed close attempt
// re-hedged the book, folding the realized PnL of the closed round trip into
// the position's price PnL. longLeg selects which leg was re-entered.
func (l *Ledger) RecordReentry(id string, longLeg bool, newEntry, realized float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[id]
	if !ok {
		return fmt.Errorf("ledger: record reentry %s: %w", id, domain.ErrNotFound)
	}
	if longLeg {
		pos.EntryPriceLong = newEntry
	} else {
		pos.EntryPriceShort = newEntry
	}
	pos.PricePnL += realized
	return nil
}

// AccrueFunding adds a funding payment (positive received, negative paid) to
// a position's accumulated funding PnL.
func (l *Ledger) AccrueFunding(id string, amount float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[id]
	if !ok {
		return fmt.Errorf("ledger: accrue funding %s: %w", id, domain.ErrNotFound)
	}
	pos.FundingPnL += amount
	return nil
}

// Resolve finalizes a position with the given outcome, computes realized PnL
// from the per-leg price moves plus accrued funding, and returns the closed
// record. Resolving an already resolved position returns the prior result
// with domain.ErrPositionClosed, so callers can treat repeats as no-ops.
func (l *Ledger) Resolve(id string, outcome domain.ResolveOutcome) (domain.ClosedPosition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if prior, ok := l.resolved[id]; ok {
		return prior, domain.ErrPositionClosed
	}

	pos, ok := l.positions[id]
	if !ok {
		return domain.ClosedPosition{}, fmt.Errorf("ledger: resolve %s: %w", id, domain.ErrNotFound)
	}
	if !outcome.State.Terminal() {
		return domain.ClosedPosition{}, fmt.Errorf("ledger: resolve %s: outcome state %q is not terminal", id, outcome.State)
	}
	if !pos.State.CanTransition(outcome.State) && pos.State != outcome.State {
		return domain.ClosedPosition{}, fmt.Errorf("ledger: resolve %s: %q -> %q is not a valid edge", id, pos.State, outcome.State)
	}

	now := time.Now().UTC()
	pos.State = outcome.State
	pos.ClosedAt = &now
	pos.FundingPnL += outcome.FundingPnL

	if outcome.State != domain.PositionFailed {
		exitLong := outcome.ExitPriceLong
		exitShort := outcome.ExitPriceShort
		pos.ExitPriceLong = &exitLong
		pos.ExitPriceShort = &exitShort
		pos.PricePnL += (exitLong-pos.EntryPriceLong)*pos.Size + (pos.EntryPriceShort-exitShort)*pos.Size
	}
	pos.RealizedPnL = pos.PricePnL + pos.FundingPnL

	closed := domain.ClosedPosition{
		Position:    *pos,
		PricePnL:    pos.PricePnL,
		FundingPnL:  pos.FundingPnL,
		RealizedPnL: pos.RealizedPnL,
		Emergency:   outcome.Emergency,
		ClosedAt:    now,
	}
	l.resolved[id] = closed
	delete(l.positions, id)

	l.logger.Info("position resolved",
		slog.String("position_id", id),
		slog.String("state", string(outcome.State)),
		slog.Float64("price_pnl", closed.PricePnL),
		slog.Float64("funding_pnl", closed.FundingPnL),
		slog.Float64("realized_pnl", closed.RealizedPnL),
	)
	return closed, nil
}

// Get returns a copy of the position with the given ID, open or resolved.
func (l *Ledger) Get(id string) (domain.PairedPosition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if pos, ok := l.positions[id]; ok {
		return *pos, true
	}
	if closed, ok := l.resolved[id]; ok {
		return closed.Position, true
	}
	return domain.PairedPosition{}, false
}

// Resolved returns the closed record for a resolved position.
func (l *Ledger) Resolved(id string) (domain.ClosedPosition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	closed, ok := l.resolved[id]
	return closed, ok
}

// AllActive returns copies of every unresolved position, ordered by open
// time ascending.
func (l *Ledger) AllActive() []domain.PairedPosition {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.PairedPosition, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// HasOpen reports whether any unresolved position exists for the symbol.
func (l *Ledger) HasOpen(symbol string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, pos := range l.positions {
		if pos.Symbol == symbol {
			return true
		}
	}
	return false
}
