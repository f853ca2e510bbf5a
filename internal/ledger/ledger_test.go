package ledger

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/willcroft/fundarb/internal/domain"
)

func newTestLedger() *Ledger {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func pendingPosition(id string) domain.PairedPosition {
	return domain.PairedPosition{
		ID:         id,
		Symbol:     "BTCUSDT",
		LongVenue:  "alpha",
		ShortVenue: "beta",
		Size:       0.5,
		State:      domain.PositionPending,
		Strategy:   domain.StrategyEarlyClose,
		Regime:     domain.RegimeBothNegative,
		OpenedAt:   time.Now().UTC(),
	}
}

func TestRegisterRequiresPending(t *testing.T) {
	l := newTestLedger()

	pos := pendingPosition("p1")
	pos.State = domain.PositionActive
	if err := l.Register(pos); err == nil {
		t.Fatal("expected error registering a non-pending position")
	}

	pos.State = domain.PositionPending
	pos.ID = ""
	if err := l.Register(pos); err == nil {
		t.Fatal("expected error registering without an ID")
	}

	pos.ID = "p1"
	if err := l.Register(pos); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := l.Register(pos); err == nil {
		t.Fatal("expected error on duplicate registration")
	}
}

func TestTransitionEnforcesEdges(t *testing.T) {
	l := newTestLedger()
	if err := l.Register(pendingPosition("p1")); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := l.Transition("p1", domain.PositionActive); err == nil {
		t.Fatal("pending -> active must be rejected")
	}
	for _, next := range []domain.PositionState{
		domain.PositionOpening,
		domain.PositionActive,
		domain.PositionClosing,
	} {
		if err := l.Transition("p1", next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
	// A failed close attempt on a fully hedged book reverts to active.
	if err := l.Transition("p1", domain.PositionActive); err != nil {
		t.Fatalf("closing -> active: %v", err)
	}

	if err := l.Transition("missing", domain.PositionOpening); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("transition on unknown ID: got %v, want ErrNotFound", err)
	}
}

func TestResolveComputesRealizedPnL(t *testing.T) {
	l := newTestLedger()
	if err := l.Register(pendingPosition("p1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	mustTransition(t, l, "p1", domain.PositionOpening, domain.PositionActive)

	if err := l.SetEntry("p1", 2, 100, 101, -0.003, -0.00125); err != nil {
		t.Fatalf("set entry: %v", err)
	}
	if err := l.AccrueFunding("p1", 1.5); err != nil {
		t.Fatalf("accrue funding: %v", err)
	}
	mustTransition(t, l, "p1", domain.PositionClosing)

	closed, err := l.Resolve("p1", domain.ResolveOutcome{
		State:          domain.PositionClosed,
		ExitPriceLong:  103,
		ExitPriceShort: 104,
		FundingPnL:     0.5,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Long leg: (103-100)*2 = 6. Short leg: (101-104)*2 = -6. Funding: 1.5+0.5.
	if closed.PricePnL != 0 {
		t.Fatalf("price pnl = %v, want 0", closed.PricePnL)
	}
	if closed.FundingPnL != 2 {
		t.Fatalf("funding pnl = %v, want 2", closed.FundingPnL)
	}
	if closed.RealizedPnL != 2 {
		t.Fatalf("realized pnl = %v, want 2", closed.RealizedPnL)
	}
	if closed.Position.State != domain.PositionClosed {
		t.Fatalf("state = %s, want closed", closed.Position.State)
	}
	if closed.Position.ExitPriceLong == nil || *closed.Position.ExitPriceLong != 103 {
		t.Fatal("exit price long not recorded")
	}

	if got := l.AllActive(); len(got) != 0 {
		t.Fatalf("resolved position still active: %d entries", len(got))
	}
	if _, ok := l.Resolved("p1"); !ok {
		t.Fatal("resolved record missing")
	}
	if _, ok := l.Get("p1"); !ok {
		t.Fatal("Get should still find the resolved position")
	}
}

func TestResolveIdempotent(t *testing.T) {
	l := newTestLedger()
	if err := l.Register(pendingPosition("p1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	mustTransition(t, l, "p1", domain.PositionOpening, domain.PositionActive, domain.PositionClosing)

	first, err := l.Resolve("p1", domain.ResolveOutcome{
		State:          domain.PositionClosed,
		ExitPriceLong:  100,
		ExitPriceShort: 100,
	})
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	again, err := l.Resolve("p1", domain.ResolveOutcome{
		State:          domain.PositionClosed,
		ExitPriceLong:  999,
		ExitPriceShort: 999,
	})
	if !errors.Is(err, domain.ErrPositionClosed) {
		t.Fatalf("repeat resolve: got %v, want ErrPositionClosed", err)
	}
	if again.ClosedAt != first.ClosedAt || again.RealizedPnL != first.RealizedPnL {
		t.Fatal("repeat resolve must return the prior record unchanged")
	}
}

func TestResolveFailedSkipsPriceLegs(t *testing.T) {
	l := newTestLedger()
	if err := l.Register(pendingPosition("p1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	mustTransition(t, l, "p1", domain.PositionOpening)

	closed, err := l.Resolve("p1", domain.ResolveOutcome{State: domain.PositionFailed})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if closed.Position.ExitPriceLong != nil || closed.Position.ExitPriceShort != nil {
		t.Fatal("failed position must not record exit prices")
	}
	if closed.RealizedPnL != 0 {
		t.Fatalf("realized pnl = %v, want 0", closed.RealizedPnL)
	}
}

func TestResolveRejectsBadOutcome(t *testing.T) {
	l := newTestLedger()
	if err := l.Register(pendingPosition("p1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	mustTransition(t, l, "p1", domain.PositionOpening, domain.PositionActive)

	if _, err := l.Resolve("p1", domain.ResolveOutcome{State: domain.PositionActive}); err == nil {
		t.Fatal("non-terminal outcome must be rejected")
	}
	// active -> closed is not a legal edge; the close must go through closing.
	if _, err := l.Resolve("p1", domain.ResolveOutcome{State: domain.PositionClosed}); err == nil {
		t.Fatal("active -> closed must be rejected")
	}
}

func TestRecordReentry(t *testing.T) {
	l := newTestLedger()
	if err := l.Register(pendingPosition("p1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	mustTransition(t, l, "p1", domain.PositionOpening, domain.PositionActive)
	if err := l.SetEntry("p1", 1, 100, 101, 0, 0); err != nil {
		t.Fatalf("set entry: %v", err)
	}

	// Short leg closed at 99 and re-entered at 98: +2 realized on the round
	// trip, new short entry 98.
	if err := l.RecordReentry("p1", false, 98, 2); err != nil {
		t.Fatalf("record reentry: %v", err)
	}
	pos, ok := l.Get("p1")
	if !ok {
		t.Fatal("position missing")
	}
	if pos.EntryPriceShort != 98 {
		t.Fatalf("entry price short = %v, want 98", pos.EntryPriceShort)
	}
	if pos.EntryPriceLong != 100 {
		t.Fatalf("entry price long = %v, want 100 unchanged", pos.EntryPriceLong)
	}
	if pos.PricePnL != 2 {
		t.Fatalf("price pnl = %v, want 2", pos.PricePnL)
	}

	mustTransition(t, l, "p1", domain.PositionClosing)
	closed, err := l.Resolve("p1", domain.ResolveOutcome{
		State:          domain.PositionClosed,
		ExitPriceLong:  100,
		ExitPriceShort: 98,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if math.Abs(closed.RealizedPnL-2) > 1e-12 {
		t.Fatalf("realized pnl = %v, want 2", closed.RealizedPnL)
	}
}

func TestRehydrate(t *testing.T) {
	l := newTestLedger()

	pos := pendingPosition("p1")
	pos.State = domain.PositionActive
	if err := l.Rehydrate(pos); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if !l.HasOpen("BTCUSDT") {
		t.Fatal("rehydrated position not visible")
	}

	closedPos := pendingPosition("p2")
	closedPos.State = domain.PositionClosed
	if err := l.Rehydrate(closedPos); err == nil {
		t.Fatal("expected error rehydrating a terminal position")
	}
}

func TestAllActiveOrdering(t *testing.T) {
	l := newTestLedger()

	older := pendingPosition("p1")
	older.OpenedAt = time.Now().UTC().Add(-time.Hour)
	newer := pendingPosition("p2")
	newer.Symbol = "ETHUSDT"

	if err := l.Register(newer); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := l.Register(older); err != nil {
		t.Fatalf("register: %v", err)
	}

	active := l.AllActive()
	if len(active) != 2 {
		t.Fatalf("got %d active positions, want 2", len(active))
	}
	if active[0].ID != "p1" || active[1].ID != "p2" {
		t.Fatalf("ordering = [%s %s], want oldest first", active[0].ID, active[1].ID)
	}
	if l.HasOpen("SOLUSDT") {
		t.Fatal("HasOpen reported a symbol with no positions")
	}
}

func mustTransition(t *testing.T, l *Ledger, id string, states ...domain.PositionState) {
	t.Helper()
	for _, s := range states {
		if err := l.Transition(id, s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
}
