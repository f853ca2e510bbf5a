package domain

import "time"

// PositionState is the lifecycle state of a paired position.
//
//	pending → opening → {active | hedging → active | failed}
//	active → closing → {closed | emergency_closed}
//
// failed is only reachable before any leg fills. The transient states
// (opening, hedging, closing) must resolve to an equal-size active state or
// to a terminal state within a bounded time; a position never persists with
// unequal non-zero leg sizes.
type PositionState string

const (
	PositionPending         PositionState = "pending"
	PositionOpening         PositionState = "opening"
	PositionHedging         PositionState = "hedging"
	PositionActive          PositionState = "active"
	PositionClosing         PositionState = "closing"
	PositionClosed          PositionState = "closed"
	PositionEmergencyClosed PositionState = "emergency_closed"
	PositionFailed          PositionState = "failed"
)

// Terminal reports whether the state is final.
func (s PositionState) Terminal() bool {
	switch s {
	case PositionClosed, PositionEmergencyClosed, PositionFailed:
		return true
	}
	return false
}

// validTransitions enumerates the allowed state machine edges.
var validTransitions = map[PositionState][]PositionState{
	PositionPending: {PositionOpening},
	PositionOpening: {PositionActive, PositionHedging, PositionFailed},
	PositionHedging: {PositionActive, PositionClosing, PositionEmergencyClosed},
	PositionActive:  {PositionClosing},
	// closing reverts to active when neither venue could be reached for the
	// close attempt; the position is still fully hedged in that case.
	PositionClosing: {PositionClosed, PositionEmergencyClosed, PositionActive},
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s PositionState) CanTransition(next PositionState) bool {
	for _, t := range validTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// PairedPosition is a delta-neutral pair: equal-size long and short legs on
// two venues. Size is identical on both legs whenever the position is in the
// active state.
type PairedPosition struct {
	ID         string
	Symbol     string
	LongVenue  string
	ShortVenue string
	Size       float64 // contract units, identical on both legs
	State      PositionState
	Strategy   HoldStrategy
	Regime     RateRegime

	OpenedAt      time.Time
	TargetCloseAt *time.Time

	// Entry funding rates (hourly-normalized) recorded at open, used to
	// detect polarity flips against later observations.
	EntryFundingLong  float64
	EntryFundingShort float64

	// Entry fill prices per leg.
	EntryPriceLong  float64
	EntryPriceShort float64

	// Accrued PnL components the ledger has been told about.
	FundingPnL float64
	PricePnL   float64

	ClosedAt       *time.Time
	ExitPriceLong  *float64
	ExitPriceShort *float64
	RealizedPnL    float64
}

// Notional returns the approximate position notional on the long leg.
func (p PairedPosition) Notional() float64 {
	return p.Size * p.EntryPriceLong
}

// Open reports whether either leg is still open.
func (p PairedPosition) Open() bool {
	return !p.State.Terminal()
}

// ClosedPosition is the result of a completed close cycle.
type ClosedPosition struct {
	Position    PairedPosition
	PricePnL    float64
	FundingPnL  float64
	RealizedPnL float64
	Emergency   bool // closed via the market-order fallback path
	ClosedAt    time.Time
}

// ResolveOutcome carries the terminal data the coordinator reports to the
// ledger when a lifecycle ends.
type ResolveOutcome struct {
	State          PositionState
	ExitPriceLong  float64
	ExitPriceShort float64
	FundingPnL     float64
	Emergency      bool
}
