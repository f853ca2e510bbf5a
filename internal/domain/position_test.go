package domain

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to PositionState
		ok       bool
	}{
		{PositionPending, PositionOpening, true},
		{PositionOpening, PositionActive, true},
		{PositionOpening, PositionHedging, true},
		{PositionOpening, PositionFailed, true},
		{PositionHedging, PositionActive, true},
		{PositionHedging, PositionEmergencyClosed, true},
		{PositionActive, PositionClosing, true},
		{PositionClosing, PositionClosed, true},
		{PositionClosing, PositionEmergencyClosed, true},
		{PositionClosing, PositionActive, true},

		{PositionPending, PositionActive, false},
		{PositionActive, PositionFailed, false},
		{PositionActive, PositionClosed, false},
		{PositionClosed, PositionActive, false},
		{PositionFailed, PositionOpening, false},
		{PositionEmergencyClosed, PositionClosing, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	terminal := []PositionState{PositionClosed, PositionEmergencyClosed, PositionFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	live := []PositionState{PositionPending, PositionOpening, PositionHedging, PositionActive, PositionClosing}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestClassifyRegime(t *testing.T) {
	cases := []struct {
		rateA, rateB float64
		want         RateRegime
	}{
		{-0.001, -0.002, RegimeBothNegative},
		{0.001, 0.002, RegimeBothPositive},
		{-0.001, 0.002, RegimeStandard},
		{0.001, -0.002, RegimeMixed},
		// Zero counts as non-negative on either side.
		{0, 0, RegimeBothPositive},
		{0, -0.002, RegimeMixed},
		{-0.001, 0, RegimeStandard},
	}
	for _, c := range cases {
		if got := ClassifyRegime(c.rateA, c.rateB); got != c.want {
			t.Errorf("ClassifyRegime(%v, %v) = %s, want %s", c.rateA, c.rateB, got, c.want)
		}
	}
}
