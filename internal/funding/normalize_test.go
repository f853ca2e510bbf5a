package funding

import (
	"testing"
	"time"
)

func TestNormalizeHourlyEquivalent(t *testing.T) {
	n, err := Normalize(quote("beta", -0.01, 8*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(n.PerHour, -0.00125) {
		t.Fatalf("per hour = %v, want -0.00125", n.PerHour)
	}
	if n.IntervalHours != 8 {
		t.Fatalf("interval hours = %v, want 8", n.IntervalHours)
	}
}

func TestNormalizeRejectsInvalidQuote(t *testing.T) {
	q := quote("alpha", -0.003, 0)
	if _, err := Normalize(q); err == nil {
		t.Fatal("expected error for zero settlement interval")
	}

	q = quote("", -0.003, time.Hour)
	if _, err := Normalize(q); err == nil {
		t.Fatal("expected error for missing venue")
	}
}
