package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrStaleQuote       = errors.New("funding quote stale")
	ErrOrderRejected    = errors.New("order rejected by venue")
	ErrFillTimeout      = errors.New("no fill within wait window")
	ErrAsymmetricFill   = errors.New("one leg filled without the other")
	ErrVenueUnavailable = errors.New("venue unavailable")
	ErrPositionClosed   = errors.New("position already closed")
	ErrAttemptInFlight  = errors.New("attempt already in flight for symbol")
	ErrLockHeld         = errors.New("lock already held")
)
