package domain

import (
	"context"
	"time"
)

// QuoteCache holds the latest funding quote per (venue, symbol) so the
// evaluator and close watcher read one consistent snapshot per cycle.
type QuoteCache interface {
	SetQuote(ctx context.Context, q FundingQuote) error
	GetQuote(ctx context.Context, venue, symbol string) (FundingQuote, error)
	GetQuotes(ctx context.Context, symbol string, venues []string) (map[string]FundingQuote, error)
}

// LockManager serializes open/close attempts per symbol. Acquire returns
// ErrLockHeld when another attempt is already in flight.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// SignalBus delivers opaque close-now signals and lifecycle events between
// the engine loops and external tooling.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// BlobWriter writes a serialized object to blob storage under the given key.
type BlobWriter interface {
	Write(ctx context.Context, key string, data []byte, contentType string) error
}
