package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists paired-position history. The in-memory ledger is the
// runtime authority; the store is the durable record that survives restarts.
type PositionStore interface {
	Create(ctx context.Context, pos PairedPosition) error
	Update(ctx context.Context, pos PairedPosition) error
	GetByID(ctx context.Context, id string) (PairedPosition, error)
	ListActive(ctx context.Context) ([]PairedPosition, error)
	ListHistory(ctx context.Context, symbol string, opts ListOpts) ([]PairedPosition, error)
	ListResolvedBefore(ctx context.Context, cutoff time.Time) ([]PairedPosition, error)
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// FundingRateStore persists observed funding quotes for later analysis.
type FundingRateStore interface {
	InsertBatch(ctx context.Context, quotes []FundingQuote) error
	ListRecent(ctx context.Context, venue, symbol string, limit int) ([]FundingQuote, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists the append-only trail of lifecycle events (opens,
// closes, emergencies, archival passes). ListBefore and DeleteBefore support
// the archiver's export-then-prune cycle.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, cutoff time.Time) ([]AuditEntry, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
