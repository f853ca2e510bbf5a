package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/willcroft/fundarb/internal/domain"
)

// AuditStore persists the lifecycle trail ("position.opened",
// "position.close_failed", "archive.positions", ...) as append-only rows with
// a JSONB detail payload.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates an AuditStore backed by the given connection pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends one entry. The detail map carries whatever the emitting loop
// recorded (position IDs, sizes, error strings).
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	payload, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_log (event, detail) VALUES ($1, $2)`, event, payload)
	if err != nil {
		return fmt.Errorf("postgres: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns entries newest-first with pagination and optional time bounds.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	clauses := []string{"SELECT id, event, detail, created_at FROM audit_log"}
	var conds []string
	var args []any

	if opts.Since != nil {
		args = append(args, *opts.Since)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		conds = append(conds, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	if len(conds) > 0 {
		clauses = append(clauses, "WHERE "+strings.Join(conds, " AND "))
	}
	clauses = append(clauses, "ORDER BY created_at DESC")

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		clauses = append(clauses, fmt.Sprintf("LIMIT $%d", len(args)))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		clauses = append(clauses, fmt.Sprintf("OFFSET $%d", len(args)))
	}

	rows, err := s.pool.Query(ctx, strings.Join(clauses, " "), args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

// ListBefore returns entries older than the cutoff, oldest first, for the
// archiver's export pass.
func (s *AuditStore) ListBefore(ctx context.Context, cutoff time.Time) ([]domain.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event, detail, created_at FROM audit_log
		 WHERE created_at < $1
		 ORDER BY created_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries before cutoff: %w", err)
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

// DeleteBefore prunes entries older than the cutoff and returns the number of
// rows removed. Callers archive before deleting.
func (s *AuditStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM audit_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete audit entries before cutoff: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanAuditEntries(rows pgx.Rows) ([]domain.AuditEntry, error) {
	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Event, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		if payload != nil {
			if err := json.Unmarshal(payload, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: audit entries rows: %w", err)
	}
	return entries, nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
