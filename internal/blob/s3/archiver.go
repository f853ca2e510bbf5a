package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/willcroft/fundarb/internal/domain"
)

// PositionArchiveStore is the narrow store surface the archiver needs: the
// query for rows to export and the delete that runs only after a verified
// upload.
type PositionArchiveStore interface {
	ListResolvedBefore(ctx context.Context, cutoff time.Time) ([]domain.PairedPosition, error)
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Archiver exports resolved paired positions to S3 as JSONL and then prunes
// them from the primary store. Deletion happens only after a successful
// upload so an archive failure never loses history.
type Archiver struct {
	writer    domain.BlobWriter
	positions PositionArchiveStore
	audit     domain.AuditStore
}

// NewArchiver creates a new Archiver.
func NewArchiver(writer domain.BlobWriter, positions PositionArchiveStore, audit domain.AuditStore) *Archiver {
	return &Archiver{
		writer:    writer,
		positions: positions,
		audit:     audit,
	}
}

// ArchivePositions exports all terminal positions resolved before the cutoff
// to archive/positions/YYYY-MM.jsonl, deletes them from the store, and
// records the event in the audit log. It returns the number of archived rows.
func (a *Archiver) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.positions.ListResolvedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path := archivePath("positions", before)
	if err := a.writer.Write(ctx, path, buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	deleted, err := a.positions.DeleteResolvedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions prune: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.positions", map[string]any{
		"path":    path,
		"count":   len(positions),
		"deleted": deleted,
		"before":  before.Format(time.RFC3339),
	}); err != nil {
		return int64(len(positions)), fmt.Errorf("s3blob: archive positions audit log: %w", err)
	}

	return int64(len(positions)), nil
}

// ArchiveAudit exports audit entries older than the cutoff to
// archive/audit/YYYY-MM.jsonl and prunes them, with the same
// upload-before-delete ordering as positions. The summary entry logged
// afterwards is newer than the cutoff, so it survives the prune.
func (a *Archiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before)
	if err := a.writer.Write(ctx, path, buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	deleted, err := a.audit.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit prune: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.audit", map[string]any{
		"path":    path,
		"count":   len(entries),
		"deleted": deleted,
		"before":  before.Format(time.RFC3339),
	}); err != nil {
		return int64(len(entries)), fmt.Errorf("s3blob: archive audit log: %w", err)
	}

	return int64(len(entries)), nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/positions/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
