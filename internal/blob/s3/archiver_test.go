package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/willcroft/fundarb/internal/domain"
)

type memWriter struct {
	key         string
	contentType string
	data        []byte
	err         error
	writes      int
}

func (w *memWriter) Write(_ context.Context, key string, data []byte, contentType string) error {
	w.writes++
	if w.err != nil {
		return w.err
	}
	w.key, w.data, w.contentType = key, data, contentType
	return nil
}

type memArchiveStore struct {
	resolved []domain.PairedPosition
	deleted  int64
}

func (s *memArchiveStore) ListResolvedBefore(_ context.Context, cutoff time.Time) ([]domain.PairedPosition, error) {
	var out []domain.PairedPosition
	for _, pos := range s.resolved {
		if pos.ClosedAt != nil && pos.ClosedAt.Before(cutoff) {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (s *memArchiveStore) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	doomed, _ := s.ListResolvedBefore(ctx, cutoff)
	kept := s.resolved[:0]
	for _, pos := range s.resolved {
		match := false
		for _, d := range doomed {
			if d.ID == pos.ID {
				match = true
			}
		}
		if !match {
			kept = append(kept, pos)
		}
	}
	s.resolved = kept
	s.deleted += int64(len(doomed))
	return int64(len(doomed)), nil
}

type memAudit struct {
	events  []string
	entries []domain.AuditEntry
	deleted int64
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (a *memAudit) ListBefore(_ context.Context, cutoff time.Time) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	for _, e := range a.entries {
		if e.CreatedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (a *memAudit) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	kept := a.entries[:0]
	var n int64
	for _, e := range a.entries {
		if e.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	a.entries = kept
	a.deleted += n
	return n, nil
}

func closedPosition(id string, closedAt time.Time) domain.PairedPosition {
	return domain.PairedPosition{
		ID:       id,
		Symbol:   "BTCUSDT",
		State:    domain.PositionClosed,
		ClosedAt: &closedAt,
	}
}

func TestArchivePositions(t *testing.T) {
	cutoff := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	store := &memArchiveStore{resolved: []domain.PairedPosition{
		closedPosition("old-1", cutoff.Add(-48*time.Hour)),
		closedPosition("old-2", cutoff.Add(-24*time.Hour)),
		closedPosition("recent", cutoff.Add(time.Hour)),
	}}
	writer := &memWriter{}
	audit := &memAudit{}

	n, err := NewArchiver(writer, store, audit).ArchivePositions(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if n != 2 {
		t.Fatalf("archived %d rows, want 2", n)
	}
	if writer.key != "archive/positions/2026-08.jsonl" {
		t.Fatalf("key = %q", writer.key)
	}
	if writer.contentType != "application/x-ndjson" {
		t.Fatalf("content type = %q", writer.contentType)
	}

	lines := bytes.Split(bytes.TrimRight(writer.data, "\n"), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("got %d JSONL lines, want 2", len(lines))
	}
	var row domain.PairedPosition
	if err := json.Unmarshal(lines[0], &row); err != nil {
		t.Fatalf("line 0 not valid JSON: %v", err)
	}
	if row.ID != "old-1" {
		t.Fatalf("line 0 id = %q", row.ID)
	}

	// Only the archived rows were pruned.
	if len(store.resolved) != 1 || store.resolved[0].ID != "recent" {
		t.Fatalf("store after prune = %+v", store.resolved)
	}
	if len(audit.events) != 1 || audit.events[0] != "archive.positions" {
		t.Fatalf("audit events = %v", audit.events)
	}
}

func TestArchivePositionsNothingToDo(t *testing.T) {
	writer := &memWriter{}
	n, err := NewArchiver(writer, &memArchiveStore{}, &memAudit{}).ArchivePositions(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if n != 0 || writer.writes != 0 {
		t.Fatalf("empty archive wrote n=%d writes=%d", n, writer.writes)
	}
}

func TestArchiveAudit(t *testing.T) {
	cutoff := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	audit := &memAudit{entries: []domain.AuditEntry{
		{ID: 1, Event: "position.opened", CreatedAt: cutoff.Add(-72 * time.Hour)},
		{ID: 2, Event: "position.closed", CreatedAt: cutoff.Add(-24 * time.Hour)},
		{ID: 3, Event: "position.opened", CreatedAt: cutoff.Add(time.Hour)},
	}}
	writer := &memWriter{}

	n, err := NewArchiver(writer, &memArchiveStore{}, audit).ArchiveAudit(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if n != 2 {
		t.Fatalf("archived %d entries, want 2", n)
	}
	if writer.key != "archive/audit/2026-08.jsonl" {
		t.Fatalf("key = %q", writer.key)
	}

	lines := bytes.Split(bytes.TrimRight(writer.data, "\n"), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("got %d JSONL lines, want 2", len(lines))
	}
	var row domain.AuditEntry
	if err := json.Unmarshal(lines[0], &row); err != nil {
		t.Fatalf("line 0 not valid JSON: %v", err)
	}
	if row.ID != 1 {
		t.Fatalf("line 0 id = %d", row.ID)
	}

	// Entries newer than the cutoff survive the prune, and the summary entry
	// was logged after it.
	if len(audit.entries) != 1 || audit.entries[0].ID != 3 {
		t.Fatalf("entries after prune = %+v", audit.entries)
	}
	if len(audit.events) != 1 || audit.events[0] != "archive.audit" {
		t.Fatalf("audit events = %v", audit.events)
	}
}

func TestArchivePositionsUploadFailureKeepsRows(t *testing.T) {
	cutoff := time.Now().UTC()
	store := &memArchiveStore{resolved: []domain.PairedPosition{
		closedPosition("old-1", cutoff.Add(-time.Hour)),
	}}
	writer := &memWriter{err: errors.New("bucket unavailable")}

	_, err := NewArchiver(writer, store, &memAudit{}).ArchivePositions(context.Background(), cutoff)
	if err == nil {
		t.Fatal("expected upload failure to surface")
	}
	if len(store.resolved) != 1 {
		t.Fatal("rows must not be deleted when the upload fails")
	}
}
