package store

import (
	"context"
	"testing"

	"github.com/loganchor/loganchor/internal/record"
)

// Firestore requires a live project or emulator, neither of which is
// available here, so these tests exercise the store's disabled/no-op mode
// (used in local development, per New's doc comment) and the pure helpers.

func newDisabledStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNew_RequiresProjectIDWhenEnabled(t *testing.T) {
	_, err := New(context.Background(), Config{Enabled: true})
	if err == nil {
		t.Fatal("expected error when enabled without a project id")
	}
}

func TestDisabledStore_HealthIsNoop(t *testing.T) {
	s := newDisabledStore(t)
	if err := s.Health(context.Background()); err != nil {
		t.Fatalf("disabled store health should never fail, got %v", err)
	}
}

func TestDisabledStore_InsertRecordSucceeds(t *testing.T) {
	s := newDisabledStore(t)
	r := &record.Record{ID: "r1", Source: "s", Level: record.SeverityInfo}
	if err := s.InsertRecord(context.Background(), r); err != nil {
		t.Fatalf("disabled store insert should no-op, got %v", err)
	}
}

func TestDisabledStore_FindRecordByIDReturnsNotFound(t *testing.T) {
	s := newDisabledStore(t)
	_, err := s.FindRecordByID(context.Background(), "missing")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDisabledStore_TagBatchReportsFullCount(t *testing.T) {
	s := newDisabledStore(t)
	n, err := s.TagBatch(context.Background(), []string{"a", "b", "c"}, "batch-1", "root")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3, got %d", n)
	}
}

func TestDisabledStore_AggregateSyncStatsIsZeroValue(t *testing.T) {
	s := newDisabledStore(t)
	stats, err := s.AggregateSyncStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 0 {
		t.Fatalf("expected zero-value stats, got %+v", stats)
	}
}

func TestDisabledStore_DeleteRecordReturnsNotFound(t *testing.T) {
	s := newDisabledStore(t)
	if err := s.DeleteRecord(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDisabledStore_GetBatchReturnsNotFound(t *testing.T) {
	s := newDisabledStore(t)
	if _, err := s.GetBatch(context.Background(), "batch-1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDisabledStore_CloseIsSafe(t *testing.T) {
	s := newDisabledStore(t)
	if err := s.Close(); err != nil {
		t.Fatalf("close on disabled store should be a no-op, got %v", err)
	}
}
