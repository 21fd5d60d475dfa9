package verify

import (
	"context"
	"testing"
	"time"

	"github.com/loganchor/loganchor/internal/merkle"
	"github.com/loganchor/loganchor/internal/record"
)

type fakeStore struct {
	records []*record.Record
}

func (f *fakeStore) FindByBatch(ctx context.Context, batchID string) ([]*record.Record, error) {
	var out []*record.Record
	for _, r := range f.records {
		if r.BatchID == batchID {
			out = append(out, r)
		}
	}
	return out, nil
}

func makeBatch(t *testing.T, n int) []*record.Record {
	t.Helper()
	var records []*record.Record
	var hashes []string
	base := time.Now()
	for i := 0; i < n; i++ {
		r := &record.Record{
			ID:        string(rune('a' + i)),
			Source:    "s",
			Level:     record.SeverityInfo,
			Message:   "m",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		r.SetHash()
		records = append(records, r)
		hashes = append(hashes, r.Hash)
	}
	root, err := merkle.Root(hashes)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range records {
		r.BatchID = "batch-1"
		r.MerkleRoot = root
	}
	return records
}

func TestVerifyBatch_Valid(t *testing.T) {
	records := makeBatch(t, 4)
	v := New(&fakeStore{records: records}, nil)

	report, err := v.VerifyBatch(context.Background(), "batch-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != StatusValid {
		t.Fatalf("expected VALID, got %s (%s)", report.Status, report.Reason)
	}
}

func TestVerifyBatch_NotFound(t *testing.T) {
	v := New(&fakeStore{}, nil)
	_, err := v.VerifyBatch(context.Background(), "missing")
	if err != ErrBatchNotFound {
		t.Fatalf("expected ErrBatchNotFound, got %v", err)
	}
}

func TestVerifyBatch_TamperedMessageDetected(t *testing.T) {
	records := makeBatch(t, 3)
	records[1].Message = "tampered"

	v := New(&fakeStore{records: records}, nil)
	report, err := v.VerifyBatch(context.Background(), "batch-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != StatusCorrupted {
		t.Fatal("expected CORRUPTED after message tampering")
	}
	if report.ComputedRoot == report.StoredRoot {
		t.Fatal("expected recomputed root to diverge from the stored root after tampering")
	}
}

func TestVerifyBatch_StoredRootMismatchDetected(t *testing.T) {
	records := makeBatch(t, 3)
	records[0].MerkleRoot = "not-the-real-root"

	v := New(&fakeStore{records: records}, nil)
	report, err := v.VerifyBatch(context.Background(), "batch-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != StatusCorrupted {
		t.Fatal("expected CORRUPTED when a record's stored root diverges")
	}
}

type fakeLedger struct {
	root string
	err  error
}

func (l *fakeLedger) QueryBatch(ctx context.Context, batchID string) (string, int, error) {
	if l.err != nil {
		return "", 0, l.err
	}
	return l.root, 0, nil
}

func TestVerifyBatch_LedgerRootMismatchDetected(t *testing.T) {
	records := makeBatch(t, 2)
	v := New(&fakeStore{records: records}, &fakeLedger{root: "different-root"})

	report, err := v.VerifyBatch(context.Background(), "batch-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != StatusCorrupted || !report.LedgerChecked {
		t.Fatalf("expected CORRUPTED with ledger checked, got %+v", report)
	}
}

func TestVerifyBatch_LedgerRootMatchIsValid(t *testing.T) {
	records := makeBatch(t, 2)
	root := records[0].MerkleRoot
	v := New(&fakeStore{records: records}, &fakeLedger{root: root})

	report, err := v.VerifyBatch(context.Background(), "batch-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != StatusValid {
		t.Fatalf("expected VALID, got %s", report.Status)
	}
}
