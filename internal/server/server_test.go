package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loganchor/loganchor/internal/record"
	"github.com/loganchor/loganchor/internal/scheduler"
	"github.com/loganchor/loganchor/internal/store"
	"github.com/loganchor/loganchor/internal/verify"
	"github.com/loganchor/loganchor/internal/wal"
)

type fakeStore struct {
	records map[string]*record.Record
}

func newFakeStore() *fakeStore { return &fakeStore{records: map[string]*record.Record{}} }

func (f *fakeStore) InsertSyncControl(ctx context.Context, sc *record.SyncControl) error { return nil }
func (f *fakeStore) FindRecordByID(ctx context.Context, id string) (*record.Record, error) {
	r, ok := f.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}
func (f *fakeStore) FindRecords(ctx context.Context, filter store.RecordFilter, page store.Page) ([]*record.Record, error) {
	var out []*record.Record
	for _, r := range f.records {
		out = append(out, r)
	}
	return out, nil
}
func (f *fakeStore) CountRecords(ctx context.Context, filter store.RecordFilter) (int, error) {
	return len(f.records), nil
}
func (f *fakeStore) AggregateBatches(ctx context.Context, page store.Page) ([]store.BatchSummary, error) {
	return nil, nil
}
func (f *fakeStore) AggregateSyncStats(ctx context.Context) (store.SyncStats, error) {
	return store.SyncStats{Total: len(f.records)}, nil
}
func (f *fakeStore) DeleteRecord(ctx context.Context, id string) error {
	if _, ok := f.records[id]; !ok {
		return store.ErrNotFound
	}
	return nil
}
func (f *fakeStore) GetBatch(ctx context.Context, batchID string) (*record.MerkleBatch, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) FindByBatch(ctx context.Context, batchID string) ([]*record.Record, error) {
	return nil, nil
}
func (f *fakeStore) Health(ctx context.Context) error { return nil }

type fakeWAL struct {
	appended []*record.Record
	failNext bool
}

func (f *fakeWAL) Append(r *record.Record) error {
	if f.failNext {
		return context.DeadlineExceeded
	}
	f.appended = append(f.appended, r)
	return nil
}
func (f *fakeWAL) Stats() wal.Stats { return wal.Stats{PendingGauge: len(f.appended)} }
func (f *fakeWAL) ForceDrain()      {}

type fakeScheduler struct {
	submitOK bool
}

func (f *fakeScheduler) Submit(batchSize int) bool   { return f.submitOK }
func (f *fakeScheduler) Stats() scheduler.Stats       { return scheduler.Stats{TotalBatches: 2} }

type fakeCache struct {
	invalidated []string
}

func (f *fakeCache) Invalidate(ctx context.Context, key string) {
	f.invalidated = append(f.invalidated, key)
}

type fakeVerifier struct {
	report *verify.Report
	err    error
}

func (f *fakeVerifier) VerifyBatch(ctx context.Context, batchID string) (*verify.Report, error) {
	return f.report, f.err
}

func TestHandleIngest_ValidRequestReturns201(t *testing.T) {
	s := newFakeStore()
	w := &fakeWAL{}
	h := New(s, w, nil, nil, nil)

	body := strings.NewReader(`{"source":"app","level":"INFO","message":"hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/logs", body)
	rec := httptest.NewRecorder()

	h.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(w.appended) != 1 {
		t.Fatalf("expected 1 record appended to wal, got %d", len(w.appended))
	}
}

func TestHandleIngest_MissingSourceReturns400(t *testing.T) {
	h := New(newFakeStore(), &fakeWAL{}, nil, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/logs", strings.NewReader(`{"level":"INFO","message":"m"}`))
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleIngest_InvalidLevelReturns400(t *testing.T) {
	h := New(newFakeStore(), &fakeWAL{}, nil, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/logs", strings.NewReader(`{"source":"s","level":"NOPE","message":"m"}`))
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleLogByID_NotFoundReturns404(t *testing.T) {
	h := New(newFakeStore(), &fakeWAL{}, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/logs/missing", nil)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleForceBatch_QueueFullReturns429(t *testing.T) {
	h := New(newFakeStore(), &fakeWAL{}, &fakeScheduler{submitOK: false}, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/merkle/force-batch", nil)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestHandleVerifyBatch_NotFoundReturns404(t *testing.T) {
	h := New(newFakeStore(), &fakeWAL{}, nil, &fakeVerifier{err: verify.ErrBatchNotFound}, nil)
	req := httptest.NewRequest(http.MethodGet, "/merkle/verify/missing", nil)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleVerifyBatch_ValidReturnsReport(t *testing.T) {
	report := &verify.Report{BatchID: "b1", Status: verify.StatusValid}
	h := New(newFakeStore(), &fakeWAL{}, nil, &fakeVerifier{report: report}, nil)
	req := httptest.NewRequest(http.MethodGet, "/merkle/verify/b1", nil)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got verify.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != verify.StatusValid {
		t.Fatalf("expected VALID, got %s", got.Status)
	}
}

func TestHandleLogByID_DeleteReturns200AndInvalidates(t *testing.T) {
	s := newFakeStore()
	rec1 := &record.Record{ID: "r1", Source: "app", Level: record.SeverityInfo, Message: "m"}
	rec1.SetHash()
	s.records["r1"] = rec1

	h := New(s, &fakeWAL{}, nil, nil, nil)
	c := &fakeCache{}
	h.cache = c
	req := httptest.NewRequest(http.MethodDelete, "/logs/r1", nil)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, err := s.FindRecordByID(context.Background(), "r1"); errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected record to be kept by the no-op delete, got %v", err)
	}
	if len(c.invalidated) != 1 || c.invalidated[0] != "r1" {
		t.Fatalf("expected cache entry r1 to be invalidated, got %v", c.invalidated)
	}
}

func TestHandleLogByID_DeleteMissingReturns404(t *testing.T) {
	h := New(newFakeStore(), &fakeWAL{}, nil, nil, nil)
	req := httptest.NewRequest(http.MethodDelete, "/logs/missing", nil)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleForceBatchMulti_SubmitsUpToTenAndReturnsCount(t *testing.T) {
	h := New(newFakeStore(), &fakeWAL{}, &fakeScheduler{submitOK: true}, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/merkle/force-batch", nil)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var got map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["submitted"] != maxForceBatchJobs {
		t.Fatalf("expected %d jobs submitted, got %d", maxForceBatchJobs, got["submitted"])
	}
}

func TestHandleVerifyBatch_CorruptedReturns409(t *testing.T) {
	report := &verify.Report{BatchID: "b1", Status: verify.StatusCorrupted}
	h := New(newFakeStore(), &fakeWAL{}, nil, &fakeVerifier{report: report}, nil)
	req := httptest.NewRequest(http.MethodGet, "/merkle/verify/b1", nil)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleHealth_OKWhenStoreHealthy(t *testing.T) {
	h := New(newFakeStore(), &fakeWAL{}, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleMerkleStats_ServiceUnavailableWhenNoScheduler(t *testing.T) {
	h := New(newFakeStore(), &fakeWAL{}, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/merkle/stats", nil)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
