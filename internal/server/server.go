// Package server provides the thin HTTP Handlers layer of spec §6: plain
// net/http handlers registered on a ServeMux, each holding injected
// component references rather than package-level singletons. Adapted from
// the certen-validator's pkg/server batch_handlers.go (method-check,
// decode-validate-call-encode shape, writeJSONError helper) and
// main.go's mux registration. The HTTP framework itself (routing library,
// middleware stack) is out of scope; net/http's ServeMux is the whole of
// it, matching the teacher.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loganchor/loganchor/internal/record"
	"github.com/loganchor/loganchor/internal/scheduler"
	"github.com/loganchor/loganchor/internal/store"
	"github.com/loganchor/loganchor/internal/verify"
	"github.com/loganchor/loganchor/internal/wal"
)

// Store is the subset of the Record Store the handlers depend on.
type Store interface {
	InsertSyncControl(ctx context.Context, sc *record.SyncControl) error
	FindRecordByID(ctx context.Context, id string) (*record.Record, error)
	FindRecords(ctx context.Context, filter store.RecordFilter, page store.Page) ([]*record.Record, error)
	CountRecords(ctx context.Context, filter store.RecordFilter) (int, error)
	DeleteRecord(ctx context.Context, id string) error
	AggregateBatches(ctx context.Context, page store.Page) ([]store.BatchSummary, error)
	AggregateSyncStats(ctx context.Context) (store.SyncStats, error)
	GetBatch(ctx context.Context, batchID string) (*record.MerkleBatch, error)
	FindByBatch(ctx context.Context, batchID string) ([]*record.Record, error)
	Health(ctx context.Context) error
}

// Appender is the subset of the WAL the ingest handler depends on.
type Appender interface {
	Append(r *record.Record) error
	Stats() wal.Stats
	ForceDrain()
}

// BatchSubmitter is the subset of the scheduler the handlers depend on.
type BatchSubmitter interface {
	Submit(batchSize int) bool
	Stats() scheduler.Stats
}

// BatchVerifier is the subset of the verifier the handlers depend on.
type BatchVerifier interface {
	VerifyBatch(ctx context.Context, batchID string) (*verify.Report, error)
}

// Cache is the per-id read-through cache invalidated on delete. Spec treats
// the cache implementation as an external collaborator specified only by
// its invalidation contract; this interface is that contract.
type Cache interface {
	Invalidate(ctx context.Context, key string)
}

// Handlers holds every HTTP handler's dependencies and exposes a Mux ready
// to be served.
type Handlers struct {
	store     Store
	wal       Appender
	scheduler BatchSubmitter
	verifier  BatchVerifier
	cache     Cache
	logger    *log.Logger
}

// New builds the Handlers. Any dependency may be nil for a component
// that has been disabled in configuration; routes that need it return
// 503 Service Unavailable.
func New(store Store, w Appender, sched BatchSubmitter, verifier BatchVerifier, logger *log.Logger) *Handlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	return &Handlers{store: store, wal: w, scheduler: sched, verifier: verifier, logger: logger}
}

// Mux builds the ServeMux with every route of spec §6 registered.
func (h *Handlers) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/logs", h.handleLogs)
	mux.HandleFunc("/logs/", h.handleLogByID)

	mux.HandleFunc("/merkle/batch", h.handleForceBatch)
	mux.HandleFunc("/merkle/force-batch", h.handleForceBatchMulti)
	mux.HandleFunc("/merkle/batches", h.handleListBatches)
	mux.HandleFunc("/merkle/batch/", h.handleBatchByID)
	mux.HandleFunc("/merkle/verify/", h.handleVerifyBatch)
	mux.HandleFunc("/merkle/stats", h.handleMerkleStats)

	mux.HandleFunc("/wal/stats", h.handleWALStats)
	mux.HandleFunc("/wal/force-process", h.handleWALForceProcess)
	mux.HandleFunc("/wal/health", h.handleWALHealth)

	mux.HandleFunc("/stats", h.handleStats)
	mux.HandleFunc("/health", h.handleHealth)

	return mux
}

// ingestRequest is the POST /logs request body.
type ingestRequest struct {
	Timestamp  string            `json:"timestamp"`
	Source     string            `json:"source"`
	Level      record.Severity   `json:"level"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Stacktrace string            `json:"stacktrace,omitempty"`
}

func (h *Handlers) handleLogs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodPost:
		h.handleIngest(w, r)
	case http.MethodGet:
		h.handleListRecords(w, r)
	default:
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleIngest implements POST /logs: validate, hash, append to the WAL,
// and acknowledge only after the WAL has fsynced the entry.
func (h *Handlers) handleIngest(w http.ResponseWriter, r *http.Request) {
	if h.wal == nil {
		writeJSONError(w, "ingest is not available", http.StatusServiceUnavailable)
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if req.Source == "" {
		writeJSONError(w, "source is required", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		writeJSONError(w, "message is required", http.StatusBadRequest)
		return
	}
	if !record.ValidSeverity(req.Level) {
		writeJSONError(w, fmt.Sprintf("level must be one of DEBUG, INFO, WARNING, ERROR, CRITICAL, got %q", req.Level), http.StatusBadRequest)
		return
	}
	if req.Timestamp == "" {
		req.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	rec := &record.Record{
		ID:         uuid.NewString(),
		Timestamp:  req.Timestamp,
		Source:     req.Source,
		Level:      req.Level,
		Message:    req.Message,
		Metadata:   req.Metadata,
		Stacktrace: req.Stacktrace,
		CreatedAt:  time.Now().UTC(),
	}
	rec.SetHash()

	if err := h.wal.Append(rec); err != nil {
		h.logger.Printf("ingest failed for record %s: %v", rec.ID, err)
		writeJSONError(w, "failed to durably record the log entry", http.StatusInternalServerError)
		return
	}

	if h.store != nil {
		if err := h.store.InsertSyncControl(r.Context(), &record.SyncControl{
			RecordID:  rec.ID,
			Status:    record.StatusPending,
			CreatedAt: rec.CreatedAt,
		}); err != nil {
			h.logger.Printf("sync_control seed failed for record %s: %v", rec.ID, err)
		}
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"id": rec.ID, "hash": rec.Hash})
}

func (h *Handlers) handleListRecords(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSONError(w, "record lookup is not available", http.StatusServiceUnavailable)
		return
	}

	filter := store.RecordFilter{
		Source: r.URL.Query().Get("source"),
		Level:  record.Severity(r.URL.Query().Get("level")),
	}
	page := store.Page{
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}

	records, err := h.store.FindRecords(r.Context(), filter, page)
	if err != nil {
		h.logger.Printf("list records failed: %v", err)
		writeJSONError(w, "failed to list records", http.StatusInternalServerError)
		return
	}
	total, err := h.store.CountRecords(r.Context(), filter)
	if err != nil {
		h.logger.Printf("count records failed: %v", err)
		writeJSONError(w, "failed to count records", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"records": records,
		"total":   total,
		"limit":   page.Limit,
		"offset":  page.Offset,
	})
}

func (h *Handlers) handleLogByID(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet && r.Method != http.MethodDelete {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.store == nil {
		writeJSONError(w, "record lookup is not available", http.StatusServiceUnavailable)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/logs/")
	if id == "" {
		writeJSONError(w, "record id is required", http.StatusBadRequest)
		return
	}

	if r.Method == http.MethodDelete {
		h.handleDeleteLog(w, r, id)
		return
	}

	rec, err := h.store.FindRecordByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, "record not found", http.StatusNotFound)
			return
		}
		h.logger.Printf("find record %s failed: %v", id, err)
		writeJSONError(w, "failed to fetch record", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(rec)
}

// handleDeleteLog implements DELETE /logs/{id}: a logical no-op that keeps
// the record (404 if it does not exist) and invalidates any cached copy
// held for it.
func (h *Handlers) handleDeleteLog(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.store.DeleteRecord(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, "record not found", http.StatusNotFound)
			return
		}
		h.logger.Printf("delete record %s failed: %v", id, err)
		writeJSONError(w, "failed to delete record", http.StatusInternalServerError)
		return
	}
	h.invalidateCache(r.Context(), id)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted", "id": id})
}

// invalidateCache evicts the per-id cache entry for a deleted record. The
// cache client itself is an external collaborator (spec's read-through
// cache is specified only as an invalidation contract); h.cache is nil
// until a concrete client is wired in, in which case this is a no-op.
func (h *Handlers) invalidateCache(ctx context.Context, id string) {
	if h.cache != nil {
		h.cache.Invalidate(ctx, id)
	}
}

func (h *Handlers) handleForceBatch(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.scheduler == nil {
		writeJSONError(w, "batch scheduling is not available", http.StatusServiceUnavailable)
		return
	}

	batchSize := queryInt(r, "batch_size", 0)
	if !h.scheduler.Submit(batchSize) {
		writeJSONError(w, "batch queue is full, try again shortly", http.StatusTooManyRequests)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "batch submitted"})
}

// maxForceBatchJobs bounds how many immediate batch jobs a single
// POST /merkle/force-batch call may submit.
const maxForceBatchJobs = 10

// handleForceBatchMulti implements POST /merkle/force-batch: submit up to
// maxForceBatchJobs jobs at once, stopping early once the queue is full,
// and report how many were actually accepted.
func (h *Handlers) handleForceBatchMulti(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.scheduler == nil {
		writeJSONError(w, "batch scheduling is not available", http.StatusServiceUnavailable)
		return
	}

	batchSize := queryInt(r, "batch_size", 0)
	jobCount := queryInt(r, "jobs", maxForceBatchJobs)
	if jobCount <= 0 || jobCount > maxForceBatchJobs {
		jobCount = maxForceBatchJobs
	}

	submitted := 0
	for i := 0; i < jobCount; i++ {
		if !h.scheduler.Submit(batchSize) {
			break
		}
		submitted++
	}

	if submitted == 0 {
		writeJSONError(w, "batch queue is full, try again shortly", http.StatusTooManyRequests)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]int{"submitted": submitted})
}

func (h *Handlers) handleListBatches(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.store == nil {
		writeJSONError(w, "batch lookup is not available", http.StatusServiceUnavailable)
		return
	}

	page := store.Page{Limit: queryInt(r, "limit", 50), Offset: queryInt(r, "offset", 0)}
	batches, err := h.store.AggregateBatches(r.Context(), page)
	if err != nil {
		h.logger.Printf("list batches failed: %v", err)
		writeJSONError(w, "failed to list batches", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{"batches": batches})
}

// handleBatchByID implements GET /merkle/batch/{id}: a plain read of the
// persisted batch and its records, distinct from the recompute-and-compare
// verification path behind POST /merkle/verify/{id}.
func (h *Handlers) handleBatchByID(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	batchID := strings.TrimPrefix(r.URL.Path, "/merkle/batch/")
	if batchID == "" {
		writeJSONError(w, "batch id is required", http.StatusBadRequest)
		return
	}
	if h.store == nil {
		writeJSONError(w, "batch lookup is not available", http.StatusServiceUnavailable)
		return
	}

	batch, err := h.store.GetBatch(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, "batch not found", http.StatusNotFound)
			return
		}
		h.logger.Printf("batch lookup %s failed: %v", batchID, err)
		writeJSONError(w, "failed to fetch batch", http.StatusInternalServerError)
		return
	}

	records, err := h.store.FindByBatch(r.Context(), batchID)
	if err != nil {
		h.logger.Printf("find records for batch %s failed: %v", batchID, err)
		writeJSONError(w, "failed to fetch batch records", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"batch":   batch,
		"records": records,
		"num":     len(records),
	})
}

func (h *Handlers) handleVerifyBatch(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.verifier == nil {
		writeJSONError(w, "verification is not available", http.StatusServiceUnavailable)
		return
	}

	batchID := strings.TrimPrefix(r.URL.Path, "/merkle/verify/")
	if batchID == "" {
		writeJSONError(w, "batch id is required", http.StatusBadRequest)
		return
	}

	report, err := h.verifier.VerifyBatch(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, verify.ErrBatchNotFound) {
			writeJSONError(w, "batch not found", http.StatusNotFound)
			return
		}
		h.logger.Printf("verify batch %s failed: %v", batchID, err)
		writeJSONError(w, "failed to verify batch", http.StatusInternalServerError)
		return
	}

	if report.Status == verify.StatusCorrupted {
		w.WriteHeader(http.StatusConflict)
	}
	json.NewEncoder(w).Encode(report)
}

func (h *Handlers) handleMerkleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.scheduler == nil {
		writeJSONError(w, "scheduler is not available", http.StatusServiceUnavailable)
		return
	}
	json.NewEncoder(w).Encode(h.scheduler.Stats())
}

func (h *Handlers) handleWALStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.wal == nil {
		writeJSONError(w, "wal is not available", http.StatusServiceUnavailable)
		return
	}
	json.NewEncoder(w).Encode(h.wal.Stats())
}

func (h *Handlers) handleWALForceProcess(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.wal == nil {
		writeJSONError(w, "wal is not available", http.StatusServiceUnavailable)
		return
	}
	h.wal.ForceDrain()
	json.NewEncoder(w).Encode(map[string]string{"status": "drain triggered"})
}

func (h *Handlers) handleWALHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.wal == nil {
		writeJSONError(w, "wal is not available", http.StatusServiceUnavailable)
		return
	}
	stats := h.wal.Stats()
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":        "ok",
		"pending_gauge": stats.PendingGauge,
	})
}

func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.store == nil {
		writeJSONError(w, "stats are not available", http.StatusServiceUnavailable)
		return
	}
	stats, err := h.store.AggregateSyncStats(r.Context())
	if err != nil {
		h.logger.Printf("aggregate sync stats failed: %v", err)
		writeJSONError(w, "failed to aggregate stats", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(stats)
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.store != nil {
		if err := h.store.Health(r.Context()); err != nil {
			writeJSONError(w, fmt.Sprintf("store unhealthy: %v", err), http.StatusServiceUnavailable)
			return
		}
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, defaultValue int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}
