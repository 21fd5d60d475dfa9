// Package store is the document-store Record Store of §4.3: a Firestore
// client wrapping two collections (records, sync_control), a merkle_batches
// collection of persisted batches, and an audit_trail collection for the
// supplemental hash-chained audit feature.
// Grounded on the certen-validator's pkg/firestore client/sync_service: the
// enabled-toggle no-op mode, bracketed *log.Logger, and per-document Set
// calls are carried over directly; the proof/intent-cycle domain types are
// replaced with Record/SyncControl/MerkleBatch.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/loganchor/loganchor/internal/record"
)

const (
	recordsCollection     = "records"
	syncControlCollection = "sync_control"
	auditTrailCollection  = "audit_trail"
)

// Sentinel errors for store operations, classified per spec §7.
var (
	ErrNotFound       = errors.New("store: entity not found")
	ErrDuplicate      = errors.New("store: record id already exists")
	ErrTagMismatch    = errors.New("store: tag-batch modified count mismatch")
	ErrUnavailable    = errors.New("store: dependency unavailable")
)

// Config configures the Firestore-backed store.
type Config struct {
	ProjectID       string
	CredentialsFile string
	Enabled         bool
	Logger          *log.Logger
}

// Store is the Record Store component (C).
type Store struct {
	client  *firestore.Client
	enabled bool
	logger  *log.Logger
}

// New connects to Firestore. If cfg.Enabled is false, the returned Store
// runs in no-op mode: writes succeed silently, single-document reads return
// ErrNotFound and list/count reads return empty results, useful for local
// development without a GCP project configured.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Store] ", log.LstdFlags)
	}

	if !cfg.Enabled {
		cfg.Logger.Println("store disabled - running in no-op mode")
		return &Store{enabled: false, logger: cfg.Logger}, nil
	}

	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("store: project id is required when enabled")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to init firebase app: %w", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: failed to init firestore client: %w", err)
	}

	return &Store{client: client, enabled: true, logger: cfg.Logger}, nil
}

// Close releases the underlying Firestore client.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Health pings the store, used by GET /health.
func (s *Store) Health(ctx context.Context) error {
	if !s.enabled {
		return nil
	}
	_, err := s.client.Collection(recordsCollection).Limit(1).Documents(ctx).Next()
	if err != nil && err != iterator.Done {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// InsertRecord creates a new record document, failing if the id already
// exists.
func (s *Store) InsertRecord(ctx context.Context, r *record.Record) error {
	if !s.enabled {
		return nil
	}
	_, err := s.client.Collection(recordsCollection).Doc(r.ID).Create(ctx, r)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("%w: %s", ErrDuplicate, r.ID)
		}
		return fmt.Errorf("store: insert record failed: %w", err)
	}
	return nil
}

// InsertSyncControl creates a new sync_control document.
func (s *Store) InsertSyncControl(ctx context.Context, sc *record.SyncControl) error {
	if !s.enabled {
		return nil
	}
	_, err := s.client.Collection(syncControlCollection).Doc(sc.RecordID).Create(ctx, sc)
	if err != nil {
		return fmt.Errorf("store: insert sync_control failed: %w", err)
	}
	return nil
}

// UpsertSyncControl creates or overwrites a sync_control document.
func (s *Store) UpsertSyncControl(ctx context.Context, sc *record.SyncControl) error {
	if !s.enabled {
		return nil
	}
	_, err := s.client.Collection(syncControlCollection).Doc(sc.RecordID).Set(ctx, sc)
	if err != nil {
		return fmt.Errorf("store: upsert sync_control failed: %w", err)
	}
	return nil
}

// FindRecordByID fetches a single record by id.
func (s *Store) FindRecordByID(ctx context.Context, id string) (*record.Record, error) {
	if !s.enabled {
		return nil, ErrNotFound
	}
	doc, err := s.client.Collection(recordsCollection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: find record failed: %w", err)
	}
	var r record.Record
	if err := doc.DataTo(&r); err != nil {
		return nil, fmt.Errorf("store: decode record failed: %w", err)
	}
	return &r, nil
}

// RecordFilter selects records for FindRecords/CountRecords.
type RecordFilter struct {
	Source string
	Level  record.Severity
}

// Page bounds a FindRecords query.
type Page struct {
	Limit  int
	Offset int
}

// FindRecords lists records matching filter, sorted by created_at
// descending by default.
func (s *Store) FindRecords(ctx context.Context, filter RecordFilter, page Page) ([]*record.Record, error) {
	if !s.enabled {
		return nil, nil
	}
	q := s.client.Collection(recordsCollection).Query
	if filter.Source != "" {
		q = q.Where("source", "==", filter.Source)
	}
	if filter.Level != "" {
		q = q.Where("level", "==", filter.Level)
	}
	q = q.OrderBy("created_at", firestore.Desc)
	if page.Offset > 0 {
		q = q.Offset(page.Offset)
	}
	if page.Limit > 0 {
		q = q.Limit(page.Limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*record.Record
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("store: list records failed: %w", err)
		}
		var r record.Record
		if err := doc.DataTo(&r); err != nil {
			return nil, fmt.Errorf("store: decode record failed: %w", err)
		}
		out = append(out, &r)
	}
	return out, nil
}

// CountRecords counts records matching filter.
func (s *Store) CountRecords(ctx context.Context, filter RecordFilter) (int, error) {
	if !s.enabled {
		return 0, nil
	}
	q := s.client.Collection(recordsCollection).Query
	if filter.Source != "" {
		q = q.Where("source", "==", filter.Source)
	}
	if filter.Level != "" {
		q = q.Where("level", "==", filter.Level)
	}
	results, err := q.NewAggregationQuery().WithCount("count").Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: count records failed: %w", err)
	}
	v, ok := results["count"]
	if !ok {
		return 0, nil
	}
	pbVal, ok := v.(interface{ GetIntegerValue() int64 })
	if !ok {
		return 0, nil
	}
	return int(pbVal.GetIntegerValue()), nil
}

// DeleteRecord is the logical no-op behind DELETE /logs/{id} of spec §6:
// the record document is kept, so the audit trail is preserved. Returns
// ErrNotFound if no such record exists, so the caller can answer 404.
func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	if !s.enabled {
		return ErrNotFound
	}
	if _, err := s.client.Collection(recordsCollection).Doc(id).Get(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		return fmt.Errorf("store: find record before delete failed: %w", err)
	}
	return nil
}

// FindUnbatched selects up to limit records with no batch_id, oldest-first
// by created_at.
func (s *Store) FindUnbatched(ctx context.Context, limit int) ([]*record.Record, error) {
	if !s.enabled {
		return nil, nil
	}
	q := s.client.Collection(recordsCollection).
		Where("batch_id", "==", "").
		OrderBy("created_at", firestore.Asc).
		Limit(limit)

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*record.Record
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("store: find unbatched failed: %w", err)
		}
		var r record.Record
		if err := doc.DataTo(&r); err != nil {
			return nil, fmt.Errorf("store: decode record failed: %w", err)
		}
		out = append(out, &r)
	}
	return out, nil
}

// FindByBatch returns all records tagged with batchID, sorted ascending by
// created_at. This order is what defines Merkle input order (spec §9's
// resolved Open Question).
func (s *Store) FindByBatch(ctx context.Context, batchID string) ([]*record.Record, error) {
	if !s.enabled {
		return nil, nil
	}
	iter := s.client.Collection(recordsCollection).
		Where("batch_id", "==", batchID).
		OrderBy("created_at", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var out []*record.Record
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("store: find by batch failed: %w", err)
		}
		var r record.Record
		if err := doc.DataTo(&r); err != nil {
			return nil, fmt.Errorf("store: decode record failed: %w", err)
		}
		out = append(out, &r)
	}
	return out, nil
}

// TagBatch atomically tags every id in ids with batchID/merkleRoot/now. It
// skips ids that are already tagged (idempotence guard) and reports the
// modified count; the caller must treat modified != len(ids) as a partial
// failure per spec §4.4 step 6.
func (s *Store) TagBatch(ctx context.Context, ids []string, batchID, merkleRoot string) (int, error) {
	if !s.enabled {
		return len(ids), nil
	}

	modified := 0
	now := time.Now().UTC()

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		modified = 0
		refs := make([]*firestore.DocumentRef, len(ids))
		for i, id := range ids {
			refs[i] = s.client.Collection(recordsCollection).Doc(id)
		}
		snaps, err := tx.GetAll(refs)
		if err != nil {
			return fmt.Errorf("tag batch: read failed: %w", err)
		}
		for i, snap := range snaps {
			if !snap.Exists() {
				continue
			}
			var r record.Record
			if err := snap.DataTo(&r); err != nil {
				return fmt.Errorf("tag batch: decode failed: %w", err)
			}
			if r.Batched() {
				continue // already tagged, do not retag (idempotence)
			}
			if err := tx.Update(refs[i], []firestore.Update{
				{Path: "batch_id", Value: batchID},
				{Path: "merkle_root", Value: merkleRoot},
				{Path: "batched_at", Value: now},
			}); err != nil {
				return fmt.Errorf("tag batch: update failed: %w", err)
			}
			modified++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: tag batch transaction failed: %w", err)
	}

	if modified != len(ids) {
		return modified, fmt.Errorf("%w: tagged %d of %d", ErrTagMismatch, modified, len(ids))
	}
	return modified, nil
}

// UpdateSyncStatus transitions one record's sync_control status.
func (s *Store) UpdateSyncStatus(ctx context.Context, recordID string, newStatus record.SyncStatus, batchID, txID string) error {
	return s.UpdateSyncStatusBatch(ctx, []string{recordID}, newStatus, batchID, txID)
}

// UpdateSyncStatusBatch transitions many records' sync_control status in
// one pass.
func (s *Store) UpdateSyncStatusBatch(ctx context.Context, recordIDs []string, newStatus record.SyncStatus, batchID, txID string) error {
	if !s.enabled {
		return nil
	}
	now := time.Now().UTC()

	for _, id := range recordIDs {
		updates := []firestore.Update{{Path: "status", Value: newStatus}}
		if batchID != "" {
			updates = append(updates, firestore.Update{Path: "batch_id", Value: batchID})
		}
		if txID != "" {
			updates = append(updates, firestore.Update{Path: "tx_id", Value: txID})
		}
		switch newStatus {
		case record.StatusSynced:
			updates = append(updates, firestore.Update{Path: "synced_at", Value: now})
		case record.StatusFailed:
			updates = append(updates, firestore.Update{Path: "failed_at", Value: now})
		}

		if _, err := s.client.Collection(syncControlCollection).Doc(id).Update(ctx, updates); err != nil {
			return fmt.Errorf("store: update sync status failed for %s: %w", id, err)
		}

		if err := s.appendAudit(ctx, id, string(newStatus), batchID, txID); err != nil {
			s.logger.Printf("audit trail write failed for %s: %v", id, err)
		}
	}
	return nil
}

// SyncStats is the aggregate view of §4.3's AggregateSyncStats.
type SyncStats struct {
	Pending      int
	PendingBatch int
	Synced       int
	Failed       int
	Total        int
}

// AggregateSyncStats counts sync_control documents by status.
func (s *Store) AggregateSyncStats(ctx context.Context) (SyncStats, error) {
	if !s.enabled {
		return SyncStats{}, nil
	}
	var stats SyncStats
	for _, st := range []record.SyncStatus{record.StatusPending, record.StatusPendingBatch, record.StatusSynced, record.StatusFailed} {
		results, err := s.client.Collection(syncControlCollection).Where("status", "==", st).
			NewAggregationQuery().WithCount("count").Get(ctx)
		if err != nil {
			return SyncStats{}, fmt.Errorf("store: aggregate sync stats failed: %w", err)
		}
		n := 0
		if v, ok := results["count"]; ok {
			if pbVal, ok := v.(interface{ GetIntegerValue() int64 }); ok {
				n = int(pbVal.GetIntegerValue())
			}
		}
		switch st {
		case record.StatusPending:
			stats.Pending = n
		case record.StatusPendingBatch:
			stats.PendingBatch = n
		case record.StatusSynced:
			stats.Synced = n
		case record.StatusFailed:
			stats.Failed = n
		}
		stats.Total += n
	}
	return stats, nil
}

// BatchSummary is one row of AggregateBatches.
type BatchSummary struct {
	BatchID    string
	MerkleRoot string
	Count      int
	BatchedAt  time.Time
}

// AggregateBatches lists the persisted merkle_batches documents, most
// recent first.
func (s *Store) AggregateBatches(ctx context.Context, page Page) ([]BatchSummary, error) {
	if !s.enabled {
		return nil, nil
	}
	iter := s.client.Collection("merkle_batches").OrderBy("created_at", firestore.Desc).
		Offset(page.Offset).Limit(page.Limit).Documents(ctx)
	defer iter.Stop()

	var out []BatchSummary
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("store: aggregate batches failed: %w", err)
		}
		var b record.MerkleBatch
		if err := doc.DataTo(&b); err != nil {
			return nil, fmt.Errorf("store: decode batch failed: %w", err)
		}
		out = append(out, BatchSummary{BatchID: b.BatchID, MerkleRoot: b.MerkleRoot, Count: b.Count, BatchedAt: b.CreatedAt})
	}
	return out, nil
}

// GetBatch fetches the persisted MerkleBatch document by id. This is the
// plain read path behind GET /merkle/batch/{id}, kept separate from the
// Verifier's recompute-and-compare path behind POST /merkle/verify/{id}.
func (s *Store) GetBatch(ctx context.Context, batchID string) (*record.MerkleBatch, error) {
	if !s.enabled {
		return nil, ErrNotFound
	}
	doc, err := s.client.Collection("merkle_batches").Doc(batchID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get batch failed: %w", err)
	}
	var b record.MerkleBatch
	if err := doc.DataTo(&b); err != nil {
		return nil, fmt.Errorf("store: decode batch failed: %w", err)
	}
	return &b, nil
}

// SaveBatch persists the denormalized MerkleBatch document once the
// scheduler has successfully tagged its records.
func (s *Store) SaveBatch(ctx context.Context, b *record.MerkleBatch) error {
	if !s.enabled {
		return nil
	}
	_, err := s.client.Collection("merkle_batches").Doc(b.BatchID).Set(ctx, b)
	if err != nil {
		return fmt.Errorf("store: save batch failed: %w", err)
	}
	return nil
}

// appendAudit writes a hash-chained audit entry, adapted from the
// certen-validator's createAuditEntry/computeAuditHash pair.
func (s *Store) appendAudit(ctx context.Context, recordID, action, batchID, txID string) error {
	if !s.enabled {
		return nil
	}
	prevHash := ""
	if prev, err := s.latestAuditHash(ctx, recordID); err == nil {
		prevHash = prev
	}

	entry := auditEntry{
		RecordID:     recordID,
		Action:       action,
		BatchID:      batchID,
		TxID:         txID,
		Timestamp:    time.Now().UTC(),
		PreviousHash: prevHash,
	}
	entry.EntryHash = computeAuditHash(&entry)

	_, _, err := s.client.Collection(auditTrailCollection).Add(ctx, entry)
	return err
}

func (s *Store) latestAuditHash(ctx context.Context, recordID string) (string, error) {
	iter := s.client.Collection(auditTrailCollection).
		Where("record_id", "==", recordID).
		OrderBy("timestamp", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	var e auditEntry
	if err := doc.DataTo(&e); err != nil {
		return "", err
	}
	return e.EntryHash, nil
}
