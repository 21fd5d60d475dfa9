// Package record defines the core entities of the log-ingestion system:
// Record, SyncControl, and MerkleBatch, plus the canonical hash function
// shared by every component that needs to reason about record identity.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// Severity is the allowed set of log levels.
type Severity string

const (
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

var validSeverities = map[Severity]bool{
	SeverityDebug:    true,
	SeverityInfo:     true,
	SeverityWarning:  true,
	SeverityError:    true,
	SeverityCritical: true,
}

// ErrInvalidSeverity is returned when a level is not in the allowed set.
var ErrInvalidSeverity = errors.New("record: level not in allowed set")

// ValidSeverity reports whether s is one of the allowed severities.
func ValidSeverity(s Severity) bool {
	return validSeverities[s]
}

// Record is one ingested log entry.
type Record struct {
	ID         string            `json:"id" firestore:"id"`
	Timestamp  string            `json:"timestamp" firestore:"timestamp"`
	Source     string            `json:"source" firestore:"source"`
	Level      Severity          `json:"level" firestore:"level"`
	Message    string            `json:"message" firestore:"message"`
	Metadata   map[string]string `json:"metadata,omitempty" firestore:"metadata,omitempty"`
	Stacktrace string            `json:"stacktrace,omitempty" firestore:"stacktrace,omitempty"`
	Hash       string            `json:"hash" firestore:"hash"`
	CreatedAt  time.Time         `json:"created_at" firestore:"created_at"`
	// BatchID keeps its JSON tag's omitempty (the HTTP-facing shape still
	// hides it when empty) but must always be written to Firestore -
	// FindUnbatched queries "batch_id == """, which only matches documents
	// where the field is present.
	BatchID    string            `json:"batch_id,omitempty" firestore:"batch_id"`
	MerkleRoot string            `json:"merkle_root,omitempty" firestore:"merkle_root,omitempty"`
	BatchedAt  *time.Time        `json:"batched_at,omitempty" firestore:"batched_at,omitempty"`
}

// Batched reports whether the record has been tagged into a Merkle batch.
func (r *Record) Batched() bool {
	return r.BatchID != ""
}

// CanonicalHash computes the SHA-256 content hash of a record, matching the
// field order id‖timestamp‖source‖level‖message‖metadata‖stacktrace. Go's
// encoding/json marshals map keys in sorted order, which gives deterministic
// metadata serialization across implementations without extra bookkeeping.
func CanonicalHash(id, timestamp, source string, level Severity, message string, metadata map[string]string, stacktrace string) string {
	h := sha256.New()
	h.Write([]byte(id))
	h.Write([]byte(timestamp))
	h.Write([]byte(source))
	h.Write([]byte(level))
	h.Write([]byte(message))
	if len(metadata) > 0 {
		b, _ := json.Marshal(metadata)
		h.Write(b)
	}
	if stacktrace != "" {
		h.Write([]byte(stacktrace))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeHash returns the canonical hash of this record's current fields,
// independent of whatever is stored in r.Hash. Callers that need a Merkle
// leaf that reflects tampering - the verifier and the scheduler - must use
// this instead of r.Hash.
func (r *Record) ComputeHash() string {
	return CanonicalHash(r.ID, r.Timestamp, r.Source, r.Level, r.Message, r.Metadata, r.Stacktrace)
}

// SetHash recomputes and stores the record's canonical hash.
func (r *Record) SetHash() {
	r.Hash = r.ComputeHash()
}

// VerifyHash reports whether the stored hash matches the record's fields.
func (r *Record) VerifyHash() bool {
	return r.Hash == r.ComputeHash()
}

// SyncStatus is the ledger-anchoring progress of a Record.
type SyncStatus string

const (
	StatusPending      SyncStatus = "pending"
	StatusPendingBatch SyncStatus = "pending_batch"
	StatusSynced       SyncStatus = "synced"
	StatusFailed       SyncStatus = "failed"
)

// SyncControl tracks one Record's ledger-anchoring progress.
type SyncControl struct {
	RecordID   string     `json:"record_id" firestore:"record_id"`
	Status     SyncStatus `json:"status" firestore:"status"`
	BatchID    string     `json:"batch_id,omitempty" firestore:"batch_id,omitempty"`
	TxID       string     `json:"tx_id,omitempty" firestore:"tx_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at" firestore:"created_at"`
	SyncedAt   *time.Time `json:"synced_at,omitempty" firestore:"synced_at,omitempty"`
	FailedAt   *time.Time `json:"failed_at,omitempty" firestore:"failed_at,omitempty"`
	LastError  string     `json:"last_error,omitempty" firestore:"last_error,omitempty"`
}

// allowedTransitions encodes the monotone partial order of §3: pending ->
// pending_batch -> synced, with failed reachable from pending/pending_batch
// and recoverable back to pending_batch.
var allowedTransitions = map[SyncStatus]map[SyncStatus]bool{
	StatusPending: {
		StatusPendingBatch: true,
		StatusFailed:       true,
	},
	StatusPendingBatch: {
		StatusSynced: true,
		StatusFailed: true,
	},
	StatusFailed: {
		StatusPendingBatch: true,
	},
	StatusSynced: {},
}

// ErrInvalidTransition is returned when a status change violates the
// monotone partial order.
var ErrInvalidTransition = errors.New("record: invalid sync status transition")

// ValidTransition reports whether moving from `from` to `to` is legal.
func ValidTransition(from, to SyncStatus) bool {
	if from == to {
		return true
	}
	next, ok := allowedTransitions[from]
	return ok && next[to]
}

// MerkleBatch is a logical grouping of Records anchored under one batch id.
type MerkleBatch struct {
	BatchID    string    `json:"batch_id" firestore:"batch_id"`
	MerkleRoot string    `json:"merkle_root" firestore:"merkle_root"`
	CreatedAt  time.Time `json:"created_at" firestore:"created_at"`
	Count      int       `json:"count" firestore:"count"`
	RecordIDs  []string  `json:"record_ids" firestore:"record_ids"`
}
