package store

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// auditEntry is one hash-chained audit_trail document, adapted from the
// certen-validator's sync_service audit entries: every sync-status change
// for a record links to the previous entry's hash so the chain can be
// walked and verified independently of the record itself.
type auditEntry struct {
	RecordID     string    `firestore:"record_id"`
	Action       string    `firestore:"action"`
	BatchID      string    `firestore:"batch_id,omitempty"`
	TxID         string    `firestore:"tx_id,omitempty"`
	Timestamp    time.Time `firestore:"timestamp"`
	PreviousHash string    `firestore:"previous_hash,omitempty"`
	EntryHash    string    `firestore:"entry_hash"`
}

// computeAuditHash hashes every field of e except EntryHash itself,
// chaining to PreviousHash so tampering with any prior entry changes every
// hash computed after it.
func computeAuditHash(e *auditEntry) string {
	h := sha256.New()
	h.Write([]byte(e.RecordID))
	h.Write([]byte(e.Action))
	h.Write([]byte(e.BatchID))
	h.Write([]byte(e.TxID))
	h.Write([]byte(e.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(e.PreviousHash))
	return hex.EncodeToString(h.Sum(nil))
}
