// Package verify implements the Verifier (component F): it recomputes a
// batch's Merkle root from the records currently on file and reports
// whether the batch is intact, optionally cross-checking the ledger's own
// copy of the root. Grounded on the hybrid-architecture chaincode's
// VerifyBatchIntegrity (recompute-and-compare) and the certen-validator's
// report-style return types (status string plus structured detail) used
// throughout pkg/server's handlers.
package verify

import (
	"context"
	"errors"
	"fmt"

	"github.com/loganchor/loganchor/internal/merkle"
	"github.com/loganchor/loganchor/internal/record"
)

// ErrBatchNotFound is returned when no records are tagged with the given
// batch id.
var ErrBatchNotFound = errors.New("verify: batch not found")

// Status is the outcome of verifying one batch.
type Status string

const (
	StatusValid     Status = "VALID"
	StatusCorrupted Status = "CORRUPTED"
)

// Store is the subset of the Record Store the verifier depends on.
type Store interface {
	FindByBatch(ctx context.Context, batchID string) ([]*record.Record, error)
}

// Ledger is the subset of the Ledger Sync Client the verifier can
// optionally cross-check against. A nil Ledger field on Verifier skips
// this step entirely.
type Ledger interface {
	QueryBatch(ctx context.Context, batchID string) (merkleRoot string, recordCount int, err error)
}

// Verifier is the Verifier component.
type Verifier struct {
	store  Store
	ledger Ledger
}

// New builds a Verifier. ledger may be nil to skip the ledger
// cross-check step.
func New(store Store, ledger Ledger) *Verifier {
	return &Verifier{store: store, ledger: ledger}
}

// Report is the result of verifying one batch.
type Report struct {
	BatchID          string   `json:"batch_id"`
	Status           Status   `json:"status"`
	RecordCount      int      `json:"record_count"`
	StoredRoot       string   `json:"stored_root"`
	ComputedRoot     string   `json:"computed_root"`
	LedgerRoot       string   `json:"ledger_root,omitempty"`
	LedgerChecked    bool     `json:"ledger_checked"`
	CorruptedRecords []string `json:"corrupted_records,omitempty"`
	Reason           string   `json:"reason,omitempty"`
}

// VerifyBatch implements the four-step verification algorithm: fetch
// records by batch, check per-record hash integrity, recompute the
// Merkle root, and compare it against the root every record in the
// batch was tagged with. When a Ledger is configured, it also compares
// against the ledger's own stored root.
func (v *Verifier) VerifyBatch(ctx context.Context, batchID string) (*Report, error) {
	records, err := v.store.FindByBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("verify: fetch records failed: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrBatchNotFound
	}

	report := &Report{
		BatchID:     batchID,
		RecordCount: len(records),
		StoredRoot:  records[0].MerkleRoot,
	}

	var corrupted []string
	hashes := make([]string, len(records))
	for i, r := range records {
		if !r.VerifyHash() {
			corrupted = append(corrupted, r.ID)
		}
		if r.MerkleRoot != report.StoredRoot {
			corrupted = append(corrupted, r.ID)
		}
		hashes[i] = r.ComputeHash()
	}

	computed, err := merkle.Root(hashes)
	if err != nil {
		return nil, fmt.Errorf("verify: failed to recompute root: %w", err)
	}
	report.ComputedRoot = computed

	if len(corrupted) > 0 || computed != report.StoredRoot {
		report.Status = StatusCorrupted
		report.CorruptedRecords = dedupe(corrupted)
		if computed != report.StoredRoot {
			report.Reason = "recomputed root does not match stored root"
		} else {
			report.Reason = "one or more records failed content-hash verification or carry a different stored root"
		}
		return report, nil
	}

	if v.ledger != nil {
		ledgerRoot, _, err := v.ledger.QueryBatch(ctx, batchID)
		if err != nil {
			report.Status = StatusCorrupted
			report.Reason = fmt.Sprintf("ledger cross-check failed: %v", err)
			return report, nil
		}
		report.LedgerChecked = true
		report.LedgerRoot = ledgerRoot
		if ledgerRoot != computed {
			report.Status = StatusCorrupted
			report.Reason = "ledger root does not match recomputed root"
			return report, nil
		}
	}

	report.Status = StatusValid
	return report, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
