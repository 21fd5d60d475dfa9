// Package scheduler implements the Batch Scheduler (component D): a ticker
// that claims unbatched records, a bounded job channel, and a worker pool
// that computes each batch's Merkle root and drives it through the Record
// Store and Ledger Sync Client. Adapted from the certen-validator's
// pkg/anchor scheduler (ticker + queue + pending-batch bookkeeping) and
// pkg/batch processor (worker coordinates store + ledger calls), collapsed
// from per-chain/per-class queues to the single bounded channel this
// system's try-send backpressure model needs.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loganchor/loganchor/internal/merkle"
	"github.com/loganchor/loganchor/internal/record"
)

// Store is the subset of the Record Store the scheduler depends on. Kept
// as an interface, per the batch processor's AnchorCreator pattern, so
// this package never imports the store package's Firestore dependency
// directly.
type Store interface {
	FindUnbatched(ctx context.Context, limit int) ([]*record.Record, error)
	TagBatch(ctx context.Context, ids []string, batchID, merkleRoot string) (int, error)
	SaveBatch(ctx context.Context, b *record.MerkleBatch) error
	UpdateSyncStatusBatch(ctx context.Context, recordIDs []string, newStatus record.SyncStatus, batchID, txID string) error
}

// Ledger is the subset of the Ledger Sync Client the scheduler depends on.
// A nil Ledger on Scheduler means anchoring is disabled: batches are still
// claimed, hashed and tagged, but records stop at pending_batch since there
// is no ledger to sync them to.
type Ledger interface {
	StoreBatch(ctx context.Context, batchID, merkleRoot string, recordCount int) (txID string, err error)
}

// Config configures the scheduler.
type Config struct {
	Store          Store
	Ledger         Ledger
	BatchSize      int           // records claimed per tick, default 100
	TickInterval   time.Duration // default 30s
	MaxQueueDepth  int           // bounded job channel depth, default 16
	WorkerCount    int           // default 4
	Logger         *log.Logger
}

// job is one unit of work submitted to the worker pool: "claim up to N
// unbatched records and process them".
type job struct {
	batchSize int
	forced    bool
}

// Scheduler is the Batch Scheduler component.
type Scheduler struct {
	store        Store
	ledger       Ledger
	batchSize    int
	tickInterval time.Duration
	workerCount  int
	logger       *log.Logger

	jobs chan job

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	statsMu sync.Mutex
	stats   Stats
}

// Stats is a protected snapshot of scheduler counters, surfaced at
// GET /merkle/stats.
type Stats struct {
	TotalBatches     int64
	TotalRecords     int64
	FailedBatches    int64
	LedgerErrors     int64
	ProcessingErrors int64
	TicksDropped     int64
	LastBatchID      string
	LastBatchSize    int
	LastBatchTime    time.Time
}

// New builds a Scheduler from cfg, applying defaults for zero-valued
// fields.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("scheduler: store is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = 16
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Scheduler] ", log.LstdFlags)
	}

	return &Scheduler{
		store:        cfg.Store,
		ledger:       cfg.Ledger,
		batchSize:    cfg.BatchSize,
		tickInterval: cfg.TickInterval,
		workerCount:  cfg.WorkerCount,
		logger:       cfg.Logger,
		jobs:         make(chan job, cfg.MaxQueueDepth),
		stopCh:       make(chan struct{}),
	}, nil
}

// Start launches the ticker and the worker pool. ctx bounds the lifetime
// of every batch processed; cancelling it does not wait for in-flight
// batches, use Stop for that.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.wg.Add(1)
	go s.tickLoop(ctx)
}

// Stop signals the ticker and workers to exit and waits up to deadline for
// in-flight work to drain.
func (s *Scheduler) Stop(deadline time.Duration) {
	s.stopOnce.Do(func() { close(s.stopCh) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		s.logger.Printf("shutdown deadline of %s exceeded, workers may still be in flight", deadline)
	}
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.trySubmit(job{batchSize: s.batchSize})
		}
	}
}

// Submit enqueues an immediate, caller-sized batch job, used by the
// force-batch endpoint. It returns false if the job queue is full.
func (s *Scheduler) Submit(batchSize int) bool {
	if batchSize <= 0 {
		batchSize = s.batchSize
	}
	return s.trySubmit(job{batchSize: batchSize, forced: true})
}

// trySubmit is the non-blocking send that implements the drop-on-full
// backpressure policy: a full queue means the system is already
// processing batches as fast as it can, so a dropped tick is correct
// behavior, not data loss, and is only observable through TicksDropped.
func (s *Scheduler) trySubmit(j job) bool {
	select {
	case s.jobs <- j:
		return true
	default:
		if !j.forced {
			s.statsMu.Lock()
			s.stats.TicksDropped++
			s.statsMu.Unlock()
			s.logger.Printf("job queue full, dropping tick")
		}
		return false
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case j := <-s.jobs:
			s.processBatch(ctx, j.batchSize)
		}
	}
}

// processBatch implements the Batch Scheduler's claim-hash-tag-sync
// sequence of spec §4.4.
func (s *Scheduler) processBatch(ctx context.Context, batchSize int) {
	records, err := s.store.FindUnbatched(ctx, batchSize)
	if err != nil {
		s.logger.Printf("find unbatched failed: %v", err)
		s.bumpProcessingErrors()
		return
	}
	if len(records) == 0 {
		return
	}

	hashes := make([]string, len(records))
	ids := make([]string, len(records))
	for i, r := range records {
		hashes[i] = r.ComputeHash()
		ids[i] = r.ID
	}

	root, err := merkle.Root(hashes)
	if err != nil {
		s.logger.Printf("merkle root computation failed: %v", err)
		s.bumpProcessingErrors()
		return
	}

	batchID := uuid.NewString()

	modified, err := s.store.TagBatch(ctx, ids, batchID, root)
	if err != nil {
		s.logger.Printf("tag batch %s failed (%d of %d tagged): %v", batchID, modified, len(ids), err)
		s.bumpProcessingErrors()
		return
	}

	batch := &record.MerkleBatch{
		BatchID:    batchID,
		MerkleRoot: root,
		CreatedAt:  time.Now().UTC(),
		Count:      len(ids),
		RecordIDs:  ids,
	}
	if err := s.store.SaveBatch(ctx, batch); err != nil {
		s.logger.Printf("save batch %s failed: %v", batchID, err)
		s.bumpProcessingErrors()
	}

	if err := s.store.UpdateSyncStatusBatch(ctx, ids, record.StatusPendingBatch, batchID, ""); err != nil {
		s.logger.Printf("mark pending_batch for %s failed: %v", batchID, err)
		s.bumpProcessingErrors()
	}

	// A batch is now tagged and sitting at pending_batch regardless of what
	// happens next - that status transition already happened above, so
	// record it in stats either way.
	s.statsMu.Lock()
	s.stats.TotalBatches++
	s.stats.TotalRecords += int64(len(ids))
	s.stats.LastBatchID = batchID
	s.stats.LastBatchSize = len(ids)
	s.stats.LastBatchTime = time.Now().UTC()
	s.statsMu.Unlock()

	if s.ledger == nil {
		// No ledger configured: anchoring is disabled by design. Records
		// stay at pending_batch; the scheduler never anchors this batch
		// later.
		return
	}

	txID, err := s.ledger.StoreBatch(ctx, batchID, root, len(ids))
	if err != nil {
		// Leave status at pending_batch, not failed. The batch is already
		// tagged, so FindUnbatched will never see it again, and the
		// scheduler does not re-submit it to the ledger: its records stay
		// at pending_batch.
		s.logger.Printf("ledger store batch %s failed, leaving at pending_batch: %v", batchID, err)
		s.bumpFailedBatch()
		s.bumpLedgerErrors()
		return
	}

	if err := s.store.UpdateSyncStatusBatch(ctx, ids, record.StatusSynced, batchID, txID); err != nil {
		s.logger.Printf("mark synced for %s failed: %v", batchID, err)
		s.bumpProcessingErrors()
	}
}

func (s *Scheduler) bumpFailedBatch() {
	s.statsMu.Lock()
	s.stats.FailedBatches++
	s.statsMu.Unlock()
}

// bumpLedgerErrors counts a ledger-anchoring failure that left the batch
// at pending_batch. FailedBatches is bumped alongside it; a batch that
// never got tagged counts under ProcessingErrors instead.
func (s *Scheduler) bumpLedgerErrors() {
	s.statsMu.Lock()
	s.stats.LedgerErrors++
	s.statsMu.Unlock()
}

func (s *Scheduler) bumpProcessingErrors() {
	s.statsMu.Lock()
	s.stats.ProcessingErrors++
	s.statsMu.Unlock()
}

// Stats returns a copy of the scheduler's counters.
func (s *Scheduler) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}
