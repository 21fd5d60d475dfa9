// Package wal implements the append-only, fsync-backed durability ring that
// sits between an acknowledged HTTP ingest and the record store. Adapted
// from the retrieval pack's raft-recovery WAL (batched-fsync-then-rename
// discipline) and grounded on gofrs/flock for the cross-process exclusive
// lock spec requires around the pending file.
package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/loganchor/loganchor/internal/record"
)

const (
	pendingFileName   = "pending"
	processedFileName = "processed"
)

// InsertFunc is the caller-supplied callback the drainer uses to move a
// pending record into the record store.
type InsertFunc func(r *record.Record) error

// pendingEntry is one line of the pending file.
type pendingEntry struct {
	WALTimestamp time.Time      `json:"wal_timestamp"`
	Record       *record.Record `json:"record"`
}

// processedEntry is one line of the processed file.
type processedEntry struct {
	WALTimestamp      time.Time `json:"wal_timestamp"`
	ProcessedTimestamp time.Time `json:"processed_timestamp"`
	RecordID          string    `json:"record_id"`
}

// Config configures a WAL instance.
type Config struct {
	Directory      string
	CheckInterval  time.Duration // default 5s
	RetentionDays  int           // processed-file retention, 0 disables pruning
	Logger         *log.Logger
}

// WAL is the append-only durability ring described in spec §4.2.
type WAL struct {
	dir           string
	checkInterval time.Duration
	retentionDays int
	logger        *log.Logger

	mu sync.Mutex // serializes Append in-process, in addition to the file lock

	insert InsertFunc

	stopCh  chan struct{}
	stopped chan struct{}

	statsMu        sync.Mutex
	pendingGauge   int
	processedCount int
	drainErrors    int
	lastDrainAt    time.Time
}

// Stats is a snapshot of WAL counters, safe to read concurrently.
type Stats struct {
	PendingGauge   int
	ProcessedCount int
	DrainErrors    int
	LastDrainAt    time.Time
}

// Open creates the WAL directory if needed and returns a WAL instance.
// Any pre-existing pending file's line count seeds the pending gauge; no
// special recovery action is taken here — the drainer retries on its first
// tick.
func Open(cfg Config) (*WAL, error) {
	if cfg.Directory == "" {
		return nil, fmt.Errorf("wal: directory is required")
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[WAL] ", log.LstdFlags)
	}

	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("wal: failed to open directory: %w", err)
	}

	w := &WAL{
		dir:           cfg.Directory,
		checkInterval: cfg.CheckInterval,
		retentionDays: cfg.RetentionDays,
		logger:        cfg.Logger,
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	if n, err := countLines(w.pendingPath()); err == nil {
		w.statsMu.Lock()
		w.pendingGauge = n
		w.statsMu.Unlock()
	}

	return w, nil
}

func (w *WAL) pendingPath() string   { return filepath.Join(w.dir, pendingFileName) }
func (w *WAL) processedPath() string { return filepath.Join(w.dir, processedFileName) }

// Append serializes r, appends it to the pending file under an exclusive
// file lock, and fsyncs before returning. Fsync failure is fatal to the
// write: the caller must not acknowledge the record.
func (w *WAL) Append(r *record.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := pendingEntry{WALTimestamp: time.Now().UTC(), Record: r}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("wal: failed to serialize entry: %w", err)
	}

	fl := flock.New(w.pendingPath() + ".lock")
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("wal: failed to acquire file lock: %w", err)
	}
	defer fl.Unlock()

	f, err := os.OpenFile(w.pendingPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: failed to open pending file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("wal: failed to write entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("wal: fsync failed: %w", err)
	}

	w.statsMu.Lock()
	w.pendingGauge++
	w.statsMu.Unlock()

	return nil
}

// StartDrainer launches the background drainer goroutine. insert is called
// once per pending entry on each tick.
func (w *WAL) StartDrainer(insert InsertFunc) {
	w.insert = insert
	go w.drainLoop()
}

// Stop signals the drainer to exit and waits for it to finish.
func (w *WAL) Stop() {
	close(w.stopCh)
	<-w.stopped
}

func (w *WAL) drainLoop() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.drainOnce()
			if w.retentionDays > 0 {
				if err := w.pruneProcessed(); err != nil {
					w.logger.Printf("processed-file prune failed: %v", err)
				}
			}
		}
	}
}

// drainOnce reads all pending entries, attempts to insert each via the
// caller-supplied callback, appends successes to processed, and rewrites
// pending with only the remaining failures.
func (w *WAL) drainOnce() {
	entries, err := w.readPending()
	if err != nil {
		w.logger.Printf("failed to read pending file: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	var remaining []pendingEntry
	var processed []processedEntry

	for _, e := range entries {
		if err := w.insert(e.Record); err != nil {
			w.statsMu.Lock()
			w.drainErrors++
			w.statsMu.Unlock()
			w.logger.Printf("drain failed for record %s, will retry: %v", e.Record.ID, err)
			remaining = append(remaining, e)
			continue
		}
		processed = append(processed, processedEntry{
			WALTimestamp:       e.WALTimestamp,
			ProcessedTimestamp: time.Now().UTC(),
			RecordID:           e.Record.ID,
		})
	}

	if len(processed) > 0 {
		if err := w.appendProcessed(processed); err != nil {
			w.logger.Printf("failed to append processed entries: %v", err)
		}
	}

	// The mutex is acquired only for the final rewrite, never across the
	// callback execution above.
	w.mu.Lock()
	defer w.mu.Unlock()

	// Append may have added entries while the callbacks ran; they follow
	// the ones read above, so carry them into the rewrite.
	current, err := w.readPending()
	if err != nil {
		w.logger.Printf("failed to re-read pending file: %v", err)
		return
	}
	if len(current) > len(entries) {
		remaining = append(remaining, current[len(entries):]...)
	}

	if err := w.rewritePending(remaining); err != nil {
		w.logger.Printf("failed to rewrite pending file: %v", err)
		return
	}

	w.statsMu.Lock()
	w.pendingGauge = len(remaining)
	w.lastDrainAt = time.Now().UTC()
	w.statsMu.Unlock()
}

func (w *WAL) readPending() ([]pendingEntry, error) {
	f, err := os.Open(w.pendingPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []pendingEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e pendingEntry
		if err := json.Unmarshal(line, &e); err != nil {
			w.logger.Printf("skipping corrupted pending line: %v", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// rewritePending replaces the pending file using a tempfile+rename to avoid
// partial files. If remaining is empty, pending is deleted.
func (w *WAL) rewritePending(remaining []pendingEntry) error {
	if len(remaining) == 0 {
		err := os.Remove(w.pendingPath())
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	tmp, err := os.CreateTemp(w.dir, "pending-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	for _, e := range remaining {
		line, err := json.Marshal(e)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		if _, err := tmp.Write(append(line, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, w.pendingPath())
}

func (w *WAL) appendProcessed(entries []processedEntry) error {
	f, err := os.OpenFile(w.processedPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return err
		}
	}

	w.statsMu.Lock()
	w.processedCount += len(entries)
	w.statsMu.Unlock()

	return f.Sync()
}

// pruneProcessed rewrites processed, keeping only lines whose
// processed_timestamp is within the retention window.
func (w *WAL) pruneProcessed() error {
	f, err := os.Open(w.processedPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	cutoff := time.Now().AddDate(0, 0, -w.retentionDays)
	var keep []processedEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e processedEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if e.ProcessedTimestamp.After(cutoff) {
			keep = append(keep, e)
		}
	}
	f.Close()
	if err := scanner.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(w.dir, "processed-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	for _, e := range keep {
		line, err := json.Marshal(e)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		if _, err := tmp.Write(append(line, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, w.processedPath())
}

// Stats returns a copy of the WAL's counters.
func (w *WAL) Stats() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return Stats{
		PendingGauge:   w.pendingGauge,
		ProcessedCount: w.processedCount,
		DrainErrors:    w.drainErrors,
		LastDrainAt:    w.lastDrainAt,
	}
}

// ForceDrain triggers an immediate drain cycle outside the ticker interval.
func (w *WAL) ForceDrain() {
	w.drainOnce()
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			n++
		}
	}
	return n, scanner.Err()
}
