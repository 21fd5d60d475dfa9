// Command loganchor is the composition root: it wires the Write-Ahead
// Log, Record Store, Batch Scheduler, Ledger Sync Client, Verifier and
// HTTP Handlers together and runs the service until an interrupt signal.
// Adapted from the certen-validator's main.go wiring and graceful
// shutdown sequence, trimmed to explicit dependency injection rather
// than package-level singletons. CLI flag wrappers, health-probe
// binaries and config-file loading are out of scope; everything is
// wired here and configured through the environment.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loganchor/loganchor/internal/config"
	"github.com/loganchor/loganchor/internal/ledger"
	"github.com/loganchor/loganchor/internal/record"
	"github.com/loganchor/loganchor/internal/scheduler"
	"github.com/loganchor/loganchor/internal/server"
	"github.com/loganchor/loganchor/internal/store"
	"github.com/loganchor/loganchor/internal/verify"
	"github.com/loganchor/loganchor/internal/wal"
)

// ledgerComponent is the union of the scheduler's and verifier's ledger
// dependencies, satisfied by *ledger.Client.
type ledgerComponent interface {
	scheduler.Ledger
	verify.Ledger
}

func main() {
	logger := log.New(log.Writer(), "[loganchor] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	walLogger := log.New(log.Writer(), "[WAL] ", log.LstdFlags)
	w, err := wal.Open(wal.Config{
		Directory:     cfg.WALDirectory,
		CheckInterval: cfg.WALCheckInterval,
		RetentionDays: cfg.WALRetentionDays,
		Logger:        walLogger,
	})
	if err != nil {
		log.Fatalf("failed to open write-ahead log: %v", err)
	}

	storeLogger := log.New(log.Writer(), "[Store] ", log.LstdFlags)
	recordStore, err := store.New(ctx, store.Config{
		ProjectID:       cfg.StoreProjectID,
		CredentialsFile: cfg.StoreCredentialsFile,
		Enabled:         cfg.StoreEnabled,
		Logger:          storeLogger,
	})
	if err != nil {
		log.Fatalf("failed to open record store: %v", err)
	}

	w.StartDrainer(func(r *record.Record) error {
		return recordStore.InsertRecord(ctx, r)
	})

	// ledgerClient stays nil when LOGANCHOR_LEDGER_ENABLED is false: the
	// scheduler and verifier both treat a nil Ledger as "anchoring/ledger
	// cross-check disabled", not as an always-succeeding stand-in.
	var ledgerClient ledgerComponent
	if cfg.LedgerEnabled {
		tlsCert, err := os.ReadFile(cfg.LedgerTLSCertPath)
		if err != nil {
			log.Fatalf("failed to read ledger tls certificate: %v", err)
		}
		clientCert, err := os.ReadFile(cfg.LedgerClientCertPath)
		if err != nil {
			log.Fatalf("failed to read ledger client certificate: %v", err)
		}
		clientKey, err := os.ReadFile(cfg.LedgerClientKeyPath)
		if err != nil {
			log.Fatalf("failed to read ledger client key: %v", err)
		}

		client, err := ledger.Connect(ledger.Config{
			Endpoint:           cfg.LedgerEndpoint,
			TLSCertPEM:         tlsCert,
			ServerNameOverride: cfg.LedgerServerNameOverride,
			MSPID:              cfg.LedgerMSPID,
			ClientCertPEM:      clientCert,
			ClientKeyPEM:       clientKey,
			ChannelName:        cfg.LedgerChannelName,
			ChaincodeName:      cfg.LedgerChaincodeName,
			CallTimeout:        cfg.LedgerCallTimeout,
		})
		if err != nil {
			log.Fatalf("failed to connect to ledger: %v", err)
		}
		defer client.Close()
		ledgerClient = client
	}

	schedulerLogger := log.New(log.Writer(), "[Scheduler] ", log.LstdFlags)
	sched, err := scheduler.New(scheduler.Config{
		Store:         recordStore,
		Ledger:        ledgerClient,
		BatchSize:     cfg.SchedulerBatchSize,
		TickInterval:  cfg.SchedulerTickInterval,
		MaxQueueDepth: cfg.SchedulerMaxQueueDepth,
		WorkerCount:   cfg.SchedulerWorkerCount,
		Logger:        schedulerLogger,
	})
	if err != nil {
		log.Fatalf("failed to build scheduler: %v", err)
	}

	verifier := verify.New(recordStore, ledgerClient)

	handlers := server.New(recordStore, w, sched, verifier, log.New(log.Writer(), "[HTTP] ", log.LstdFlags))

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handlers.Mux(),
	}

	sched.Start(ctx)

	go func() {
		logger.Printf("listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Printf("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.SchedulerShutdownGrace)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http server shutdown error: %v", err)
	}

	w.Stop()
	sched.Stop(cfg.SchedulerShutdownGrace)

	if err := recordStore.Close(); err != nil {
		logger.Printf("record store close error: %v", err)
	}

	logger.Printf("stopped")
}
