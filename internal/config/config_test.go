package config

import (
	"testing"
	"time"
)

func TestLoad_DefaultsAreApplied(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("expected default listen addr, got %s", cfg.ListenAddr)
	}
	if cfg.SchedulerTickInterval != 30*time.Second {
		t.Fatalf("expected default tick interval, got %s", cfg.SchedulerTickInterval)
	}
}

func TestLoad_EnvOverridesDefault(t *testing.T) {
	t.Setenv("LOGANCHOR_LISTEN_ADDR", ":9090")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("expected overridden listen addr, got %s", cfg.ListenAddr)
	}
}

func TestValidate_LedgerEnabledRequiresFields(t *testing.T) {
	cfg := &Config{WALDirectory: "./wal", SchedulerBatchSize: 1, SchedulerWorkerCount: 1, LedgerEnabled: true}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error when ledger enabled without endpoint/channel/chaincode/msp")
	}
}

func TestValidate_StoreDisabledSkipsProjectIDCheck(t *testing.T) {
	cfg := &Config{WALDirectory: "./wal", SchedulerBatchSize: 1, SchedulerWorkerCount: 1, StoreEnabled: false}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}
