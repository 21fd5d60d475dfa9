// Package config is environment-variable-driven configuration, grounded
// on the certen-validator's pkg/config: getEnv/getEnvInt/getEnvBool/
// getEnvDuration helpers, a single Load() entry point, and a Validate()
// pass that collects every missing field before returning one combined
// error. Config-file loading (YAML, etc.) is explicitly out of scope.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-derived setting for loganchor.
type Config struct {
	// HTTP server
	ListenAddr string

	// Write-Ahead Log
	WALDirectory     string
	WALCheckInterval time.Duration
	WALRetentionDays int

	// Record Store (Firestore)
	StoreEnabled         bool
	StoreProjectID       string
	StoreCredentialsFile string

	// Batch Scheduler
	SchedulerBatchSize     int
	SchedulerTickInterval  time.Duration
	SchedulerMaxQueueDepth int
	SchedulerWorkerCount   int
	SchedulerShutdownGrace time.Duration

	// Ledger Sync Client (Hyperledger Fabric Gateway)
	LedgerEnabled            bool
	LedgerEndpoint           string
	LedgerTLSCertPath        string
	LedgerServerNameOverride string
	LedgerMSPID              string
	LedgerClientCertPath     string
	LedgerClientKeyPath      string
	LedgerChannelName        string
	LedgerChaincodeName      string
	LedgerCallTimeout        time.Duration

	// Ambient
	LogLevel string
}

// Load builds a Config from environment variables, applying the defaults
// documented alongside each field below.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr: getEnv("LOGANCHOR_LISTEN_ADDR", ":8080"),

		WALDirectory:     getEnv("LOGANCHOR_WAL_DIRECTORY", "./data/wal"),
		WALCheckInterval: getEnvDuration("LOGANCHOR_WAL_CHECK_INTERVAL", 5*time.Second),
		WALRetentionDays: getEnvInt("LOGANCHOR_WAL_RETENTION_DAYS", 7),

		StoreEnabled:         getEnvBool("LOGANCHOR_STORE_ENABLED", false),
		StoreProjectID:       getEnv("LOGANCHOR_STORE_PROJECT_ID", ""),
		StoreCredentialsFile: getEnv("LOGANCHOR_STORE_CREDENTIALS_FILE", ""),

		SchedulerBatchSize:     getEnvInt("LOGANCHOR_SCHEDULER_BATCH_SIZE", 100),
		SchedulerTickInterval:  getEnvDuration("LOGANCHOR_SCHEDULER_TICK_INTERVAL", 30*time.Second),
		SchedulerMaxQueueDepth: getEnvInt("LOGANCHOR_SCHEDULER_MAX_QUEUE_DEPTH", 16),
		SchedulerWorkerCount:   getEnvInt("LOGANCHOR_SCHEDULER_WORKER_COUNT", 4),
		SchedulerShutdownGrace: getEnvDuration("LOGANCHOR_SCHEDULER_SHUTDOWN_GRACE", 30*time.Second),

		LedgerEnabled:            getEnvBool("LOGANCHOR_LEDGER_ENABLED", false),
		LedgerEndpoint:           getEnv("LOGANCHOR_LEDGER_ENDPOINT", ""),
		LedgerTLSCertPath:        getEnv("LOGANCHOR_LEDGER_TLS_CERT_PATH", ""),
		LedgerServerNameOverride: getEnv("LOGANCHOR_LEDGER_SERVER_NAME_OVERRIDE", ""),
		LedgerMSPID:              getEnv("LOGANCHOR_LEDGER_MSP_ID", ""),
		LedgerClientCertPath:     getEnv("LOGANCHOR_LEDGER_CLIENT_CERT_PATH", ""),
		LedgerClientKeyPath:      getEnv("LOGANCHOR_LEDGER_CLIENT_KEY_PATH", ""),
		LedgerChannelName:        getEnv("LOGANCHOR_LEDGER_CHANNEL_NAME", ""),
		LedgerChaincodeName:      getEnv("LOGANCHOR_LEDGER_CHAINCODE_NAME", ""),
		LedgerCallTimeout:        getEnvDuration("LOGANCHOR_LEDGER_CALL_TIMEOUT", 10*time.Second),

		LogLevel: getEnv("LOGANCHOR_LOG_LEVEL", "INFO"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate collects every configuration problem into one error rather than
// failing on the first field, matching the certen-validator's Validate.
func (c *Config) Validate() error {
	var problems []string

	if c.WALDirectory == "" {
		problems = append(problems, "LOGANCHOR_WAL_DIRECTORY is required")
	}
	if c.StoreEnabled && c.StoreProjectID == "" {
		problems = append(problems, "LOGANCHOR_STORE_PROJECT_ID is required when the store is enabled")
	}
	if c.LedgerEnabled {
		if c.LedgerEndpoint == "" {
			problems = append(problems, "LOGANCHOR_LEDGER_ENDPOINT is required when the ledger is enabled")
		}
		if c.LedgerChannelName == "" {
			problems = append(problems, "LOGANCHOR_LEDGER_CHANNEL_NAME is required when the ledger is enabled")
		}
		if c.LedgerChaincodeName == "" {
			problems = append(problems, "LOGANCHOR_LEDGER_CHAINCODE_NAME is required when the ledger is enabled")
		}
		if c.LedgerMSPID == "" {
			problems = append(problems, "LOGANCHOR_LEDGER_MSP_ID is required when the ledger is enabled")
		}
	}
	if c.SchedulerBatchSize <= 0 {
		problems = append(problems, "LOGANCHOR_SCHEDULER_BATCH_SIZE must be positive")
	}
	if c.SchedulerWorkerCount <= 0 {
		problems = append(problems, "LOGANCHOR_SCHEDULER_WORKER_COUNT must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
