// Package config defines the environment-driven configuration for the
// relayq binaries. Defaults live in the struct literals; env.Load only
// overrides what the environment sets.
package config

import (
	"fmt"
	"time"

	"github.com/relayq/relayq/internal/env"
)

// StorageConfig selects and tunes the storage driver.
type StorageConfig struct {
	// Driver is one of "postgres", "sqlite" or "memory".
	Driver string `env:"RELAYQ_STORAGE_DRIVER"`
	// DSN is the connection string; ignored by the memory driver.
	DSN             string        `env:"RELAYQ_STORAGE_DSN"`
	MaxOpenConns    int           `env:"RELAYQ_STORAGE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `env:"RELAYQ_STORAGE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `env:"RELAYQ_STORAGE_CONN_MAX_LIFETIME"`
	Migrate         bool          `env:"RELAYQ_STORAGE_MIGRATE"`
}

func (c *StorageConfig) Validate() error {
	switch c.Driver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Driver)
	}
	if c.Driver != "memory" && c.DSN == "" {
		return fmt.Errorf("storage driver %q requires RELAYQ_STORAGE_DSN", c.Driver)
	}
	return nil
}

// WorkerConfig tunes the execution runtime.
type WorkerConfig struct {
	ID                string        `env:"RELAYQ_WORKER_ID"`
	Queues            []string      `env:"RELAYQ_WORKER_QUEUES"`
	Priorities        []string      `env:"RELAYQ_WORKER_PRIORITIES"`
	Mode              string        `env:"RELAYQ_WORKER_MODE"`
	Capacity          int           `env:"RELAYQ_WORKER_CAPACITY"`
	Lease             time.Duration `env:"RELAYQ_WORKER_LEASE"`
	PollInterval      time.Duration `env:"RELAYQ_WORKER_POLL_INTERVAL"`
	HeartbeatInterval time.Duration `env:"RELAYQ_WORKER_HEARTBEAT_INTERVAL"`
	Prefetch          int           `env:"RELAYQ_WORKER_PREFETCH"`
	ShutdownGrace     time.Duration `env:"RELAYQ_WORKER_SHUTDOWN_GRACE"`
}

func (c *WorkerConfig) Validate() error {
	switch c.Mode {
	case "", "inline", "pool":
	default:
		return fmt.Errorf("unknown worker mode %q", c.Mode)
	}
	if c.Capacity < 0 {
		return fmt.Errorf("worker capacity must not be negative")
	}
	return nil
}

// SchedulerConfig tunes the schedule tick loop.
type SchedulerConfig struct {
	Enabled         bool          `env:"RELAYQ_SCHEDULER_ENABLED"`
	CheckInterval   time.Duration `env:"RELAYQ_SCHEDULER_CHECK_INTERVAL"`
	LockTTL         time.Duration `env:"RELAYQ_SCHEDULER_LOCK_TTL"`
	MissedThreshold time.Duration `env:"RELAYQ_SCHEDULER_MISSED_THRESHOLD"`
	StartupJitter   time.Duration `env:"RELAYQ_SCHEDULER_STARTUP_JITTER"`
}

// ReaperConfig tunes stuck-job and stale-worker recovery.
type ReaperConfig struct {
	Interval          time.Duration `env:"RELAYQ_REAPER_INTERVAL"`
	LivenessThreshold time.Duration `env:"RELAYQ_REAPER_LIVENESS_THRESHOLD"`
	SweepLimit        int           `env:"RELAYQ_REAPER_SWEEP_LIMIT"`
	PruneRetention    time.Duration `env:"RELAYQ_REAPER_PRUNE_RETENTION"`
}

// ObservabilityConfig controls telemetry export.
type ObservabilityConfig struct {
	OTelEnabled bool   `env:"RELAYQ_OTEL_ENABLED"`
	ServiceName string `env:"RELAYQ_SERVICE_NAME"`
	MetricsAddr string `env:"RELAYQ_METRICS_ADDR"`
}

// RunConfig is the full configuration of the run command.
type RunConfig struct {
	Storage       StorageConfig
	Worker        WorkerConfig
	Scheduler     SchedulerConfig
	Reaper        ReaperConfig
	Observability ObservabilityConfig
}

// DefaultRunConfig returns production defaults: postgres storage, a pool
// worker on the default queue, scheduler and reaper on.
func DefaultRunConfig() *RunConfig {
	return &RunConfig{
		Storage: StorageConfig{
			Driver:          "postgres",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
		},
		Worker: WorkerConfig{
			Queues:            []string{"default"},
			Mode:              "pool",
			Capacity:          10,
			Lease:             5 * time.Minute,
			PollInterval:      time.Second,
			HeartbeatInterval: time.Minute,
			ShutdownGrace:     30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			CheckInterval: time.Minute,
			StartupJitter: 5 * time.Second,
		},
		Reaper: ReaperConfig{
			Interval:          30 * time.Second,
			LivenessThreshold: 5 * time.Minute,
			SweepLimit:        100,
			PruneRetention:    7 * 24 * time.Hour,
		},
		Observability: ObservabilityConfig{
			ServiceName: "relayq",
			MetricsAddr: ":9090",
		},
	}
}

// LoadRunConfig applies the environment over the defaults and validates.
func LoadRunConfig() (*RunConfig, error) {
	cfg := DefaultRunConfig()
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load run config: %w", err)
	}
	return cfg, nil
}
