package config

import (
	"testing"
	"time"
)

func TestLoadRunConfigDefaults(t *testing.T) {
	// The default driver requires a DSN.
	t.Setenv("RELAYQ_STORAGE_DSN", "postgres://localhost/relayq")

	cfg, err := LoadRunConfig()
	if err != nil {
		t.Fatalf("LoadRunConfig: %v", err)
	}

	if cfg.Storage.Driver != "postgres" {
		t.Errorf("Driver = %s", cfg.Storage.Driver)
	}
	if cfg.Worker.Capacity != 10 || cfg.Worker.Mode != "pool" {
		t.Errorf("worker defaults wrong: %+v", cfg.Worker)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.CheckInterval != time.Minute {
		t.Errorf("scheduler defaults wrong: %+v", cfg.Scheduler)
	}
	if cfg.Reaper.LivenessThreshold != 5*time.Minute {
		t.Errorf("reaper defaults wrong: %+v", cfg.Reaper)
	}
}

func TestLoadRunConfigOverrides(t *testing.T) {
	t.Setenv("RELAYQ_STORAGE_DRIVER", "memory")
	t.Setenv("RELAYQ_WORKER_QUEUES", "emails,reports")
	t.Setenv("RELAYQ_WORKER_CAPACITY", "3")
	t.Setenv("RELAYQ_WORKER_MODE", "inline")
	t.Setenv("RELAYQ_SCHEDULER_CHECK_INTERVAL", "15s")

	cfg, err := LoadRunConfig()
	if err != nil {
		t.Fatalf("LoadRunConfig: %v", err)
	}

	if cfg.Storage.Driver != "memory" {
		t.Errorf("Driver = %s", cfg.Storage.Driver)
	}
	if len(cfg.Worker.Queues) != 2 || cfg.Worker.Queues[0] != "emails" {
		t.Errorf("Queues = %v", cfg.Worker.Queues)
	}
	if cfg.Worker.Capacity != 3 || cfg.Worker.Mode != "inline" {
		t.Errorf("worker overrides wrong: %+v", cfg.Worker)
	}
	if cfg.Scheduler.CheckInterval != 15*time.Second {
		t.Errorf("CheckInterval = %v", cfg.Scheduler.CheckInterval)
	}
}

func TestLoadRunConfigValidation(t *testing.T) {
	t.Setenv("RELAYQ_STORAGE_DRIVER", "cassandra")
	if _, err := LoadRunConfig(); err == nil {
		t.Fatal("expected error for unknown driver")
	}

	t.Setenv("RELAYQ_STORAGE_DRIVER", "postgres")
	t.Setenv("RELAYQ_STORAGE_DSN", "")
	if _, err := LoadRunConfig(); err == nil {
		t.Fatal("expected error for missing DSN")
	}

	t.Setenv("RELAYQ_STORAGE_DRIVER", "memory")
	t.Setenv("RELAYQ_WORKER_MODE", "threads")
	if _, err := LoadRunConfig(); err == nil {
		t.Fatal("expected error for unknown worker mode")
	}
}
