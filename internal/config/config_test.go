package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SYNC_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.Name != "consultation-sync" {
		t.Fatalf("app name = %q", cfg.App.Name)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "kafka-2:9092" {
		t.Fatalf("brokers = %v", cfg.Kafka.Brokers)
	}
	if got := cfg.Sync.Job(JobConsultations).Lookback; got != 7*24*time.Hour {
		t.Fatalf("consultations lookback = %s", got)
	}
	if got := cfg.Sync.Job(JobCalls).Lookback; got != 12*time.Hour {
		t.Fatalf("calls lookback = %s", got)
	}
	if cfg.Selector.Tolerance != 0.1 || cfg.Selector.FloorMinutes != 15 {
		t.Fatalf("selector config = %+v", cfg.Selector)
	}
}

func TestLoadOverlaysSyncFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.yaml")
	content := `
lock_ttl: 2m
jobs:
  calls:
    interval: 30s
    lookback: 6h
  reschedules:
    enabled: false
  custom:
    interval: 5m
    page_size: 10
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write sync file: %v", err)
	}
	t.Setenv("SYNC_CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.LockTTL != 2*time.Minute {
		t.Fatalf("lock ttl = %s", cfg.Sync.LockTTL)
	}
	calls := cfg.Sync.Job(JobCalls)
	if calls.Interval != 30*time.Second || calls.Lookback != 6*time.Hour || !calls.Enabled {
		t.Fatalf("calls = %+v", calls)
	}
	if cfg.Sync.Job(JobReschedules).Enabled {
		t.Fatalf("reschedules should be disabled")
	}
	if custom := cfg.Sync.Job("custom"); custom.PageSize != 10 || custom.Interval != 5*time.Minute {
		t.Fatalf("custom = %+v", custom)
	}
}

func TestOverlayRejectsZeroInterval(t *testing.T) {
	sync := defaultSyncConfig()
	if err := sync.overlay([]byte("jobs:\n  fresh:\n    page_size: 5\n")); err == nil {
		t.Fatalf("expected error for job without interval")
	}
}
