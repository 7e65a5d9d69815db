package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Job names understood by the scheduler.
const (
	JobConsultations     = "consultations"
	JobConsultationsAll  = "consultations_all"
	JobConsultationsOpen = "consultations_open"
	JobReschedules       = "reschedules"
	JobRatings           = "ratings"
	JobCalls             = "calls"
	JobQueueClosures     = "queue_closures"
	JobUsers             = "users"
)

// JobConfig tunes one extractor job.
type JobConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Lookback    time.Duration `yaml:"lookback"`
	PageSize    int           `yaml:"page_size"`
	InitialFrom time.Time     `yaml:"initial_from"`
}

// SyncConfig holds per-job scheduling and extraction tuning.
type SyncConfig struct {
	LockTTL      time.Duration        `yaml:"lock_ttl"`
	UseRedisLock bool                 `yaml:"use_redis_lock"`
	Jobs         map[string]JobConfig `yaml:"jobs"`
}

func defaultSyncConfig() SyncConfig {
	initial := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	job := func(lookback time.Duration) JobConfig {
		return JobConfig{
			Enabled:     true,
			Interval:    time.Minute,
			Lookback:    lookback,
			PageSize:    1000,
			InitialFrom: initial,
		}
	}
	return SyncConfig{
		LockTTL:      10 * time.Minute,
		UseRedisLock: true,
		Jobs: map[string]JobConfig{
			JobConsultations:     job(7 * 24 * time.Hour),
			JobConsultationsAll:  job(7 * 24 * time.Hour),
			JobConsultationsOpen: {Enabled: true, Interval: 10 * time.Minute, PageSize: 50},
			JobReschedules:       job(24 * time.Hour),
			JobRatings:           job(24 * time.Hour),
			JobCalls:             job(12 * time.Hour),
			JobQueueClosures:     job(24 * time.Hour),
			JobUsers:             job(24 * time.Hour),
		},
	}
}

// Job returns the tuning for name; unknown names get a disabled zero config.
func (s SyncConfig) Job(name string) JobConfig {
	return s.Jobs[name]
}

type syncFile struct {
	LockTTL      *time.Duration      `yaml:"lock_ttl"`
	UseRedisLock *bool               `yaml:"use_redis_lock"`
	Jobs         map[string]jobPatch `yaml:"jobs"`
}

type jobPatch struct {
	Enabled     *bool          `yaml:"enabled"`
	Interval    *time.Duration `yaml:"interval"`
	Lookback    *time.Duration `yaml:"lookback"`
	PageSize    *int           `yaml:"page_size"`
	InitialFrom *time.Time     `yaml:"initial_from"`
}

func (s *SyncConfig) overlayFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read sync config %s: %w", path, err)
	}
	return s.overlay(data)
}

func (s *SyncConfig) overlay(data []byte) error {
	var file syncFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse sync config: %w", err)
	}
	if file.LockTTL != nil {
		s.LockTTL = *file.LockTTL
	}
	if file.UseRedisLock != nil {
		s.UseRedisLock = *file.UseRedisLock
	}
	if s.Jobs == nil {
		s.Jobs = make(map[string]JobConfig)
	}
	for name, patch := range file.Jobs {
		job := s.Jobs[name]
		if patch.Enabled != nil {
			job.Enabled = *patch.Enabled
		}
		if patch.Interval != nil {
			job.Interval = *patch.Interval
		}
		if patch.Lookback != nil {
			job.Lookback = *patch.Lookback
		}
		if patch.PageSize != nil {
			job.PageSize = *patch.PageSize
		}
		if patch.InitialFrom != nil {
			job.InitialFrom = *patch.InitialFrom
		}
		if job.Interval <= 0 {
			return fmt.Errorf("sync config: job %s needs a positive interval", name)
		}
		s.Jobs[name] = job
	}
	return nil
}
