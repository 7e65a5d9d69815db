// Package extractor pulls ERP entity sets incrementally and feeds them to the merger.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/consultation-sync/internal/config"
	"github.com/spec-kit/consultation-sync/internal/erp"
	"github.com/spec-kit/consultation-sync/internal/observability"
	"github.com/spec-kit/consultation-sync/internal/repository"
	"github.com/spec-kit/consultation-sync/internal/service"
)

// Fetcher reads pages from the ERP.
type Fetcher interface {
	FetchPage(ctx context.Context, q erp.PageQuery) (erp.Page, error)
	TenantFilter() string
}

// HandleFunc decodes and persists one raw record, returning its watermark time.
// The time is returned alongside quarantine and integrity errors when it is known.
type HandleFunc func(ctx context.Context, raw json.RawMessage) (time.Time, error)

// Job describes how one entity set is pulled.
type Job struct {
	Name      string
	Entity    string
	TimeField string
	Tenant    bool
	Location  *time.Location
	// Filter overrides the default "TimeField ge from" condition.
	Filter func(from, now time.Time) string
	Handle HandleFunc
}

func (j Job) filter(from, now time.Time) string {
	if j.Filter != nil {
		return j.Filter(from, now)
	}
	return erp.Since(j.TimeField, from, j.Location)
}

// Result summarizes one run.
type Result struct {
	Job       string
	Pages     int
	Processed int
	Skipped   int
	Failed    int
	Cursor    time.Time
}

// Runner executes jobs against the cursor store.
type Runner struct {
	fetcher Fetcher
	cursors repository.SyncCursorRepository
	cfg     config.SyncConfig
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewRunner creates a runner. now defaults to time.Now.
func NewRunner(fetcher Fetcher, cursors repository.SyncCursorRepository, cfg config.SyncConfig, metrics *observability.Metrics, logger *zap.Logger, now func() time.Time) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Runner{fetcher: fetcher, cursors: cursors, cfg: cfg, metrics: metrics, logger: logger, now: now}
}

// Run performs one pass of job. The cursor is persisted after every page and only
// moves to record times at or before the start of the run. A record that fails to
// persist freezes the cursor for the rest of the run. Transport exhaustion stops the
// run and keeps what was already advanced.
func (r *Runner) Run(ctx context.Context, job Job) (Result, error) {
	started := r.now()
	res := Result{Job: job.Name}
	jobCfg := r.cfg.Job(job.Name)
	pageSize := jobCfg.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	log := r.logger.With(zap.String("job", job.Name))

	cursor, ok, err := r.cursors.Get(ctx, job.Name)
	if err != nil {
		return res, fmt.Errorf("sync %s: read cursor: %w", job.Name, err)
	}
	from := jobCfg.InitialFrom
	if ok {
		from = cursor.Add(-jobCfg.Lookback)
		res.Cursor = cursor
	}

	filter := job.filter(from, started)
	if job.Tenant {
		filter = erp.And(filter, r.fetcher.TenantFilter())
	}

	candidate := res.Cursor
	frozen := false
	var runErr error
	for skip := 0; ; skip += pageSize {
		page, err := r.fetcher.FetchPage(ctx, erp.PageQuery{
			Entity:  job.Entity,
			Filter:  filter,
			OrderBy: erp.Asc(job.TimeField),
			Top:     pageSize,
			Skip:    skip,
		})
		if err != nil {
			runErr = fmt.Errorf("sync %s: fetch page at %d: %w", job.Name, skip, err)
			break
		}
		res.Pages++

		for _, raw := range page.Records {
			at, err := job.Handle(ctx, raw)
			switch {
			case err == nil:
				res.Processed++
			case errors.Is(err, erp.ErrQuarantined) || service.IsIntegrity(err):
				res.Skipped++
				log.Warn("record skipped", zap.Error(err))
			default:
				res.Failed++
				frozen = true
				log.Error("record not persisted", zap.Time("record_time", at), zap.Error(err))
				continue
			}
			if !frozen && !at.IsZero() && !at.After(started) && at.After(candidate) {
				candidate = at
			}
		}

		if candidate.After(res.Cursor) {
			stored, err := r.cursors.Advance(ctx, job.Name, candidate)
			if err != nil {
				runErr = fmt.Errorf("sync %s: advance cursor: %w", job.Name, err)
				break
			}
			res.Cursor = stored
		}
		if len(page.Records) < pageSize {
			break
		}
	}

	r.finish(log, res, runErr, started)
	return res, runErr
}

func (r *Runner) finish(log *zap.Logger, res Result, err error, started time.Time) {
	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case res.Failed > 0:
		status = "partial"
	}
	duration := r.now().Sub(started)
	r.metrics.RecordJobRun(res.Job, observability.JobRun{
		Status:    status,
		Duration:  duration,
		Processed: res.Processed,
		Failed:    res.Failed,
		At:        started,
	})
	fields := []zap.Field{
		zap.String("status", status),
		zap.Int("pages", res.Pages),
		zap.Int("processed", res.Processed),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
		zap.Time("cursor", res.Cursor),
		zap.Duration("duration", duration),
	}
	if err != nil {
		log.Warn("sync job stopped", append(fields, zap.Error(err), zap.Bool("transport", erp.IsTransport(err)))...)
		return
	}
	log.Info("sync job finished", fields...)
}

// Task binds a job to the runner so the scheduler can trigger it.
type Task struct {
	runner *Runner
	job    Job
}

// Task returns the schedulable form of job.
func (r *Runner) Task(job Job) Task {
	return Task{runner: r, job: job}
}

// Name returns the job name.
func (t Task) Name() string { return t.job.Name }

// Run performs one pass.
func (t Task) Run(ctx context.Context) error {
	_, err := t.runner.Run(ctx, t.job)
	return err
}
