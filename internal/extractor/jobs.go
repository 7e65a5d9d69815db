package extractor

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/consultation-sync/internal/config"
	"github.com/spec-kit/consultation-sync/internal/domain"
	"github.com/spec-kit/consultation-sync/internal/erp"
	"github.com/spec-kit/consultation-sync/internal/observability"
	"github.com/spec-kit/consultation-sync/internal/repository"
	"github.com/spec-kit/consultation-sync/internal/service"
)

// Reconciler persists ERP observations.
type Reconciler interface {
	Reconcile(ctx context.Context, rec service.SourceRecord) (service.ConsultationRef, error)
	RecordReschedule(ctx context.Context, rec domain.Reschedule) (bool, error)
	RecordRating(ctx context.Context, rec domain.Rating) (bool, error)
	RecordCallAttempt(ctx context.Context, rec domain.CallAttempt) (bool, error)
	ApplyQueueClosure(ctx context.Context, closure domain.QueueClosure, closed bool) (bool, error)
}

// AgentSyncer stores ERP-side agent limits.
type AgentSyncer interface {
	SyncLimits(ctx context.Context, limits service.ConsultantLimits) error
}

// Jobs builds the extractor jobs over shared sinks.
type Jobs struct {
	Reconciler Reconciler
	Agents     AgentSyncer
	Location   *time.Location
}

func (j Jobs) loc() *time.Location {
	if j.Location == nil {
		return time.UTC
	}
	return j.Location
}

// Consultations pulls tenant consultations created since the cursor or scheduled from today.
func (j Jobs) Consultations() Job {
	return j.consultations(config.JobConsultations, domain.ScopeTenant)
}

// AllConsultations pulls every consultation without the tenant filter, for queue accounting.
func (j Jobs) AllConsultations() Job {
	return j.consultations(config.JobConsultationsAll, domain.ScopeForeign)
}

func (j Jobs) consultations(name string, scope domain.Scope) Job {
	return Job{
		Name:      name,
		Entity:    erp.EntityConsultations,
		TimeField: erp.FieldCreatedAt,
		Tenant:    scope == domain.ScopeTenant,
		Location:  j.loc(),
		Filter: func(from, now time.Time) string {
			local := now.In(j.loc())
			today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, j.loc())
			return erp.ConsultationsSince(from, today, j.loc())
		},
		Handle: func(ctx context.Context, raw json.RawMessage) (time.Time, error) {
			rec, err := erp.Decode[erp.ConsultationRecord](erp.EntityConsultations, raw, j.loc())
			if err != nil {
				return time.Time{}, err
			}
			_, err = j.Reconciler.Reconcile(ctx, consultationSource(rec, scope))
			return rec.RecordTime(), err
		},
	}
}

// consultationSource maps a consultation document onto a merge record.
// Every consultation document in the ERP is an accounting consultation.
func consultationSource(rec erp.ConsultationRecord, scope domain.Scope) service.SourceRecord {
	denied := rec.Denied
	return service.SourceRecord{
		Origin:      domain.SourceERP,
		Scope:       scope,
		ERPRefKey:   erp.CleanKey(rec.RefKey),
		Status:      rec.Status(),
		Type:        domain.TypeAccounting,
		AgentKey:    erp.CleanKey(rec.ManagerKey),
		CategoryKey: erp.CleanKey(rec.CategoryKey),
		Number:      rec.Number,
		StartAt:     rec.ScheduledAt.Ptr(),
		EndAt:       rec.EndAt.Ptr(),
		Denied:      &denied,
	}
}

// Reschedules pulls consultation reschedules.
func (j Jobs) Reschedules() Job {
	return Job{
		Name:      config.JobReschedules,
		Entity:    erp.EntityReschedules,
		TimeField: erp.FieldPeriod,
		Location:  j.loc(),
		Handle: func(ctx context.Context, raw json.RawMessage) (time.Time, error) {
			rec, err := erp.Decode[erp.RescheduleRecord](erp.EntityReschedules, raw, j.loc())
			if err != nil {
				return time.Time{}, err
			}
			_, err = j.Reconciler.RecordReschedule(ctx, domain.Reschedule{
				ERPRefKey: erp.CleanKey(rec.ConsultationKey),
				AgentKey:  erp.CleanKey(rec.ManagerKey),
				OldAt:     rec.OldDate.Ptr(),
				NewAt:     rec.NewDate.Ptr(),
				Period:    rec.Period.Time,
			})
			return rec.RecordTime(), err
		},
	}
}

// Ratings pulls rating answers.
func (j Jobs) Ratings() Job {
	return Job{
		Name:      config.JobRatings,
		Entity:    erp.EntityRatings,
		TimeField: erp.FieldPeriod,
		Location:  j.loc(),
		Handle: func(ctx context.Context, raw json.RawMessage) (time.Time, error) {
			rec, err := erp.Decode[erp.RatingRecord](erp.EntityRatings, raw, j.loc())
			if err != nil {
				return time.Time{}, err
			}
			_, err = j.Reconciler.RecordRating(ctx, domain.Rating{
				ERPRefKey: erp.CleanKey(rec.ConsultationKey),
				AgentKey:  erp.CleanKey(rec.ManagerKey),
				Question:  rec.Question.Value,
				Score:     rec.Score.Value,
				RatedAt:   rec.Period.Time,
			})
			return rec.RecordTime(), err
		},
	}
}

// Calls pulls dial attempts.
func (j Jobs) Calls() Job {
	return Job{
		Name:      config.JobCalls,
		Entity:    erp.EntityCalls,
		TimeField: erp.FieldPeriod,
		Location:  j.loc(),
		Handle: func(ctx context.Context, raw json.RawMessage) (time.Time, error) {
			rec, err := erp.Decode[erp.CallRecord](erp.EntityCalls, raw, j.loc())
			if err != nil {
				return time.Time{}, err
			}
			_, err = j.Reconciler.RecordCallAttempt(ctx, domain.CallAttempt{
				ERPRefKey: erp.CleanKey(rec.ConsultationKey),
				AgentKey:  erp.CleanKey(rec.ManagerKey),
				Period:    rec.Period.Time,
			})
			return rec.RecordTime(), err
		},
	}
}

// QueueClosures pulls per-day queue closures. Only today's rows take effect.
func (j Jobs) QueueClosures() Job {
	return Job{
		Name:      config.JobQueueClosures,
		Entity:    erp.EntityQueueClosures,
		TimeField: erp.FieldDate,
		Location:  j.loc(),
		Handle: func(ctx context.Context, raw json.RawMessage) (time.Time, error) {
			rec, err := erp.Decode[erp.QueueClosureRecord](erp.EntityQueueClosures, raw, j.loc())
			if err != nil {
				return time.Time{}, err
			}
			_, err = j.Reconciler.ApplyQueueClosure(ctx, domain.QueueClosure{
				Day:      rec.Date.Time,
				AgentKey: erp.CleanKey(rec.ManagerKey),
			}, rec.Closed)
			return rec.RecordTime(), err
		},
	}
}

// Users pulls consultant capacity and working hours.
func (j Jobs) Users() Job {
	return Job{
		Name:      config.JobUsers,
		Entity:    erp.EntityConsultants,
		TimeField: erp.FieldPeriod,
		Location:  j.loc(),
		Handle: func(ctx context.Context, raw json.RawMessage) (time.Time, error) {
			rec, err := erp.Decode[erp.ConsultantRecord](erp.EntityConsultants, raw, j.loc())
			if err != nil {
				return time.Time{}, err
			}
			err = j.Agents.SyncLimits(ctx, service.ConsultantLimits{
				ERPKey:   erp.CleanKey(rec.ManagerKey),
				Capacity: rec.Limit.Value,
				Hours:    rec.Hours(),
			})
			return rec.RecordTime(), err
		},
	}
}

// All returns every cursor-driven job.
func (j Jobs) All() []Job {
	return []Job{
		j.Consultations(),
		j.AllConsultations(),
		j.Reschedules(),
		j.Ratings(),
		j.Calls(),
		j.QueueClosures(),
		j.Users(),
	}
}

// OpenRefresh re-reads every non-terminal tenant consultation by key, in batches,
// so that edits to older documents outside the lookback window are still merged.
type OpenRefresh struct {
	fetcher       Fetcher
	consultations repository.ConsultationRepository
	reconciler    Reconciler
	loc           *time.Location
	batch         int
	metrics       *observability.Metrics
	logger        *zap.Logger
}

// NewOpenRefresh creates the refresh task. batch defaults to 50; loc defaults to UTC.
func NewOpenRefresh(fetcher Fetcher, consultations repository.ConsultationRepository, reconciler Reconciler, loc *time.Location, batch int, metrics *observability.Metrics, logger *zap.Logger) *OpenRefresh {
	if batch <= 0 {
		batch = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenRefresh{
		fetcher:       fetcher,
		consultations: consultations,
		reconciler:    reconciler,
		loc:           loc,
		batch:         batch,
		metrics:       metrics,
		logger:        logger.With(zap.String("job", config.JobConsultationsOpen)),
	}
}

// Name returns the job name.
func (o *OpenRefresh) Name() string { return config.JobConsultationsOpen }

// Run performs one refresh pass.
func (o *OpenRefresh) Run(ctx context.Context) error {
	started := time.Now()
	var processed, failed int
	var runErr error
	after := ""
	for {
		keys, err := o.consultations.ListOpenERPRefKeys(ctx, after, o.batch)
		if err != nil {
			runErr = err
			break
		}
		if len(keys) == 0 {
			break
		}
		page, err := o.fetcher.FetchPage(ctx, erp.PageQuery{
			Entity: erp.EntityConsultations,
			Filter: erp.RefKeysIn(keys),
			Top:    len(keys),
		})
		if err != nil {
			runErr = err
			break
		}
		for _, raw := range page.Records {
			rec, err := erp.Decode[erp.ConsultationRecord](erp.EntityConsultations, raw, o.loc)
			if err == nil {
				_, err = o.reconciler.Reconcile(ctx, consultationSource(rec, domain.ScopeTenant))
			}
			if err != nil {
				failed++
				o.logger.Warn("open consultation refresh failed", zap.Error(err))
				continue
			}
			processed++
		}
		after = keys[len(keys)-1]
		if len(keys) < o.batch {
			break
		}
	}

	status := "ok"
	if runErr != nil {
		status = "error"
	} else if failed > 0 {
		status = "partial"
	}
	o.metrics.RecordJobRun(config.JobConsultationsOpen, observability.JobRun{
		Status:    status,
		Duration:  time.Since(started),
		Processed: processed,
		Failed:    failed,
		At:        started,
	})
	o.logger.Info("open consultations refreshed",
		zap.String("status", status),
		zap.Int("processed", processed),
		zap.Int("failed", failed),
		zap.Error(runErr))
	return runErr
}
