package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/consultation-sync/internal/chat"
	"github.com/spec-kit/consultation-sync/internal/config"
	"github.com/spec-kit/consultation-sync/internal/erp"
	"github.com/spec-kit/consultation-sync/internal/events"
	"github.com/spec-kit/consultation-sync/internal/extractor"
	"github.com/spec-kit/consultation-sync/internal/kafka"
	"github.com/spec-kit/consultation-sync/internal/observability"
	"github.com/spec-kit/consultation-sync/internal/persistence"
	"github.com/spec-kit/consultation-sync/internal/repository"
	"github.com/spec-kit/consultation-sync/internal/retry"
	"github.com/spec-kit/consultation-sync/internal/service"
	"github.com/spec-kit/consultation-sync/internal/worker"
)

// application holds every long-lived component of the service.
type application struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *observability.Metrics

	postgres *persistence.Postgres
	redis    *persistence.Redis
	feed     *kafka.ChangeFeed

	consultations repository.ConsultationRepository
	changes       repository.ChangeLogRepository
	webhookLog    repository.WebhookLogRepository

	reconciler *service.ReconcileService
	notifier   *service.NotificationService
	selector   *service.ManagerSelector
	estimator  *service.QueueEstimator
	agents     *service.AgentService
	scheduler  *worker.Scheduler
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Printf("failed to init logger: %v", err)
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*application, error) {
	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		return nil, err
	}
	pool := pg.PoolHandle()
	if pool == nil {
		return nil, errors.New("POSTGRES_DSN is required")
	}
	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pool, logger); err != nil {
			pg.Close()
			return nil, err
		}
	}

	loc := cfg.App.Location()

	a := &application{
		cfg:      cfg,
		logger:   logger,
		metrics:  observability.NewMetrics(),
		postgres: pg,
		redis:    persistence.NewRedis(cfg.Redis, logger),
		feed:     kafka.NewChangeFeed(cfg.Kafka, logger.Named("change_feed")),
	}

	a.consultations = repository.NewConsultationRepository(pool)
	a.changes = repository.NewChangeLogRepository(pool)
	a.webhookLog = repository.NewWebhookLogRepository(pool)
	agentRepo := repository.NewAgentRepository(pool)
	mappingRepo := repository.NewAgentMappingRepository(pool)
	closureRepo := repository.NewQueueClosureRepository(pool)

	erpClient := erp.NewClient(erp.ClientOptions{
		BaseURL:     cfg.ERP.BaseURL,
		Username:    cfg.ERP.Username,
		Password:    cfg.ERP.Password,
		TenantField: cfg.ERP.TenantField,
		TenantKey:   cfg.ERP.TenantKey,
		HTTPClient:  &http.Client{Timeout: time.Duration(cfg.ERP.TimeoutSecond) * time.Second},
		Policy: retry.Policy{
			MaxRetries: cfg.ERP.MaxRetries,
			BaseDelay:  time.Duration(cfg.ERP.BaseDelayMS) * time.Millisecond,
			MaxDelay:   time.Duration(cfg.ERP.MaxDelayMS) * time.Millisecond,
		},
		Location: loc,
	})
	var erpWriter service.ERPWriter
	if cfg.ERP.OutboundSync {
		erpWriter = erpClient
	}
	chatClient := chat.NewClient(chat.ClientOptions{
		BaseURL:   cfg.Chat.BaseURL,
		AccountID: cfg.Chat.AccountID,
		APIToken:  cfg.Chat.APIToken,
		Policy:    retry.Policy{MaxRetries: cfg.Chat.MaxRetries},
	})

	dispatcher := events.NewInMemoryDispatcher(logger.Named("events"))
	a.estimator = service.NewQueueEstimator(a.consultations, service.EstimatorConfig{
		Window:         time.Duration(cfg.Selector.HistoryWindowDays) * 24 * time.Hour,
		FloorMinutes:   cfg.Selector.FloorMinutes,
		DefaultMinutes: cfg.Selector.DefaultAvgMinutes,
	}, nil)
	a.reconciler = service.NewReconcileService(service.ReconcileDependencies{
		ConsultationRepo: a.consultations,
		AgentRepo:        agentRepo,
		MappingRepo:      mappingRepo,
		ActivityRepo:     repository.NewActivityRepository(pool),
		ClosureRepo:      closureRepo,
		Chat:             chatClient,
		ERP:              erpWriter,
		Dispatcher:       dispatcher,
		Logger:           logger.Named("reconcile"),
		Location:         loc,
	})
	a.notifier = service.NewNotificationService(service.NotificationDependencies{
		LedgerRepo:       repository.NewNotificationLedgerRepository(pool),
		ConsultationRepo: a.consultations,
		AgentRepo:        agentRepo,
		Estimator:        a.estimator,
		Chat:             chatClient,
		Dispatcher:       dispatcher,
		Metrics:          a.metrics,
		Logger:           logger.Named("notifications"),
		Location:         loc,
	})
	a.notifier.RegisterHandlers()
	a.feed.Subscribe(dispatcher)

	a.selector = service.NewManagerSelector(service.SelectorDependencies{
		AgentRepo:        agentRepo,
		ConsultationRepo: a.consultations,
		ClosureRepo:      closureRepo,
		Tolerance:        cfg.Selector.Tolerance,
		Location:         loc,
	})
	a.agents = service.NewAgentService(agentRepo, mappingRepo, logger.Named("agents"))

	var locker worker.Locker
	if cfg.Sync.UseRedisLock {
		locker = a.redis
	}
	a.scheduler = worker.NewScheduler(locker, cfg.Sync.LockTTL, logger.Named("scheduler"))
	a.registerJobs(erpClient, repository.NewSyncCursorRepository(pool), loc)
	return a, nil
}

// registerJobs adds every extractor job. Disabled jobs stay available for manual runs.
func (a *application) registerJobs(fetcher extractor.Fetcher, cursors repository.SyncCursorRepository, loc *time.Location) {
	runner := extractor.NewRunner(fetcher, cursors, a.cfg.Sync, a.metrics, a.logger.Named("sync"), nil)
	jobs := extractor.Jobs{Reconciler: a.reconciler, Agents: a.agents, Location: loc}
	for _, job := range jobs.All() {
		a.scheduler.Register(runner.Task(job), a.interval(job.Name))
	}

	openCfg := a.cfg.Sync.Job(config.JobConsultationsOpen)
	refresh := extractor.NewOpenRefresh(fetcher, a.consultations, a.reconciler, loc, openCfg.PageSize, a.metrics, a.logger.Named("sync"))
	a.scheduler.Register(refresh, a.interval(config.JobConsultationsOpen))
}

func (a *application) interval(job string) time.Duration {
	jobCfg := a.cfg.Sync.Job(job)
	if !jobCfg.Enabled {
		return 0
	}
	return jobCfg.Interval
}

func (a *application) Close() {
	if err := a.feed.Close(); err != nil {
		a.logger.Warn("close change feed", zap.Error(err))
	}
	a.redis.Close()
	a.postgres.Close()
}
