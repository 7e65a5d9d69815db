package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	httptransport "github.com/spec-kit/consultation-sync/internal/api/http"
	"github.com/spec-kit/consultation-sync/internal/api/http/handlers"
	"github.com/spec-kit/consultation-sync/internal/auth"
	"github.com/spec-kit/consultation-sync/internal/service"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the webhook receiver and the sync scheduler",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	sigCtx, stop := withSignals(cmd.Context())
	defer stop()
	ctx := sigCtx

	a, err := newApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", zap.Error(err))
		return err
	}
	defer a.Close()

	app := fiber.New(fiber.Config{AppName: cfg.App.Name})
	httptransport.RegisterMiddlewares(app, logger, a.metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health: handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, map[string]handlers.Pinger{
			"postgres": a.postgres,
			"redis":    a.redis,
		}, a.metrics),
		Webhooks:       handlers.NewWebhookHandler(service.NewWebhookService(a.webhookLog, a.reconciler, cfg.Chat.WebhookSecret, logger.Named("webhook")), logger),
		Managers:       handlers.NewManagersHandler(a.selector, a.estimator, nil),
		Agents:         handlers.NewAgentsHandler(a.agents),
		Reconcile:      handlers.NewReconcileHandler(a.reconciler, a.consultations, a.changes),
		Jobs:           handlers.NewJobsHandler(a.scheduler, a.metrics),
		AuthMiddleware: auth.NewAuthMiddleware(auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTLMinutes)),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.App.Addr()))
		return app.Listen(cfg.App.Addr())
	})
	g.Go(func() error {
		return a.scheduler.Start(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return app.ShutdownWithTimeout(10 * time.Second)
	})
	if err := g.Wait(); err != nil && sigCtx.Err() == nil {
		return err
	}
	return nil
}

func withSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}
