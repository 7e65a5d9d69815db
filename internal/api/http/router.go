package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/consultation-sync/internal/api/http/handlers"
	"github.com/spec-kit/consultation-sync/internal/auth"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Webhooks       *handlers.WebhookHandler
	Managers       *handlers.ManagersHandler
	Agents         *handlers.AgentsHandler
	Reconcile      *handlers.ReconcileHandler
	Jobs           *handlers.JobsHandler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	app.Get("/health/metrics", cfg.Health.Metrics)

	app.Post("/webhooks/chat", cfg.Webhooks.Chat)

	internal := app.Group("/internal", cfg.AuthMiddleware.Handle)

	managers := internal.Group("/managers", auth.RequireScope(auth.ScopeManagersRead))
	managers.Post("/select", cfg.Managers.Select)
	managers.Get("/load", cfg.Managers.Load)
	managers.Get("/:key/wait", cfg.Managers.Wait)

	internal.Put("/agents/:key", auth.RequireScope(auth.ScopeAgentsWrite), cfg.Agents.Upsert)
	internal.Post("/reconcile", auth.RequireScope(auth.ScopeConsultationsWrite), cfg.Reconcile.Reconcile)

	consultations := internal.Group("/consultations", auth.RequireScope(auth.ScopeConsultationsRead))
	consultations.Get("/:id", cfg.Reconcile.Get)
	consultations.Get("/:id/changes", cfg.Reconcile.Changes)

	jobs := internal.Group("/jobs", auth.RequireScope(auth.ScopeSyncRun))
	jobs.Get("", cfg.Jobs.List)
	jobs.Post("/:name/run", cfg.Jobs.Run)
}
