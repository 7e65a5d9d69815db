package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/consultation-sync/internal/observability"
	"github.com/spec-kit/consultation-sync/internal/worker"
	apperrors "github.com/spec-kit/consultation-sync/pkg/util"
)

// JobsHandler triggers sync jobs on demand.
type JobsHandler struct {
	scheduler *worker.Scheduler
	metrics   *observability.Metrics
}

// NewJobsHandler constructs handler.
func NewJobsHandler(scheduler *worker.Scheduler, metrics *observability.Metrics) *JobsHandler {
	return &JobsHandler{scheduler: scheduler, metrics: metrics}
}

// List handles GET /internal/jobs.
func (h *JobsHandler) List(c *fiber.Ctx) error {
	last := h.metrics.Snapshot().LastRuns
	jobs := make([]fiber.Map, 0)
	for _, name := range h.scheduler.Jobs() {
		entry := fiber.Map{"name": name}
		if run, ok := last[name]; ok {
			entry["last_run"] = run
		}
		jobs = append(jobs, entry)
	}
	return c.JSON(fiber.Map{"data": jobs})
}

// Run handles POST /internal/jobs/:name/run. The pass runs synchronously.
func (h *JobsHandler) Run(c *fiber.Ctx) error {
	name := c.Params("name")
	err := h.scheduler.RunOnce(c.UserContext(), name)
	switch {
	case errors.Is(err, worker.ErrUnknownJob):
		return apperrors.NewNotFound("job", map[string]any{"name": name})
	case errors.Is(err, worker.ErrJobRunning):
		return apperrors.NewConflict("job already running", map[string]any{"name": name})
	case err != nil:
		return apperrors.NewDomainError("JOB_FAILED", err.Error(), fiber.StatusBadGateway, map[string]any{"name": name})
	}
	resp := fiber.Map{"name": name, "status": "completed"}
	if run, ok := h.metrics.Snapshot().LastRuns[name]; ok {
		resp["last_run"] = run
	}
	return c.JSON(fiber.Map{"data": resp})
}
