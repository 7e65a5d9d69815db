package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/consultation-sync/internal/api/dto"
	"github.com/spec-kit/consultation-sync/internal/service"
	apperrors "github.com/spec-kit/consultation-sync/pkg/util"
)

// ManagersHandler exposes manager selection and queue figures.
type ManagersHandler struct {
	selector  *service.ManagerSelector
	estimator *service.QueueEstimator
	now       func() time.Time
}

// NewManagersHandler constructs handler. now defaults to time.Now.
func NewManagersHandler(selector *service.ManagerSelector, estimator *service.QueueEstimator, now func() time.Time) *ManagersHandler {
	if now == nil {
		now = time.Now
	}
	return &ManagersHandler{selector: selector, estimator: estimator, now: now}
}

// Select handles POST /internal/managers/select.
func (h *ManagersHandler) Select(c *fiber.Ctx) error {
	var req dto.SelectManagerRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return apperrors.NewValidationError("invalid payload", nil)
		}
	}

	ctx := c.UserContext()
	agent, err := h.selector.SelectManager(ctx, req.Category, req.Language, h.now())
	if errors.Is(err, service.ErrNoAvailableManager) {
		return apperrors.NewConflict("no available manager", map[string]any{
			"category": req.Category,
			"language": req.Language,
		})
	}
	if err != nil {
		return err
	}

	depth, err := h.estimator.QueueDepth(ctx, agent.ERPKey)
	if err != nil {
		return err
	}
	wait, err := h.estimator.EstimateWait(ctx, agent.ERPKey, depth)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.SelectManagerResponse{Agent: agent, Wait: wait}})
}

// Wait handles GET /internal/managers/:key/wait.
// The optional position query parameter estimates for a consultation at that queue position.
func (h *ManagersHandler) Wait(c *fiber.Ctx) error {
	key := c.Params("key")
	ctx := c.UserContext()

	depth, err := h.estimator.QueueDepth(ctx, key)
	if err != nil {
		return err
	}
	ahead := depth
	if c.Query("position") != "" {
		position := c.QueryInt("position", 0)
		if position < 1 {
			return apperrors.NewValidationError("position must be a positive integer", nil)
		}
		ahead = position - 1
	}
	wait, err := h.estimator.EstimateWait(ctx, key, ahead)
	if err != nil {
		return err
	}
	wait.QueueDepth = depth
	return c.JSON(fiber.Map{"data": wait})
}

// Load handles GET /internal/managers/load.
func (h *ManagersHandler) Load(c *fiber.Ctx) error {
	loads, err := h.selector.AgentLoads(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": loads})
}
