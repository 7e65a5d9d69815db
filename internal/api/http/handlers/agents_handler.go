package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/consultation-sync/internal/api/dto"
	"github.com/spec-kit/consultation-sync/internal/service"
	apperrors "github.com/spec-kit/consultation-sync/pkg/util"
)

// AgentsHandler maintains agent profiles.
type AgentsHandler struct {
	agents *service.AgentService
}

// NewAgentsHandler constructs handler.
func NewAgentsHandler(agents *service.AgentService) *AgentsHandler {
	return &AgentsHandler{agents: agents}
}

// Upsert handles PUT /internal/agents/:key.
func (h *AgentsHandler) Upsert(c *fiber.Ctx) error {
	var req dto.AgentProfileRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	profile, err := req.Profile(c.Params("key"))
	if err != nil {
		return apperrors.NewValidationError(err.Error(), nil)
	}

	agent, err := h.agents.UpsertProfile(c.UserContext(), profile)
	if service.IsIntegrity(err) {
		return apperrors.NewUnprocessable(err.Error(), nil)
	}
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewAgentResponse(agent)})
}
