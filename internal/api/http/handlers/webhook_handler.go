package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/consultation-sync/internal/chat"
	"github.com/spec-kit/consultation-sync/internal/service"
	apperrors "github.com/spec-kit/consultation-sync/pkg/util"
)

// WebhookHandler receives Chat System deliveries.
type WebhookHandler struct {
	webhooks *service.WebhookService
	logger   *zap.Logger
}

// NewWebhookHandler constructs handler.
func NewWebhookHandler(webhooks *service.WebhookService, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{webhooks: webhooks, logger: logger}
}

// Chat handles POST /webhooks/chat.
func (h *WebhookHandler) Chat(c *fiber.Ctx) error {
	body := append([]byte(nil), c.Body()...)
	result, err := h.webhooks.Handle(c.UserContext(), body, c.Get(chat.SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrInvalidSignature):
			return apperrors.NewUnauthorized("invalid webhook signature")
		case errors.Is(err, service.ErrMalformedWebhook):
			return apperrors.NewValidationError("malformed webhook payload", nil)
		case service.IsIntegrity(err):
			h.logger.Warn("webhook rejected", zap.String("log_id", result.LogID), zap.Error(err))
			return apperrors.NewUnprocessable(err.Error(), map[string]any{"log_id": result.LogID})
		}
		return apperrors.NewInternalError(err)
	}
	return c.JSON(fiber.Map{"data": result})
}
