package handlers

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/consultation-sync/internal/api/dto"
	"github.com/spec-kit/consultation-sync/internal/domain"
	"github.com/spec-kit/consultation-sync/internal/repository"
	"github.com/spec-kit/consultation-sync/internal/service"
	apperrors "github.com/spec-kit/consultation-sync/pkg/util"
)

// ReconcileHandler accepts consultation observations from the consultation API.
type ReconcileHandler struct {
	reconciler    *service.ReconcileService
	consultations repository.ConsultationRepository
	changes       repository.ChangeLogRepository
}

// NewReconcileHandler constructs handler.
func NewReconcileHandler(reconciler *service.ReconcileService, consultations repository.ConsultationRepository, changes repository.ChangeLogRepository) *ReconcileHandler {
	return &ReconcileHandler{reconciler: reconciler, consultations: consultations, changes: changes}
}

// Reconcile handles POST /internal/reconcile.
func (h *ReconcileHandler) Reconcile(c *fiber.Ctx) error {
	var req dto.ReconcileRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	rec, err := req.Record()
	if err != nil {
		return apperrors.NewValidationError(err.Error(), nil)
	}

	ref, err := h.reconciler.Reconcile(c.UserContext(), rec)
	if service.IsIntegrity(err) {
		return apperrors.NewUnprocessable(err.Error(), nil)
	}
	if err != nil {
		return err
	}
	status := http.StatusOK
	if ref.Created {
		status = http.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{"data": ref})
}

// Get handles GET /internal/consultations/:id.
func (h *ReconcileHandler) Get(c *fiber.Ctx) error {
	consultation, err := h.lookup(c)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewConsultationResponse(consultation)})
}

// Changes handles GET /internal/consultations/:id/changes.
func (h *ReconcileHandler) Changes(c *fiber.Ctx) error {
	consultation, err := h.lookup(c)
	if err != nil {
		return err
	}
	changes, err := h.changes.ListByConsultation(c.UserContext(), consultation.ID)
	if err != nil {
		return err
	}
	out := make([]dto.ChangeResponse, 0, len(changes))
	for _, ch := range changes {
		out = append(out, dto.NewChangeResponse(ch))
	}
	return c.JSON(fiber.Map{"data": out})
}

func (h *ReconcileHandler) lookup(c *fiber.Ctx) (*domain.Consultation, error) {
	id := c.Params("id")
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperrors.NewNotFound("consultation", map[string]any{"id": id})
	}
	consultation, err := h.consultations.GetByID(c.UserContext(), id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFound("consultation", map[string]any{"id": id})
	}
	return consultation, err
}
