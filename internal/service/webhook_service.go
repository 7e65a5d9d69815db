package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/consultation-sync/internal/chat"
	"github.com/spec-kit/consultation-sync/internal/domain"
	"github.com/spec-kit/consultation-sync/internal/repository"
)

// ErrMalformedWebhook is returned for a delivery that cannot be decoded.
var ErrMalformedWebhook = errors.New("malformed webhook payload")

// WebhookResult reports what a delivery did.
type WebhookResult struct {
	LogID        string           `json:"log_id"`
	Event        string           `json:"event"`
	Ignored      bool             `json:"ignored"`
	Consultation *ConsultationRef `json:"consultation,omitempty"`
}

// WebhookService folds Chat System deliveries into the consultation store.
type WebhookService struct {
	log        repository.WebhookLogRepository
	reconciler *ReconcileService
	secret     string
	logger     *zap.Logger
}

// NewWebhookService creates the service. An empty secret disables signature checks.
func NewWebhookService(log repository.WebhookLogRepository, reconciler *ReconcileService, secret string, logger *zap.Logger) *WebhookService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookService{log: log, reconciler: reconciler, secret: secret, logger: logger}
}

// Handle logs the raw delivery, checks its signature and merges it.
// An invalid signature returns chat.ErrInvalidSignature after the delivery is logged.
func (w *WebhookService) Handle(ctx context.Context, body []byte, signature string) (WebhookResult, error) {
	sigErr := chat.VerifySignature(w.secret, body, signature)
	event, parseErr := chat.ParseEvent(body)

	entry := &domain.WebhookLogEntry{
		ID:             uuid.NewString(),
		Event:          event.Name,
		Payload:        body,
		SignatureValid: sigErr == nil,
	}
	if err := w.log.Append(ctx, entry); err != nil {
		return WebhookResult{}, fmt.Errorf("webhook log: %w", err)
	}
	result := WebhookResult{LogID: entry.ID, Event: event.Name}
	if sigErr != nil {
		w.mark(ctx, entry.ID, false, sigErr.Error())
		return result, sigErr
	}
	if parseErr != nil {
		w.mark(ctx, entry.ID, false, parseErr.Error())
		return result, fmt.Errorf("%w: %v", ErrMalformedWebhook, parseErr)
	}

	rec, ok := w.sourceRecord(event)
	if !ok {
		result.Ignored = true
		w.mark(ctx, entry.ID, true, "")
		return result, nil
	}
	ref, err := w.reconciler.Reconcile(ctx, rec)
	if err != nil {
		w.mark(ctx, entry.ID, false, err.Error())
		return result, err
	}
	w.mark(ctx, entry.ID, true, "")
	result.Consultation = &ref
	w.logger.Info("chat event merged",
		zap.String("event", event.Name),
		zap.String("chat_id", ref.ChatID),
		zap.String("consultation_id", ref.ID),
		zap.Bool("created", ref.Created))
	return result, nil
}

func (w *WebhookService) sourceRecord(event chat.Event) (SourceRecord, bool) {
	conv := event.Conversation
	if conv.ID == "" {
		return SourceRecord{}, false
	}
	status, known := chat.NormalizeStatus(conv.Status)
	switch event.Name {
	case chat.EventConversationCreated, chat.EventConversationUpdated, chat.EventConversationStatusChanged:
	case chat.EventConversationResolved:
		status, known = domain.StatusResolved, true
	case chat.EventMessageCreated:
		if !known {
			return SourceRecord{}, false
		}
	default:
		return SourceRecord{}, false
	}

	rec := SourceRecord{
		Origin:      domain.SourceChat,
		Scope:       domain.ScopeTenant,
		ChatID:      string(conv.ID),
		ERPRefKey:   conv.Attribute(chat.AttrERPRefKey),
		ChatAgentID: conv.AssigneeID(),
		CategoryKey: conv.Attribute(chat.AttrCategoryKey),
		Language:    conv.Attribute(chat.AttrLanguage),
	}
	if known {
		rec.Status = status
	}
	switch domain.ConsultationType(conv.Attribute(chat.AttrConsultationType)) {
	case domain.TypeAccounting:
		rec.Type = domain.TypeAccounting
	case domain.TypeTechnical:
		rec.Type = domain.TypeTechnical
	}
	return rec, true
}

func (w *WebhookService) mark(ctx context.Context, id string, processed bool, message string) {
	if err := w.log.MarkResult(ctx, id, processed, message); err != nil {
		w.logger.Warn("webhook log update failed", zap.String("log_id", id), zap.Error(err))
	}
}

// IsRejected reports whether err means the delivery must be answered with a client error.
func IsRejected(err error) bool {
	return errors.Is(err, chat.ErrInvalidSignature) || errors.Is(err, ErrMalformedWebhook) || IsIntegrity(err)
}
