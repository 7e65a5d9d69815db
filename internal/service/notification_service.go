package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/consultation-sync/internal/domain"
	"github.com/spec-kit/consultation-sync/internal/events"
	"github.com/spec-kit/consultation-sync/internal/observability"
	"github.com/spec-kit/consultation-sync/internal/repository"
)

// Notification is one client-visible message candidate. Data is hashed for
// dedup; Extra only feeds rendering.
type Notification struct {
	Kind           domain.NotificationKind
	EntityID       string
	ConversationID string
	Data           map[string]string
	Extra          map[string]string
}

// ContentHash is the dedup key of a notification: SHA-256 over the canonical
// JSON of kind, entity and data.
func ContentHash(kind domain.NotificationKind, entityID string, data map[string]string) string {
	if data == nil {
		data = map[string]string{}
	}
	canonical, _ := json.Marshal(struct {
		Kind     domain.NotificationKind `json:"kind"`
		EntityID string                  `json:"entity_id"`
		Data     map[string]string       `json:"data"`
	}{kind, entityID, data})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// NotificationService sends deduplicated client messages through the Chat System.
type NotificationService struct {
	ledger        repository.NotificationLedgerRepository
	consultations repository.ConsultationRepository
	agents        repository.AgentRepository
	estimator     *QueueEstimator
	chat          ChatGateway
	dispatcher    events.Dispatcher
	metrics       *observability.Metrics
	logger        *zap.Logger
	loc           *time.Location
}

// NotificationDependencies bundles collaborators.
type NotificationDependencies struct {
	LedgerRepo       repository.NotificationLedgerRepository
	ConsultationRepo repository.ConsultationRepository
	AgentRepo        repository.AgentRepository
	Estimator        *QueueEstimator
	Chat             ChatGateway
	Dispatcher       events.Dispatcher
	Metrics          *observability.Metrics
	Logger           *zap.Logger
	Location         *time.Location
}

// NewNotificationService creates the service.
func NewNotificationService(deps NotificationDependencies) *NotificationService {
	n := &NotificationService{
		ledger:        deps.LedgerRepo,
		consultations: deps.ConsultationRepo,
		agents:        deps.AgentRepo,
		estimator:     deps.Estimator,
		chat:          deps.Chat,
		dispatcher:    deps.Dispatcher,
		metrics:       deps.Metrics,
		logger:        deps.Logger,
		loc:           deps.Location,
	}
	if n.logger == nil {
		n.logger = zap.NewNop()
	}
	if n.loc == nil {
		n.loc = time.UTC
	}
	return n
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventConsultationReassigned, n.handleReassigned)
	n.dispatcher.Subscribe(events.EventRescheduleRecorded, n.handleReschedule)
	n.dispatcher.Subscribe(events.EventRatingRecorded, n.handleRating)
	n.dispatcher.Subscribe(events.EventCallRecorded, n.handleCall)
	n.dispatcher.Subscribe(events.EventQueueClosed, n.handleQueueClosed)
}

// Notify records the notification in the ledger and sends it when it is new.
// A duplicate is skipped silently. A failed send is logged and not retried.
func (n *NotificationService) Notify(ctx context.Context, note Notification) (bool, error) {
	if note.ConversationID == "" {
		return false, nil
	}
	entry := &domain.LedgerEntry{
		Kind:        note.Kind,
		EntityID:    note.EntityID,
		ContentHash: ContentHash(note.Kind, note.EntityID, note.Data),
	}
	inserted, err := n.ledger.Insert(ctx, entry)
	if err != nil {
		n.metrics.RecordNotification(string(note.Kind), "ledger_error")
		return false, fmt.Errorf("notification ledger: %w", err)
	}
	log := n.logger.With(
		zap.String("kind", string(note.Kind)),
		zap.String("entity_id", note.EntityID),
		zap.String("chat_id", note.ConversationID))
	if !inserted {
		n.metrics.RecordNotification(string(note.Kind), "duplicate")
		log.Debug("notification already sent")
		return false, nil
	}
	if n.chat == nil {
		n.metrics.RecordNotification(string(note.Kind), "failed")
		log.Warn("notification dropped: chat client not configured")
		return false, nil
	}
	if err := n.chat.SendMessage(ctx, note.ConversationID, renderMessage(note.Kind, note.fields())); err != nil {
		n.metrics.RecordNotification(string(note.Kind), "failed")
		log.Warn("notification send failed", zap.Error(err))
		return false, nil
	}
	n.metrics.RecordNotification(string(note.Kind), "sent")
	log.Info("notification sent")
	return true, nil
}

func (n *NotificationService) handleReassigned(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.ReassignedPayload)
	if !ok || payload.ChatID == "" {
		return nil
	}
	_, err := n.Notify(ctx, Notification{
		Kind:           domain.NotifyReassignment,
		EntityID:       payload.ChatID,
		ConversationID: payload.ChatID,
		Data: map[string]string{
			"old_manager_key": payload.OldAgentKey,
			"new_manager_key": payload.NewAgentKey,
		},
		Extra: map[string]string{
			"old_manager_name": n.agentName(ctx, payload.OldAgentKey),
			"new_manager_name": n.agentName(ctx, payload.NewAgentKey),
		},
	})
	if err != nil {
		return err
	}
	return n.NotifyQueuePosition(ctx, event.ConsultationID)
}

// NotifyQueuePosition tells the client its place in the agent's queue and the expected wait.
func (n *NotificationService) NotifyQueuePosition(ctx context.Context, consultationID string) error {
	if n.estimator == nil || n.consultations == nil {
		return nil
	}
	c, err := n.consultations.GetByID(ctx, consultationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if c.ChatID == "" || c.AgentKey == "" || c.Type == domain.TypeTechnical {
		return nil
	}
	queue, err := n.consultations.ListQueuedByAgent(ctx, c.AgentKey)
	if err != nil {
		return err
	}
	ahead := -1
	for i := range queue {
		if queue[i].ID == c.ID {
			ahead = i
			break
		}
	}
	if ahead < 0 {
		return nil
	}
	est, err := n.estimator.EstimateWait(ctx, c.AgentKey, ahead)
	if err != nil {
		return err
	}
	_, err = n.Notify(ctx, Notification{
		Kind:           domain.NotifyQueueUpdate,
		EntityID:       c.ChatID,
		ConversationID: c.ChatID,
		Data: map[string]string{
			"manager_key":    c.AgentKey,
			"queue_position": strconv.Itoa(ahead + 1),
		},
		Extra: waitFields(est),
	})
	return err
}

func (note Notification) fields() map[string]string {
	out := make(map[string]string, len(note.Data)+len(note.Extra))
	for k, v := range note.Data {
		out[k] = v
	}
	for k, v := range note.Extra {
		out[k] = v
	}
	return out
}

func (n *NotificationService) handleReschedule(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.RescheduleRecordedPayload)
	if !ok || payload.ChatID == "" {
		return nil
	}
	_, err := n.Notify(ctx, Notification{
		Kind:           domain.NotifyReschedule,
		EntityID:       payload.ChatID,
		ConversationID: payload.ChatID,
		Data: map[string]string{
			"period":   n.formatLocal(&payload.Record.Period),
			"old_date": n.formatLocal(payload.Record.OldAt),
			"new_date": n.formatLocal(payload.Record.NewAt),
		},
	})
	return err
}

func (n *NotificationService) handleRating(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.RatingRecordedPayload)
	if !ok || payload.ChatID == "" {
		return nil
	}
	_, err := n.Notify(ctx, Notification{
		Kind:           domain.NotifyRating,
		EntityID:       payload.ChatID,
		ConversationID: payload.ChatID,
		Data: map[string]string{
			"manager_key": payload.Record.AgentKey,
			"question":    strconv.Itoa(payload.Record.Question),
			"score":       strconv.Itoa(payload.Record.Score),
		},
	})
	return err
}

func (n *NotificationService) handleCall(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.CallRecordedPayload)
	if !ok || payload.ChatID == "" {
		return nil
	}
	_, err := n.Notify(ctx, Notification{
		Kind:           domain.NotifyCall,
		EntityID:       payload.ChatID,
		ConversationID: payload.ChatID,
		Data: map[string]string{
			"manager_key": payload.Record.AgentKey,
			"period":      n.formatLocal(&payload.Record.Period),
		},
	})
	return err
}

func (n *NotificationService) handleQueueClosed(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.QueueClosedPayload)
	if !ok || n.consultations == nil {
		return nil
	}
	queue, err := n.consultations.ListQueuedByAgent(ctx, payload.AgentKey)
	if err != nil {
		return err
	}
	name := n.agentName(ctx, payload.AgentKey)
	day := payload.Day.Format("02.01.2006")
	for _, c := range queue {
		if c.ChatID == "" {
			continue
		}
		if _, err := n.Notify(ctx, Notification{
			Kind:           domain.NotifyQueueClosed,
			EntityID:       c.ChatID,
			ConversationID: c.ChatID,
			Data: map[string]string{
				"manager_key": payload.AgentKey,
				"day":         day,
			},
			Extra: map[string]string{"manager_name": name},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (n *NotificationService) agentName(ctx context.Context, key string) string {
	if key == "" || n.agents == nil {
		return ""
	}
	agent, err := n.agents.GetByERPKey(ctx, key)
	if err != nil || agent.Name == "" {
		if len(key) > 8 {
			return key[:8]
		}
		return key
	}
	return agent.Name
}

func (n *NotificationService) formatLocal(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.In(n.loc).Format("02.01.2006 15:04")
}
