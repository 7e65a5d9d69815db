package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/consultation-sync/internal/chat"
	"github.com/spec-kit/consultation-sync/internal/domain"
	"github.com/spec-kit/consultation-sync/internal/erp"
	"github.com/spec-kit/consultation-sync/internal/events"
	"github.com/spec-kit/consultation-sync/internal/repository"
)

// ChatGateway is the part of the Chat System API the services call.
type ChatGateway interface {
	SendMessage(ctx context.Context, conversationID, content string) error
	UpdateStatus(ctx context.Context, conversationID string, status chat.Status) error
	UpdateCustomAttributes(ctx context.Context, conversationID string, attrs map[string]any) error
}

// ERPWriter pushes locally originated changes back to the ERP.
type ERPWriter interface {
	PatchConsultation(ctx context.Context, refKey string, patch erp.ConsultationPatch) error
}

// SourceRecord is one observation of a consultation from the Chat System, the ERP or the API.
// Empty fields carry no information and leave the stored value alone.
type SourceRecord struct {
	Origin      domain.Source
	Scope       domain.Scope
	ChatID      string
	ERPRefKey   string
	Status      domain.ConsultationStatus
	Type        domain.ConsultationType
	AgentKey    string
	ChatAgentID string
	CategoryKey string
	Language    string
	Number      string
	StartAt     *time.Time
	EndAt       *time.Time
	Denied      *bool
	ModifiedAt  *time.Time
}

// ConsultationRef identifies the row a record was merged into.
type ConsultationRef struct {
	ID          string                    `json:"id"`
	ExternalKey string                    `json:"external_key"`
	ChatID      string                    `json:"chat_id,omitempty"`
	ERPRefKey   string                    `json:"erp_ref_key,omitempty"`
	Status      domain.ConsultationStatus `json:"status"`
	AgentKey    string                    `json:"agent_key,omitempty"`
	Created     bool                      `json:"created"`
}

// ReconcileService folds Chat and ERP observations into the consultation store.
type ReconcileService struct {
	consultations repository.ConsultationRepository
	agents        repository.AgentRepository
	mappings      repository.AgentMappingRepository
	activity      repository.ActivityRepository
	closures      repository.QueueClosureRepository
	chat          ChatGateway
	erp           ERPWriter
	dispatcher    events.Dispatcher
	logger        *zap.Logger
	loc           *time.Location
	now           func() time.Time
}

// ReconcileDependencies bundles collaborators. Chat and ERP may be nil.
type ReconcileDependencies struct {
	ConsultationRepo repository.ConsultationRepository
	AgentRepo        repository.AgentRepository
	MappingRepo      repository.AgentMappingRepository
	ActivityRepo     repository.ActivityRepository
	ClosureRepo      repository.QueueClosureRepository
	Chat             ChatGateway
	ERP              ERPWriter
	Dispatcher       events.Dispatcher
	Logger           *zap.Logger
	Location         *time.Location
	Now              func() time.Time
}

// NewReconcileService creates the service.
func NewReconcileService(deps ReconcileDependencies) *ReconcileService {
	s := &ReconcileService{
		consultations: deps.ConsultationRepo,
		agents:        deps.AgentRepo,
		mappings:      deps.MappingRepo,
		activity:      deps.ActivityRepo,
		closures:      deps.ClosureRepo,
		chat:          deps.Chat,
		erp:           deps.ERP,
		dispatcher:    deps.Dispatcher,
		logger:        deps.Logger,
		loc:           deps.Location,
		now:           deps.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

type mergeOutcome struct {
	created       bool
	previous      domain.ConsultationStatus
	statusChanged bool
	reassigned    bool
	oldAgent      string
	corrective    bool
	conflict      bool
	fields        []domain.ChangeField
}

func (o mergeOutcome) changed(field domain.ChangeField) bool {
	for _, f := range o.fields {
		if f == field {
			return true
		}
	}
	return false
}

// Reconcile merges rec into the store and returns the affected row.
func (s *ReconcileService) Reconcile(ctx context.Context, rec SourceRecord) (ConsultationRef, error) {
	if rec.ChatID == "" && rec.ERPRefKey == "" {
		return ConsultationRef{}, &IntegrityError{Entity: "consultation", Reason: "record carries neither a chat id nor an erp ref key"}
	}
	if rec.Status != "" && !rec.Status.Valid() {
		return ConsultationRef{}, &IntegrityError{Entity: "consultation", Key: rec.ChatID + rec.ERPRefKey, Reason: "unknown status " + string(rec.Status)}
	}
	if rec.Origin == "" {
		rec.Origin = domain.SourceAPI
	}
	s.resolveAgent(ctx, &rec)

	now := s.now()
	var outcome mergeOutcome
	result, created, err := s.consultations.Mutate(ctx, repository.ConsultationLookup{ChatID: rec.ChatID, ERPRefKey: rec.ERPRefKey},
		func(current *domain.Consultation) (*domain.Consultation, []domain.ConsultationChange, error) {
			var next *domain.Consultation
			var changes []domain.ConsultationChange
			next, changes, outcome = merge(current, rec, now)
			return next, changes, nil
		})
	if err != nil {
		return ConsultationRef{}, fmt.Errorf("reconcile chat=%q erp=%q: %w", rec.ChatID, rec.ERPRefKey, err)
	}
	outcome.created = created

	if outcome.conflict {
		s.logger.Debug("terminal consultation kept its status",
			zap.String("consultation_id", result.ID),
			zap.String("status", string(result.Status)),
			zap.String("incoming", string(rec.Status)),
			zap.String("origin", string(rec.Origin)))
	}

	s.publishOutcome(ctx, result, rec, outcome)
	s.syncChat(ctx, result, rec, outcome)
	s.syncERP(ctx, result, rec, outcome)

	return ConsultationRef{
		ID:          result.ID,
		ExternalKey: result.ExternalKey,
		ChatID:      result.ChatID,
		ERPRefKey:   result.ERPRefKey,
		Status:      result.Status,
		AgentKey:    result.AgentKey,
		Created:     created,
	}, nil
}

// merge applies rec on top of current. A nil result means nothing to write.
func merge(current *domain.Consultation, rec SourceRecord, now time.Time) (*domain.Consultation, []domain.ConsultationChange, mergeOutcome) {
	var out mergeOutcome
	if current == nil {
		c := &domain.Consultation{
			ChatID:        rec.ChatID,
			ERPRefKey:     rec.ERPRefKey,
			Scope:         rec.Scope,
			Source:        rec.Origin,
			Status:        rec.Status,
			Type:          rec.Type,
			AgentKey:      rec.AgentKey,
			CategoryKey:   rec.CategoryKey,
			Language:      rec.Language,
			Number:        rec.Number,
			StartAt:       rec.StartAt,
			EndAt:         rec.EndAt,
			ERPModifiedAt: rec.ModifiedAt,
		}
		if c.Scope == "" {
			c.Scope = domain.ScopeTenant
		}
		if c.Status == "" {
			c.Status = domain.StatusNew
		}
		if rec.Denied != nil {
			c.Denied = *rec.Denied
		}
		if c.Status.IsTerminal() && c.EndAt == nil && rec.Origin != domain.SourceERP {
			c.EndAt = &now
		}
		c.ExternalKey = domain.ExternalKeyFor(c.ChatID, c.ERPRefKey, c.Scope)
		out.previous = c.Status
		return c, nil, out
	}

	next := *current
	out.previous = current.Status
	var changes []domain.ConsultationChange
	record := func(field domain.ChangeField, oldValue, newValue string) {
		changes = append(changes, domain.ConsultationChange{
			Field:     field,
			OldValue:  oldValue,
			NewValue:  newValue,
			Source:    rec.Origin,
			ChangedAt: now,
		})
		if field != domain.FieldStatus && field != domain.FieldAgent {
			out.fields = append(out.fields, field)
		}
	}

	if rec.ChatID != "" && next.ChatID == "" {
		next.ChatID = rec.ChatID
		record(domain.FieldChatID, "", rec.ChatID)
	}
	if rec.ERPRefKey != "" && next.ERPRefKey == "" {
		next.ERPRefKey = rec.ERPRefKey
		record(domain.FieldERPRefKey, "", rec.ERPRefKey)
	}
	if rec.Scope == domain.ScopeTenant && next.Scope != domain.ScopeTenant {
		record(domain.FieldScope, string(next.Scope), string(rec.Scope))
		next.Scope = domain.ScopeTenant
	}
	next.ExternalKey = domain.ExternalKeyFor(next.ChatID, next.ERPRefKey, next.Scope)
	if rec.Type != "" && rec.Type != current.Type && (current.Type == "" || rec.Origin == domain.SourceERP) {
		next.Type = rec.Type
		record(domain.FieldType, string(current.Type), string(rec.Type))
	}

	terminal := current.Status.IsTerminal()
	if rec.Status != "" && rec.Status != current.Status {
		switch {
		case terminal && rec.Origin != domain.SourceAPI:
			out.conflict = true
			out.corrective = rec.Origin == domain.SourceChat
		case rec.Origin == domain.SourceChat && next.Type == domain.TypeAccounting &&
			(rec.Status == domain.StatusResolved || rec.Status == domain.StatusClosed):
			out.conflict = true
			out.corrective = true
		default:
			next.Status = rec.Status
			out.statusChanged = true
			record(domain.FieldStatus, string(current.Status), string(rec.Status))
			if next.Status.IsTerminal() && next.EndAt == nil && rec.EndAt == nil && rec.Origin != domain.SourceERP {
				end := now
				next.EndAt = &end
				record(domain.FieldEndAt, "", formatTime(&end))
			}
		}
	}

	// Terminal rows take the new manager silently.
	if rec.AgentKey != "" && rec.AgentKey != current.AgentKey {
		next.AgentKey = rec.AgentKey
		out.reassigned = !terminal
		out.oldAgent = current.AgentKey
		record(domain.FieldAgent, current.AgentKey, rec.AgentKey)
	}

	if rec.Number != "" && rec.Number != current.Number {
		next.Number = rec.Number
		record(domain.FieldNumber, current.Number, rec.Number)
	}
	if rec.CategoryKey != "" && rec.CategoryKey != current.CategoryKey {
		next.CategoryKey = rec.CategoryKey
		record(domain.FieldCategory, current.CategoryKey, rec.CategoryKey)
	}
	if rec.Language != "" && rec.Language != current.Language {
		next.Language = rec.Language
		record(domain.FieldLanguage, current.Language, rec.Language)
	}
	if rec.StartAt != nil && !sameTime(rec.StartAt, current.StartAt) {
		next.StartAt = rec.StartAt
		record(domain.FieldStartAt, formatTime(current.StartAt), formatTime(rec.StartAt))
	}
	if rec.EndAt != nil && !sameTime(rec.EndAt, current.EndAt) {
		next.EndAt = rec.EndAt
		record(domain.FieldEndAt, formatTime(current.EndAt), formatTime(rec.EndAt))
	}
	if rec.Denied != nil && *rec.Denied != current.Denied {
		next.Denied = *rec.Denied
		record(domain.FieldDenied, strconv.FormatBool(current.Denied), strconv.FormatBool(*rec.Denied))
	}

	modified := false
	if rec.ModifiedAt != nil && (current.ERPModifiedAt == nil || rec.ModifiedAt.After(*current.ERPModifiedAt)) {
		next.ERPModifiedAt = rec.ModifiedAt
		modified = true
	}

	if len(changes) == 0 && !modified {
		return nil, nil, out
	}
	return &next, changes, out
}

func (s *ReconcileService) resolveAgent(ctx context.Context, rec *SourceRecord) {
	if rec.AgentKey != "" || rec.ChatAgentID == "" {
		return
	}
	if s.mappings != nil {
		mapping, err := s.mappings.GetByChatUserID(ctx, rec.ChatAgentID)
		if err == nil {
			rec.AgentKey = mapping.ERPAgentKey
			return
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			s.logger.Warn("agent mapping lookup failed", zap.String("chat_user_id", rec.ChatAgentID), zap.Error(err))
			return
		}
	}
	if s.agents == nil {
		return
	}
	agent, err := s.agents.GetByChatUserID(ctx, rec.ChatAgentID)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			s.logger.Warn("agent lookup failed", zap.String("chat_user_id", rec.ChatAgentID), zap.Error(err))
		} else {
			s.logger.Debug("chat assignee has no erp agent", zap.String("chat_user_id", rec.ChatAgentID))
		}
		return
	}
	rec.AgentKey = agent.ERPKey
	if s.mappings != nil {
		if err := s.mappings.Upsert(ctx, &domain.AgentMapping{ChatUserID: rec.ChatAgentID, ERPAgentKey: agent.ERPKey}); err != nil {
			s.logger.Warn("agent mapping upsert failed", zap.String("chat_user_id", rec.ChatAgentID), zap.Error(err))
		}
	}
}

func (s *ReconcileService) publishOutcome(ctx context.Context, c *domain.Consultation, rec SourceRecord, out mergeOutcome) {
	if out.created {
		s.publish(ctx, events.EventConsultationCreated, c.ID, rec.Origin, events.ConsultationCreatedPayload{
			ChatID:    c.ChatID,
			ERPRefKey: c.ERPRefKey,
			Scope:     c.Scope,
			Status:    c.Status,
			AgentKey:  c.AgentKey,
		})
		return
	}
	if out.statusChanged {
		s.publish(ctx, events.EventConsultationStatusChanged, c.ID, rec.Origin, events.StatusChangedPayload{
			OldStatus: out.previous,
			NewStatus: c.Status,
		})
	}
	if out.reassigned {
		s.publish(ctx, events.EventConsultationReassigned, c.ID, rec.Origin, events.ReassignedPayload{
			ChatID:      c.ChatID,
			OldAgentKey: out.oldAgent,
			NewAgentKey: c.AgentKey,
		})
	}
	if len(out.fields) > 0 {
		s.publish(ctx, events.EventConsultationUpdated, c.ID, rec.Origin, events.UpdatedPayload{Fields: out.fields})
	}
}

func (s *ReconcileService) syncChat(ctx context.Context, c *domain.Consultation, rec SourceRecord, out mergeOutcome) {
	if s.chat == nil || c.ChatID == "" {
		return
	}
	log := s.logger.With(zap.String("consultation_id", c.ID), zap.String("chat_id", c.ChatID))

	if out.corrective {
		status := chat.ToChatStatus(c.Status)
		if err := s.chat.UpdateStatus(ctx, c.ChatID, status); err != nil {
			log.Warn("corrective chat status update failed", zap.String("status", string(status)), zap.Error(err))
		} else {
			log.Info("chat status restored", zap.String("status", string(status)), zap.String("rejected", string(rec.Status)))
		}
	}
	if rec.Origin != domain.SourceERP {
		return
	}
	if out.statusChanged && (c.Status.IsTerminal() || c.Status == domain.StatusOpen) {
		if err := s.chat.UpdateStatus(ctx, c.ChatID, chat.ToChatStatus(c.Status)); err != nil {
			log.Warn("chat status sync failed", zap.Error(err))
		}
	}
	if out.changed(domain.FieldNumber) || out.changed(domain.FieldStartAt) || out.changed(domain.FieldEndAt) ||
		out.changed(domain.FieldDenied) || out.changed(domain.FieldERPRefKey) {
		if err := s.chat.UpdateCustomAttributes(ctx, c.ChatID, c.DisplayAttributes()); err != nil {
			log.Warn("chat attribute sync failed", zap.Error(err))
		}
	}
}

func (s *ReconcileService) syncERP(ctx context.Context, c *domain.Consultation, rec SourceRecord, out mergeOutcome) {
	if s.erp == nil || rec.Origin == domain.SourceERP || c.ERPRefKey == "" || c.Scope != domain.ScopeTenant {
		return
	}
	if !out.statusChanged && !out.reassigned {
		return
	}
	patch := erp.ConsultationPatch{Kind: erp.KindForStatus(c.Status)}
	if out.reassigned {
		patch.ManagerKey = c.AgentKey
	}
	if c.Status.IsTerminal() {
		patch.EndAt = c.EndAt
	}
	if err := s.erp.PatchConsultation(ctx, c.ERPRefKey, patch); err != nil {
		s.logger.Warn("erp outbound sync failed",
			zap.String("consultation_id", c.ID),
			zap.String("erp_ref_key", c.ERPRefKey),
			zap.Error(err))
	}
}

// RecordReschedule stores a reschedule and moves the consultation's start time.
func (s *ReconcileService) RecordReschedule(ctx context.Context, rec domain.Reschedule) (bool, error) {
	c, err := s.consultationByRef(ctx, "reschedule", rec.ERPRefKey)
	if err != nil {
		return false, err
	}
	rec.ConsultationID = c.ID
	inserted, err := s.activity.InsertReschedule(ctx, &rec)
	if err != nil || !inserted {
		return false, err
	}
	if rec.NewAt != nil {
		if _, err := s.Reconcile(ctx, SourceRecord{Origin: domain.SourceERP, ERPRefKey: rec.ERPRefKey, StartAt: rec.NewAt}); err != nil {
			s.logger.Warn("reschedule start update failed", zap.String("erp_ref_key", rec.ERPRefKey), zap.Error(err))
		}
	}
	s.publish(ctx, events.EventRescheduleRecorded, c.ID, domain.SourceERP, events.RescheduleRecordedPayload{ChatID: c.ChatID, Record: rec})
	return true, nil
}

// RecordRating stores one rating answer.
func (s *ReconcileService) RecordRating(ctx context.Context, rec domain.Rating) (bool, error) {
	c, err := s.consultationByRef(ctx, "rating", rec.ERPRefKey)
	if err != nil {
		return false, err
	}
	rec.ConsultationID = c.ID
	inserted, err := s.activity.InsertRating(ctx, &rec)
	if err != nil || !inserted {
		return false, err
	}
	s.publish(ctx, events.EventRatingRecorded, c.ID, domain.SourceERP, events.RatingRecordedPayload{ChatID: c.ChatID, Record: rec})
	return true, nil
}

// RecordCallAttempt stores one dial attempt.
func (s *ReconcileService) RecordCallAttempt(ctx context.Context, rec domain.CallAttempt) (bool, error) {
	c, err := s.consultationByRef(ctx, "call", rec.ERPRefKey)
	if err != nil {
		return false, err
	}
	rec.ConsultationID = c.ID
	inserted, err := s.activity.InsertCallAttempt(ctx, &rec)
	if err != nil || !inserted {
		return false, err
	}
	s.publish(ctx, events.EventCallRecorded, c.ID, domain.SourceERP, events.CallRecordedPayload{ChatID: c.ChatID, Record: rec})
	return true, nil
}

// ApplyQueueClosure closes or reopens an agent's queue. Only rows for the current
// business day are applied; it reports whether a new closure was created.
func (s *ReconcileService) ApplyQueueClosure(ctx context.Context, closure domain.QueueClosure, closed bool) (bool, error) {
	if closure.AgentKey == "" {
		return false, &IntegrityError{Entity: "queue_closure", Reason: "missing agent key"}
	}
	today := domain.DayOf(s.now(), s.loc)
	closure.Day = domain.DayOf(closure.Day, s.loc)
	if !closure.Day.Equal(today) {
		return false, nil
	}
	if !closed {
		return false, s.closures.Reopen(ctx, closure)
	}
	created, err := s.closures.Close(ctx, closure)
	if err != nil || !created {
		return false, err
	}
	s.publish(ctx, events.EventQueueClosed, "", domain.SourceERP, events.QueueClosedPayload{AgentKey: closure.AgentKey, Day: closure.Day})
	return true, nil
}

func (s *ReconcileService) consultationByRef(ctx context.Context, entity, refKey string) (*domain.Consultation, error) {
	if refKey == "" {
		return nil, &IntegrityError{Entity: entity, Reason: "missing consultation key"}
	}
	c, err := s.consultations.GetByERPRefKey(ctx, refKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &IntegrityError{Entity: entity, Key: refKey, Reason: "unknown consultation"}
	}
	return c, err
}

func (s *ReconcileService) publish(ctx context.Context, eventType events.EventType, consultationID string, source domain.Source, payload any) {
	if s.dispatcher == nil {
		return
	}
	_ = s.dispatcher.Publish(ctx, events.Event{
		ID:             uuid.NewString(),
		Type:           eventType,
		ConsultationID: consultationID,
		Source:         source,
		Timestamp:      s.now(),
		Payload:        payload,
	})
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
