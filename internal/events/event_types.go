package events

import (
	"time"

	"github.com/spec-kit/consultation-sync/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventConsultationCreated       EventType = "consultation_created"
	EventConsultationStatusChanged EventType = "consultation_status_changed"
	EventConsultationReassigned    EventType = "consultation_reassigned"
	EventConsultationUpdated       EventType = "consultation_updated"
	EventRescheduleRecorded        EventType = "reschedule_recorded"
	EventRatingRecorded            EventType = "rating_recorded"
	EventCallRecorded              EventType = "call_recorded"
	EventQueueClosed               EventType = "queue_closed"
)

// AllTypes lists every event type, in publication order of a typical merge.
var AllTypes = []EventType{
	EventConsultationCreated,
	EventConsultationStatusChanged,
	EventConsultationReassigned,
	EventConsultationUpdated,
	EventRescheduleRecorded,
	EventRatingRecorded,
	EventCallRecorded,
	EventQueueClosed,
}

// Event represents a domain event emitted by services.
type Event struct {
	ID             string        `json:"id"`
	Type           EventType     `json:"type"`
	ConsultationID string        `json:"consultation_id,omitempty"`
	Source         domain.Source `json:"source"`
	Timestamp      time.Time     `json:"timestamp"`
	Payload        any           `json:"payload"`
}

// ConsultationCreatedPayload payload.
type ConsultationCreatedPayload struct {
	ChatID    string                    `json:"chat_id,omitempty"`
	ERPRefKey string                    `json:"erp_ref_key,omitempty"`
	Scope     domain.Scope              `json:"scope"`
	Status    domain.ConsultationStatus `json:"status"`
	AgentKey  string                    `json:"agent_key,omitempty"`
}

// StatusChangedPayload payload.
type StatusChangedPayload struct {
	OldStatus domain.ConsultationStatus `json:"old_status"`
	NewStatus domain.ConsultationStatus `json:"new_status"`
}

// ReassignedPayload payload.
type ReassignedPayload struct {
	ChatID      string `json:"chat_id,omitempty"`
	OldAgentKey string `json:"old_agent_key,omitempty"`
	NewAgentKey string `json:"new_agent_key"`
}

// UpdatedPayload lists the non-status fields a merge changed.
type UpdatedPayload struct {
	Fields []domain.ChangeField `json:"fields"`
}

// RescheduleRecordedPayload payload.
type RescheduleRecordedPayload struct {
	ChatID string            `json:"chat_id,omitempty"`
	Record domain.Reschedule `json:"record"`
}

// RatingRecordedPayload payload.
type RatingRecordedPayload struct {
	ChatID string        `json:"chat_id,omitempty"`
	Record domain.Rating `json:"record"`
}

// CallRecordedPayload payload.
type CallRecordedPayload struct {
	ChatID string             `json:"chat_id,omitempty"`
	Record domain.CallAttempt `json:"record"`
}

// QueueClosedPayload payload.
type QueueClosedPayload struct {
	AgentKey string    `json:"agent_key"`
	Day      time.Time `json:"day"`
}
