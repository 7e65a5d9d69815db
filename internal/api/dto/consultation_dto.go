package dto

import (
	"fmt"
	"strings"
	"time"

	"github.com/spec-kit/consultation-sync/internal/domain"
	"github.com/spec-kit/consultation-sync/internal/service"
)

// ReconcileRequest is a consultation observation pushed by the consultation API.
type ReconcileRequest struct {
	Source      string     `json:"source"`
	ChatID      string     `json:"chat_id"`
	ERPRefKey   string     `json:"erp_ref_key"`
	Status      string     `json:"status"`
	Type        string     `json:"type"`
	AgentKey    string     `json:"agent_key"`
	ChatAgentID string     `json:"chat_agent_id"`
	CategoryKey string     `json:"category_key"`
	Language    string     `json:"language"`
	Number      string     `json:"number"`
	StartAt     *time.Time `json:"start_at"`
	EndAt       *time.Time `json:"end_at"`
	Denied      *bool      `json:"denied"`
}

// Record validates the request and converts it to a merge input.
func (r ReconcileRequest) Record() (service.SourceRecord, error) {
	rec := service.SourceRecord{
		Scope:       domain.ScopeTenant,
		ChatID:      strings.TrimSpace(r.ChatID),
		ERPRefKey:   strings.TrimSpace(r.ERPRefKey),
		AgentKey:    strings.TrimSpace(r.AgentKey),
		ChatAgentID: strings.TrimSpace(r.ChatAgentID),
		CategoryKey: strings.TrimSpace(r.CategoryKey),
		Language:    strings.TrimSpace(r.Language),
		Number:      strings.TrimSpace(r.Number),
		StartAt:     r.StartAt,
		EndAt:       r.EndAt,
		Denied:      r.Denied,
	}
	switch domain.Source(r.Source) {
	case domain.SourceChat, domain.SourceERP:
		rec.Origin = domain.Source(r.Source)
	default:
		return rec, fmt.Errorf("source must be %q or %q", domain.SourceChat, domain.SourceERP)
	}
	if rec.ChatID == "" && rec.ERPRefKey == "" {
		return rec, fmt.Errorf("chat_id or erp_ref_key required")
	}
	if r.Status != "" {
		status := domain.ConsultationStatus(r.Status)
		if !status.Valid() {
			return rec, fmt.Errorf("unknown status %q", r.Status)
		}
		rec.Status = status
	}
	switch domain.ConsultationType(r.Type) {
	case "", domain.TypeAccounting, domain.TypeTechnical:
		rec.Type = domain.ConsultationType(r.Type)
	default:
		return rec, fmt.Errorf("unknown type %q", r.Type)
	}
	return rec, nil
}

// ConsultationResponse is the stored consultation.
type ConsultationResponse struct {
	ID          string     `json:"id"`
	ExternalKey string     `json:"external_key"`
	ChatID      string     `json:"chat_id,omitempty"`
	ERPRefKey   string     `json:"erp_ref_key,omitempty"`
	Scope       string     `json:"scope"`
	Source      string     `json:"source"`
	Status      string     `json:"status"`
	Type        string     `json:"type,omitempty"`
	AgentKey    string     `json:"agent_key,omitempty"`
	CategoryKey string     `json:"category_key,omitempty"`
	Language    string     `json:"language,omitempty"`
	Number      string     `json:"number,omitempty"`
	StartAt     *time.Time `json:"start_at,omitempty"`
	EndAt       *time.Time `json:"end_at,omitempty"`
	Denied      bool       `json:"denied"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewConsultationResponse renders c.
func NewConsultationResponse(c *domain.Consultation) ConsultationResponse {
	return ConsultationResponse{
		ID:          c.ID,
		ExternalKey: c.ExternalKey,
		ChatID:      c.ChatID,
		ERPRefKey:   c.ERPRefKey,
		Scope:       string(c.Scope),
		Source:      string(c.Source),
		Status:      string(c.Status),
		Type:        string(c.Type),
		AgentKey:    c.AgentKey,
		CategoryKey: c.CategoryKey,
		Language:    c.Language,
		Number:      c.Number,
		StartAt:     c.StartAt,
		EndAt:       c.EndAt,
		Denied:      c.Denied,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

// ChangeResponse is one change log row.
type ChangeResponse struct {
	Field     string    `json:"field"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	Source    string    `json:"source"`
	ChangedAt time.Time `json:"changed_at"`
}

// NewChangeResponse renders ch.
func NewChangeResponse(ch domain.ConsultationChange) ChangeResponse {
	return ChangeResponse{
		Field:     string(ch.Field),
		OldValue:  ch.OldValue,
		NewValue:  ch.NewValue,
		Source:    string(ch.Source),
		ChangedAt: ch.ChangedAt,
	}
}
