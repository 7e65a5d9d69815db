package domain

import "time"

// ConsultationStatus enumerates lifecycle states for consultations.
type ConsultationStatus string

const (
	StatusNew       ConsultationStatus = "new"
	StatusOpen      ConsultationStatus = "open"
	StatusPending   ConsultationStatus = "pending"
	StatusOther     ConsultationStatus = "other"
	StatusResolved  ConsultationStatus = "resolved"
	StatusClosed    ConsultationStatus = "closed"
	StatusCancelled ConsultationStatus = "cancelled"
)

// IsTerminal reports whether no automatic transition may leave the status.
func (s ConsultationStatus) IsTerminal() bool {
	switch s {
	case StatusResolved, StatusClosed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s ConsultationStatus) Valid() bool {
	switch s {
	case StatusNew, StatusOpen, StatusPending, StatusOther, StatusResolved, StatusClosed, StatusCancelled:
		return true
	}
	return false
}

// QueueStatuses are the statuses counted toward an agent's queue depth.
var QueueStatuses = []ConsultationStatus{StatusPending, StatusOpen}

// ConsultationType classifies the business category of a consultation.
type ConsultationType string

const (
	TypeAccounting ConsultationType = "accounting"
	TypeTechnical  ConsultationType = "technical"
)

// Scope separates tenant consultations from rows captured only for queue accounting.
type Scope string

const (
	ScopeTenant  Scope = "tenant"
	ScopeForeign Scope = "foreign"
)

// Source names the system a consultation row was first created from.
type Source string

const (
	SourceChat Source = "chat"
	SourceERP  Source = "erp"
	SourceAPI  Source = "api"
)

// External key prefixes for rows that do not yet have a Chat identifier.
const (
	TenantKeyPrefix  = "erp_"
	ForeignKeyPrefix = "erp_all_"
)

// Consultation is the aggregate reconciled between the Chat System and the ERP.
type Consultation struct {
	ID            string
	ExternalKey   string
	ChatID        string
	ERPRefKey     string
	Scope         Scope
	Source        Source
	Status        ConsultationStatus
	Type          ConsultationType
	AgentKey      string
	CategoryKey   string
	Language      string
	Number        string
	StartAt       *time.Time
	EndAt         *time.Time
	Denied        bool
	ERPModifiedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ExternalKeyFor derives the external key from the strongest identity available.
func ExternalKeyFor(chatID, erpRefKey string, scope Scope) string {
	if chatID != "" {
		return chatID
	}
	if scope == ScopeForeign {
		return ForeignKeyPrefix + erpRefKey
	}
	return TenantKeyPrefix + erpRefKey
}

// DisplayAttributes are the custom attributes mirrored onto the Chat conversation.
func (c *Consultation) DisplayAttributes() map[string]any {
	attrs := map[string]any{
		"erp_ref_key": c.ERPRefKey,
		"number":      c.Number,
		"denied":      c.Denied,
	}
	if c.StartAt != nil {
		attrs["date_from"] = c.StartAt.UTC().Format(time.RFC3339)
	}
	if c.EndAt != nil {
		attrs["date_to"] = c.EndAt.UTC().Format(time.RFC3339)
	}
	return attrs
}
