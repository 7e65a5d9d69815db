package domain

import "time"

// ChangeField names a consultation attribute tracked in the change log.
type ChangeField string

const (
	FieldStatus    ChangeField = "status"
	FieldAgent     ChangeField = "agent_key"
	FieldStartAt   ChangeField = "start_at"
	FieldEndAt     ChangeField = "end_at"
	FieldNumber    ChangeField = "number"
	FieldDenied    ChangeField = "denied"
	FieldCategory  ChangeField = "category_key"
	FieldLanguage  ChangeField = "language"
	FieldChatID    ChangeField = "chat_id"
	FieldERPRefKey ChangeField = "erp_ref_key"
	FieldScope     ChangeField = "scope"
	FieldType      ChangeField = "consultation_type"
)

// ConsultationChange is an immutable audit entry written alongside a merge.
type ConsultationChange struct {
	ID             int64
	ConsultationID string
	Field          ChangeField
	OldValue       string
	NewValue       string
	Source         Source
	ChangedAt      time.Time
}
