package domain

import "time"

// Reschedule is an immutable record of a consultation being moved.
type Reschedule struct {
	ID             int64
	ConsultationID string
	ERPRefKey      string
	AgentKey       string
	OldAt          *time.Time
	NewAt          *time.Time
	Period         time.Time
}

// Rating is one answered rating question, unique per (consultation, agent, question).
type Rating struct {
	ID             int64
	ConsultationID string
	ERPRefKey      string
	AgentKey       string
	Question       int
	Score          int
	RatedAt        time.Time
}

// CallAttempt is one dial attempt keyed by (period, consultation, agent).
type CallAttempt struct {
	ID             int64
	ConsultationID string
	ERPRefKey      string
	AgentKey       string
	Period         time.Time
}

// QueueClosure marks an agent's queue closed for a single calendar day.
type QueueClosure struct {
	Day      time.Time
	AgentKey string
}

// SyncCursor is the watermark of one extractor job.
type SyncCursor struct {
	Job       string
	CursorAt  time.Time
	UpdatedAt time.Time
}

// DayOf truncates t to its calendar day in loc, returned as UTC midnight of that date.
func DayOf(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}
