package domain

import (
	"slices"
	"time"
)

// WorkingHours is a daily window in minutes since local midnight.
// End before Start means the window wraps past midnight.
type WorkingHours struct {
	StartMinute int
	EndMinute   int
}

// Contains reports whether t (already in the business location) is inside the window.
func (w WorkingHours) Contains(t time.Time) bool {
	minute := t.Hour()*60 + t.Minute()
	switch {
	case w.StartMinute == w.EndMinute:
		return true
	case w.StartMinute < w.EndMinute:
		return minute >= w.StartMinute && minute < w.EndMinute
	default:
		return minute >= w.StartMinute || minute < w.EndMinute
	}
}

// Agent is a manager handling consultations.
type Agent struct {
	ERPKey     string
	ChatUserID string
	Name       string
	Capacity   int
	Hours      *WorkingHours
	Skills     []string
	Languages  []string
	Active     bool
	UpdatedAt  time.Time
}

// HasSkill reports whether the agent can take the category; no skills means universal.
func (a Agent) HasSkill(category string) bool {
	return len(a.Skills) == 0 || category == "" || slices.Contains(a.Skills, category)
}

// SpeaksLanguage reports whether the agent can serve lang; no languages means any.
func (a Agent) SpeaksLanguage(lang string) bool {
	return len(a.Languages) == 0 || lang == "" || slices.Contains(a.Languages, lang)
}

// AgentMapping links a Chat user to an ERP agent key.
type AgentMapping struct {
	ChatUserID  string
	ERPAgentKey string
	UpdatedAt   time.Time
}

// AgentRef identifies a selected agent in both systems.
type AgentRef struct {
	ERPKey     string `json:"erp_key"`
	ChatUserID string `json:"chat_user_id,omitempty"`
	Name       string `json:"name,omitempty"`
}
