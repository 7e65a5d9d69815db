package dto

import (
	"fmt"
	"strings"
	"time"

	"github.com/spec-kit/consultation-sync/internal/domain"
	"github.com/spec-kit/consultation-sync/internal/service"
)

// AgentProfileRequest updates one agent. Omitted fields keep their stored value.
type AgentProfileRequest struct {
	ChatUserID *string  `json:"chat_user_id"`
	Name       *string  `json:"name"`
	Capacity   *int     `json:"capacity"`
	WorkStart  *string  `json:"work_start"`
	WorkEnd    *string  `json:"work_end"`
	Skills     []string `json:"skills"`
	Languages  []string `json:"languages"`
	Active     *bool    `json:"active"`
}

// Profile converts the request for key. Working hours are "HH:MM" and must be given together.
func (r AgentProfileRequest) Profile(key string) (service.AgentProfile, error) {
	profile := service.AgentProfile{
		ERPKey:     key,
		ChatUserID: r.ChatUserID,
		Name:       r.Name,
		Capacity:   r.Capacity,
		Skills:     r.Skills,
		Languages:  r.Languages,
		Active:     r.Active,
	}
	if r.WorkStart == nil && r.WorkEnd == nil {
		return profile, nil
	}
	if r.WorkStart == nil || r.WorkEnd == nil {
		return profile, fmt.Errorf("work_start and work_end must be set together")
	}
	start, err := parseClock(*r.WorkStart)
	if err != nil {
		return profile, fmt.Errorf("work_start: %w", err)
	}
	end, err := parseClock(*r.WorkEnd)
	if err != nil {
		return profile, fmt.Errorf("work_end: %w", err)
	}
	profile.Hours = &domain.WorkingHours{StartMinute: start, EndMinute: end}
	return profile, nil
}

func parseClock(value string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", value)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// AgentResponse is the stored agent.
type AgentResponse struct {
	ERPKey     string    `json:"erp_key"`
	ChatUserID string    `json:"chat_user_id,omitempty"`
	Name       string    `json:"name"`
	Capacity   int       `json:"capacity"`
	WorkStart  string    `json:"work_start,omitempty"`
	WorkEnd    string    `json:"work_end,omitempty"`
	Skills     []string  `json:"skills"`
	Languages  []string  `json:"languages"`
	Active     bool      `json:"active"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewAgentResponse renders agent.
func NewAgentResponse(agent *domain.Agent) AgentResponse {
	resp := AgentResponse{
		ERPKey:     agent.ERPKey,
		ChatUserID: agent.ChatUserID,
		Name:       agent.Name,
		Capacity:   agent.Capacity,
		Skills:     agent.Skills,
		Languages:  agent.Languages,
		Active:     agent.Active,
		UpdatedAt:  agent.UpdatedAt,
	}
	if agent.Hours != nil {
		resp.WorkStart = formatClock(agent.Hours.StartMinute)
		resp.WorkEnd = formatClock(agent.Hours.EndMinute)
	}
	return resp
}

func formatClock(minute int) string {
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}
