package dto

import (
	"github.com/spec-kit/consultation-sync/internal/domain"
	"github.com/spec-kit/consultation-sync/internal/service"
)

// SelectManagerRequest payload for manager selection.
type SelectManagerRequest struct {
	Category string `json:"category"`
	Language string `json:"language"`
}

// SelectManagerResponse carries the chosen agent and the wait behind its queue.
type SelectManagerResponse struct {
	Agent domain.AgentRef      `json:"agent"`
	Wait  service.WaitEstimate `json:"wait"`
}
