package service

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/consultation-sync/internal/domain"
	"github.com/spec-kit/consultation-sync/internal/repository"
)

// AgentProfile is an operator-maintained update of one agent. Nil fields are left as stored.
type AgentProfile struct {
	ERPKey     string
	ChatUserID *string
	Name       *string
	Capacity   *int
	Hours      *domain.WorkingHours
	Skills     []string
	Languages  []string
	Active     *bool
}

// ConsultantLimits is the ERP view of an agent: queue capacity and working window.
type ConsultantLimits struct {
	ERPKey   string
	Capacity int
	Hours    *domain.WorkingHours
}

// AgentService maintains agent profiles and the Chat user mapping.
type AgentService struct {
	agents   repository.AgentRepository
	mappings repository.AgentMappingRepository
	logger   *zap.Logger
}

// NewAgentService creates the service.
func NewAgentService(agents repository.AgentRepository, mappings repository.AgentMappingRepository, logger *zap.Logger) *AgentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentService{agents: agents, mappings: mappings, logger: logger}
}

// UpsertProfile applies profile on top of the stored agent and refreshes the mapping.
func (s *AgentService) UpsertProfile(ctx context.Context, profile AgentProfile) (*domain.Agent, error) {
	key := strings.TrimSpace(profile.ERPKey)
	if key == "" {
		return nil, &IntegrityError{Entity: "agent", Reason: "missing erp key"}
	}
	agent, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if profile.ChatUserID != nil {
		agent.ChatUserID = strings.TrimSpace(*profile.ChatUserID)
	}
	if profile.Name != nil {
		agent.Name = *profile.Name
	}
	if profile.Capacity != nil {
		if *profile.Capacity < 0 {
			return nil, &IntegrityError{Entity: "agent", Key: key, Reason: "negative capacity"}
		}
		agent.Capacity = *profile.Capacity
	}
	if profile.Hours != nil {
		agent.Hours = profile.Hours
	}
	if profile.Skills != nil {
		agent.Skills = profile.Skills
	}
	if profile.Languages != nil {
		agent.Languages = profile.Languages
	}
	if profile.Active != nil {
		agent.Active = *profile.Active
	}
	if err := s.agents.Upsert(ctx, agent); err != nil {
		return nil, err
	}
	if agent.ChatUserID != "" && s.mappings != nil {
		if err := s.mappings.Upsert(ctx, &domain.AgentMapping{ChatUserID: agent.ChatUserID, ERPAgentKey: agent.ERPKey}); err != nil {
			return nil, err
		}
	}
	s.logger.Info("agent profile updated", zap.String("agent_key", key), zap.String("chat_user_id", agent.ChatUserID))
	return agent, nil
}

// SyncLimits stores the ERP capacity and hours of an agent, keeping every other stored field.
func (s *AgentService) SyncLimits(ctx context.Context, limits ConsultantLimits) error {
	if limits.ERPKey == "" {
		return &IntegrityError{Entity: "consultant", Reason: "missing manager key"}
	}
	agent, err := s.load(ctx, limits.ERPKey)
	if err != nil {
		return err
	}
	agent.Capacity = limits.Capacity
	agent.Hours = limits.Hours
	return s.agents.Upsert(ctx, agent)
}

func (s *AgentService) load(ctx context.Context, key string) (*domain.Agent, error) {
	agent, err := s.agents.GetByERPKey(ctx, key)
	if errors.Is(err, pgx.ErrNoRows) {
		return &domain.Agent{ERPKey: key, Name: key, Active: true}, nil
	}
	return agent, err
}
