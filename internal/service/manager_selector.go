package service

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/spec-kit/consultation-sync/internal/domain"
	"github.com/spec-kit/consultation-sync/internal/repository"
)

// AgentLoad is an agent with its current queue figures.
type AgentLoad struct {
	ERPKey      string  `json:"erp_key"`
	ChatUserID  string  `json:"chat_user_id,omitempty"`
	Name        string  `json:"name"`
	Capacity    int     `json:"capacity"`
	QueueDepth  int     `json:"queue_depth"`
	Load        float64 `json:"load"`
	LoadPercent int     `json:"load_percent"`
	FreeSlots   int     `json:"free_slots"`
}

// Ref returns the agent reference handed to callers.
func (l AgentLoad) Ref() domain.AgentRef {
	return domain.AgentRef{ERPKey: l.ERPKey, ChatUserID: l.ChatUserID, Name: l.Name}
}

// ManagerSelector picks the least loaded eligible agent.
type ManagerSelector struct {
	agents        repository.AgentRepository
	consultations repository.ConsultationRepository
	closures      repository.QueueClosureRepository
	tolerance     float64
	loc           *time.Location
	pick          func(n int) int
}

// SelectorDependencies bundles collaborators. Pick defaults to a uniform random index.
type SelectorDependencies struct {
	AgentRepo        repository.AgentRepository
	ConsultationRepo repository.ConsultationRepository
	ClosureRepo      repository.QueueClosureRepository
	Tolerance        float64
	Location         *time.Location
	Pick             func(n int) int
}

// NewManagerSelector creates the selector.
func NewManagerSelector(deps SelectorDependencies) *ManagerSelector {
	s := &ManagerSelector{
		agents:        deps.AgentRepo,
		consultations: deps.ConsultationRepo,
		closures:      deps.ClosureRepo,
		tolerance:     deps.Tolerance,
		loc:           deps.Location,
		pick:          deps.Pick,
	}
	if s.tolerance <= 0 {
		s.tolerance = 0.1
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.pick == nil {
		s.pick = rand.IntN
	}
	return s
}

// SelectManager returns an eligible agent for the category and language at now,
// or ErrNoAvailableManager.
func (s *ManagerSelector) SelectManager(ctx context.Context, category, language string, now time.Time) (domain.AgentRef, error) {
	ranked, err := s.Rank(ctx, category, language, now)
	if err != nil {
		return domain.AgentRef{}, err
	}
	if len(ranked) == 0 {
		return domain.AgentRef{}, ErrNoAvailableManager
	}
	minLoad := ranked[0].Load
	candidates := 1
	for candidates < len(ranked) && ranked[candidates].Load-minLoad < s.tolerance {
		candidates++
	}
	return ranked[s.pick(candidates)].Ref(), nil
}

// Rank lists eligible agents ordered by load ratio.
func (s *ManagerSelector) Rank(ctx context.Context, category, language string, now time.Time) ([]AgentLoad, error) {
	agents, err := s.agents.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	local := now.In(s.loc)
	closed, err := s.closures.ClosedAgents(ctx, domain.DayOf(now, s.loc))
	if err != nil {
		return nil, err
	}

	eligible := make([]domain.Agent, 0, len(agents))
	for _, agent := range agents {
		if agent.Capacity <= 0 {
			continue
		}
		if agent.Hours != nil && !agent.Hours.Contains(local) {
			continue
		}
		if !agent.HasSkill(category) {
			continue
		}
		if !agent.SpeaksLanguage(language) {
			continue
		}
		if closed[agent.ERPKey] {
			continue
		}
		eligible = append(eligible, agent)
	}

	loads, err := s.withLoads(ctx, eligible)
	if err != nil {
		return nil, err
	}
	ranked := loads[:0]
	for _, l := range loads {
		if l.Load < 1.0 {
			ranked = append(ranked, l)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Load != ranked[j].Load {
			return ranked[i].Load < ranked[j].Load
		}
		return ranked[i].ERPKey < ranked[j].ERPKey
	})
	return ranked, nil
}

// AgentLoads lists every active agent with its load, ignoring working hours and closures.
func (s *ManagerSelector) AgentLoads(ctx context.Context) ([]AgentLoad, error) {
	agents, err := s.agents.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	loads, err := s.withLoads(ctx, agents)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(loads, func(i, j int) bool { return loads[i].Load < loads[j].Load })
	return loads, nil
}

func (s *ManagerSelector) withLoads(ctx context.Context, agents []domain.Agent) ([]AgentLoad, error) {
	keys := make([]string, len(agents))
	for i, agent := range agents {
		keys[i] = agent.ERPKey
	}
	depths, err := s.consultations.QueueDepths(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make([]AgentLoad, 0, len(agents))
	for _, agent := range agents {
		depth := depths[agent.ERPKey]
		load := 1.0
		if agent.Capacity > 0 {
			load = float64(depth) / float64(agent.Capacity)
		}
		percent := int(math.Round(load * 100))
		out = append(out, AgentLoad{
			ERPKey:      agent.ERPKey,
			ChatUserID:  agent.ChatUserID,
			Name:        agent.Name,
			Capacity:    agent.Capacity,
			QueueDepth:  depth,
			Load:        load,
			LoadPercent: percent,
			FreeSlots:   max(agent.Capacity-depth, 0),
		})
	}
	return out, nil
}
