// Package memstore provides in-memory implementations of the repository
// interfaces for tests.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/consultation-sync/internal/domain"
	"github.com/spec-kit/consultation-sync/internal/repository"
)

// Store holds every table behind one mutex.
type Store struct {
	mu sync.Mutex

	consultations map[string]*domain.Consultation
	changes       []domain.ConsultationChange
	agents        map[string]domain.Agent
	mappings      map[string]domain.AgentMapping
	cursors       map[string]time.Time
	ledger        map[string]domain.LedgerEntry
	reschedules   map[string]domain.Reschedule
	ratings       map[string]domain.Rating
	calls         map[string]domain.CallAttempt
	closures      map[string]bool
	webhooks      []domain.WebhookLogEntry

	// FailCursorWrites makes Advance fail, for error-path tests.
	FailCursorWrites bool
}

// New returns an empty store.
func New() *Store {
	return &Store{
		consultations: make(map[string]*domain.Consultation),
		agents:        make(map[string]domain.Agent),
		mappings:      make(map[string]domain.AgentMapping),
		cursors:       make(map[string]time.Time),
		ledger:        make(map[string]domain.LedgerEntry),
		reschedules:   make(map[string]domain.Reschedule),
		ratings:       make(map[string]domain.Rating),
		calls:         make(map[string]domain.CallAttempt),
		closures:      make(map[string]bool),
	}
}

// Consultations returns the store as a ConsultationRepository.
func (s *Store) Consultations() repository.ConsultationRepository { return consultationRepo{s} }

// Agents returns the store as an AgentRepository.
func (s *Store) Agents() repository.AgentRepository { return agentRepo{s} }

// Mappings returns the store as an AgentMappingRepository.
func (s *Store) Mappings() repository.AgentMappingRepository { return mappingRepo{s} }

// Cursors returns the store as a SyncCursorRepository.
func (s *Store) Cursors() repository.SyncCursorRepository { return cursorRepo{s} }

// Ledger returns the store as a NotificationLedgerRepository.
func (s *Store) Ledger() repository.NotificationLedgerRepository { return ledgerRepo{s} }

// Activity returns the store as an ActivityRepository.
func (s *Store) Activity() repository.ActivityRepository { return activityRepo{s} }

// Closures returns the store as a QueueClosureRepository.
func (s *Store) Closures() repository.QueueClosureRepository { return closureRepo{s} }

// Webhooks returns the store as a WebhookLogRepository.
func (s *Store) Webhooks() repository.WebhookLogRepository { return webhookRepo{s} }

// ChangeLog returns the store as a ChangeLogRepository.
func (s *Store) ChangeLog() repository.ChangeLogRepository { return changeLogRepo{s} }

// AllConsultations returns copies of every stored consultation ordered by creation.
func (s *Store) AllConsultations() []domain.Consultation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Consultation, 0, len(s.consultations))
	for _, c := range s.consultations {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Changes returns the recorded change log.
func (s *Store) Changes() []domain.ConsultationChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ConsultationChange(nil), s.changes...)
}

// WebhookEntries returns the webhook log.
func (s *Store) WebhookEntries() []domain.WebhookLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.WebhookLogEntry(nil), s.webhooks...)
}

// LedgerSize returns the number of ledger entries.
func (s *Store) LedgerSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ledger)
}

// PutConsultation stores c directly, assigning an id when empty.
func (s *Store) PutConsultation(c domain.Consultation) domain.Consultation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	cp := c
	s.consultations[c.ID] = &cp
	return c
}

type changeLogRepo struct{ s *Store }

func (r changeLogRepo) ListByConsultation(_ context.Context, consultationID string) ([]domain.ConsultationChange, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.ConsultationChange
	for _, ch := range r.s.changes {
		if ch.ConsultationID == consultationID {
			out = append(out, ch)
		}
	}
	return out, nil
}

type consultationRepo struct{ s *Store }

func (r consultationRepo) find(lookup repository.ConsultationLookup) *domain.Consultation {
	var byERP *domain.Consultation
	for _, c := range r.s.consultations {
		if lookup.ChatID != "" && c.ChatID == lookup.ChatID {
			return c
		}
		if lookup.ERPRefKey != "" && c.ERPRefKey == lookup.ERPRefKey {
			byERP = c
		}
	}
	return byERP
}

func (r consultationRepo) Mutate(_ context.Context, lookup repository.ConsultationLookup, fn repository.MutateFunc) (*domain.Consultation, bool, error) {
	if lookup.ChatID == "" && lookup.ERPRefKey == "" {
		return nil, false, repository.ErrEmptyLookup
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	current := r.find(lookup)
	var snapshot *domain.Consultation
	if current != nil {
		cp := *current
		snapshot = &cp
	}
	next, changes, err := fn(snapshot)
	if err != nil {
		return nil, false, err
	}
	if next == nil {
		if current == nil {
			return nil, false, nil
		}
		cp := *current
		return &cp, false, nil
	}

	created := current == nil
	now := time.Now()
	if created {
		if next.ID == "" {
			next.ID = uuid.NewString()
		}
		if err := r.checkUnique(next); err != nil {
			return nil, false, err
		}
		next.CreatedAt = now
	} else {
		next.ID = current.ID
		next.CreatedAt = current.CreatedAt
		if err := r.checkUnique(next); err != nil {
			return nil, false, err
		}
	}
	next.UpdatedAt = now
	stored := *next
	r.s.consultations[next.ID] = &stored
	for _, ch := range changes {
		ch.ConsultationID = next.ID
		ch.ChangedAt = now
		ch.ID = int64(len(r.s.changes) + 1)
		r.s.changes = append(r.s.changes, ch)
	}
	out := stored
	return &out, created, nil
}

func (r consultationRepo) checkUnique(next *domain.Consultation) error {
	for id, c := range r.s.consultations {
		if id == next.ID {
			continue
		}
		if next.ChatID != "" && c.ChatID == next.ChatID {
			return fmt.Errorf("duplicate chat_id %s", next.ChatID)
		}
		if next.ERPRefKey != "" && c.ERPRefKey == next.ERPRefKey {
			return fmt.Errorf("duplicate erp_ref_key %s", next.ERPRefKey)
		}
		if c.ExternalKey == next.ExternalKey {
			return fmt.Errorf("duplicate external_key %s", next.ExternalKey)
		}
	}
	return nil
}

func (r consultationRepo) get(match func(*domain.Consultation) bool) (*domain.Consultation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.consultations {
		if match(c) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r consultationRepo) GetByID(_ context.Context, id string) (*domain.Consultation, error) {
	return r.get(func(c *domain.Consultation) bool { return c.ID == id })
}

func (r consultationRepo) GetByChatID(_ context.Context, chatID string) (*domain.Consultation, error) {
	return r.get(func(c *domain.Consultation) bool { return chatID != "" && c.ChatID == chatID })
}

func (r consultationRepo) GetByERPRefKey(_ context.Context, refKey string) (*domain.Consultation, error) {
	return r.get(func(c *domain.Consultation) bool { return refKey != "" && c.ERPRefKey == refKey })
}

func (r consultationRepo) ListOpenERPRefKeys(_ context.Context, afterKey string, limit int) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var keys []string
	for _, c := range r.s.consultations {
		if c.ERPRefKey != "" && c.ERPRefKey > afterKey && c.Scope == domain.ScopeTenant && !c.Status.IsTerminal() {
			keys = append(keys, c.ERPRefKey)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (r consultationRepo) ListQueuedByAgent(_ context.Context, agentKey string) ([]domain.Consultation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Consultation
	for _, c := range r.s.consultations {
		if c.AgentKey == agentKey && inQueue(c) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r consultationRepo) QueueDepths(_ context.Context, agentKeys []string) (map[string]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	depths := make(map[string]int, len(agentKeys))
	for _, c := range r.s.consultations {
		if slices.Contains(agentKeys, c.AgentKey) && inQueue(c) {
			depths[c.AgentKey]++
		}
	}
	return depths, nil
}

func (r consultationRepo) AverageCloseMinutes(_ context.Context, agentKey string, since time.Time) (float64, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var total float64
	var n int
	for _, c := range r.s.consultations {
		if c.AgentKey != agentKey || c.Denied || c.StartAt == nil || c.EndAt == nil {
			continue
		}
		if c.Status != domain.StatusResolved && c.Status != domain.StatusClosed {
			continue
		}
		if !c.EndAt.After(*c.StartAt) || c.EndAt.Before(since) {
			continue
		}
		total += c.EndAt.Sub(*c.StartAt).Minutes()
		n++
	}
	if n == 0 {
		return 0, 0, nil
	}
	return total / float64(n), n, nil
}

func inQueue(c *domain.Consultation) bool {
	return !c.Denied && slices.Contains(domain.QueueStatuses, c.Status)
}

type agentRepo struct{ s *Store }

func (r agentRepo) Upsert(_ context.Context, agent *domain.Agent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if prev, ok := r.s.agents[agent.ERPKey]; ok && agent.ChatUserID == "" {
		agent.ChatUserID = prev.ChatUserID
	}
	agent.UpdatedAt = time.Now()
	r.s.agents[agent.ERPKey] = *agent
	return nil
}

func (r agentRepo) GetByERPKey(_ context.Context, key string) (*domain.Agent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	agent, ok := r.s.agents[key]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &agent, nil
}

func (r agentRepo) GetByChatUserID(_ context.Context, chatUserID string) (*domain.Agent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, agent := range r.s.agents {
		if chatUserID != "" && agent.ChatUserID == chatUserID {
			return &agent, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r agentRepo) ListActive(_ context.Context) ([]domain.Agent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Agent
	for _, agent := range r.s.agents {
		if agent.Active {
			out = append(out, agent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ERPKey < out[j].ERPKey })
	return out, nil
}

type mappingRepo struct{ s *Store }

func (r mappingRepo) Upsert(_ context.Context, m *domain.AgentMapping) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, existing := range r.s.mappings {
		if existing.ERPAgentKey == m.ERPAgentKey && id != m.ChatUserID {
			delete(r.s.mappings, id)
		}
	}
	m.UpdatedAt = time.Now()
	r.s.mappings[m.ChatUserID] = *m
	return nil
}

func (r mappingRepo) GetByChatUserID(_ context.Context, chatUserID string) (*domain.AgentMapping, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.mappings[chatUserID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &m, nil
}

func (r mappingRepo) GetByERPKey(_ context.Context, erpKey string) (*domain.AgentMapping, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, m := range r.s.mappings {
		if m.ERPAgentKey == erpKey {
			return &m, nil
		}
	}
	return nil, pgx.ErrNoRows
}

type cursorRepo struct{ s *Store }

func (r cursorRepo) Get(_ context.Context, job string) (time.Time, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	at, ok := r.s.cursors[job]
	return at, ok, nil
}

func (r cursorRepo) Advance(_ context.Context, job string, at time.Time) (time.Time, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.FailCursorWrites {
		return time.Time{}, fmt.Errorf("cursor store unavailable")
	}
	if prev, ok := r.s.cursors[job]; ok && prev.After(at) {
		return prev, nil
	}
	r.s.cursors[job] = at
	return at, nil
}

type ledgerRepo struct{ s *Store }

func (r ledgerRepo) Insert(_ context.Context, entry *domain.LedgerEntry) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.ledger[entry.ContentHash]; exists {
		return false, nil
	}
	entry.ID = int64(len(r.s.ledger) + 1)
	entry.CreatedAt = time.Now()
	r.s.ledger[entry.ContentHash] = *entry
	return true, nil
}

type activityRepo struct{ s *Store }

func (r activityRepo) InsertReschedule(_ context.Context, rec *domain.Reschedule) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := rec.ERPRefKey + "|" + rec.Period.UTC().Format(time.RFC3339Nano)
	if _, ok := r.s.reschedules[key]; ok {
		return false, nil
	}
	rec.ID = int64(len(r.s.reschedules) + 1)
	r.s.reschedules[key] = *rec
	return true, nil
}

func (r activityRepo) InsertRating(_ context.Context, rec *domain.Rating) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := fmt.Sprintf("%s|%s|%d", rec.ERPRefKey, rec.AgentKey, rec.Question)
	if _, ok := r.s.ratings[key]; ok {
		return false, nil
	}
	rec.ID = int64(len(r.s.ratings) + 1)
	r.s.ratings[key] = *rec
	return true, nil
}

func (r activityRepo) InsertCallAttempt(_ context.Context, rec *domain.CallAttempt) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := rec.Period.UTC().Format(time.RFC3339Nano) + "|" + rec.ERPRefKey + "|" + rec.AgentKey
	if _, ok := r.s.calls[key]; ok {
		return false, nil
	}
	rec.ID = int64(len(r.s.calls) + 1)
	r.s.calls[key] = *rec
	return true, nil
}

type closureRepo struct{ s *Store }

func closureKey(day time.Time, agentKey string) string {
	return day.Format("2006-01-02") + "|" + agentKey
}

func (r closureRepo) Close(_ context.Context, c domain.QueueClosure) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := closureKey(c.Day, c.AgentKey)
	if r.s.closures[key] {
		return false, nil
	}
	r.s.closures[key] = true
	return true, nil
}

func (r closureRepo) Reopen(_ context.Context, c domain.QueueClosure) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.closures, closureKey(c.Day, c.AgentKey))
	return nil
}

func (r closureRepo) ClosedAgents(_ context.Context, day time.Time) (map[string]bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	prefix := day.Format("2006-01-02") + "|"
	out := make(map[string]bool)
	for key := range r.s.closures {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out[key[len(prefix):]] = true
		}
	}
	return out, nil
}

type webhookRepo struct{ s *Store }

func (r webhookRepo) Append(_ context.Context, entry *domain.WebhookLogEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	entry.ReceivedAt = time.Now()
	r.s.webhooks = append(r.s.webhooks, *entry)
	return nil
}

func (r webhookRepo) MarkResult(_ context.Context, id string, processed bool, errMessage string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := range r.s.webhooks {
		if r.s.webhooks[i].ID == id {
			r.s.webhooks[i].Processed = processed
			r.s.webhooks[i].ErrorMessage = errMessage
			return nil
		}
	}
	return pgx.ErrNoRows
}
