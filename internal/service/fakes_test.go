package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/spec-kit/consultation-sync/internal/chat"
	"github.com/spec-kit/consultation-sync/internal/domain"
	"github.com/spec-kit/consultation-sync/internal/erp"
	"github.com/spec-kit/consultation-sync/internal/events"
	"github.com/spec-kit/consultation-sync/internal/testutil/memstore"
)

type sentMessage struct {
	ConversationID string
	Content        string
}

type statusUpdate struct {
	ConversationID string
	Status         chat.Status
}

type fakeChat struct {
	mu       sync.Mutex
	messages []sentMessage
	statuses []statusUpdate
	attrs    map[string]map[string]any
	failSend bool
}

func newFakeChat() *fakeChat {
	return &fakeChat{attrs: make(map[string]map[string]any)}
}

func (f *fakeChat) SendMessage(_ context.Context, conversationID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("chat unavailable")
	}
	f.messages = append(f.messages, sentMessage{conversationID, content})
	return nil
}

func (f *fakeChat) UpdateStatus(_ context.Context, conversationID string, status chat.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, statusUpdate{conversationID, status})
	return nil
}

func (f *fakeChat) UpdateCustomAttributes(_ context.Context, conversationID string, attrs map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attrs[conversationID] = attrs
	return nil
}

func (f *fakeChat) sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.messages...)
}

func (f *fakeChat) statusUpdates() []statusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]statusUpdate(nil), f.statuses...)
}

type erpPatch struct {
	RefKey string
	Patch  erp.ConsultationPatch
}

type fakeERP struct {
	mu      sync.Mutex
	patches []erpPatch
}

func (f *fakeERP) PatchConsultation(_ context.Context, refKey string, patch erp.ConsultationPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, erpPatch{refKey, patch})
	return nil
}

type harness struct {
	store      *memstore.Store
	chat       *fakeChat
	erp        *fakeERP
	dispatcher events.Dispatcher
	reconciler *ReconcileService
	notifier   *NotificationService
	now        time.Time
}

func newHarness() *harness {
	h := &harness{
		store:      memstore.New(),
		chat:       newFakeChat(),
		erp:        &fakeERP{},
		dispatcher: events.NewInMemoryDispatcher(nil),
		now:        time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC),
	}
	h.reconciler = NewReconcileService(ReconcileDependencies{
		ConsultationRepo: h.store.Consultations(),
		AgentRepo:        h.store.Agents(),
		MappingRepo:      h.store.Mappings(),
		ActivityRepo:     h.store.Activity(),
		ClosureRepo:      h.store.Closures(),
		Chat:             h.chat,
		ERP:              h.erp,
		Dispatcher:       h.dispatcher,
		Now:              func() time.Time { return h.now },
	})
	h.notifier = NewNotificationService(NotificationDependencies{
		LedgerRepo:       h.store.Ledger(),
		ConsultationRepo: h.store.Consultations(),
		AgentRepo:        h.store.Agents(),
		Estimator:        NewQueueEstimator(h.store.Consultations(), EstimatorConfig{}, func() time.Time { return h.now }),
		Chat:             h.chat,
		Dispatcher:       h.dispatcher,
	})
	h.notifier.RegisterHandlers()
	return h
}

func (h *harness) addAgent(key, name string, capacity int) {
	_ = h.store.Agents().Upsert(context.Background(), &domain.Agent{ERPKey: key, Name: name, Capacity: capacity, Active: true})
}

func ptrTime(t time.Time) *time.Time { return &t }

func ptrBool(b bool) *bool { return &b }
