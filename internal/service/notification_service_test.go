package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/spec-kit/consultation-sync/internal/domain"
)

func TestContentHashIsStableAcrossMapOrder(t *testing.T) {
	a := ContentHash(domain.NotifyRating, "1", map[string]string{"a": "1", "b": "2", "c": "3"})
	b := ContentHash(domain.NotifyRating, "1", map[string]string{"c": "3", "b": "2", "a": "1"})
	if a != b {
		t.Fatalf("hash depends on map order")
	}
	if a == ContentHash(domain.NotifyCall, "1", map[string]string{"a": "1", "b": "2", "c": "3"}) {
		t.Fatalf("hash ignores kind")
	}
}

func TestNotifySendsOncePerPayload(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	note := Notification{
		Kind:           domain.NotifyCall,
		EntityID:       "42",
		ConversationID: "42",
		Data:           map[string]string{"manager_key": "A", "period": "12.03.2024 10:00"},
	}

	sent, err := h.notifier.Notify(ctx, note)
	if err != nil || !sent {
		t.Fatalf("first notify: %v %v", sent, err)
	}
	sent, err = h.notifier.Notify(ctx, note)
	if err != nil || sent {
		t.Fatalf("duplicate notify: %v %v", sent, err)
	}
	if n := len(h.chat.sent()); n != 1 {
		t.Fatalf("expected 1 send, got %d", n)
	}

	note.Data = map[string]string{"manager_key": "A", "period": "12.03.2024 11:00"}
	sent, err = h.notifier.Notify(ctx, note)
	if err != nil || !sent {
		t.Fatalf("changed payload notify: %v %v", sent, err)
	}
	msgs := h.chat.sent()
	if len(msgs) != 2 || !strings.Contains(msgs[1].Content, "11:00") {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestNotifyRenderOnlyFieldsDoNotChangeHash(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	note := Notification{
		Kind:           domain.NotifyQueueUpdate,
		EntityID:       "42",
		ConversationID: "42",
		Data:           map[string]string{"manager_key": "A", "queue_position": "3"},
		Extra:          map[string]string{"wait": "30"},
	}
	if sent, _ := h.notifier.Notify(ctx, note); !sent {
		t.Fatalf("first notify not sent")
	}
	note.Extra = map[string]string{"wait": "45"}
	if sent, _ := h.notifier.Notify(ctx, note); sent {
		t.Fatalf("wait change alone must not resend")
	}
}

func TestNotifySendFailureIsNotRetried(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.chat.failSend = true
	note := Notification{Kind: domain.NotifyRating, EntityID: "1", ConversationID: "1", Data: map[string]string{"score": "5"}}

	sent, err := h.notifier.Notify(ctx, note)
	if err != nil || sent {
		t.Fatalf("failed send: %v %v", sent, err)
	}
	h.chat.failSend = false
	sent, _ = h.notifier.Notify(ctx, note)
	if sent {
		t.Fatalf("ledger entry must block a resend")
	}
	if h.store.LedgerSize() != 1 {
		t.Fatalf("ledger size = %d", h.store.LedgerSize())
	}
}

func TestQueuePositionNotification(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.addAgent("B", "Boris", 5)
	h.store.PutConsultation(domain.Consultation{
		ExternalKey: "first",
		ERPRefKey:   "ref-first",
		Scope:       domain.ScopeTenant,
		Status:      domain.StatusOpen,
		AgentKey:    "B",
		CreatedAt:   h.now.Add(-2 * time.Hour),
	})
	second := h.store.PutConsultation(domain.Consultation{
		ExternalKey: "42",
		ChatID:      "42",
		Scope:       domain.ScopeTenant,
		Status:      domain.StatusPending,
		AgentKey:    "B",
		CreatedAt:   h.now.Add(-time.Hour),
	})

	if err := h.notifier.NotifyQueuePosition(ctx, second.ID); err != nil {
		t.Fatalf("notify position: %v", err)
	}
	if err := h.notifier.NotifyQueuePosition(ctx, second.ID); err != nil {
		t.Fatalf("notify position again: %v", err)
	}
	msgs := h.chat.sent()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %+v", msgs)
	}
	if msgs[0].Content != "You are #2 in the queue. Estimated wait: 15 min." {
		t.Fatalf("content = %q", msgs[0].Content)
	}
}

func TestQueuePositionSkipsTechnicalConsultations(t *testing.T) {
	h := newHarness()
	c := h.store.PutConsultation(domain.Consultation{
		ExternalKey: "77",
		ChatID:      "77",
		Scope:       domain.ScopeTenant,
		Status:      domain.StatusOpen,
		Type:        domain.TypeTechnical,
		AgentKey:    "B",
	})
	if err := h.notifier.NotifyQueuePosition(context.Background(), c.ID); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if n := len(h.chat.sent()); n != 0 {
		t.Fatalf("expected no messages, got %d", n)
	}
}

func TestRenderQueueUpdateRange(t *testing.T) {
	fields := map[string]string{"queue_position": "5"}
	for k, v := range waitFields(Estimate(4, 5, 15)) {
		fields[k] = v
	}
	got := renderMessage(domain.NotifyQueueUpdate, fields)
	want := "You are #5 in the queue. Estimated wait: 20 min to about 1 hour."
	if got != want {
		t.Fatalf("render = %q, want %q", got, want)
	}
}
