package service

import (
	"context"
	"errors"
	"testing"

	"github.com/spec-kit/consultation-sync/internal/chat"
	"github.com/spec-kit/consultation-sync/internal/domain"
)

const webhookSecret = "s3cret"

func TestWebhookRejectsBadSignatureButLogsPayload(t *testing.T) {
	h := newHarness()
	svc := NewWebhookService(h.store.Webhooks(), h.reconciler, webhookSecret, nil)
	body := []byte(`{"event":"conversation_created","id":5,"status":"open"}`)

	_, err := svc.Handle(context.Background(), body, "deadbeef")
	if !errors.Is(err, chat.ErrInvalidSignature) || !IsRejected(err) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
	entries := h.store.WebhookEntries()
	if len(entries) != 1 || entries[0].SignatureValid || entries[0].Processed {
		t.Fatalf("unexpected log %+v", entries)
	}
	if n := len(h.store.AllConsultations()); n != 0 {
		t.Fatalf("invalid delivery created %d rows", n)
	}
}

func TestWebhookCreatesConsultationFromEnvelope(t *testing.T) {
	h := newHarness()
	svc := NewWebhookService(h.store.Webhooks(), h.reconciler, webhookSecret, nil)
	body := []byte(`{"event":"conversation.created","data":{"conversation":{"id":77,"status":"pending",
		"custom_attributes":{"erp_ref_key":"ref-77","consultation_type":"accounting","language":"en"}}}}`)

	res, err := svc.Handle(context.Background(), body, chat.Sign(webhookSecret, body))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Ignored || res.Consultation == nil || !res.Consultation.Created {
		t.Fatalf("unexpected result %+v", res)
	}
	c, err := h.store.Consultations().GetByChatID(context.Background(), "77")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.ERPRefKey != "ref-77" || c.Type != domain.TypeAccounting || c.Status != domain.StatusPending || c.Source != domain.SourceChat {
		t.Fatalf("unexpected row %+v", c)
	}
	entries := h.store.WebhookEntries()
	if len(entries) != 1 || !entries[0].SignatureValid || !entries[0].Processed || entries[0].Event != "conversation_created" {
		t.Fatalf("unexpected log %+v", entries)
	}
}

func TestWebhookResolvedEventClosesConsultation(t *testing.T) {
	h := newHarness()
	h.store.PutConsultation(domain.Consultation{ExternalKey: "8", ChatID: "8", Scope: domain.ScopeTenant, Status: domain.StatusOpen})
	svc := NewWebhookService(h.store.Webhooks(), h.reconciler, "", nil)

	res, err := svc.Handle(context.Background(), []byte(`{"event":"conversation_resolved","id":8}`), "")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Consultation == nil || res.Consultation.Status != domain.StatusResolved {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestWebhookIgnoresUnknownEvents(t *testing.T) {
	h := newHarness()
	svc := NewWebhookService(h.store.Webhooks(), h.reconciler, "", nil)

	res, err := svc.Handle(context.Background(), []byte(`{"event":"contact_updated","id":3}`), "")
	if err != nil || !res.Ignored {
		t.Fatalf("expected ignored delivery, got %+v %v", res, err)
	}
	if entries := h.store.WebhookEntries(); len(entries) != 1 || !entries[0].Processed {
		t.Fatalf("unexpected log %+v", entries)
	}
}

func TestWebhookMalformedBody(t *testing.T) {
	h := newHarness()
	svc := NewWebhookService(h.store.Webhooks(), h.reconciler, "", nil)

	_, err := svc.Handle(context.Background(), []byte(`not json`), "")
	if !errors.Is(err, ErrMalformedWebhook) {
		t.Fatalf("expected malformed error, got %v", err)
	}
	if n := len(h.store.WebhookEntries()); n != 1 {
		t.Fatalf("malformed delivery not logged")
	}
}
