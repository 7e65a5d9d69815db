package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/spec-kit/consultation-sync/internal/config"
	"github.com/spec-kit/consultation-sync/internal/domain"
	"github.com/spec-kit/consultation-sync/internal/events"
)

type recordingWriter struct {
	msgs []kafka.Message
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestChangeFeedDisabledWithoutBrokers(t *testing.T) {
	feed := NewChangeFeed(config.KafkaConfig{Topic: "changes"}, nil)
	if feed.Enabled() {
		t.Fatalf("feed should be disabled")
	}
	if err := feed.Publish(context.Background(), events.Event{Type: events.EventConsultationCreated}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestChangeFeedForwardsDispatchedEvents(t *testing.T) {
	w := &recordingWriter{}
	feed := &ChangeFeed{writer: w}
	dispatcher := events.NewInMemoryDispatcher(nil)
	feed.Subscribe(dispatcher)

	ctx := context.Background()
	_ = dispatcher.Publish(ctx, events.Event{
		ID:             "e1",
		Type:           events.EventConsultationStatusChanged,
		ConsultationID: "c1",
		Source:         domain.SourceERP,
		Timestamp:      time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC),
		Payload:        events.StatusChangedPayload{OldStatus: domain.StatusOpen, NewStatus: domain.StatusClosed},
	})
	_ = dispatcher.Publish(ctx, events.Event{
		ID:      "e2",
		Type:    events.EventQueueClosed,
		Source:  domain.SourceERP,
		Payload: events.QueueClosedPayload{AgentKey: "agent-1"},
	})

	if len(w.msgs) != 2 {
		t.Fatalf("messages = %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "c1" || string(w.msgs[1].Key) != "agent-1" {
		t.Fatalf("keys = %q %q", w.msgs[0].Key, w.msgs[1].Key)
	}
	var decoded struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(w.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != string(events.EventConsultationStatusChanged) || decoded.Payload["new_status"] != "closed" {
		t.Fatalf("unexpected body %s", w.msgs[0].Value)
	}
	if string(w.msgs[0].Headers[0].Value) != string(events.EventConsultationStatusChanged) {
		t.Fatalf("missing event type header")
	}
}
