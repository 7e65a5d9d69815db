// Package kafka publishes the consultation change feed.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/spec-kit/consultation-sync/internal/config"
	"github.com/spec-kit/consultation-sync/internal/events"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ChangeFeed forwards domain events to a Kafka topic. Without brokers it is a no-op.
type ChangeFeed struct {
	writer messageWriter
	logger *zap.Logger
}

// NewChangeFeed creates the feed from cfg.
func NewChangeFeed(cfg config.KafkaConfig, logger *zap.Logger) *ChangeFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return &ChangeFeed{logger: logger}
	}
	return &ChangeFeed{
		logger: logger,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Enabled reports whether events are forwarded.
func (f *ChangeFeed) Enabled() bool {
	return f != nil && f.writer != nil
}

// Subscribe forwards every event type published on dispatcher.
func (f *ChangeFeed) Subscribe(dispatcher events.Dispatcher) {
	if !f.Enabled() || dispatcher == nil {
		return
	}
	for _, eventType := range events.AllTypes {
		dispatcher.Subscribe(eventType, f.Publish)
	}
}

// Publish writes one event keyed by consultation so a consultation's changes stay ordered.
func (f *ChangeFeed) Publish(ctx context.Context, event events.Event) error {
	if !f.Enabled() {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	key := event.ConsultationID
	if payload, ok := event.Payload.(events.QueueClosedPayload); ok && key == "" {
		key = payload.AgentKey
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "source", Value: []byte(event.Source)},
		},
	}
	if err := f.writer.WriteMessages(ctx, msg); err != nil {
		f.logger.Warn("change feed write failed", zap.String("event_type", string(event.Type)), zap.Error(err))
		return err
	}
	return nil
}

// Close flushes and closes the writer.
func (f *ChangeFeed) Close() error {
	if !f.Enabled() {
		return nil
	}
	return f.writer.Close()
}
