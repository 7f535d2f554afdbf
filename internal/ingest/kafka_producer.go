// Package ingest publishes position pings and ride lifecycle events to Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/ride"
)

// messageWriter is the part of *kafka.Writer the producers use.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
}

type KafkaProducer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	return &KafkaProducer{writer: newWriter(brokers, topic), timeout: 2 * time.Second}
}

// PublishPosition writes a ping keyed by subject so one subject's pings stay
// ordered on a partition.
func (k *KafkaProducer) PublishPosition(ctx context.Context, p models.PositionPing) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if p.SentAt.IsZero() {
		p.SentAt = time.Now().UTC()
	}
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(p.SubjectID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// EventPublisher streams committed ride events to a topic keyed by ride id.
// Delivery is best effort; failures are logged and never reach the caller.
type EventPublisher struct {
	writer  messageWriter
	timeout time.Duration
	logger  *slog.Logger
}

func NewEventPublisher(brokers []string, topic string, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{writer: newWriter(brokers, topic), timeout: 2 * time.Second, logger: logger}
}

type eventRecord struct {
	ride.Event
	Recipients []string `json:"recipients,omitempty"`
}

func (e *EventPublisher) Publish(ctx context.Context, ev ride.Event) {
	b, err := json.Marshal(eventRecord{Event: ev, Recipients: ev.Recipients})
	if err != nil {
		e.logger.Error("encode ride event", "type", ev.Type, "ride_id", ev.RideID, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	msg := kafka.Message{
		Key:     []byte(ev.RideID),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
	}
	if err := e.writer.WriteMessages(ctx, msg); err != nil {
		e.logger.Warn("ride event not published", "type", ev.Type, "ride_id", ev.RideID, "err", err)
	}
}

func (e *EventPublisher) Close() error {
	if e.writer == nil {
		return nil
	}
	return e.writer.Close()
}
