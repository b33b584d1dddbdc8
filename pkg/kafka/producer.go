// Package kafka publishes ingestion lifecycle events to Kafka through
// segmentio/kafka-go. Events are JSON-serialised and keyed by index name so
// every event for one index lands on the same partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/resilience"
	"github.com/segmentio/kafka-go"
)

// Event types emitted by the indexer.
const (
	EventSourceCompleted = "source.completed"
	EventRunCompleted    = "run.completed"
)

// Event is the unit of data published to Kafka. Key is used for partition
// hashing and Value is JSON-serialised.
type Event struct {
	Key   string
	Value any
}

// IngestEvent is the payload of every indexer event.
type IngestEvent struct {
	Type      string    `json:"type"`
	Index     string    `json:"index"`
	Source    string    `json:"source,omitempty"`
	Records   int64     `json:"records"`
	Outcome   string    `json:"outcome,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Producer publishes JSON-encoded events to a Kafka topic. Writes go
// through a circuit breaker so an unreachable broker costs one write timeout
// per cooldown instead of one per event.
type Producer struct {
	writer  messageWriter
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewProducer creates a Producer for the configured topic.
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return newProducer(w, cfg.Topic)
}

func newProducer(w messageWriter, topic string) *Producer {
	return &Producer{
		writer:  w,
		breaker: resilience.NewCircuitBreaker("kafka:"+topic, 3, 30*time.Second),
		logger:  slog.Default().With("component", "kafka-producer", "topic", topic),
	}
}

// Emit publishes an IngestEvent keyed by its index.
func (p *Producer) Emit(ctx context.Context, ev IngestEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return p.Publish(ctx, Event{Key: ev.Index, Value: ev})
}

// Publish serialises a single event and writes it to Kafka synchronously.
func (p *Producer) Publish(ctx context.Context, event Event) error {
	value, err := json.Marshal(event.Value)
	if err != nil {
		return fmt.Errorf("marshaling event value: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.Key),
		Value: value,
	}

	err = p.breaker.Execute(func() error {
		return p.writer.WriteMessages(ctx, msg)
	})
	if err != nil {
		p.logger.Error("failed to publish message",
			"key", event.Key,
			"error", err,
		)
		return fmt.Errorf("publishing to kafka: %w", err)
	}
	p.logger.Debug("message published",
		"key", event.Key,
		"value_size", len(value),
	)
	return nil
}

// Close flushes pending writes and closes the underlying Kafka writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
