package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/openfroyo/orchestrator/pkg/engine"
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers      []string
	TopicPrefix  string
	WriteTimeout time.Duration
	MaxRetries   int
}

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes domain events to Kafka. Each event type has its own topic
// named "<prefix>.<event type>"; the aggregate ID is the message key so events
// of one deployment stay ordered within a partition.
type KafkaSink struct {
	writer     messageWriter
	prefix     string
	timeout    time.Duration
	maxRetries int
	logger     zerolog.Logger
}

// NewKafkaSink creates a sink writing to the given brokers.
func NewKafkaSink(cfg KafkaConfig, logger zerolog.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker")
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newKafkaSink(w, cfg, logger), nil
}

func newKafkaSink(w messageWriter, cfg KafkaConfig, logger zerolog.Logger) *KafkaSink {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "orchestrator"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &KafkaSink{
		writer:     w,
		prefix:     cfg.TopicPrefix,
		timeout:    cfg.WriteTimeout,
		maxRetries: cfg.MaxRetries,
		logger:     logger.With().Str("component", "kafka_sink").Logger(),
	}
}

// Topic returns the topic an event type is published to.
func (s *KafkaSink) Topic(eventType engine.EventType) string {
	return s.prefix + "." + string(eventType)
}

// Publish writes the event, retrying leader elections with a linear backoff.
func (s *KafkaSink) Publish(ctx context.Context, event engine.DomainEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Topic: s.Topic(event.Type),
		Key:   []byte(event.AggregateID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(event.ID)},
			{Key: "event_type", Value: []byte(event.Type)},
		},
		Time: event.OccurredAt,
	}

	var writeErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
		writeErr = s.writer.WriteMessages(writeCtx, msg)
		cancel()
		if writeErr == nil {
			return nil
		}
		if !isRetryableKafkaError(writeErr) {
			break
		}
		s.logger.Debug().Err(writeErr).Int("attempt", attempt+1).Str("topic", msg.Topic).Msg("Retrying event publish")
	}

	return fmt.Errorf("failed to publish event %s to %s: %w", event.ID, msg.Topic, writeErr)
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func isRetryableKafkaError(err error) bool {
	return errors.Is(err, kafka.NotLeaderForPartition) ||
		errors.Is(err, kafka.LeaderNotAvailable) ||
		errors.Is(err, kafka.UnknownTopicOrPartition) ||
		errors.Is(err, kafka.RequestTimedOut)
}
