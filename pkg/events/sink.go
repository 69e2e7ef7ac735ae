package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestrator/pkg/engine"
)

// Config selects and configures the event sink of a process.
type Config struct {
	// Driver is one of kafka, memory or log.
	Driver      string   `yaml:"driver" envconfig:"DRIVER" validate:"omitempty,oneof=kafka memory log"`
	Brokers     []string `yaml:"brokers" envconfig:"BROKERS" validate:"required_if=Driver kafka"`
	TopicPrefix string   `yaml:"topic_prefix" envconfig:"TOPIC_PREFIX"`
	BufferSize  int      `yaml:"buffer_size" envconfig:"BUFFER_SIZE" validate:"gte=0"`
}

// Sink is an engine.EventSink with a shutdown hook.
type Sink interface {
	engine.EventSink
	Close(ctx context.Context) error
}

// New builds the sink named by cfg.Driver. Every driver also logs events.
func New(cfg Config, logger zerolog.Logger) (Sink, error) {
	logSink := NewLogSink(logger)

	switch cfg.Driver {
	case "", "log":
		return Multi(logSink), nil
	case "memory":
		bus := NewBus(BusConfig{BufferSize: cfg.BufferSize}, logger)
		return Multi(logSink, closerFunc{EventSink: bus, close: bus.Shutdown}), nil
	case "kafka":
		kafkaSink, err := NewKafkaSink(KafkaConfig{Brokers: cfg.Brokers, TopicPrefix: cfg.TopicPrefix}, logger)
		if err != nil {
			return nil, err
		}
		return Multi(logSink, closerFunc{EventSink: kafkaSink, close: func(context.Context) error {
			return kafkaSink.Close()
		}}), nil
	default:
		return nil, fmt.Errorf("unsupported event driver: %s", cfg.Driver)
	}
}

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink logging to logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "events").Logger()}
}

// Publish logs the event.
func (s *LogSink) Publish(_ context.Context, event engine.DomainEvent) error {
	s.logger.Info().
		Str("event_id", event.ID).
		Str("event_type", string(event.Type)).
		Str("aggregate_id", event.AggregateID).
		Time("occurred_at", event.OccurredAt).
		Interface("payload", event.Payload).
		Msg("Domain event")
	return nil
}

// MultiSink fans an event out to several sinks.
type MultiSink struct {
	sinks []engine.EventSink
}

// Multi combines sinks; every sink sees every event even if an earlier one fails.
func Multi(sinks ...engine.EventSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Publish delivers to every sink and joins their errors.
func (m *MultiSink) Publish(ctx context.Context, event engine.DomainEvent) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that can be closed.
func (m *MultiSink) Close(ctx context.Context) error {
	var errs []error
	for _, s := range m.sinks {
		if c, ok := s.(interface{ Close(context.Context) error }); ok {
			if err := c.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

type closerFunc struct {
	engine.EventSink
	close func(context.Context) error
}

func (c closerFunc) Close(ctx context.Context) error {
	return c.close(ctx)
}
