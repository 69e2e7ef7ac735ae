package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestrator/pkg/engine"
)

// Subscriber handles one delivered event.
type Subscriber func(event engine.DomainEvent)

// Filter determines if an event should be delivered.
type Filter func(event engine.DomainEvent) bool

// BusConfig configures an in-process Bus.
type BusConfig struct {
	// BufferSize is the capacity of the async queue. Zero delivers synchronously.
	BufferSize int
}

// Bus is an in-process pub/sub sink. Events are delivered to subscribers in
// publish order by a single goroutine when buffered.
type Bus struct {
	config      BusConfig
	buffer      chan engine.DomainEvent
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	done        chan struct{}
	closeOnce   sync.Once
	logger      zerolog.Logger
}

type subscriberEntry struct {
	subscriber Subscriber
	filter     Filter
}

// NewBus creates a bus and starts its delivery goroutine when buffered.
func NewBus(cfg BusConfig, logger zerolog.Logger) *Bus {
	b := &Bus{
		config: cfg,
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "event_bus").Logger(),
	}
	if cfg.BufferSize > 0 {
		b.buffer = make(chan engine.DomainEvent, cfg.BufferSize)
		b.wg.Add(1)
		go b.processEvents()
	}
	return b
}

// Publish queues the event for delivery. A full buffer drops the event and
// returns an error; callers treat publishing as fire-and-forget.
func (b *Bus) Publish(ctx context.Context, event engine.DomainEvent) error {
	select {
	case <-b.done:
		return fmt.Errorf("event bus stopped")
	default:
	}

	if b.buffer == nil {
		b.deliver(event)
		return nil
	}

	select {
	case b.buffer <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		b.logger.Warn().Str("event_type", string(event.Type)).Msg("Event buffer full, event dropped")
		return fmt.Errorf("event buffer full, event %s dropped", event.ID)
	}
}

// Subscribe registers a subscriber. A nil filter receives every event.
func (b *Bus) Subscribe(subscriber Subscriber, filter Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers = append(b.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

func (b *Bus) processEvents() {
	defer b.wg.Done()

	for {
		select {
		case event := <-b.buffer:
			b.deliver(event)
		case <-b.done:
			// Drain what was accepted before shutdown.
			for {
				select {
				case event := <-b.buffer:
					b.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(event engine.DomainEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, entry := range b.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits for queued ones to be delivered.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.closeOnce.Do(func() { close(b.done) })

	finished := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus shutdown timeout")
	}
}

// FilterByType only allows events of the given types.
func FilterByType(types ...engine.EventType) Filter {
	typeSet := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event engine.DomainEvent) bool {
		return typeSet[event.Type]
	}
}

// FilterByAggregate only allows events raised by one aggregate.
func FilterByAggregate(aggregateID string) Filter {
	return func(event engine.DomainEvent) bool {
		return event.AggregateID == aggregateID
	}
}
