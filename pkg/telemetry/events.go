package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nepi-go/nepi/pkg/execution"
)

// ErrPublisherClosed is returned by Publish after Shutdown.
var ErrPublisherClosed = errors.New("event publisher stopped")

// ErrBufferFull is returned when an async publisher cannot accept an event.
var ErrBufferFull = errors.New("event buffer full, event dropped")

// EventSubscriber handles a delivered event. Subscribers are called from a
// single goroutine in publish order and must not block for long.
type EventSubscriber func(event execution.Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event execution.Event) bool

// EventPublisher fans controller events out to subscribers, optionally
// through a bounded buffer drained by a background goroutine.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan execution.Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	closed      bool
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.EnableAsync && cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan execution.Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish implements execution.EventPublisher.
func (ep *EventPublisher) Publish(_ context.Context, event *execution.Event) error {
	if !ep.config.Enabled || event == nil {
		return nil
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.closed {
		return ErrPublisherClosed
	}
	for _, filter := range ep.filters {
		if !filter(*event) {
			return nil
		}
	}

	if !ep.config.EnableAsync {
		ep.deliver(*event)
		return nil
	}

	select {
	case ep.buffer <- *event:
		return nil
	default:
		return ErrBufferFull
	}
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]execution.Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		ep.mu.RLock()
		for _, event := range batch {
			ep.deliver(event)
		}
		ep.mu.RUnlock()
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
		drain:
			for len(batch) < ep.config.MaxBatchSize {
				select {
				case next := <-ep.buffer:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			flush()

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliver must be called with ep.mu held for reading.
func (ep *EventPublisher) deliver(event execution.Event) {
	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits for buffered ones to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	ep.mu.Unlock()

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...execution.EventType) EventFilter {
	typeSet := make(map[execution.EventType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event execution.Event) bool {
		return typeSet[event.Type]
	}
}
