package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notable lifecycle occurrence in a pool.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Pool      string                 `json:"pool,omitempty"`
	VM        string                 `json:"vm,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeDiscovered      = "vm.discovered"
	EventTypeTransition      = "vm.transition"
	EventTypeCloned          = "vm.cloned"
	EventTypeCloneFailed     = "vm.clone_failed"
	EventTypeDestroyed       = "vm.destroyed"
	EventTypePoolEmpty       = "pool.empty"
	EventTypeWorkerRestarted = "worker.restarted"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrEventBufferFull is returned when an async publish finds the buffer full.
var ErrEventBufferFull = errors.New("event buffer full, event dropped")

// EventSubscriber handles a delivered event.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
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
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish delivers an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Source == "" {
		event.Source = "engine"
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return ErrEventBufferFull
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishTransition publishes a VM queue move.
func (ep *EventPublisher) PublishTransition(pool, vm, from, to, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeTransition,
		Pool:    pool,
		VM:      vm,
		Message: fmt.Sprintf("%s moved %s -> %s: %s", vm, from, to, reason),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"from":   from,
			"to":     to,
			"reason": reason,
		},
	})
}

// PublishDiscovered publishes the discovery of an untracked VM.
func (ep *EventPublisher) PublishDiscovered(pool, vm string) error {
	return ep.Publish(Event{
		Type:    EventTypeDiscovered,
		Pool:    pool,
		VM:      vm,
		Message: fmt.Sprintf("%s found in provider inventory but not tracked", vm),
		Level:   EventLevelWarning,
	})
}

// PublishCloned publishes a completed clone.
func (ep *EventPublisher) PublishCloned(pool, vm string, d time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeCloned,
		Pool:    pool,
		VM:      vm,
		Message: fmt.Sprintf("%s cloned in %.2f seconds", vm, d.Seconds()),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"duration": d.Seconds()},
	})
}

// PublishCloneFailed publishes a failed clone.
func (ep *EventPublisher) PublishCloneFailed(pool, vm, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeCloneFailed,
		Pool:    pool,
		VM:      vm,
		Message: fmt.Sprintf("clone of %s failed: %s", vm, reason),
		Level:   EventLevelError,
		Data:    map[string]interface{}{"reason": reason},
	})
}

// PublishDestroyed publishes a destroyed VM.
func (ep *EventPublisher) PublishDestroyed(pool, vm string, d time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeDestroyed,
		Pool:    pool,
		VM:      vm,
		Message: fmt.Sprintf("%s destroyed in %.2f seconds", vm, d.Seconds()),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"duration": d.Seconds()},
	})
}

// PublishPoolEmpty publishes a pool running out of ready VMs.
func (ep *EventPublisher) PublishPoolEmpty(pool string) error {
	return ep.Publish(Event{
		Type:    EventTypePoolEmpty,
		Pool:    pool,
		Message: fmt.Sprintf("%s has no ready VMs", pool),
		Level:   EventLevelWarning,
	})
}

// PublishWorkerRestarted publishes a supervisor restart.
func (ep *EventPublisher) PublishWorkerRestarted(worker, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeWorkerRestarted,
		Source:  "supervisor",
		Message: fmt.Sprintf("worker %s restarted: %s", worker, reason),
		Level:   EventLevelWarning,
		Data:    map[string]interface{}{"worker": worker, "reason": reason},
	})
}

// Subscribe adds a subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			// Drain what is already buffered.
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent calls subscribers in order on the caller's goroutine.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

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
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel only allows events of minLevel or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType only allows events of the given types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByPool only allows events for one pool.
func FilterByPool(pool string) EventFilter {
	return func(event Event) bool {
		return event.Pool == pool
	}
}
