package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event emitted by a BSig agent.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// Mode is the engine mode (main or satisfier), if applicable.
	Mode string `json:"mode,omitempty"`

	// Agent is the peer agent involved, if applicable.
	Agent string `json:"agent,omitempty"`

	// Operator is the operator involved, if applicable.
	Operator string `json:"operator,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeStatusChanged      = "engine.status_changed"
	EventTypeOperatorInvoked    = "operator.invoked"
	EventTypeBootstrapCompleted = "bootstrap.completed"
	EventTypeBootstrapFailed    = "bootstrap.failed"
	EventTypeAgentRegistered    = "agent.registered"
	EventTypeAgentRemoved       = "agent.removed"
	EventTypeModelUpdated       = "model.updated"
	EventTypeError              = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions. A nil
// *EventPublisher is valid and drops every event.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
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
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
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

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishStatusChanged publishes a main loop status transition.
func (ep *EventPublisher) PublishStatusChanged(mode, oldStatus, newStatus string) {
	level := EventLevelInfo
	if newStatus == "failure" || newStatus == "error" {
		level = EventLevelWarning
	}
	_ = ep.Publish(Event{
		Type:    EventTypeStatusChanged,
		Source:  "engine",
		Mode:    mode,
		Message: fmt.Sprintf("Engine status changed from %q to %q", oldStatus, newStatus),
		Level:   level,
		Data: map[string]interface{}{
			"old_status": oldStatus,
			"new_status": newStatus,
		},
	})
}

// PublishOperatorInvoked publishes the outcome of an operator action.
func (ep *EventPublisher) PublishOperatorInvoked(mode, operator string, ok bool) {
	level := EventLevelInfo
	message := fmt.Sprintf("Operator %s succeeded", operator)
	if !ok {
		level = EventLevelError
		message = fmt.Sprintf("Operator %s failed", operator)
	}
	_ = ep.Publish(Event{
		Type:     EventTypeOperatorInvoked,
		Source:   "engine",
		Mode:     mode,
		Operator: operator,
		Message:  message,
		Level:    level,
		Data: map[string]interface{}{
			"success": ok,
		},
	})
}

// PublishBootstrap publishes the outcome of a peer bootstrap or removal.
func (ep *EventPublisher) PublishBootstrap(agent, action string, err error) {
	if err != nil {
		_ = ep.Publish(Event{
			Type:    EventTypeBootstrapFailed,
			Source:  "bootstrap",
			Agent:   agent,
			Message: fmt.Sprintf("Peer %s %s failed: %v", agent, action, err),
			Level:   EventLevelError,
			Data: map[string]interface{}{
				"action": action,
				"reason": err.Error(),
			},
		})
		return
	}
	_ = ep.Publish(Event{
		Type:    EventTypeBootstrapCompleted,
		Source:  "bootstrap",
		Agent:   agent,
		Message: fmt.Sprintf("Peer %s %s completed", agent, action),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"action": action,
		},
	})
}

// PublishAgentRegistered publishes a registry addition or update.
func (ep *EventPublisher) PublishAgentRegistered(agent, address string, port int) {
	_ = ep.Publish(Event{
		Type:    EventTypeAgentRegistered,
		Source:  "registry",
		Agent:   agent,
		Message: fmt.Sprintf("Agent %s registered at %s:%d", agent, address, port),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"address": address,
			"port":    port,
		},
	})
}

// PublishAgentRemoved publishes a registry removal.
func (ep *EventPublisher) PublishAgentRemoved(agent string) {
	_ = ep.Publish(Event{
		Type:    EventTypeAgentRemoved,
		Source:  "registry",
		Agent:   agent,
		Message: fmt.Sprintf("Agent %s removed", agent),
		Level:   EventLevelInfo,
	})
}

// PublishModelUpdated publishes the installation of a new model document.
func (ep *EventPublisher) PublishModelUpdated(kind string, id int64) {
	_ = ep.Publish(Event{
		Type:    EventTypeModelUpdated,
		Source:  "api",
		Message: fmt.Sprintf("%s updated", kind),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"kind": kind,
			"id":   id,
		},
	})
}

// Subscribe adds a new event subscriber.
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

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			// Drain what is already queued before delivering
			for len(batch) < ep.config.MaxBatchSize && len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			ep.flushBatch(batch)
			batch = batch[:0]

		case <-ep.ctx.Done():
			for len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			if len(batch) > 0 {
				ep.flushBatch(batch)
			}
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers in subscription order.
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

// Shutdown gracefully shuts down the event publisher.
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

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
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

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByAgent creates a filter that only allows events about a specific peer.
func FilterByAgent(agent string) EventFilter {
	return func(event Event) bool {
		return event.Agent == agent
	}
}
