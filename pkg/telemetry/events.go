package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vireflow/vire/pkg/engine"
)

// Event is a node-level occurrence worth reporting outside the log.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the configuration came from.
	Source string `json:"source"`

	// InstallID is the associated install attempt, if any.
	InstallID string `json:"install_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Install is the install result for install events.
	Install *engine.InstallResult `json:"install,omitempty"`

	// Duration is how long the install took.
	Duration time.Duration `json:"duration,omitempty"`

	// Err is the install or admission error.
	Err error `json:"-"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeInstallSucceeded = "install.succeeded"
	EventTypeInstallFailed    = "install.failed"
	EventTypePolicyDenied     = "policy.denied"
	EventTypeDeliveryRejected = "delivery.rejected"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. Subscribers are called
// one event at a time in publish order.
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
	if cfg.EnableAsync && cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event %s dropped", event.Type)
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishInstall publishes the outcome of an install.
func (ep *EventPublisher) PublishInstall(source string, res *engine.InstallResult, err error, d time.Duration) error {
	if res == nil {
		res = &engine.InstallResult{ID: uuid.New().String()}
	}
	event := Event{
		Type:      EventTypeInstallSucceeded,
		Source:    source,
		InstallID: res.ID,
		Message:   fmt.Sprintf("Install %s from %s succeeded in %s mode", res.ID, source, res.Mode),
		Level:     EventLevelInfo,
		Install:   res,
		Duration:  d,
	}
	if err != nil {
		event.Type = EventTypeInstallFailed
		event.Level = EventLevelError
		event.Err = err
		event.Message = fmt.Sprintf("Install %s from %s failed: %v", res.ID, source, err)
		event.Data = map[string]interface{}{"class": string(engine.ClassOf(err))}
	}
	return ep.Publish(event)
}

// PublishPolicyDenied publishes an admission denial.
func (ep *EventPublisher) PublishPolicyDenied(source string, violations []string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyDenied,
		Source:  source,
		Message: fmt.Sprintf("Configuration from %s denied by policy (%d violations)", source, len(violations)),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"violations": violations,
		},
	})
}

// PublishDeliveryRejected publishes a blob the inbox could not hand over.
func (ep *EventPublisher) PublishDeliveryRejected(source string, reason error) error {
	return ep.Publish(Event{
		Type:    EventTypeDeliveryRejected,
		Source:  source,
		Message: fmt.Sprintf("Delivery from %s rejected: %v", source, reason),
		Level:   EventLevelError,
		Err:     reason,
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts everything.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents delivers buffered events until shutdown, then drains the
// buffer.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
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

// deliverEvent delivers an event to all subscribers.
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
	if !ep.config.Enabled {
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
