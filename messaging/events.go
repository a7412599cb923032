package messaging

import (
	"log/slog"
	"sync"

	"github.com/parleymq/parley-go/contracts"
)

// EventType identifies one class of session event.
type EventType string

const (
	EventDirectMessage EventType = "directMessage"
	EventRequest       EventType = "request"
	EventChatMessage   EventType = "chatMessage"
	EventStatusUpdate  EventType = "statusUpdate"
	EventConnected     EventType = "connected"
	EventDisconnected  EventType = "disconnected"
)

// Event is delivered to subscribed handlers. Envelope is set for message
// events, Status for status updates; Meta carries the transport metadata of
// the inbound publish so request handlers can respond through it.
type Event struct {
	Type     EventType
	Topic    string
	Room     string
	Envelope *contracts.Envelope
	Status   *contracts.StatusUpdate
	Meta     Metadata
}

// EventHandler receives one event. Handlers run synchronously on the
// session's inbound goroutine and should hand long work off elsewhere.
type EventHandler func(Event)

// EventBus fans events out to handlers in registration order. Multiple
// handlers per event are allowed and are not deduplicated. A panicking
// handler is logged and isolated; handlers registered after it still run.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]EventHandler
	logger   *slog.Logger
}

// EventBusOption configures the EventBus.
type EventBusOption func(*EventBus)

// WithEventBusLogger sets the logger.
func WithEventBusLogger(logger *slog.Logger) EventBusOption {
	return func(b *EventBus) {
		b.logger = logger
	}
}

// NewEventBus creates an empty event bus.
func NewEventBus(options ...EventBusOption) *EventBus {
	b := &EventBus{
		handlers: make(map[EventType][]EventHandler),
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// On registers a handler for an event type. Registration order is
// invocation order.
func (b *EventBus) On(eventType EventType, handler EventHandler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Emit invokes every handler registered for the event's type, in order,
// on the calling goroutine.
func (b *EventBus) Emit(ev Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, len(b.handlers[ev.Type]))
	copy(handlers, b.handlers[ev.Type])
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.invoke(handler, ev)
	}
}

func (b *EventBus) invoke(handler EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(ev.Type),
				"topic", ev.Topic,
				"panic", r,
			)
		}
	}()
	handler(ev)
}
