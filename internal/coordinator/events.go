package coordinator

import (
	"log/slog"
	"sync"
)

// Bus event types.
const (
	EventDeviceJoined     = "device_joined"
	EventDeviceLeft       = "device_left"
	EventDeviceAnnounce   = "device_announce"
	EventAttributeReport  = "attribute_report"
	EventCapabilityUpdate = "capability_update"
	EventPermitJoin       = "permit_join"
)

// Event is one message on the bus. Data is a map[string]interface{} for
// every event the coordinator emits.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	id        uint64
	eventType string // empty matches every type
	handler   EventHandler
}

// EventBus delivers events synchronously to subscribers in the order they
// subscribed. A panicking handler is logged and the remaining handlers
// still run.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

// NewEventBus creates an empty event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger.With("component", "events")}
}

// On subscribes handler to one event type and returns its unsubscribe func.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll subscribes handler to every event type.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

func (eb *EventBus) subscribe(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.subs = append(eb.subs, subscription{id: id, eventType: eventType, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { eb.unsubscribe(id) })
	}
}

func (eb *EventBus) unsubscribe(id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for i, s := range eb.subs {
		if s.id == id {
			eb.subs = append(eb.subs[:i:i], eb.subs[i+1:]...)
			return
		}
	}
}

// Emit calls every matching handler on the caller's goroutine.
// Handlers may subscribe or unsubscribe while being called.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	matched := make([]subscription, 0, len(eb.subs))
	for _, s := range eb.subs {
		if s.eventType == "" || s.eventType == event.Type {
			matched = append(matched, s)
		}
	}
	eb.mu.RUnlock()

	for _, s := range matched {
		eb.call(s, event)
	}
}

func (eb *EventBus) call(s subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "subscription", s.id, "panic", r)
		}
	}()
	s.handler(event)
}
