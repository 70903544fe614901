package coordinator

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventSnapshotPublished    = "snapshot_published"
	EventRefreshFailed        = "refresh_failed"
	EventDeviceAvailable      = "device_available"
	EventDeviceUnavailable    = "device_unavailable"
	EventDeviceRemoved        = "device_removed"
	EventChannelConfigUpdated = "channel_config_updated"
	EventWateringTriggered    = "watering_triggered"
)

// Event is published on the bus after a refresh cycle or a command. Data
// holds one of the payload types below.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// DevicePayload accompanies availability transitions.
type DevicePayload struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
}

// ChannelPayload accompanies confirmed commands. Amount is set for
// waterings, the water amounts for config updates.
type ChannelPayload struct {
	DeviceID             string  `json:"device_id"`
	ChannelID            int     `json:"channel_id"`
	Amount               float64 `json:"amount,omitempty"`
	ManualWaterAmount    float64 `json:"manual_water_amount,omitempty"`
	AutomaticWaterAmount float64 `json:"automatic_water_amount,omitempty"`
}

// SnapshotPayload accompanies EventSnapshotPublished.
type SnapshotPayload struct {
	Seq         uint64 `json:"seq"`
	Available   int    `json:"available"`
	Unavailable int    `json:"unavailable"`
	Removed     int    `json:"removed"`
}

// RefreshFailedPayload accompanies EventRefreshFailed.
type RefreshFailedPayload struct {
	Error               string `json:"error"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Auth                bool   `json:"auth"`
}

// DeviceID returns the device the event concerns, or "".
func (e Event) DeviceID() string {
	switch d := e.Data.(type) {
	case DevicePayload:
		return d.DeviceID
	case ChannelPayload:
		return d.DeviceID
	}
	return ""
}

// ChannelID returns the channel the event concerns, or -1.
func (e Event) ChannelID() int {
	if d, ok := e.Data.(ChannelPayload); ok {
		return d.ChannelID
	}
	return -1
}

// Fields flattens the payload into a map for script handlers.
func (e Event) Fields() map[string]interface{} {
	switch d := e.Data.(type) {
	case DevicePayload:
		return map[string]interface{}{"device_id": d.DeviceID, "name": d.Name}
	case ChannelPayload:
		m := map[string]interface{}{"device_id": d.DeviceID, "channel_id": d.ChannelID}
		if e.Type == EventWateringTriggered {
			m["amount"] = d.Amount
		} else {
			m["manual_water_amount"] = d.ManualWaterAmount
			m["automatic_water_amount"] = d.AutomaticWaterAmount
		}
		return m
	case SnapshotPayload:
		return map[string]interface{}{
			"seq":         d.Seq,
			"available":   d.Available,
			"unavailable": d.Unavailable,
			"removed":     d.Removed,
		}
	case RefreshFailedPayload:
		return map[string]interface{}{
			"error":                d.Error,
			"consecutive_failures": d.ConsecutiveFailures,
			"auth":                 d.Auth,
		}
	case map[string]interface{}:
		return d
	}
	return map[string]interface{}{}
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for coordinator events. Handlers run on the
// emitting goroutine.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
