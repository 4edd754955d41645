package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers of its concrete type.
// Usage: bus.Publish(StreamFailedEvent{...})
func (b *Bus) Publish(ev Event) {
	// kelindar/event is generic over the event type, so dispatch on it here
	switch e := ev.(type) {
	case SessionConnectedEvent:
		event.Publish(b.dispatcher, e)
	case SessionDisconnectedEvent:
		event.Publish(b.dispatcher, e)
	case StreamStateChangedEvent:
		event.Publish(b.dispatcher, e)
	case StreamFailedEvent:
		event.Publish(b.dispatcher, e)
	case ParameterChangedEvent:
		event.Publish(b.dispatcher, e)
	case PresetsReloadedEvent:
		event.Publish(b.dispatcher, e)
	case LogEntryEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function.
// The handler's parameter type selects which events it receives.
// Returns an unsubscribe function; unknown handler types get a no-op.
// Usage: unsub := bus.Subscribe(func(e StreamFailedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(SessionConnectedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(SessionDisconnectedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(StreamStateChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(StreamFailedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ParameterChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(PresetsReloadedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(LogEntryEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}

// SubscribeSession subscribes fn to every session-scoped event type.
func (b *Bus) SubscribeSession(fn func(SessionEvent)) func() {
	unsubs := []func(){
		event.Subscribe(b.dispatcher, func(e SessionConnectedEvent) { fn(e) }),
		event.Subscribe(b.dispatcher, func(e SessionDisconnectedEvent) { fn(e) }),
		event.Subscribe(b.dispatcher, func(e StreamStateChangedEvent) { fn(e) }),
		event.Subscribe(b.dispatcher, func(e StreamFailedEvent) { fn(e) }),
		event.Subscribe(b.dispatcher, func(e ParameterChangedEvent) { fn(e) }),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
