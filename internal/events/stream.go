package events

import (
	"sync"
	"sync/atomic"

	"github.com/kelindar/event"

	"github.com/smazurov/camfeed/internal/metrics"
)

// Stream buffers bus events for one SSE client. Publishing never blocks on a
// slow client: an event that finds the buffer full is dropped and counted.
type Stream struct {
	name    string
	ch      chan any
	dropped atomic.Uint64

	mu     sync.Mutex
	unsubs []func()
}

// NewStream creates a stream named for metrics, buffering up to size events.
func NewStream(name string, size int) *Stream {
	return &Stream{name: name, ch: make(chan any, max(size, 1))}
}

// Listen adds events of type T on bus to s.
func Listen[T Event](bus *Bus, s *Stream) {
	unsub := event.Subscribe(bus.dispatcher, func(e T) { s.offer(e) })
	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsub)
	s.mu.Unlock()
}

func (s *Stream) offer(e any) {
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
		metrics.RecordEventDrop(s.name)
	}
}

// C delivers the buffered events. It is never closed.
func (s *Stream) C() <-chan any { return s.ch }

// Dropped returns the number of events lost to a full buffer.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes from every event type.
func (s *Stream) Close() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

// OpenEventStream listens to the session and preset events shown on the
// events SSE endpoint.
func (b *Bus) OpenEventStream(size int) *Stream {
	s := NewStream("events", size)
	Listen[SessionConnectedEvent](b, s)
	Listen[SessionDisconnectedEvent](b, s)
	Listen[StreamStateChangedEvent](b, s)
	Listen[StreamFailedEvent](b, s)
	Listen[ParameterChangedEvent](b, s)
	Listen[PresetsReloadedEvent](b, s)
	return s
}

// OpenLogStream listens to log entries.
func (b *Bus) OpenLogStream(size int) *Stream {
	s := NewStream("logs", size)
	Listen[LogEntryEvent](b, s)
	return s
}
