// Package dispatch hands encoded frames from the fetch worker to a network
// consumer through a bounded drop-oldest queue.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smazurov/camfeed/internal/camera"
)

// DefaultCapacity keeps only the freshest frame.
const DefaultCapacity = 1

// Payload is one encoded frame.
type Payload struct {
	Seq        uint64
	Data       []byte
	Width      int
	Height     int
	CapturedAt time.Time
}

// QueueStats is a point-in-time view of dispatcher counters.
type QueueStats struct {
	Capacity  int    `json:"capacity"`
	Queued    int    `json:"queued"`
	Pushed    uint64 `json:"pushed"`
	Delivered uint64 `json:"delivered"`
	Evicted   uint64 `json:"evicted"`
	Rejected  uint64 `json:"rejected"`
	Discarded uint64 `json:"discarded"`
	Closed    bool   `json:"closed"`
}

// Dispatcher is a bounded FIFO of payloads. Push never blocks: when the queue
// is full the oldest payload is evicted. Sequence numbers must strictly
// increase across pushes, so a consumer never observes a reordering.
type Dispatcher struct {
	mu      sync.Mutex
	items   []Payload
	head    int
	count   int
	lastSeq uint64
	started bool
	closed  bool
	cause   error
	stats   QueueStats

	notify chan struct{}
	done   chan struct{}
}

// New creates a dispatcher holding at most capacity payloads.
func New(capacity int) *Dispatcher {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Dispatcher{
		items:  make([]Payload, capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		stats:  QueueStats{Capacity: capacity},
	}
}

// Push enqueues p and reports whether an older payload was evicted for it.
func (d *Dispatcher) Push(p Payload) (evicted bool, err error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false, camera.ErrDispatcherClosed
	}
	if d.started && p.Seq <= d.lastSeq {
		d.stats.Rejected++
		d.mu.Unlock()
		return false, camera.NewError(camera.ErrCodeInvalidState,
			fmt.Sprintf("sequence %d does not follow %d", p.Seq, d.lastSeq), nil)
	}

	size := len(d.items)
	if d.count == size {
		d.items[d.head] = Payload{}
		d.head = (d.head + 1) % size
		d.count--
		d.stats.Evicted++
		evicted = true
	}
	d.items[(d.head+d.count)%size] = p
	d.count++
	d.lastSeq = p.Seq
	d.started = true
	d.stats.Pushed++
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
	return evicted, nil
}

// TryPop removes the oldest payload without waiting.
func (d *Dispatcher) TryPop() (Payload, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.popLocked()
}

// Pop waits for the oldest payload. Once the dispatcher is closed it returns
// an error matching camera.ErrDispatcherClosed that wraps the close cause.
func (d *Dispatcher) Pop(ctx context.Context) (Payload, error) {
	for {
		d.mu.Lock()
		if p, ok := d.popLocked(); ok {
			d.mu.Unlock()
			return p, nil
		}
		if d.closed {
			err := d.closedErr()
			d.mu.Unlock()
			return Payload{}, err
		}
		d.mu.Unlock()

		select {
		case <-d.notify:
		case <-d.done:
		case <-ctx.Done():
			return Payload{}, ctx.Err()
		}
	}
}

func (d *Dispatcher) popLocked() (Payload, bool) {
	if d.count == 0 {
		return Payload{}, false
	}
	p := d.items[d.head]
	d.items[d.head] = Payload{}
	d.head = (d.head + 1) % len(d.items)
	d.count--
	d.stats.Delivered++
	return p, true
}

func (d *Dispatcher) closedErr() error {
	if d.cause == nil {
		return camera.ErrDispatcherClosed
	}
	return camera.NewError(camera.ErrCodeDispatcherClosed, "stream ended", d.cause)
}

// Close discards queued payloads and wakes any waiting consumer.
func (d *Dispatcher) Close() {
	d.CloseWithError(nil)
}

// CloseWithError closes the dispatcher recording why the stream ended.
// Only the first call has an effect.
func (d *Dispatcher) CloseWithError(cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.cause = cause
	d.stats.Discarded += uint64(d.count)
	clear(d.items)
	d.head, d.count = 0, 0
	close(d.done)
}

// Done is closed when the dispatcher closes.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Err returns the close cause, nil while open or after a clean close.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cause
}

// Stats returns current counters.
func (d *Dispatcher) Stats() QueueStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Queued = d.count
	s.Closed = d.closed
	return s
}
