// Package bufferpool owns the fixed set of frame buffers exchanged with a
// camera data stream.
//
// Every buffer is either Announced (owned by the pool and, once armed, queued
// to the hardware) or Filled (leased to the caller holding one frame). The
// number of buffers never changes after New.
package bufferpool

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/smazurov/camfeed/internal/camera"
)

// State of a buffer.
type State int

// Buffer states.
const (
	StateAnnounced State = iota
	StateFilled
)

func (s State) String() string {
	switch s {
	case StateAnnounced:
		return "announced"
	case StateFilled:
		return "filled"
	default:
		return "unknown"
	}
}

// Buffer is one fixed-capacity byte region addressed by its handle.
type Buffer struct {
	index  int
	handle camera.BufferHandle
	data   []byte
}

// Handle returns the hardware handle (or the local index when no host is attached).
func (b *Buffer) Handle() camera.BufferHandle { return b.handle }

// Bytes returns the whole buffer region.
func (b *Buffer) Bytes() []byte { return b.data }

// Index is the stable position of the buffer inside its pool.
func (b *Buffer) Index() int { return b.index }

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Capacity  int    `json:"capacity"`
	Size      int    `json:"buffer_size"`
	Announced int    `json:"announced"`
	Filled    int    `json:"filled"`
	Leases    uint64 `json:"leases"`
	Releases  uint64 `json:"releases"`
	Armed     bool   `json:"armed"`
}

// Pool is a fixed set of equally sized buffers.
type Pool struct {
	mu        sync.Mutex
	host      camera.BufferHost
	size      int
	buffers   []*Buffer
	states    []State
	byHandle  map[camera.BufferHandle]int
	free      []int
	armed     bool
	destroyed bool
	leases    uint64
	releases  uint64
}

// New allocates count buffers of size bytes, all Announced. When host is
// non-nil the memory is allocated and announced through it; otherwise the
// pool allocates locally.
func New(count, size int, host camera.BufferHost) (*Pool, error) {
	if count <= 0 || size <= 0 {
		return nil, fmt.Errorf("invalid pool geometry: %d buffers of %d bytes", count, size)
	}

	p := &Pool{
		host:     host,
		size:     size,
		buffers:  make([]*Buffer, 0, count),
		states:   make([]State, count),
		byHandle: make(map[camera.BufferHandle]int, count),
		free:     make([]int, 0, count),
	}

	for i := 0; i < count; i++ {
		var (
			handle = camera.BufferHandle(i)
			data   []byte
		)
		if host != nil {
			h, mem, err := host.AllocateAndAnnounceBuffer(size)
			if err != nil {
				p.revokeAll()
				return nil, fmt.Errorf("announce buffer %d/%d: %w", i+1, count, err)
			}
			handle, data = h, mem
		} else {
			data = make([]byte, size)
		}
		p.buffers = append(p.buffers, &Buffer{index: i, handle: handle, data: data})
		p.byHandle[handle] = i
		p.free = append(p.free, i)
	}
	return p, nil
}

// Capacity returns the fixed number of buffers.
func (p *Pool) Capacity() int { return len(p.buffers) }

// Size returns the byte size of every buffer.
func (p *Pool) Size() int { return p.size }

// Arm queues every Announced buffer to the host so the hardware can fill
// them. Released buffers are requeued until Reclaim disarms the pool.
func (p *Pool) Arm() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return errors.New("pool destroyed")
	}
	if p.host != nil {
		for _, i := range p.free {
			if err := p.host.QueueBuffer(p.buffers[i].handle); err != nil {
				return fmt.Errorf("queue buffer %d: %w", p.buffers[i].handle, err)
			}
		}
	}
	p.armed = true
	return nil
}

// Lease hands out the oldest Announced buffer. It returns false when none is
// announced, which means the hardware queue is starved.
func (p *Pool) Lease() (*Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed || len(p.free) == 0 {
		return nil, false
	}
	i := p.free[0]
	p.free = p.free[1:]
	p.states[i] = StateFilled
	p.leases++
	return p.buffers[i], true
}

// LeaseHandle marks the buffer the hardware just filled as Filled.
func (p *Pool) LeaseHandle(h camera.BufferHandle) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.byHandle[h]
	if !ok || p.destroyed {
		return nil, fmt.Errorf("unknown buffer handle %d", h)
	}
	if p.states[i] != StateAnnounced {
		return nil, camera.NewError(camera.ErrCodeInvalidState,
			fmt.Sprintf("buffer %d is already filled", h), nil)
	}
	p.free = slices.DeleteFunc(p.free, func(idx int) bool { return idx == i })
	p.states[i] = StateFilled
	p.leases++
	return p.buffers[i], nil
}

// Release returns a Filled buffer to Announced, requeueing it to the host
// when the pool is armed.
func (p *Pool) Release(b *Buffer) error {
	if b == nil {
		return errors.New("nil buffer")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	i := b.index
	if i < 0 || i >= len(p.buffers) || p.buffers[i] != b {
		return errors.New("buffer does not belong to this pool")
	}
	if p.states[i] != StateFilled {
		return camera.ErrBufferNotLeased
	}
	p.states[i] = StateAnnounced
	p.free = append(p.free, i)
	p.releases++
	if p.armed && p.host != nil {
		if err := p.host.QueueBuffer(b.handle); err != nil {
			return fmt.Errorf("requeue buffer %d: %w", b.handle, err)
		}
	}
	return nil
}

// Reclaim disarms the pool and forces every buffer back to Announced. Call it
// after the hardware queue was flushed. It returns how many buffers were
// still leased.
func (p *Pool) Reclaim() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.armed = false
	n := 0
	for i, s := range p.states {
		if s == StateFilled {
			p.states[i] = StateAnnounced
			p.free = append(p.free, i)
			n++
		}
	}
	return n
}

// Destroy revokes every buffer. It fails with BufferPoolBusy while any
// buffer is leased.
func (p *Pool) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return nil
	}
	filled := 0
	for _, s := range p.states {
		if s != StateAnnounced {
			filled++
		}
	}
	if filled > 0 {
		return camera.NewError(camera.ErrCodeBufferPoolBusy,
			fmt.Sprintf("%d of %d buffers still leased", filled, len(p.buffers)), nil)
	}
	p.destroyed = true
	p.armed = false
	p.free = nil
	return p.revokeAll()
}

func (p *Pool) revokeAll() error {
	if p.host == nil {
		return nil
	}
	var errs []error
	for _, b := range p.buffers {
		if err := p.host.RevokeBuffer(b.handle); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// State returns the state of the buffer at index i.
func (p *Pool) State(i int) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[i]
}

// Stats returns buffer counts.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PoolStats{
		Capacity: len(p.buffers),
		Size:     p.size,
		Leases:   p.leases,
		Releases: p.releases,
		Armed:    p.armed,
	}
	for _, st := range p.states {
		if st == StateFilled {
			s.Filled++
		} else {
			s.Announced++
		}
	}
	return s
}
