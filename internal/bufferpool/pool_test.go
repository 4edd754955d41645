package bufferpool

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/smazurov/camfeed/internal/camera"
)

type fakeHost struct {
	mu      sync.Mutex
	next    camera.BufferHandle
	queued  []camera.BufferHandle
	revoked []camera.BufferHandle
	failAt  int
}

func (h *fakeHost) AllocateAndAnnounceBuffer(size int) (camera.BufferHandle, []byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	if h.failAt > 0 && int(h.next) == h.failAt {
		return 0, nil, errors.New("out of memory")
	}
	return h.next + 100, make([]byte, size), nil
}

func (h *fakeHost) QueueBuffer(b camera.BufferHandle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queued = append(h.queued, b)
	return nil
}

func (h *fakeHost) RevokeBuffer(b camera.BufferHandle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.revoked = append(h.revoked, b)
	return nil
}

func TestNewAllAnnounced(t *testing.T) {
	p, err := New(4, 64, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := p.Stats()
	if s.Capacity != 4 || s.Announced != 4 || s.Filled != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
	for i := 0; i < 4; i++ {
		if p.State(i) != StateAnnounced {
			t.Errorf("buffer %d state = %s", i, p.State(i))
		}
	}
}

func TestLeaseFIFOAndEmpty(t *testing.T) {
	p, _ := New(2, 8, nil)

	a, ok := p.Lease()
	if !ok || a.Index() != 0 {
		t.Fatalf("first lease = %v, %v", a, ok)
	}
	b, ok := p.Lease()
	if !ok || b.Index() != 1 {
		t.Fatalf("second lease = %v, %v", b, ok)
	}
	if _, ok := p.Lease(); ok {
		t.Fatal("expected empty pool")
	}

	if err := p.Release(a); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := p.Release(a); !errors.Is(err, camera.ErrBufferNotLeased) {
		t.Errorf("double release: got %v", err)
	}
	c, ok := p.Lease()
	if !ok || c != a {
		t.Errorf("expected released buffer to be leased again")
	}
}

func TestDestroyBusy(t *testing.T) {
	host := &fakeHost{}
	p, _ := New(3, 8, host)
	b, _ := p.Lease()

	if err := p.Destroy(); !errors.Is(err, camera.ErrBufferPoolBusy) {
		t.Fatalf("expected ErrBufferPoolBusy, got %v", err)
	}
	if len(host.revoked) != 0 {
		t.Fatal("revoked buffers of a busy pool")
	}

	_ = p.Release(b)
	if err := p.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if len(host.revoked) != 3 {
		t.Errorf("revoked %d buffers, want 3", len(host.revoked))
	}
}

func TestArmAndRequeue(t *testing.T) {
	host := &fakeHost{}
	p, _ := New(2, 8, host)

	if len(host.queued) != 0 {
		t.Fatal("buffers queued before Arm")
	}
	if err := p.Arm(); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if len(host.queued) != 2 {
		t.Fatalf("queued %d, want 2", len(host.queued))
	}

	b, err := p.LeaseHandle(host.queued[1])
	if err != nil {
		t.Fatalf("LeaseHandle: %v", err)
	}
	if b.Handle() != host.queued[1] {
		t.Errorf("leased handle %d, want %d", b.Handle(), host.queued[1])
	}
	if _, err := p.LeaseHandle(b.Handle()); err == nil {
		t.Error("expected error leasing a filled buffer twice")
	}

	_ = p.Release(b)
	if len(host.queued) != 3 || host.queued[2] != b.Handle() {
		t.Errorf("released buffer not requeued: %v", host.queued)
	}
}

func TestReclaim(t *testing.T) {
	host := &fakeHost{}
	p, _ := New(3, 8, host)
	_ = p.Arm()
	p.Lease()
	p.Lease()

	if n := p.Reclaim(); n != 2 {
		t.Errorf("Reclaim = %d, want 2", n)
	}
	s := p.Stats()
	if s.Announced != 3 || s.Armed {
		t.Errorf("unexpected stats after reclaim %+v", s)
	}
	queued := len(host.queued)
	b, _ := p.Lease()
	_ = p.Release(b)
	if len(host.queued) != queued {
		t.Error("disarmed pool requeued a buffer")
	}
}

func TestNewRevokesOnFailure(t *testing.T) {
	host := &fakeHost{failAt: 3}
	if _, err := New(4, 8, host); err == nil {
		t.Fatal("expected allocation failure")
	}
	if len(host.revoked) != 2 {
		t.Errorf("revoked %d, want 2", len(host.revoked))
	}
}

func TestBufferConservation(t *testing.T) {
	const capacity = 6
	p, _ := New(capacity, 16, nil)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			var held []*Buffer
			for i := 0; i < 500; i++ {
				if rng.Intn(2) == 0 {
					if b, ok := p.Lease(); ok {
						held = append(held, b)
					}
				} else if len(held) > 0 {
					_ = p.Release(held[0])
					held = held[1:]
				}
				s := p.Stats()
				if s.Announced+s.Filled != capacity {
					t.Errorf("announced %d + filled %d != %d", s.Announced, s.Filled, capacity)
					return
				}
			}
			for _, b := range held {
				_ = p.Release(b)
			}
		}(int64(w))
	}
	wg.Wait()

	if s := p.Stats(); s.Announced != capacity {
		t.Errorf("announced = %d after all releases", s.Announced)
	}
}
