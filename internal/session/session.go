package session

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/camfeed/internal/acquisition"
	"github.com/smazurov/camfeed/internal/camera"
	"github.com/smazurov/camfeed/internal/dispatch"
	"github.com/smazurov/camfeed/internal/encoder"
	"github.com/smazurov/camfeed/internal/events"
	"github.com/smazurov/camfeed/internal/logging"
)

// Stream states reported in Info.
const (
	StateIdle      = events.StreamStateIdle
	StateStreaming = events.StreamStateStreaming
	StateFailed    = events.StreamStateFailed
)

// Info describes a session.
type Info struct {
	ID          string                       `json:"id" example:"6f1c2a9e-4d2b-4c36-9a57-0b1de3f0c2aa" doc:"Session identifier"`
	Device      camera.DeviceDescriptor      `json:"device" doc:"Bound device"`
	State       string                       `json:"state" example:"streaming" doc:"idle, streaming or failed"`
	Width       int                          `json:"width,omitempty" doc:"Requested output width"`
	Height      int                          `json:"height,omitempty" doc:"Requested output height"`
	ConnectedAt time.Time                    `json:"connected_at" doc:"When the session was created"`
	ErrorCode   string                       `json:"error_code,omitempty" example:"ACQUISITION_STALLED" doc:"Code of the fault that ended the last stream"`
	Error       string                       `json:"error,omitempty" doc:"Fault that ended the last stream"`
	Acquisition acquisition.AcquisitionStats `json:"acquisition" doc:"Acquisition counters"`
	Dispatcher  *dispatch.QueueStats         `json:"dispatcher,omitempty" doc:"Counters of the current or last stream's queue"`
}

// Session binds one device to one controller and, while streaming, one
// dispatcher.
type Session struct {
	id          string
	desc        camera.DeviceDescriptor
	connectedAt time.Time
	ctrl        *acquisition.Controller
	bus         *events.Bus
	logger      logging.Logger

	// opMu serializes stream start and stop. It is never taken from
	// controller callbacks.
	opMu sync.Mutex

	mu     sync.Mutex
	out    *dispatch.Dispatcher
	feed   *Feed
	size   encoder.Size
	state  string
	fault  error
	closed bool

	latest atomic.Pointer[dispatch.Payload]
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Device returns the bound device.
func (s *Session) Device() camera.DeviceDescriptor { return s.desc }

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{
		ID:          s.id,
		Device:      s.desc,
		State:       s.state,
		Width:       s.size.Width,
		Height:      s.size.Height,
		ConnectedAt: s.connectedAt,
	}
	if s.fault != nil {
		info.ErrorCode = camera.CodeOf(s.fault)
		info.Error = s.fault.Error()
	}
	out := s.out
	s.mu.Unlock()

	info.Acquisition = s.ctrl.Stats()
	if out != nil {
		st := out.Stats()
		info.Dispatcher = &st
	}
	return info
}

// Streaming reports whether a stream is running.
func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateStreaming
}

func (s *Session) start(capacity int, size encoder.Size) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.Streaming() {
		return camera.ErrSessionAlreadyStreaming
	}
	out := dispatch.New(capacity)
	if err := s.ctrl.Start(out, size); err != nil {
		return err
	}

	s.mu.Lock()
	s.out = out
	s.feed = nil
	s.size = size
	s.mu.Unlock()
	return nil
}

func (s *Session) stop() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	err := s.ctrl.Stop()
	if errors.Is(err, camera.ErrWorkerJoinTimeout) {
		s.logger.Warn("Stream stopped with a lingering fetch worker", "session_id", s.id, "error", err)
		return nil
	}
	return err
}

func (s *Session) close() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.ctrl.Close()
}

// claimFeed hands out the feed of the current stream once.
func (s *Session) claimFeed() (*Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.out == nil || s.state != StateStreaming {
		return nil, camera.NewError(camera.ErrCodeInvalidState, "session is not streaming", nil)
	}
	if s.feed != nil {
		return nil, camera.ErrFeedClaimed
	}
	s.feed = &Feed{out: s.out}
	return s.feed, nil
}

func (s *Session) snapshot() (dispatch.Payload, error) {
	p := s.latest.Load()
	if p == nil {
		return dispatch.Payload{}, camera.ErrNoFrame
	}
	return *p, nil
}

// onStateChange runs on the goroutine that changed the controller state,
// which for faults is the fetch worker.
func (s *Session) onStateChange(old, next acquisition.State, cause error) {
	var state string
	switch {
	case next == acquisition.StateStreaming:
		state = StateStreaming
	case next == acquisition.StateIdle && old == acquisition.StateStopping && cause != nil:
		state = StateFailed
	case next == acquisition.StateIdle && old == acquisition.StateStopping:
		state = StateIdle
	default:
		return
	}

	s.mu.Lock()
	s.state = state
	if state == StateStreaming {
		s.fault = nil
	} else {
		s.fault = cause
	}
	s.mu.Unlock()

	if s.bus == nil {
		return
	}
	now := timestamp()
	ev := events.StreamStateChangedEvent{
		SessionID:    s.id,
		DeviceSerial: s.desc.SerialNumber,
		State:        state,
		Timestamp:    now,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	s.bus.Publish(ev)

	if state == StateFailed {
		s.bus.Publish(events.StreamFailedEvent{
			SessionID:    s.id,
			DeviceSerial: s.desc.SerialNumber,
			Code:         camera.CodeOf(cause),
			Error:        cause.Error(),
			Timestamp:    now,
		})
	}
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Feed is the frame sequence of one stream. It is lazy (nothing is taken from
// the queue until the consumer asks) and cannot be restarted: once the stream
// ends, every further read reports the end.
type Feed struct {
	out *dispatch.Dispatcher
}

// Next blocks until the next frame, the end of the stream or ctx is done.
// At the end of the stream it returns ErrDispatcherClosed, wrapping the fault
// when one ended the stream.
func (f *Feed) Next(ctx context.Context) (dispatch.Payload, error) {
	return f.out.Pop(ctx)
}

// Frames yields frames until the stream ends or ctx is done.
func (f *Feed) Frames(ctx context.Context) iter.Seq[dispatch.Payload] {
	return func(yield func(dispatch.Payload) bool) {
		for {
			p, err := f.out.Pop(ctx)
			if err != nil || !yield(p) {
				return
			}
		}
	}
}

// Done is closed when the stream ended.
func (f *Feed) Done() <-chan struct{} { return f.out.Done() }

// Err returns the fault that ended the stream, nil after a clean stop or
// while the stream runs.
func (f *Feed) Err() error { return f.out.Err() }
