// Package session exposes the camera pipeline as sessions: a client connects
// to a device, starts and stops streams, tunes parameters and consumes the
// encoded frame feed.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/smazurov/camfeed/internal/acquisition"
	"github.com/smazurov/camfeed/internal/camera"
	"github.com/smazurov/camfeed/internal/config"
	"github.com/smazurov/camfeed/internal/dispatch"
	"github.com/smazurov/camfeed/internal/encoder"
	"github.com/smazurov/camfeed/internal/events"
	"github.com/smazurov/camfeed/internal/logging"
	"github.com/smazurov/camfeed/internal/metrics"
	"github.com/smazurov/camfeed/internal/params"
)

// FrameHook sees every frame a session pushes to its dispatcher.
type FrameHook func(sessionID string, p dispatch.Payload)

// Options configures a Manager.
type Options struct {
	Devices camera.Manager
	// Acquisition is the template for every controller. Its callbacks are
	// replaced per session.
	Acquisition        acquisition.Options
	DispatcherCapacity int
	Presets            config.Presets
	EventBus           *events.Bus
	Logger             logging.Logger
}

// Device is an enumerated device and the session bound to it, if any.
type Device struct {
	camera.DeviceDescriptor
	SessionID string `json:"session_id,omitempty" doc:"Session bound to the device"`
}

// Manager owns every session.
type Manager struct {
	opts   Options
	logger logging.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	bound    map[string]string // serial -> session id ("" while connecting)
	presets  config.Presets
	closed   bool

	frameHook atomic.Pointer[FrameHook]
}

// NewManager creates a manager.
func NewManager(opts Options) *Manager {
	if opts.DispatcherCapacity <= 0 {
		opts.DispatcherCapacity = dispatch.DefaultCapacity
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger("session")
	}
	return &Manager{
		opts:     opts,
		logger:   opts.Logger,
		sessions: make(map[string]*Session),
		bound:    make(map[string]string),
		presets:  opts.Presets,
	}
}

// SetFrameHook installs fn as the frame hook; nil removes it.
func (m *Manager) SetFrameHook(fn FrameHook) {
	if fn == nil {
		m.frameHook.Store(nil)
		return
	}
	m.frameHook.Store(&fn)
}

// ListDevices enumerates devices and marks the ones bound to a session.
func (m *Manager) ListDevices(ctx context.Context) ([]Device, error) {
	descs, err := m.opts.Devices.EnumerateDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Device, len(descs))
	for i, d := range descs {
		out[i] = Device{DeviceDescriptor: d, SessionID: m.bound[d.SerialNumber]}
	}
	return out, nil
}

// Connect opens the device at index, applies the fixed defaults and the
// presets, and returns the new session.
func (m *Manager) Connect(ctx context.Context, index int) (*Session, error) {
	descs, err := m.opts.Devices.EnumerateDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	if len(descs) == 0 {
		return nil, camera.ErrDeviceNotFound
	}
	if index < 0 || index >= len(descs) {
		return nil, camera.NewError(camera.ErrCodeInvalidDeviceIndex,
			fmt.Sprintf("device index %d out of range [0,%d)", index, len(descs)), nil)
	}
	desc := descs[index]

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, camera.NewError(camera.ErrCodeInvalidState, "session manager is shut down", nil)
	}
	if owner, ok := m.bound[desc.SerialNumber]; ok {
		m.mu.Unlock()
		return nil, camera.NewError(camera.ErrCodeDeviceBusy,
			fmt.Sprintf("device %s is bound to session %s", desc.SerialNumber, owner), nil)
	}
	m.bound[desc.SerialNumber] = ""
	presets := m.presets
	m.mu.Unlock()

	s := &Session{
		id:          uuid.NewString(),
		desc:        desc,
		connectedAt: time.Now(),
		bus:         m.opts.EventBus,
		logger:      m.logger,
		state:       StateIdle,
	}

	aopts := m.opts.Acquisition
	aopts.OnStateChange = s.onStateChange
	aopts.OnFrame = func(p dispatch.Payload) {
		s.latest.Store(&p)
		if hook := m.frameHook.Load(); hook != nil {
			(*hook)(s.id, p)
		}
	}
	aopts.OnParamChange = func(name string, value any) {
		if s.bus != nil {
			s.bus.Publish(events.ParameterChangedEvent{
				SessionID: s.id,
				Name:      name,
				Value:     value,
				Timestamp: timestamp(),
			})
		}
	}

	ctrl, err := acquisition.Open(ctx, m.opts.Devices, desc, aopts)
	if err != nil {
		m.mu.Lock()
		delete(m.bound, desc.SerialNumber)
		m.mu.Unlock()
		return nil, err
	}
	s.ctrl = ctrl
	m.applyPresets(s, presets)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.bound[desc.SerialNumber] = s.id
	n := len(m.sessions)
	m.mu.Unlock()
	metrics.SetSessions(n)

	m.logger.Info("Session connected", "session_id", s.id, "device", desc.SerialNumber, "model", desc.Model)
	if m.opts.EventBus != nil {
		m.opts.EventBus.Publish(events.SessionConnectedEvent{
			SessionID:    s.id,
			DeviceIndex:  index,
			DeviceSerial: desc.SerialNumber,
			Model:        desc.Model,
			Timestamp:    timestamp(),
		})
	}
	return s, nil
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, camera.NewError(camera.ErrCodeSessionNotFound, fmt.Sprintf("session %s not found", id), nil)
	}
	return s, nil
}

// List returns every session ordered by connection time.
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(sessions, func(a, b *Session) int {
		return a.connectedAt.Compare(b.connectedAt)
	})
	out := make([]Info, len(sessions))
	for i, s := range sessions {
		out[i] = s.Info()
	}
	return out
}

// StartStream starts streaming. width and height are the optional output
// size; zero keeps the sensor size and a single zero dimension follows the
// aspect ratio.
func (m *Manager) StartStream(id string, width, height int) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if width < 0 || height < 0 || width > encoder.MaxDimension || height > encoder.MaxDimension {
		return camera.NewError(camera.ErrCodeInvalidValue,
			fmt.Sprintf("invalid output size %dx%d, each side must be 0..%d", width, height, encoder.MaxDimension), nil)
	}
	if err := s.start(m.opts.DispatcherCapacity, encoder.Size{Width: width, Height: height}); err != nil {
		return err
	}
	m.logger.Info("Stream started", "session_id", id, "width", width, "height", height)
	return nil
}

// StopStream stops streaming. Stopping an idle session succeeds.
func (m *Manager) StopStream(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.stop()
}

// FrameFeed returns the frame feed of the running stream. Each stream has
// exactly one feed; a second call fails with FEED_CLAIMED.
func (m *Manager) FrameFeed(id string) (*Feed, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return s.claimFeed()
}

// Snapshot returns the most recent encoded frame.
func (m *Manager) Snapshot(id string) (dispatch.Payload, error) {
	s, err := m.Get(id)
	if err != nil {
		return dispatch.Payload{}, err
	}
	return s.snapshot()
}

// GetParameter reads a parameter.
func (m *Manager) GetParameter(id, name string) (any, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return s.ctrl.Params().Get(name)
}

// SetParameter writes a parameter and returns the value actually applied.
func (m *Manager) SetParameter(id, name string, value any) (any, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	applied, err := s.ctrl.Params().Set(name, value)
	result := "ok"
	if err != nil {
		result = camera.CodeOf(err)
		if result == "" {
			result = "error"
		}
	}
	metrics.RecordParameterSet(name, result)
	return applied, err
}

// DescribeParameter reports a parameter's bounds, entries and value.
func (m *Manager) DescribeParameter(id, name string) (params.Description, error) {
	s, err := m.Get(id)
	if err != nil {
		return params.Description{}, err
	}
	return s.ctrl.Params().Describe(name)
}

// CurrentParameters reads the common parameters the device has.
func (m *Manager) CurrentParameters(id string) (map[string]any, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return s.ctrl.Params().Snapshot(), nil
}

// Bounds returns the minimum and maximum of the common numeric parameters.
func (m *Manager) Bounds(id string) (mins, maxs map[string]any, err error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, nil, err
	}
	mins, maxs = s.ctrl.Params().Bounds()
	return mins, maxs, nil
}

// Disconnect stops any stream, releases the device and forgets the session.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	n := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return camera.NewError(camera.ErrCodeSessionNotFound, fmt.Sprintf("session %s not found", id), nil)
	}

	err := s.close()

	m.mu.Lock()
	delete(m.bound, s.desc.SerialNumber)
	m.mu.Unlock()
	metrics.SetSessions(n)

	m.logger.Info("Session disconnected", "session_id", id, "device", s.desc.SerialNumber)
	if m.opts.EventBus != nil {
		m.opts.EventBus.Publish(events.SessionDisconnectedEvent{
			SessionID:    id,
			DeviceSerial: s.desc.SerialNumber,
			Timestamp:    timestamp(),
		})
	}
	return err
}

// ApplyPresets stores p for future connections and applies it to every
// connected session. It returns the number of sessions updated.
func (m *Manager) ApplyPresets(p config.Presets) int {
	m.mu.Lock()
	m.presets = p
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		m.applyPresets(s, p)
	}
	return len(sessions)
}

// applyPresets writes the preset values for s's device. Rejected values,
// including payload settings locked by a running stream, are logged and
// skipped.
func (m *Manager) applyPresets(s *Session, p config.Presets) {
	store := s.ctrl.Params()
	for _, setting := range p.For(s.desc.SerialNumber) {
		applied, err := store.Set(setting.Name, setting.Value)
		if err != nil {
			level := m.logger.Warn
			if errors.Is(err, camera.ErrParameterLocked) {
				level = m.logger.Info
			}
			level("Preset not applied", "session_id", s.id, "parameter", setting.Name, "error", err)
			continue
		}
		m.logger.Debug("Preset applied", "session_id", s.id, "parameter", setting.Name, "value", applied)
	}
}

// Shutdown disconnects every session concurrently and refuses new ones.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := m.Disconnect(id); err != nil {
				return fmt.Errorf("disconnect %s: %w", id, err)
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
