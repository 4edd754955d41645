package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/smazurov/camfeed/internal/acquisition"
	"github.com/smazurov/camfeed/internal/camera"
	"github.com/smazurov/camfeed/internal/camera/sim"
	"github.com/smazurov/camfeed/internal/config"
	"github.com/smazurov/camfeed/internal/dispatch"
	"github.com/smazurov/camfeed/internal/encoder"
	"github.com/smazurov/camfeed/internal/events"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fastDevice(serial string) sim.Options {
	return sim.Options{SerialNumber: serial, Width: 64, Height: 48, FrameRate: 200}
}

func newTestManager(t *testing.T, opts Options, devices ...sim.Options) (*Manager, *sim.Manager) {
	t.Helper()
	if len(devices) == 0 {
		devices = []sim.Options{fastDevice("SIM0001")}
	}
	simMgr := sim.NewManager(devices...)
	opts.Devices = simMgr
	opts.Acquisition = acquisition.Options{
		FetchTimeout:   40 * time.Millisecond,
		StallThreshold: 3,
		JoinTimeout:    time.Second,
		Converter:      sim.Converter{},
		Logger:         quietLogger(),
	}
	if opts.EventBus == nil {
		opts.EventBus = events.New()
	}
	opts.Logger = quietLogger()

	m := NewManager(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return m, simMgr
}

func connect(t *testing.T, m *Manager, index int) *Session {
	t.Helper()
	s, err := m.Connect(context.Background(), index)
	if err != nil {
		t.Fatalf("Connect(%d): %v", index, err)
	}
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func nextFrame(t *testing.T, f *Feed) dispatch.Payload {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := f.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return p
}

func TestConnectErrors(t *testing.T) {
	t.Run("no devices", func(t *testing.T) {
		m := NewManager(Options{Devices: sim.NewManager(), Logger: quietLogger()})
		if _, err := m.Connect(context.Background(), 0); !errors.Is(err, camera.ErrDeviceNotFound) {
			t.Errorf("got %v, want DEVICE_NOT_FOUND", err)
		}
	})

	m, _ := newTestManager(t, Options{}, fastDevice("SIM0001"), fastDevice("SIM0002"))

	tests := []struct {
		index int
		code  string
	}{
		{-1, camera.ErrCodeInvalidDeviceIndex},
		{2, camera.ErrCodeInvalidDeviceIndex},
	}
	for _, tt := range tests {
		if _, err := m.Connect(context.Background(), tt.index); camera.CodeOf(err) != tt.code {
			t.Errorf("Connect(%d) = %v, want %s", tt.index, err, tt.code)
		}
	}

	connect(t, m, 1)
	if _, err := m.Connect(context.Background(), 1); !errors.Is(err, camera.ErrDeviceBusy) {
		t.Errorf("second Connect(1) = %v, want DEVICE_BUSY", err)
	}
	connect(t, m, 0)
	if n := len(m.List()); n != 2 {
		t.Errorf("List() has %d sessions, want 2", n)
	}
}

func TestListDevicesMarksBoundSessions(t *testing.T) {
	m, _ := newTestManager(t, Options{}, fastDevice("SIM0001"), fastDevice("SIM0002"))
	s := connect(t, m, 1)

	devices, err := m.ListDevices(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices", len(devices))
	}
	if devices[0].SessionID != "" || devices[1].SessionID != s.ID() {
		t.Errorf("bindings = %q, %q", devices[0].SessionID, devices[1].SessionID)
	}
}

func TestUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	if err := m.StartStream("nope", 0, 0); !errors.Is(err, camera.ErrSessionNotFound) {
		t.Errorf("StartStream: %v", err)
	}
	if _, err := m.GetParameter("nope", "Gain"); !errors.Is(err, camera.ErrSessionNotFound) {
		t.Errorf("GetParameter: %v", err)
	}
	if err := m.Disconnect("nope"); !errors.Is(err, camera.ErrSessionNotFound) {
		t.Errorf("Disconnect: %v", err)
	}
}

func TestStreamDeliversOrderedJPEG(t *testing.T) {
	m, _ := newTestManager(t, Options{DispatcherCapacity: 4})
	s := connect(t, m, 0)

	if _, err := m.FrameFeed(s.ID()); !errors.Is(err, camera.ErrInvalidState) {
		t.Errorf("FrameFeed before start: %v", err)
	}
	if err := m.StartStream(s.ID(), 32, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.StartStream(s.ID(), 0, 0); !errors.Is(err, camera.ErrSessionAlreadyStreaming) {
		t.Errorf("second StartStream: %v", err)
	}

	feed, err := m.FrameFeed(s.ID())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.FrameFeed(s.ID()); !errors.Is(err, camera.ErrFeedClaimed) {
		t.Errorf("second FrameFeed: %v", err)
	}

	var last uint64
	for i := range 5 {
		p := nextFrame(t, feed)
		if !bytes.HasPrefix(p.Data, []byte{0xFF, 0xD8}) {
			t.Fatalf("frame %d is not a JPEG", i)
		}
		if p.Width != 32 || p.Height != 24 {
			t.Errorf("frame %d is %dx%d, want 32x24", i, p.Width, p.Height)
		}
		if i > 0 && p.Seq <= last {
			t.Errorf("sequence went from %d to %d", last, p.Seq)
		}
		last = p.Seq
	}

	info := s.Info()
	if info.State != StateStreaming || info.Dispatcher == nil {
		t.Errorf("info = %+v", info)
	}

	if err := m.StopStream(s.ID()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-feed.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("feed not closed after StopStream")
	}
	if feed.Err() != nil {
		t.Errorf("clean stop left Err = %v", feed.Err())
	}
	if s.Info().State != StateIdle {
		t.Errorf("state after stop = %s", s.Info().State)
	}
	if err := m.StopStream(s.ID()); err != nil {
		t.Errorf("stopping an idle session: %v", err)
	}
}

func TestStartStreamBoundsOutputSize(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	s := connect(t, m, 0)

	for _, size := range [][2]int{
		{1 << 31, 1 << 31},
		{100000, 100000},
		{encoder.MaxDimension + 1, 0},
		{0, encoder.MaxDimension + 1},
		{-1, 10},
	} {
		if err := m.StartStream(s.ID(), size[0], size[1]); camera.CodeOf(err) != camera.ErrCodeInvalidValue {
			t.Errorf("StartStream(%dx%d) = %v, want %s", size[0], size[1], err, camera.ErrCodeInvalidValue)
		}
	}
	if st := s.Info().State; st != StateIdle {
		t.Fatalf("state after rejected starts = %s", st)
	}

	if err := m.StartStream(s.ID(), 16, 12); err != nil {
		t.Fatal(err)
	}
	feed, err := m.FrameFeed(s.ID())
	if err != nil {
		t.Fatal(err)
	}
	if p := nextFrame(t, feed); p.Width != 16 || p.Height != 12 {
		t.Errorf("frame is %dx%d, want 16x12", p.Width, p.Height)
	}
}

func TestFeedIsNotRestartable(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	s := connect(t, m, 0)

	if err := m.StartStream(s.ID(), 0, 0); err != nil {
		t.Fatal(err)
	}
	feed, err := m.FrameFeed(s.ID())
	if err != nil {
		t.Fatal(err)
	}
	nextFrame(t, feed)
	if err := m.StopStream(s.ID()); err != nil {
		t.Fatal(err)
	}

	if err := m.StartStream(s.ID(), 0, 0); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := feed.Next(ctx); !errors.Is(err, camera.ErrDispatcherClosed) {
		t.Errorf("old feed after restart: %v", err)
	}

	fresh, err := m.FrameFeed(s.ID())
	if err != nil {
		t.Fatalf("FrameFeed on the new stream: %v", err)
	}
	count := 0
	for range fresh.Frames(ctx) {
		count++
		if count == 3 {
			break
		}
	}
	if count != 3 {
		t.Errorf("got %d frames from the new feed", count)
	}
}

func TestSnapshot(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	s := connect(t, m, 0)

	if _, err := m.Snapshot(s.ID()); !errors.Is(err, camera.ErrNoFrame) {
		t.Errorf("Snapshot before any frame: %v", err)
	}
	if err := m.StartStream(s.ID(), 0, 0); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first frame", func() bool {
		_, err := m.Snapshot(s.ID())
		return err == nil
	})
	if err := m.StopStream(s.ID()); err != nil {
		t.Fatal(err)
	}

	p, err := m.Snapshot(s.ID())
	if err != nil {
		t.Fatalf("Snapshot after stop: %v", err)
	}
	if p.Width != 64 || p.Height != 48 || len(p.Data) == 0 {
		t.Errorf("snapshot = %dx%d, %d bytes", p.Width, p.Height, len(p.Data))
	}
}

func TestFrameHook(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	s := connect(t, m, 0)

	seen := make(chan string, 16)
	m.SetFrameHook(func(id string, _ dispatch.Payload) {
		select {
		case seen <- id:
		default:
		}
	})
	if err := m.StartStream(s.ID(), 0, 0); err != nil {
		t.Fatal(err)
	}
	select {
	case id := <-seen:
		if id != s.ID() {
			t.Errorf("hook saw session %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame hook not called")
	}
	m.SetFrameHook(nil)
}

func TestPayloadParametersLockedWhileStreaming(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	s := connect(t, m, 0)

	if err := m.StartStream(s.ID(), 0, 0); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"Width", "Height", "PixelFormat"} {
		value := any(32)
		if name == "PixelFormat" {
			value = "Mono8"
		}
		if _, err := m.SetParameter(s.ID(), name, value); !errors.Is(err, camera.ErrParameterLocked) {
			t.Errorf("Set(%s) while streaming: %v", name, err)
		}
	}
	if _, err := m.SetParameter(s.ID(), "Gain", 2.0); err != nil {
		t.Errorf("Set(Gain) while streaming: %v", err)
	}

	if err := m.StopStream(s.ID()); err != nil {
		t.Fatal(err)
	}
	got, err := m.SetParameter(s.ID(), "Width", 32)
	if err != nil {
		t.Fatalf("Set(Width) after stop: %v", err)
	}
	if got != int64(32) {
		t.Errorf("Width = %#v, want 32", got)
	}
}

func TestSetParameterClamps(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	s := connect(t, m, 0)

	tests := []struct {
		name  string
		value any
		want  any
	}{
		{"ExposureTime", 5.0, 20.0},
		{"ExposureTime", 2e6, 1e6},
		{"Gain", 2.346, 2.35},
		{"Gain", 0.0, 1.0},
		{"BlackLevel", 12.0, 10.0},
		{"BlackLevel", 13.0, 15.0},
		{"Width", 1, int64(16)},
		{"ReverseX", "true", true},
	}
	for _, tt := range tests {
		got, err := m.SetParameter(s.ID(), tt.name, tt.value)
		if err != nil {
			t.Errorf("Set(%s, %v): %v", tt.name, tt.value, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Set(%s, %v) = %#v, want %#v", tt.name, tt.value, got, tt.want)
		}
		if read, _ := m.GetParameter(s.ID(), tt.name); read != tt.want {
			t.Errorf("Get(%s) = %#v after set, want %#v", tt.name, read, tt.want)
		}
	}

	if _, err := m.SetParameter(s.ID(), "PixelFormat", "BayerGR8"); !errors.Is(err, camera.ErrValueNotAvailable) {
		t.Errorf("unavailable entry: %v", err)
	}
	if _, err := m.SetParameter(s.ID(), "NoSuchNode", 1); !errors.Is(err, camera.ErrNodeNotFound) {
		t.Errorf("unknown node: %v", err)
	}
}

func TestParameterViews(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	s := connect(t, m, 0)

	current, err := m.CurrentParameters(s.ID())
	if err != nil {
		t.Fatal(err)
	}
	if current["BalanceWhiteAuto"] != "Off" || current["Width"] != int64(64) {
		t.Errorf("current = %v", current)
	}

	mins, maxs, err := m.Bounds(s.ID())
	if err != nil {
		t.Fatal(err)
	}
	if mins["ExposureTime"] != 20.0 || maxs["Gain"] != 10.0 {
		t.Errorf("mins = %v, maxs = %v", mins, maxs)
	}

	d, err := m.DescribeParameter(s.ID(), "PixelFormat")
	if err != nil {
		t.Fatal(err)
	}
	if d.Value != "BayerRG8" {
		t.Errorf("PixelFormat description = %+v", d)
	}
}

func TestParameterChangedEvent(t *testing.T) {
	bus := events.New()
	m, _ := newTestManager(t, Options{EventBus: bus})
	s := connect(t, m, 0)

	got := make(chan events.ParameterChangedEvent, 4)
	unsub := bus.Subscribe(func(e events.ParameterChangedEvent) { got <- e })
	defer unsub()

	if _, err := m.SetParameter(s.ID(), "ExposureTime", 5.0); err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-got:
		if e.SessionID != s.ID() || e.Name != "ExposureTime" || e.Value != 20.0 {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no ParameterChangedEvent")
	}
}

func TestStallFailsStream(t *testing.T) {
	bus := events.New()
	m, simMgr := newTestManager(t, Options{EventBus: bus})
	s := connect(t, m, 0)

	failed := make(chan events.StreamFailedEvent, 1)
	unsub := bus.Subscribe(func(e events.StreamFailedEvent) {
		select {
		case failed <- e:
		default:
		}
	})
	defer unsub()

	if err := m.StartStream(s.ID(), 0, 0); err != nil {
		t.Fatal(err)
	}
	feed, err := m.FrameFeed(s.ID())
	if err != nil {
		t.Fatal(err)
	}
	nextFrame(t, feed)

	dev, ok := simMgr.Opened("SIM0001")
	if !ok {
		t.Fatal("device not open")
	}
	dev.Stall(true)

	select {
	case e := <-failed:
		if e.SessionID != s.ID() || e.Code != camera.ErrCodeAcquisitionStalled {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no StreamFailedEvent")
	}

	select {
	case <-feed.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("feed not closed after stall")
	}
	if code := camera.CodeOf(feed.Err()); code != camera.ErrCodeAcquisitionStalled {
		t.Errorf("feed.Err() = %v", feed.Err())
	}

	waitFor(t, "failed state", func() bool { return s.Info().State == StateFailed })
	if info := s.Info(); info.ErrorCode != camera.ErrCodeAcquisitionStalled {
		t.Errorf("info = %+v", info)
	}

	// a failed session can stream again once the device recovers
	dev.Stall(false)
	if err := m.StartStream(s.ID(), 0, 0); err != nil {
		t.Fatalf("restart after failure: %v", err)
	}
	if info := s.Info(); info.State != StateStreaming || info.ErrorCode != "" {
		t.Errorf("info after restart = %+v", info)
	}
}

func TestPresets(t *testing.T) {
	presets := config.Presets{
		Defaults: map[string]any{"Gain": 4.0},
		Devices: map[string]map[string]any{
			"SIM0002": {"ExposureTime": 5000.0, "Width": 32.0},
		},
	}
	m, _ := newTestManager(t, Options{Presets: presets}, fastDevice("SIM0001"), fastDevice("SIM0002"))

	a := connect(t, m, 0)
	b := connect(t, m, 1)

	tests := []struct {
		session *Session
		name    string
		want    any
	}{
		{a, "Gain", 4.0},
		{a, "ExposureTime", 10000.0},
		{b, "Gain", 4.0},
		{b, "ExposureTime", 5000.0},
		{b, "Width", int64(32)},
	}
	for _, tt := range tests {
		if got, _ := m.GetParameter(tt.session.ID(), tt.name); got != tt.want {
			t.Errorf("%s %s = %#v, want %#v", tt.session.Device().SerialNumber, tt.name, got, tt.want)
		}
	}

	if err := m.StartStream(b.ID(), 0, 0); err != nil {
		t.Fatal(err)
	}
	n := m.ApplyPresets(config.Presets{
		Defaults: map[string]any{"Gain": 2.0, "Width": 48.0},
	})
	if n != 2 {
		t.Errorf("ApplyPresets updated %d sessions, want 2", n)
	}
	if got, _ := m.GetParameter(a.ID(), "Width"); got != int64(48) {
		t.Errorf("idle session Width = %#v, want 48", got)
	}
	// streaming session keeps its payload size, other values still apply
	if got, _ := m.GetParameter(b.ID(), "Width"); got != int64(32) {
		t.Errorf("streaming session Width = %#v, want 32", got)
	}
	if got, _ := m.GetParameter(b.ID(), "Gain"); got != 2.0 {
		t.Errorf("streaming session Gain = %#v, want 2", got)
	}
}

func TestDisconnectReleasesDevice(t *testing.T) {
	bus := events.New()
	m, simMgr := newTestManager(t, Options{EventBus: bus})

	gone := make(chan events.SessionDisconnectedEvent, 1)
	unsub := bus.Subscribe(func(e events.SessionDisconnectedEvent) { gone <- e })
	defer unsub()

	s := connect(t, m, 0)
	if err := m.StartStream(s.ID(), 0, 0); err != nil {
		t.Fatal(err)
	}
	feed, err := m.FrameFeed(s.ID())
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Disconnect(s.ID()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-feed.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("feed not closed by Disconnect")
	}
	if _, ok := simMgr.Opened("SIM0001"); ok {
		t.Error("device still open after Disconnect")
	}
	if _, err := m.Get(s.ID()); !errors.Is(err, camera.ErrSessionNotFound) {
		t.Errorf("Get after Disconnect: %v", err)
	}
	select {
	case e := <-gone:
		if e.SessionID != s.ID() {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Error("no SessionDisconnectedEvent")
	}

	again := connect(t, m, 0)
	if again.ID() == s.ID() {
		t.Error("reconnect reused the session id")
	}
}

func TestShutdown(t *testing.T) {
	m, simMgr := newTestManager(t, Options{}, fastDevice("SIM0001"), fastDevice("SIM0002"))
	a := connect(t, m, 0)
	connect(t, m, 1)
	if err := m.StartStream(a.ID(), 0, 0); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(m.List()); n != 0 {
		t.Errorf("%d sessions left after Shutdown", n)
	}
	for _, serial := range []string{"SIM0001", "SIM0002"} {
		if _, ok := simMgr.Opened(serial); ok {
			t.Errorf("%s still open", serial)
		}
	}
	if _, err := m.Connect(context.Background(), 0); !errors.Is(err, camera.ErrInvalidState) {
		t.Errorf("Connect after Shutdown: %v", err)
	}
}
