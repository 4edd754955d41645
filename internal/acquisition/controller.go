// Package acquisition drives one camera's data stream: it configures the
// device, owns its buffer pool and runs the fetch worker that turns filled
// buffers into encoded frames.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/smazurov/camfeed/internal/bufferpool"
	"github.com/smazurov/camfeed/internal/camera"
	"github.com/smazurov/camfeed/internal/dispatch"
	"github.com/smazurov/camfeed/internal/encoder"
	"github.com/smazurov/camfeed/internal/logging"
	"github.com/smazurov/camfeed/internal/metrics"
	"github.com/smazurov/camfeed/internal/params"
	"github.com/smazurov/camfeed/internal/pixel"
)

// State is the controller lifecycle state.
type State string

// Controller states.
const (
	StateIdle        State = "idle"        // Connected, not streaming
	StateConfiguring State = "configuring" // Applying configuration
	StateStreaming   State = "streaming"   // Fetch worker running
	StateStopping    State = "stopping"    // Tearing the stream down
	StateClosed      State = "closed"      // Device released
)

// Defaults.
const (
	DefaultFetchTimeout     = time.Second
	DefaultStallThreshold   = 5
	DefaultJoinTimeout      = 2 * time.Second
	DefaultBufferMultiplier = 5
)

// StateChangeFunc is called after every state transition. err is the fault
// that ended a stream, nil otherwise.
type StateChangeFunc func(oldState, newState State, err error)

// Options configures a Controller.
type Options struct {
	FetchTimeout     time.Duration
	StallThreshold   int
	JoinTimeout      time.Duration
	BufferMultiplier int

	// Quality and Interpolation configure the JPEG encoder.
	Quality       int
	Interpolation string
	// Target is RGB8 (default) or BGR8.
	Target   camera.PixelFormat
	MonoMode pixel.MonoMode
	// Converter is the vendor conversion primitive; nil disables delegated formats.
	Converter camera.Converter

	OnStateChange StateChangeFunc
	// OnFrame sees every payload pushed to the dispatcher, including ones
	// later evicted.
	OnFrame func(dispatch.Payload)
	// OnParamChange is forwarded to the parameter store.
	OnParamChange params.ChangeFunc

	Logger logging.Logger
}

func (o Options) withDefaults() Options {
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	if o.StallThreshold <= 0 {
		o.StallThreshold = DefaultStallThreshold
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = DefaultJoinTimeout
	}
	if o.BufferMultiplier <= 0 {
		o.BufferMultiplier = DefaultBufferMultiplier
	}
	if o.Logger == nil {
		o.Logger = logging.GetLogger("acquisition")
	}
	return o
}

// AcquisitionStats reports controller counters.
type AcquisitionStats struct {
	State               State                `json:"state"`
	Fetched             uint64               `json:"fetched"`
	Delivered           uint64               `json:"delivered"`
	Timeouts            uint64               `json:"timeouts"`
	ConsecutiveTimeouts int64                `json:"consecutive_timeouts"`
	DroppedConvert      uint64               `json:"dropped_convert"`
	DroppedEncode       uint64               `json:"dropped_encode"`
	Evicted             uint64               `json:"evicted"`
	JoinTimeouts        uint64               `json:"join_timeouts"`
	LastError           string               `json:"last_error,omitempty"`
	Pool                bufferpool.PoolStats `json:"pool"`
}

type counters struct {
	fetched        atomic.Uint64
	delivered      atomic.Uint64
	timeouts       atomic.Uint64
	consecutive    atomic.Int64
	droppedConvert atomic.Uint64
	droppedEncode  atomic.Uint64
	evicted        atomic.Uint64
	joinTimeouts   atomic.Uint64
}

// run is one Start..Stop cycle of the fetch worker.
type run struct {
	stop     atomic.Bool
	done     chan struct{}
	pool     *bufferpool.Pool
	out      *dispatch.Dispatcher
	size     encoder.Size
	finish   sync.Once
	warnings *rate.Limiter
	seq      uint64
}

// Controller owns one opened device.
type Controller struct {
	opts   Options
	device camera.Device
	store  *params.Store
	logger logging.Logger
	label  string

	// opMu serializes Start, Stop and Close.
	opMu    sync.Mutex
	mu      sync.Mutex
	state   State
	pool    *bufferpool.Pool
	run     *run
	lastErr error

	stats counters
}

// Open opens the device, applies the fixed defaults and allocates the buffer
// pool. The returned controller is in the Configuring state until the first
// Start.
func Open(ctx context.Context, mgr camera.Manager, desc camera.DeviceDescriptor, opts Options) (*Controller, error) {
	opts = opts.withDefaults()

	dev, err := mgr.OpenDevice(ctx, desc)
	if err != nil {
		if camera.CodeOf(err) != "" {
			return nil, err
		}
		return nil, camera.NewError(camera.ErrCodeHandleCreationFailed,
			fmt.Sprintf("open device %s", desc.SerialNumber), err)
	}

	c := &Controller{
		opts:   opts,
		device: dev,
		store:  params.New(dev.NodeMap(), params.WithOnChange(opts.OnParamChange)),
		logger: opts.Logger,
		label:  desc.SerialNumber,
		state:  StateIdle,
	}
	c.setState(StateConfiguring, nil)

	if err := c.configure(); err != nil {
		_ = dev.Close()
		c.setState(StateClosed, err)
		return nil, err
	}
	if err := c.ensurePool(); err != nil {
		_ = dev.Close()
		c.setState(StateClosed, err)
		return nil, err
	}
	c.logger.Info("Device configured", "device", c.label, "buffers", c.pool.Capacity(), "payload_size", c.pool.Size())
	return c, nil
}

// configure loads the default user set and disables automatic exposure,
// automatic gain and external triggering.
func (c *Controller) configure() error {
	if ok, err := c.store.SetEnumIfAvailable("UserSetSelector", "Default"); err != nil {
		c.logger.Warn("Failed to select default user set", "device", c.label, "error", err)
	} else if ok {
		if err := c.store.Execute("UserSetLoad"); err != nil {
			c.logger.Warn("Failed to load default user set", "device", c.label, "error", err)
		}
	}

	for _, node := range []string{"GainAuto", "ExposureAuto", "TriggerMode"} {
		if _, err := c.store.SetEnumIfAvailable(node, "Off"); err != nil {
			return err
		}
	}

	// best effort: run at the fastest rate the device allows
	if d, err := c.store.Describe("AcquisitionFrameRate"); err == nil && d.Writable && d.Maximum != nil {
		if _, err := c.store.Set("AcquisitionFrameRate", d.Maximum); err != nil {
			c.logger.Debug("Could not raise frame rate", "device", c.label, "error", err)
		}
	}
	return nil
}

// payloadSize asks the device for the frame size of the current
// configuration, computing it from the geometry when the node is missing.
func (c *Controller) payloadSize() (int, error) {
	if v, err := c.store.Get("PayloadSize"); err == nil {
		if n, ok := v.(int64); ok && n > 0 {
			return int(n), nil
		}
	}
	w, errW := c.store.Get("Width")
	h, errH := c.store.Get("Height")
	f, errF := c.store.Get("PixelFormat")
	if err := errors.Join(errW, errH, errF); err != nil {
		return 0, camera.ConfigurationFailed("PayloadSize", err)
	}
	width, _ := w.(int64)
	height, _ := h.(int64)
	name, _ := f.(string)
	pf, ok := camera.ParsePixelFormat(name)
	if !ok || width <= 0 || height <= 0 {
		return 0, camera.ConfigurationFailed("PayloadSize",
			fmt.Errorf("cannot size %dx%d %s", width, height, name))
	}
	return pf.PayloadSize(int(width), int(height)), nil
}

// ensurePool (re)creates the pool when the payload size changed.
func (c *Controller) ensurePool() error {
	size, err := c.payloadSize()
	if err != nil {
		return err
	}
	if c.pool != nil {
		if c.pool.Size() == size {
			return nil
		}
		if err := c.pool.Destroy(); err != nil {
			return err
		}
		c.mu.Lock()
		c.pool = nil
		c.mu.Unlock()
	}
	count := max(c.device.MinAnnouncedBuffers(), 1) * c.opts.BufferMultiplier
	pool, err := bufferpool.New(count, size, c.device)
	if err != nil {
		return camera.NewError(camera.ErrCodeConfigurationFailed, "allocate frame buffers", err)
	}
	c.mu.Lock()
	c.pool = pool
	c.mu.Unlock()
	return nil
}

// Params returns the device's parameter store.
func (c *Controller) Params() *params.Store { return c.store }

// Device returns the opened device.
func (c *Controller) Device() camera.Device { return c.device }

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the fault that ended the last stream, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Controller) setState(s State, err error) {
	c.mu.Lock()
	old := c.state
	c.state = s
	c.mu.Unlock()
	if old != s && c.opts.OnStateChange != nil {
		c.opts.OnStateChange(old, s, err)
	}
}

// Start locks the payload-affecting parameters, starts the hardware stream
// and spawns the fetch worker, which pushes encoded frames to out. size is
// the optional output geometry.
func (c *Controller) Start(out *dispatch.Dispatcher, size encoder.Size) error {
	if out == nil {
		return errors.New("nil dispatcher")
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	switch c.state {
	case StateStreaming:
		c.mu.Unlock()
		return camera.ErrSessionAlreadyStreaming
	case StateIdle, StateConfiguring:
	default:
		st := c.state
		c.mu.Unlock()
		return camera.NewError(camera.ErrCodeInvalidState, fmt.Sprintf("cannot start while %s", st), nil)
	}
	c.lastErr = nil
	c.mu.Unlock()
	c.setState(StateConfiguring, nil)

	if err := c.startHardware(); err != nil {
		c.logger.Error("Failed to start acquisition", "device", c.label, "error", err)
		c.setState(StateIdle, nil)
		return err
	}

	r := &run{
		done:     make(chan struct{}),
		pool:     c.pool,
		out:      out,
		size:     size,
		warnings: rate.NewLimiter(rate.Every(5*time.Second), 3),
	}
	c.stats.consecutive.Store(0)
	c.mu.Lock()
	c.run = r
	c.mu.Unlock()
	c.setState(StateStreaming, nil)
	metrics.StreamStarted()

	go c.fetchLoop(r)
	c.logger.Info("Acquisition started", "device", c.label, "buffers", c.pool.Capacity())
	return nil
}

func (c *Controller) startHardware() error {
	if err := c.ensurePool(); err != nil {
		return err
	}
	if err := c.store.Lock(); err != nil {
		c.unwind(c.pool)
		return camera.NewError(camera.ErrCodeAcquisitionStartFailed, "lock parameters", err)
	}
	if err := c.pool.Arm(); err != nil {
		c.unwind(c.pool)
		return camera.NewError(camera.ErrCodeAcquisitionStartFailed, "queue buffers", err)
	}
	if err := c.device.StartAcquisition(); err != nil {
		c.unwind(c.pool)
		return camera.NewError(camera.ErrCodeAcquisitionStartFailed, "start data stream", err)
	}
	if err := c.store.Execute("AcquisitionStart"); err != nil {
		_ = c.device.StopAcquisition()
		c.unwind(c.pool)
		return camera.NewError(camera.ErrCodeAcquisitionStartFailed, "execute AcquisitionStart", err)
	}
	return nil
}

// unwind returns every buffer to the pool and unlocks the parameters.
func (c *Controller) unwind(pool *bufferpool.Pool) {
	if err := c.device.Flush(); err != nil {
		c.logger.Warn("Failed to flush buffer queue", "device", c.label, "error", err)
	}
	if n := pool.Reclaim(); n > 0 {
		c.logger.Debug("Reclaimed leased buffers", "device", c.label, "count", n)
	}
	if err := c.store.Unlock(); err != nil {
		c.logger.Warn("Failed to unlock parameters", "device", c.label, "error", err)
	}
}

// fetchLoop runs on its own OS thread until the stop flag is set or a fatal
// error ends the stream.
func (c *Controller) fetchLoop(r *run) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(r.done)

	conv := pixel.New(c.opts.Converter, pixel.WithTarget(c.opts.Target), pixel.WithMonoMode(c.opts.MonoMode))
	enc := encoder.New(encoder.Options{Quality: c.opts.Quality, Interpolation: c.opts.Interpolation})

	for !r.stop.Load() {
		fb, err := c.device.WaitForFinishedBuffer(c.opts.FetchTimeout)
		if r.stop.Load() {
			if err == nil {
				// hand the buffer back so it is not lost to the next run
				if buf, lerr := r.pool.LeaseHandle(fb.Handle); lerr == nil {
					_ = r.pool.Release(buf)
				}
			}
			return
		}
		switch {
		case err == nil:
			c.stats.consecutive.Store(0)
			if ferr := c.process(r, conv, enc, fb); ferr != nil {
				c.fail(r, ferr)
				return
			}

		case errors.Is(err, camera.ErrBufferTimeout):
			n := c.stats.consecutive.Add(1)
			c.stats.timeouts.Add(1)
			metrics.RecordTimeout(c.label)
			if n >= int64(c.opts.StallThreshold) {
				c.fail(r, camera.NewError(camera.ErrCodeAcquisitionStalled,
					fmt.Sprintf("%d consecutive buffer timeouts", n), err))
				return
			}
			if r.warnings.Allow() {
				c.logger.Warn("Timed out waiting for frame", "device", c.label, "consecutive", n)
			}

		case errors.Is(err, camera.ErrWaitAborted):
			// woken without a stop request; wait again

		default:
			c.fail(r, camera.NewError(camera.ErrCodeHardware, "wait for finished buffer", err))
			return
		}
	}
}

// process converts and encodes one filled buffer, re-announcing it once the
// encoder produced its own copy. A non-nil return is fatal.
func (c *Controller) process(r *run, conv *pixel.Converter, enc *encoder.Encoder, fb camera.FinishedBuffer) error {
	buf, err := r.pool.LeaseHandle(fb.Handle)
	if err != nil {
		return camera.NewError(camera.ErrCodeHardware, "device returned an unknown buffer", err)
	}
	c.stats.fetched.Add(1)
	r.seq++
	seq := r.seq

	data, reason, err := c.encode(r, conv, enc, buf.Bytes(), fb)
	if rerr := r.pool.Release(buf); rerr != nil && !errors.Is(rerr, camera.ErrBufferNotLeased) {
		c.logger.Warn("Failed to requeue buffer", "device", c.label, "handle", fb.Handle, "error", rerr)
	}
	if err != nil {
		metrics.RecordDrop(c.label, reason)
		if r.warnings.Allow() {
			c.logger.Warn("Dropped frame", "device", c.label, "seq", seq, "reason", reason, "error", err)
		}
		return nil
	}

	p := dispatch.Payload{Seq: seq, Data: data, Width: fb.Width, Height: fb.Height, CapturedAt: fb.Timestamp}
	if w, h := r.size.Resolve(fb.Width, fb.Height); !r.size.IsZero() {
		p.Width, p.Height = w, h
	}
	evicted, err := r.out.Push(p)
	switch {
	case err != nil:
		metrics.RecordDrop(c.label, metrics.DropClosed)
		return nil
	case evicted:
		c.stats.evicted.Add(1)
		metrics.RecordDrop(c.label, metrics.DropEvicted)
	}
	c.stats.delivered.Add(1)
	metrics.RecordFrame(c.label, len(data))
	if c.opts.OnFrame != nil {
		c.opts.OnFrame(p)
	}
	return nil
}

func (c *Controller) encode(r *run, conv *pixel.Converter, enc *encoder.Encoder, mem []byte, fb camera.FinishedBuffer) ([]byte, string, error) {
	raw := mem
	if fb.Size > 0 && fb.Size <= len(mem) {
		raw = mem[:fb.Size]
	}
	im, err := conv.Convert(raw, fb.Width, fb.Height, fb.PixelFormat)
	if err != nil {
		c.stats.droppedConvert.Add(1)
		return nil, metrics.DropConvert, err
	}
	data, err := enc.Encode(im, r.size)
	if err != nil {
		c.stats.droppedEncode.Add(1)
		return nil, metrics.DropEncode, err
	}
	return data, "", nil
}

// fail ends the stream from the fetch worker.
func (c *Controller) fail(r *run, err error) {
	c.logger.Error("Acquisition failed", "device", c.label, "error", err)
	metrics.RecordFault(c.label, camera.CodeOf(err))
	if cmdErr := c.store.Execute("AcquisitionStop"); cmdErr != nil {
		c.logger.Debug("AcquisitionStop after fault", "device", c.label, "error", cmdErr)
	}
	c.teardown(r, err)
}

// teardown stops the data stream and returns every buffer. It runs once per
// run, from whichever of Stop and the faulting worker gets there first.
func (c *Controller) teardown(r *run, cause error) {
	r.finish.Do(func() {
		c.setState(StateStopping, nil)

		if err := c.device.StopAcquisition(); err != nil {
			c.logger.Warn("Failed to stop data stream", "device", c.label, "error", err)
		}
		c.unwind(r.pool)
		r.out.CloseWithError(cause)

		c.mu.Lock()
		if c.run == r {
			c.run = nil
		}
		c.lastErr = cause
		c.mu.Unlock()
		metrics.StreamStopped()
		c.setState(StateIdle, cause)
	})
}

// Stop ends the stream: it raises the stop flag, aborts the pending buffer
// wait, joins the worker and releases every buffer. A worker that does not
// exit within the join timeout is left to observe the flag on its own; Stop
// still releases the resources and reports ErrWorkerJoinTimeout as a
// warning. Stop on a controller that is not streaming is a no-op.
func (c *Controller) Stop() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.stop()
}

func (c *Controller) stop() error {
	c.mu.Lock()
	r := c.run
	if c.state != StateStreaming || r == nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.setState(StateStopping, nil)

	r.stop.Store(true)
	if err := c.store.Execute("AcquisitionStop"); err != nil {
		c.logger.Warn("AcquisitionStop failed", "device", c.label, "error", err)
	}
	if err := c.device.KillWait(); err != nil {
		c.logger.Warn("Failed to abort buffer wait", "device", c.label, "error", err)
	}

	var joinErr error
	timer := time.NewTimer(c.opts.JoinTimeout)
	defer timer.Stop()
	select {
	case <-r.done:
	case <-timer.C:
		c.stats.joinTimeouts.Add(1)
		metrics.RecordJoinTimeout(c.label)
		joinErr = camera.ErrWorkerJoinTimeout
		c.logger.Warn("Fetch worker did not exit in time", "device", c.label, "timeout", c.opts.JoinTimeout)
	}

	c.teardown(r, nil)
	c.logger.Info("Acquisition stopped", "device", c.label)
	return joinErr
}

// Close stops any stream, revokes the buffers and closes the device.
func (c *Controller) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.State() == StateClosed {
		return nil
	}
	if err := c.stop(); err != nil && !errors.Is(err, camera.ErrWorkerJoinTimeout) {
		c.logger.Warn("Stop during close failed", "device", c.label, "error", err)
	}

	var errs []error
	c.mu.Lock()
	pool := c.pool
	c.pool = nil
	c.mu.Unlock()
	if pool != nil {
		pool.Reclaim()
		if err := pool.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("destroy buffer pool: %w", err))
		}
	}
	if err := c.device.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close device: %w", err))
	}
	c.setState(StateClosed, nil)
	metrics.DeleteDevice(c.label)
	return errors.Join(errs...)
}

// Stats returns a snapshot of the controller counters.
func (c *Controller) Stats() AcquisitionStats {
	c.mu.Lock()
	s := AcquisitionStats{State: c.state}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	pool := c.pool
	c.mu.Unlock()

	s.Fetched = c.stats.fetched.Load()
	s.Delivered = c.stats.delivered.Load()
	s.Timeouts = c.stats.timeouts.Load()
	s.ConsecutiveTimeouts = c.stats.consecutive.Load()
	s.DroppedConvert = c.stats.droppedConvert.Load()
	s.DroppedEncode = c.stats.droppedEncode.Load()
	s.Evicted = c.stats.evicted.Load()
	s.JoinTimeouts = c.stats.joinTimeouts.Load()
	if pool != nil {
		s.Pool = pool.Stats()
	}
	return s
}

// PoolStats returns the buffer pool counters.
func (c *Controller) PoolStats() bufferpool.PoolStats {
	c.mu.Lock()
	pool := c.pool
	c.mu.Unlock()
	if pool == nil {
		return bufferpool.PoolStats{}
	}
	return pool.Stats()
}
