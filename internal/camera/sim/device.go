package sim

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/camfeed/internal/camera"
)

var errClosed = errors.New("device closed")

// Options describes one simulated camera.
type Options struct {
	Model        string
	SerialNumber string
	Width        int
	Height       int
	MaxWidth     int
	MaxHeight    int
	PixelFormat  camera.PixelFormat
	// PixelFormats lists the formats offered as available entries.
	PixelFormats []camera.PixelFormat
	FrameRate    float64
	MinBuffers   int
}

// DefaultOptions returns a small BayerRG8 sensor running at 30 fps.
func DefaultOptions() Options {
	return Options{
		Model:        "SIM-CAM-1",
		SerialNumber: "SIM0001",
		Width:        320,
		Height:       240,
		MaxWidth:     1280,
		MaxHeight:    960,
		PixelFormat:  camera.PixelFormatBayerRG8,
		PixelFormats: []camera.PixelFormat{
			camera.PixelFormatMono8,
			camera.PixelFormatMono10p,
			camera.PixelFormatMono12,
			camera.PixelFormatBayerRG8,
			camera.PixelFormatBayerBG8,
			camera.PixelFormatRGB8,
			camera.PixelFormatBGR8,
			camera.PixelFormatBGRa8,
			camera.PixelFormatYUV422_8,
		},
		FrameRate:  30,
		MinBuffers: 1,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Model == "" {
		o.Model = d.Model
	}
	if o.SerialNumber == "" {
		o.SerialNumber = d.SerialNumber
	}
	if o.Width <= 0 {
		o.Width = d.Width
	}
	if o.Height <= 0 {
		o.Height = d.Height
	}
	if o.MaxWidth < o.Width {
		o.MaxWidth = max(o.Width, d.MaxWidth)
	}
	if o.MaxHeight < o.Height {
		o.MaxHeight = max(o.Height, d.MaxHeight)
	}
	if o.PixelFormat == camera.PixelFormatUnknown {
		o.PixelFormat = d.PixelFormat
	}
	if len(o.PixelFormats) == 0 {
		o.PixelFormats = d.PixelFormats
	}
	if o.FrameRate <= 0 {
		o.FrameRate = d.FrameRate
	}
	if o.MinBuffers <= 0 {
		o.MinBuffers = d.MinBuffers
	}
	return o
}

// Stats counts simulated sensor activity.
type Stats struct {
	Produced uint64
	Lost     uint64
	Queued   int
	Pending  int
}

// Device is a simulated camera with a free-running test pattern sensor.
type Device struct {
	desc    camera.DeviceDescriptor
	opts    Options
	nodes   *nodeMap
	onClose func()

	width       *intNode
	height      *intNode
	pixelFormat *enumNode
	frameRate   *floatNode
	triggerMode *enumNode
	reverseX    *boolNode
	locked      *intNode

	mu         sync.Mutex
	closed     bool
	nextHandle camera.BufferHandle
	announced  map[camera.BufferHandle][]byte
	queued     []camera.BufferHandle
	done       []camera.FinishedBuffer
	streaming  bool
	sensorOn   bool
	frameID    uint64
	failNext   error
	startErr   error
	forcedFmt  camera.PixelFormat
	stopGen    chan struct{}
	genDone    chan struct{}

	ready    chan struct{}
	kill     chan struct{}
	stalled  atomic.Bool
	produced atomic.Uint64
	lost     atomic.Uint64
}

func newDevice(desc camera.DeviceDescriptor, opts Options, onClose func()) *Device {
	d := &Device{
		desc:      desc,
		opts:      opts,
		onClose:   onClose,
		announced: make(map[camera.BufferHandle][]byte),
		ready:     make(chan struct{}, 1),
		kill:      make(chan struct{}, 1),
	}
	d.buildNodeMap()
	return d
}

func (d *Device) buildNodeMap() {
	o := d.opts
	m := newNodeMap()
	unlocked := func() bool {
		v, _ := d.locked.Value()
		return v == 0
	}

	m.add(&stringNode{nodeBase: nodeBase{name: "DeviceModelName"}, value: o.Model})
	m.add(&stringNode{nodeBase: nodeBase{name: "DeviceSerialNumber"}, value: o.SerialNumber})

	d.locked = &intNode{nodeBase: nodeBase{name: "TLParamsLocked"}, min: 0, max: 1}
	d.width = &intNode{
		nodeBase: nodeBase{name: "Width", writable: unlocked},
		min:      16, max: int64(o.MaxWidth), value: int64(o.Width), initial: int64(o.Width),
	}
	d.height = &intNode{
		nodeBase: nodeBase{name: "Height", writable: unlocked},
		min:      16, max: int64(o.MaxHeight), value: int64(o.Height), initial: int64(o.Height),
	}
	m.add(d.width)
	m.add(d.height)

	symbols := make([]string, 0, len(pixelFormatOrder))
	for _, pf := range pixelFormatOrder {
		symbols = append(symbols, pf.String())
	}
	available := make([]string, 0, len(o.PixelFormats))
	for _, pf := range o.PixelFormats {
		available = append(available, pf.String())
	}
	d.pixelFormat = &enumNode{
		nodeBase: nodeBase{name: "PixelFormat", writable: unlocked},
		entries:  enumEntries(symbols, available),
		current:  o.PixelFormat.String(),
		initial:  o.PixelFormat.String(),
	}
	m.add(d.pixelFormat)

	m.add(&intNode{nodeBase: nodeBase{name: "PayloadSize"}, computed: d.payloadSize})
	m.add(d.locked)

	m.add(&floatNode{nodeBase: nodeBase{name: "ExposureTime"}, min: 20, max: 1_000_000, value: 10_000, initial: 10_000})
	m.add(&floatNode{nodeBase: nodeBase{name: "Gain"}, min: 1, max: 10, inc: 0.01, value: 1, initial: 1})
	d.frameRate = &floatNode{
		nodeBase: nodeBase{name: "AcquisitionFrameRate"},
		min:      1, max: max(o.FrameRate, 1), inc: 0.5, value: o.FrameRate, initial: o.FrameRate,
	}
	m.add(d.frameRate)
	m.add(&floatNode{nodeBase: nodeBase{name: "Gamma"}, min: 0.3, max: 3, inc: 0.01, value: 1, initial: 1})
	m.add(&floatNode{nodeBase: nodeBase{name: "BlackLevel"}, min: 0, max: 100, inc: 5, value: 10, initial: 10})

	autoModes := []string{"Off", "Once", "Continuous"}
	m.add(&enumNode{nodeBase: nodeBase{name: "GainAuto"}, entries: enumEntries(autoModes, nil), current: "Continuous", initial: "Continuous"})
	m.add(&enumNode{nodeBase: nodeBase{name: "ExposureAuto"}, entries: enumEntries(autoModes, nil), current: "Continuous", initial: "Continuous"})
	m.add(&enumNode{nodeBase: nodeBase{name: "BalanceWhiteAuto"}, entries: enumEntries(autoModes, nil), current: "Off", initial: "Off"})
	d.triggerMode = &enumNode{
		nodeBase: nodeBase{name: "TriggerMode"},
		entries:  enumEntries([]string{"Off", "On"}, nil),
		current:  "On", initial: "On",
	}
	m.add(d.triggerMode)

	d.reverseX = &boolNode{nodeBase: nodeBase{name: "ReverseX"}}
	m.add(d.reverseX)
	m.add(&boolNode{nodeBase: nodeBase{name: "ReverseY"}})

	m.add(&enumNode{
		nodeBase: nodeBase{name: "UserSetSelector"},
		entries:  enumEntries([]string{"Default", "UserSet0"}, []string{"Default"}),
		current:  "Default", initial: "Default",
	})
	m.add(&commandNode{nodeBase: nodeBase{name: "UserSetLoad", writable: unlocked}, run: func() error {
		m.resetAll()
		return nil
	}})
	m.add(&commandNode{nodeBase: nodeBase{name: "AcquisitionStart"}, run: func() error {
		d.mu.Lock()
		d.sensorOn = true
		d.mu.Unlock()
		return nil
	}})
	m.add(&commandNode{nodeBase: nodeBase{name: "AcquisitionStop"}, run: func() error {
		d.mu.Lock()
		d.sensorOn = false
		d.mu.Unlock()
		return nil
	}})

	d.nodes = m
}

func (d *Device) payloadSize() int64 {
	w, _ := d.width.Value()
	h, _ := d.height.Value()
	return int64(d.currentFormat().PayloadSize(int(w), int(h)))
}

func (d *Device) currentFormat() camera.PixelFormat {
	pf, _ := camera.ParsePixelFormat(d.pixelFormat.currentSymbol())
	return pf
}

// Descriptor implements camera.Device.
func (d *Device) Descriptor() camera.DeviceDescriptor { return d.desc }

// NodeMap implements camera.Device.
func (d *Device) NodeMap() camera.NodeMap { return d.nodes }

// MinAnnouncedBuffers implements camera.Device.
func (d *Device) MinAnnouncedBuffers() int { return d.opts.MinBuffers }

// AllocateAndAnnounceBuffer implements camera.Device.
func (d *Device) AllocateAndAnnounceBuffer(size int) (camera.BufferHandle, []byte, error) {
	if size <= 0 {
		return 0, nil, fmt.Errorf("invalid buffer size %d", size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, nil, errClosed
	}
	d.nextHandle++
	h := d.nextHandle
	mem := make([]byte, size)
	d.announced[h] = mem
	return h, mem, nil
}

// QueueBuffer implements camera.Device.
func (d *Device) QueueBuffer(h camera.BufferHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}
	if _, ok := d.announced[h]; !ok {
		return fmt.Errorf("buffer %d not announced", h)
	}
	if d.isQueuedLocked(h) {
		return fmt.Errorf("buffer %d already queued", h)
	}
	d.queued = append(d.queued, h)
	return nil
}

// RevokeBuffer implements camera.Device.
func (d *Device) RevokeBuffer(h camera.BufferHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.announced[h]; !ok {
		return fmt.Errorf("buffer %d not announced", h)
	}
	if d.isQueuedLocked(h) {
		return fmt.Errorf("buffer %d is queued", h)
	}
	delete(d.announced, h)
	return nil
}

func (d *Device) isQueuedLocked(h camera.BufferHandle) bool {
	for _, q := range d.queued {
		if q == h {
			return true
		}
	}
	for _, f := range d.done {
		if f.Handle == h {
			return true
		}
	}
	return false
}

// WaitForFinishedBuffer implements camera.Device.
func (d *Device) WaitForFinishedBuffer(timeout time.Duration) (camera.FinishedBuffer, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return camera.FinishedBuffer{}, errClosed
		}
		if err := d.failNext; err != nil {
			d.failNext = nil
			d.mu.Unlock()
			return camera.FinishedBuffer{}, err
		}
		if len(d.done) > 0 {
			fb := d.done[0]
			d.done = d.done[1:]
			d.mu.Unlock()
			return fb, nil
		}
		d.mu.Unlock()

		select {
		case <-d.ready:
		case <-d.kill:
			return camera.FinishedBuffer{}, camera.ErrWaitAborted
		case <-timer.C:
			return camera.FinishedBuffer{}, camera.ErrBufferTimeout
		}
	}
}

// KillWait aborts the current or next WaitForFinishedBuffer call.
func (d *Device) KillWait() error {
	select {
	case d.kill <- struct{}{}:
	default:
	}
	return nil
}

// Flush discards every queued and pending buffer. The memory stays announced.
func (d *Device) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queued = nil
	d.done = nil
	return nil
}

// StartAcquisition starts the data stream and the sensor clock.
func (d *Device) StartAcquisition() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}
	if err := d.startErr; err != nil {
		return err
	}
	if d.streaming {
		return errors.New("acquisition already started")
	}
	// a stale kill signal must not abort the first wait of a new run
	select {
	case <-d.kill:
	default:
	}
	d.streaming = true
	d.stopGen = make(chan struct{})
	d.genDone = make(chan struct{})
	go d.generate(d.stopGen, d.genDone)
	return nil
}

// StopAcquisition stops the data stream.
func (d *Device) StopAcquisition() error {
	d.mu.Lock()
	if !d.streaming {
		d.mu.Unlock()
		return nil
	}
	d.streaming = false
	stop, done := d.stopGen, d.genDone
	d.mu.Unlock()

	close(stop)
	<-done
	return nil
}

// Close stops acquisition and releases the device.
func (d *Device) Close() error {
	_ = d.StopAcquisition()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.announced = make(map[camera.BufferHandle][]byte)
	d.queued = nil
	d.done = nil
	d.mu.Unlock()

	if d.onClose != nil {
		d.onClose()
	}
	return nil
}

func (d *Device) generate(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		rate, _ := d.frameRate.Value()
		period := time.Duration(float64(time.Second) / max(rate, 1))
		select {
		case <-stop:
			return
		case <-time.After(period):
		}
		d.produce()
	}
}

func (d *Device) produce() {
	if d.stalled.Load() || d.triggerMode.currentSymbol() != "Off" {
		return
	}

	w, _ := d.width.Value()
	h, _ := d.height.Value()
	pf := d.currentFormat()
	reverse, _ := d.reverseX.Value()

	d.mu.Lock()
	if !d.sensorOn {
		d.mu.Unlock()
		return
	}
	d.frameID++
	if len(d.queued) == 0 {
		d.mu.Unlock()
		d.lost.Add(1)
		return
	}
	handle := d.queued[0]
	d.queued = d.queued[1:]
	mem := d.announced[handle]
	size := pf.PayloadSize(int(w), int(h))
	if size > len(mem) {
		// incomplete frame; the buffer goes back to the input queue
		d.queued = append(d.queued, handle)
		d.mu.Unlock()
		d.lost.Add(1)
		return
	}
	fillPattern(mem[:size], int(w), int(h), pf, d.frameID, reverse)
	reported := pf
	if d.forcedFmt != camera.PixelFormatUnknown {
		reported = d.forcedFmt
	}
	d.done = append(d.done, camera.FinishedBuffer{
		Handle:      handle,
		Width:       int(w),
		Height:      int(h),
		PixelFormat: reported,
		FrameID:     d.frameID,
		Timestamp:   time.Now(),
		Size:        size,
	})
	d.mu.Unlock()

	d.produced.Add(1)
	select {
	case d.ready <- struct{}{}:
	default:
	}
}

// Stall stops (true) or resumes (false) frame delivery without stopping the stream.
func (d *Device) Stall(stalled bool) {
	d.stalled.Store(stalled)
}

// FailNextWait makes the next WaitForFinishedBuffer return err.
func (d *Device) FailNextWait(err error) {
	d.mu.Lock()
	d.failNext = err
	d.mu.Unlock()
	select {
	case d.ready <- struct{}{}:
	default:
	}
}

// FailStart makes StartAcquisition return err until cleared with nil.
func (d *Device) FailStart(err error) {
	d.mu.Lock()
	d.startErr = err
	d.mu.Unlock()
}

// FailNodeWrite makes every write to the named node return err until cleared
// with nil. It reports whether the node exists.
func (d *Device) FailNodeWrite(name string, err error) bool {
	n, ok := d.nodes.nodes[name]
	if !ok {
		return false
	}
	f, ok := n.(interface{ setWriteFailure(error) })
	if ok {
		f.setWriteFailure(err)
	}
	return ok
}

// ReportPixelFormat overrides the pixel format stamped on finished buffers.
func (d *Device) ReportPixelFormat(pf camera.PixelFormat) {
	d.mu.Lock()
	d.forcedFmt = pf
	d.mu.Unlock()
}

// Announced returns the number of buffers currently announced.
func (d *Device) Announced() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.announced)
}

// Stats returns sensor counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Produced: d.produced.Load(),
		Lost:     d.lost.Load(),
		Queued:   len(d.queued),
		Pending:  len(d.done),
	}
}
