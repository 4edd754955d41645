package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smazurov/camfeed/internal/camera"
)

func openTestDevice(t *testing.T, opts Options) *Device {
	t.Helper()
	m := NewManager(opts)
	descs, err := m.EnumerateDevices(context.Background())
	if err != nil {
		t.Fatalf("EnumerateDevices: %v", err)
	}
	dev, err := m.OpenDevice(context.Background(), descs[0])
	if err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	return dev.(*Device)
}

func setEnum(t *testing.T, d *Device, name, value string) {
	t.Helper()
	n, err := d.NodeMap().FindNode(name)
	if err != nil {
		t.Fatalf("FindNode(%s): %v", name, err)
	}
	if err := n.(camera.EnumerationNode).SetCurrentEntry(value); err != nil {
		t.Fatalf("SetCurrentEntry(%s=%s): %v", name, value, err)
	}
}

func TestDeviceDeliversQueuedBuffers(t *testing.T) {
	d := openTestDevice(t, Options{Width: 32, Height: 16, FrameRate: 200, PixelFormat: camera.PixelFormatMono8})
	setEnum(t, d, "TriggerMode", "Off")

	size := camera.PixelFormatMono8.PayloadSize(32, 16)
	h, mem, err := d.AllocateAndAnnounceBuffer(size)
	if err != nil {
		t.Fatalf("AllocateAndAnnounceBuffer: %v", err)
	}
	if len(mem) != size {
		t.Fatalf("buffer size = %d, want %d", len(mem), size)
	}
	if err := d.QueueBuffer(h); err != nil {
		t.Fatalf("QueueBuffer: %v", err)
	}
	if err := d.StartAcquisition(); err != nil {
		t.Fatalf("StartAcquisition: %v", err)
	}
	start, _ := d.NodeMap().FindNode("AcquisitionStart")
	if err := start.(camera.CommandNode).Execute(); err != nil {
		t.Fatalf("AcquisitionStart: %v", err)
	}

	fb, err := d.WaitForFinishedBuffer(time.Second)
	if err != nil {
		t.Fatalf("WaitForFinishedBuffer: %v", err)
	}
	if fb.Handle != h || fb.Width != 32 || fb.Height != 16 || fb.PixelFormat != camera.PixelFormatMono8 {
		t.Errorf("unexpected finished buffer %+v", fb)
	}

	// the only buffer is now outstanding, so the next wait must time out
	if _, err := d.WaitForFinishedBuffer(30 * time.Millisecond); !errors.Is(err, camera.ErrBufferTimeout) {
		t.Errorf("expected ErrBufferTimeout, got %v", err)
	}
	if err := d.StopAcquisition(); err != nil {
		t.Fatalf("StopAcquisition: %v", err)
	}
}

func TestDeviceKillWait(t *testing.T) {
	d := openTestDevice(t, Options{})
	done := make(chan error, 1)
	go func() {
		_, err := d.WaitForFinishedBuffer(5 * time.Second)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	d.KillWait()

	select {
	case err := <-done:
		if !errors.Is(err, camera.ErrWaitAborted) {
			t.Errorf("expected ErrWaitAborted, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wait was not aborted")
	}
}

func TestDeviceLockedGeometry(t *testing.T) {
	d := openTestDevice(t, Options{})
	nm := d.NodeMap()
	lock, _ := nm.FindNode("TLParamsLocked")
	width, _ := nm.FindNode("Width")

	if err := lock.(camera.IntegerNode).SetValue(1); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if width.Writable() {
		t.Error("Width writable while locked")
	}
	if err := width.(camera.IntegerNode).SetValue(64); err == nil {
		t.Error("expected error setting Width while locked")
	}
	if err := lock.(camera.IntegerNode).SetValue(0); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := width.(camera.IntegerNode).SetValue(64); err != nil {
		t.Errorf("SetValue after unlock: %v", err)
	}

	payload, _ := nm.FindNode("PayloadSize")
	got, _ := payload.(camera.IntegerNode).Value()
	h, _ := d.height.Value()
	if want := int64(d.currentFormat().PayloadSize(64, int(h))); got != want {
		t.Errorf("PayloadSize = %d, want %d", got, want)
	}
}

func TestDeviceRejectsOffIncrement(t *testing.T) {
	d := openTestDevice(t, Options{})
	n, _ := d.NodeMap().FindNode("BlackLevel")
	f := n.(camera.FloatNode)
	if err := f.SetValue(53); err == nil {
		t.Error("expected increment error for 53")
	}
	if err := f.SetValue(55); err != nil {
		t.Errorf("SetValue(55): %v", err)
	}
	if err := f.SetValue(105); err == nil {
		t.Error("expected range error for 105")
	}
}

func TestOpenDeviceTwice(t *testing.T) {
	m := NewManagerN(1)
	descs, _ := m.EnumerateDevices(context.Background())
	dev, err := m.OpenDevice(context.Background(), descs[0])
	if err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	if _, err := m.OpenDevice(context.Background(), descs[0]); !errors.Is(err, camera.ErrHandleCreationFailed) {
		t.Errorf("expected ErrHandleCreationFailed, got %v", err)
	}
	dev.Close()
	if _, err := m.OpenDevice(context.Background(), descs[0]); err != nil {
		t.Errorf("reopen after close: %v", err)
	}
}

func TestConverter(t *testing.T) {
	tests := []struct {
		name string
		pf   camera.PixelFormat
	}{
		{"bayer rg8", camera.PixelFormatBayerRG8},
		{"bayer bg8", camera.PixelFormatBayerBG8},
		{"bayer rg12", camera.PixelFormatBayerRG12},
		{"mono10p", camera.PixelFormatMono10p},
		{"mono12p", camera.PixelFormatMono12p},
		{"mono12", camera.PixelFormatMono12},
		{"yuv422", camera.PixelFormatYUV422_8},
		{"bgra8", camera.PixelFormatBGRa8},
	}

	const w, h = 8, 4
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := make([]byte, tt.pf.PayloadSize(w, h))
			fillPattern(src, w, h, tt.pf, 0, false)
			dst := make([]byte, w*h*3)
			if err := (Converter{}).ConvertPixelFormat(src, tt.pf, camera.PixelFormatRGB8, w, h, dst); err != nil {
				t.Fatalf("ConvertPixelFormat: %v", err)
			}
			nonZero := false
			for _, b := range dst {
				if b != 0 {
					nonZero = true
					break
				}
			}
			if !nonZero {
				t.Error("converted image is empty")
			}
		})
	}
}

func TestConverterMonoPackedRoundTrip(t *testing.T) {
	const w, h = 5, 3
	src := make([]byte, camera.PixelFormatMono10p.PayloadSize(w, h))
	fillPattern(src, w, h, camera.PixelFormatMono10p, 7, false)

	dst := make([]byte, w*h*3)
	if err := (Converter{}).ConvertPixelFormat(src, camera.PixelFormatMono10p, camera.PixelFormatRGB8, w, h, dst); err != nil {
		t.Fatalf("ConvertPixelFormat: %v", err)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b := patternColor(x, y, w, h, 7)
			want := luma(r, g, b)
			o := (y*w + x) * 3
			if dst[o] != want || dst[o+1] != want || dst[o+2] != want {
				t.Fatalf("pixel (%d,%d) = %v, want %d", x, y, dst[o:o+3], want)
			}
		}
	}
}

func TestConverterRejectsSmallDestination(t *testing.T) {
	src := make([]byte, 16)
	dst := make([]byte, 10)
	err := (Converter{}).ConvertPixelFormat(src, camera.PixelFormatMono8, camera.PixelFormatRGB8, 4, 4, dst)
	if err == nil {
		t.Error("expected error for undersized destination")
	}
}
