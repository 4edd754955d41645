package pixel

import (
	"bytes"
	"errors"
	"testing"

	"github.com/smazurov/camfeed/internal/camera"
	"github.com/smazurov/camfeed/internal/camera/sim"
)

func TestDeinterleaveStride3(t *testing.T) {
	const r0, g0, b0, r1, g1, b1 = 10, 20, 30, 11, 21, 31
	planes, err := Deinterleave([]byte{r0, g0, b0, r1, g1, b1}, 2, 1, 3)
	if err != nil {
		t.Fatalf("Deinterleave: %v", err)
	}
	want := [][]byte{{r0, r1}, {g0, g1}, {b0, b1}}
	for c, p := range planes {
		if p.Width != 2 || p.Height != 1 {
			t.Errorf("plane %d is %dx%d", c, p.Width, p.Height)
		}
		if !bytes.Equal(p.Pix, want[c]) {
			t.Errorf("plane %d = %v, want %v", c, p.Pix, want[c])
		}
	}
}

func TestDeinterleaveRowMajor(t *testing.T) {
	// 2x2 image, pixel value encodes position: row*10 + col
	buf := []byte{
		0, 100, 200, 1, 101, 201,
		10, 110, 210, 11, 111, 211,
	}
	planes, err := Deinterleave(buf, 2, 2, 3)
	if err != nil {
		t.Fatalf("Deinterleave: %v", err)
	}
	want := [][]byte{
		{0, 1, 10, 11},
		{100, 101, 110, 111},
		{200, 201, 210, 211},
	}
	for c, p := range planes {
		if !bytes.Equal(p.Pix, want[c]) {
			t.Errorf("plane %d = %v, want %v", c, p.Pix, want[c])
		}
	}
}

func TestDeinterleaveShortBuffer(t *testing.T) {
	if _, err := Deinterleave(make([]byte, 5), 2, 1, 3); err == nil {
		t.Error("expected error for short buffer")
	}
}

func TestConvertBypass(t *testing.T) {
	c := New(nil)
	raw := []byte{1, 2, 3, 4, 5, 6}
	im, err := c.Convert(raw, 2, 1, camera.PixelFormatRGB8)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if &im.Pix[0] != &raw[0] {
		t.Error("bypass copied the buffer")
	}
	if im.Format != camera.PixelFormatRGB8 {
		t.Errorf("format = %s", im.Format)
	}
}

func TestConvertReorder(t *testing.T) {
	tests := []struct {
		name   string
		src    camera.PixelFormat
		target camera.PixelFormat
		raw    []byte
		want   []byte
	}{
		{"bgr to rgb", camera.PixelFormatBGR8, camera.PixelFormatRGB8,
			[]byte{3, 2, 1, 6, 5, 4}, []byte{1, 2, 3, 4, 5, 6}},
		{"rgb to bgr", camera.PixelFormatRGB8, camera.PixelFormatBGR8,
			[]byte{1, 2, 3, 4, 5, 6}, []byte{3, 2, 1, 6, 5, 4}},
		{"bgra to rgb", camera.PixelFormatBGRa8, camera.PixelFormatRGB8,
			[]byte{3, 2, 1, 255, 6, 5, 4, 255}, []byte{1, 2, 3, 4, 5, 6}},
		{"rgba to bgr", camera.PixelFormatRGBa8, camera.PixelFormatBGR8,
			[]byte{1, 2, 3, 255, 4, 5, 6, 255}, []byte{3, 2, 1, 6, 5, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(nil, WithTarget(tt.target))
			im, err := c.Convert(tt.raw, 2, 1, tt.src)
			if err != nil {
				t.Fatalf("Convert: %v", err)
			}
			if !bytes.Equal(im.Pix, tt.want) {
				t.Errorf("Pix = %v, want %v", im.Pix, tt.want)
			}
			if im.Format != tt.target {
				t.Errorf("Format = %s, want %s", im.Format, tt.target)
			}
		})
	}
}

func TestConvertMono(t *testing.T) {
	raw := []byte{7, 9}

	im, err := New(nil).Convert(raw, 2, 1, camera.PixelFormatMono8)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if !bytes.Equal(im.Pix, []byte{7, 7, 7, 9, 9, 9}) || im.Channels() != 3 {
		t.Errorf("replicate gave %v", im.Pix)
	}

	im, err = New(nil, WithMonoMode(MonoSingle)).Convert(raw, 2, 1, camera.PixelFormatMono8)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if im.Channels() != 1 || &im.Pix[0] != &raw[0] {
		t.Errorf("single channel mode copied or expanded: %+v", im)
	}
}

func TestConvertDelegates(t *testing.T) {
	const w, h = 4, 2
	raw := make([]byte, camera.PixelFormatBayerRG8.PayloadSize(w, h))
	for i := range raw {
		raw[i] = byte(i * 10)
	}

	if _, err := New(nil).Convert(raw, w, h, camera.PixelFormatBayerRG8); !errors.Is(err, camera.ErrUnsupportedPixelFormat) {
		t.Errorf("without vendor converter: %v", err)
	}

	im, err := New(sim.Converter{}).Convert(raw, w, h, camera.PixelFormatBayerRG8)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if len(im.Pix) != w*h*3 || im.Format != camera.PixelFormatRGB8 {
		t.Errorf("unexpected image %dx%d %s len %d", im.Width, im.Height, im.Format, len(im.Pix))
	}
	// top-left cell of an RG pattern: R at (0,0), B at (1,1)
	if im.Pix[0] != raw[0] || im.Pix[2] != raw[w+1] {
		t.Errorf("demosaic pixel 0 = %v", im.Pix[:3])
	}
}

func TestConvertUnsupported(t *testing.T) {
	_, err := New(sim.Converter{}).Convert(make([]byte, 64), 4, 4, camera.PixelFormat(0x7777))
	if !errors.Is(err, camera.ErrUnsupportedPixelFormat) {
		t.Errorf("expected ErrUnsupportedPixelFormat, got %v", err)
	}
}
