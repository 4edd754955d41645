// Package pixel normalizes raw sensor buffers into interleaved 8-bit images.
package pixel

import (
	"fmt"
	"strings"

	"github.com/smazurov/camfeed/internal/camera"
)

// Image is an interleaved 8-bit image. Format is RGB8, BGR8 or Mono8 and
// tells the channel order of Pix.
type Image struct {
	Width  int
	Height int
	Format camera.PixelFormat
	Pix    []byte
}

// Channels returns the number of interleaved channels.
func (im Image) Channels() int {
	if im.Format == camera.PixelFormatMono8 {
		return 1
	}
	return 3
}

// MonoMode decides how single channel sources are emitted.
type MonoMode int

const (
	// MonoReplicate expands grey into all three output channels.
	MonoReplicate MonoMode = iota
	// MonoSingle emits a one channel image without copying.
	MonoSingle
)

// Converter turns raw buffers into Images. It reuses one scratch buffer, so
// the Image it returns is valid until the next Convert call. It is not safe
// for concurrent use.
type Converter struct {
	vendor  camera.Converter
	target  camera.PixelFormat
	mono    MonoMode
	scratch []byte
}

// Option configures a Converter.
type Option func(*Converter)

// WithTarget selects RGB8 (default) or BGR8 output.
func WithTarget(pf camera.PixelFormat) Option {
	return func(c *Converter) {
		c.target = pf
	}
}

// WithMonoMode selects how Mono8 sources are emitted.
func WithMonoMode(m MonoMode) Option {
	return func(c *Converter) {
		c.mono = m
	}
}

// New creates a converter. vendor handles Bayer, packed and YUV layouts and
// may be nil, in which case those formats are unsupported.
func New(vendor camera.Converter, opts ...Option) *Converter {
	c := &Converter{vendor: vendor, target: camera.PixelFormatRGB8}
	for _, opt := range opts {
		opt(c)
	}
	if c.target != camera.PixelFormatBGR8 {
		c.target = camera.PixelFormatRGB8
	}
	return c
}

// Target returns the three channel output format.
func (c *Converter) Target() camera.PixelFormat { return c.target }

// Convert normalizes raw, a w x h frame in format pf.
func (c *Converter) Convert(raw []byte, w, h int, pf camera.PixelFormat) (Image, error) {
	if w <= 0 || h <= 0 {
		return Image{}, fmt.Errorf("invalid geometry %dx%d", w, h)
	}
	if need := pf.PayloadSize(w, h); pf != camera.PixelFormatUnknown && len(raw) < need {
		return Image{}, fmt.Errorf("%s frame %dx%d needs %d bytes, got %d", pf, w, h, need, len(raw))
	}
	n := w * h

	switch {
	case pf == c.target:
		return Image{Width: w, Height: h, Format: pf, Pix: raw[:n*3]}, nil

	case pf == camera.PixelFormatMono8:
		if c.mono == MonoSingle {
			return Image{Width: w, Height: h, Format: pf, Pix: raw[:n]}, nil
		}
		dst := c.buffer(n * 3)
		for i, v := range raw[:n] {
			dst[i*3], dst[i*3+1], dst[i*3+2] = v, v, v
		}
		return Image{Width: w, Height: h, Format: c.target, Pix: dst}, nil

	case isInterleavedColor(pf):
		return c.reorder(raw, w, h, pf)

	case pf.IsBayer() || pf.IsMono() || pf == camera.PixelFormatYUV422_8:
		if c.vendor == nil {
			return Image{}, c.unsupported(pf)
		}
		dst := c.buffer(n * 3)
		if err := c.vendor.ConvertPixelFormat(raw, pf, c.target, w, h, dst); err != nil {
			return Image{}, fmt.Errorf("vendor conversion %s to %s: %w", pf, c.target, err)
		}
		return Image{Width: w, Height: h, Format: c.target, Pix: dst}, nil
	}
	return Image{}, c.unsupported(pf)
}

// reorder deinterleaves a strided color buffer and recomposes it in target order.
func (c *Converter) reorder(raw []byte, w, h int, pf camera.PixelFormat) (Image, error) {
	src := channelOrder(pf)
	planes, err := Deinterleave(raw, w, h, len(src))
	if err != nil {
		return Image{}, err
	}
	want := channelOrder(c.target)
	order := make([]int, len(want))
	for i, ch := range want {
		order[i] = strings.IndexRune(src, ch)
	}
	pix, err := Interleave(planes, order, c.buffer(w*h*3))
	if err != nil {
		return Image{}, err
	}
	c.scratch = pix
	return Image{Width: w, Height: h, Format: c.target, Pix: pix}, nil
}

func (c *Converter) buffer(n int) []byte {
	if cap(c.scratch) < n {
		c.scratch = make([]byte, n)
	}
	return c.scratch[:n]
}

func (c *Converter) unsupported(pf camera.PixelFormat) error {
	return camera.NewError(camera.ErrCodeUnsupportedPixelFormat,
		fmt.Sprintf("cannot convert %s to %s", pf, c.target), nil)
}

func isInterleavedColor(pf camera.PixelFormat) bool {
	return channelOrder(pf) != ""
}

// channelOrder names the channel at each byte offset of one pixel.
func channelOrder(pf camera.PixelFormat) string {
	switch pf {
	case camera.PixelFormatRGB8:
		return "RGB"
	case camera.PixelFormatBGR8:
		return "BGR"
	case camera.PixelFormatRGBa8:
		return "RGBA"
	case camera.PixelFormatBGRa8:
		return "BGRA"
	}
	return ""
}
