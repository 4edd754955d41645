// Package encoder compresses normalized images into JPEG payloads.
package encoder

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"github.com/smazurov/camfeed/internal/camera"
	"github.com/smazurov/camfeed/internal/pixel"
)

// DefaultQuality is the JPEG quality used when none is configured.
const DefaultQuality = 80

// MaxDimension bounds each side of an encoded image.
const MaxDimension = 8192

// Size is an optional output geometry. A zero dimension keeps the aspect ratio.
type Size struct {
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
}

// IsZero reports whether no resize was requested.
func (s Size) IsZero() bool { return s.Width <= 0 && s.Height <= 0 }

// Resolve fills a missing dimension from the source aspect ratio.
func (s Size) Resolve(srcW, srcH int) (int, int) {
	w, h := s.Width, s.Height
	switch {
	case w <= 0 && h <= 0:
		return srcW, srcH
	case w <= 0:
		w = max(1, (srcW*h+srcH/2)/srcH)
	case h <= 0:
		h = max(1, (srcH*w+srcW/2)/srcW)
	}
	return w, h
}

// Options configures an Encoder.
type Options struct {
	Quality       int
	Interpolation string
}

// Encoder turns pixel images into JPEG bytes. It keeps scratch images between
// calls and is not safe for concurrent use.
type Encoder struct {
	quality int
	scaler  draw.Scaler
	rgba    *image.RGBA
	scaled  draw.Image
}

// New creates an encoder. Interpolation is "nearest", "bilinear" (default)
// or "catmullrom".
func New(opts Options) *Encoder {
	q := opts.Quality
	if q <= 0 {
		q = DefaultQuality
	}
	return &Encoder{
		quality: min(q, 100),
		scaler:  ScalerFor(opts.Interpolation),
	}
}

// ScalerFor maps an interpolation name to an x/image scaler.
func ScalerFor(name string) draw.Scaler {
	switch name {
	case "nearest":
		return draw.NearestNeighbor
	case "catmullrom":
		return draw.CatmullRom
	default:
		return draw.BiLinear
	}
}

// Quality returns the configured JPEG quality.
func (e *Encoder) Quality() int { return e.quality }

// Encode compresses im, resizing it first when size is non-zero.
func (e *Encoder) Encode(im pixel.Image, size Size) ([]byte, error) {
	src, err := e.toImage(im)
	if err != nil {
		return nil, encodeFailed(err)
	}

	var out image.Image = src
	if !size.IsZero() {
		w, h := size.Resolve(im.Width, im.Height)
		if w <= 0 || h <= 0 || w > MaxDimension || h > MaxDimension {
			return nil, encodeFailed(fmt.Errorf("output size %dx%d outside 1..%d", w, h, MaxDimension))
		}
		if w != im.Width || h != im.Height {
			out = e.resize(src, w, h)
		}
	}

	var buf bytes.Buffer
	buf.Grow(im.Width * im.Height / 4)
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: e.quality}); err != nil {
		return nil, encodeFailed(err)
	}
	return buf.Bytes(), nil
}

func (e *Encoder) toImage(im pixel.Image) (image.Image, error) {
	n := im.Width * im.Height
	if n <= 0 {
		return nil, fmt.Errorf("empty image %dx%d", im.Width, im.Height)
	}
	if len(im.Pix) < n*im.Channels() {
		return nil, fmt.Errorf("image data holds %d bytes, need %d", len(im.Pix), n*im.Channels())
	}
	rect := image.Rect(0, 0, im.Width, im.Height)

	switch im.Format {
	case camera.PixelFormatMono8:
		return &image.Gray{Pix: im.Pix[:n], Stride: im.Width, Rect: rect}, nil
	case camera.PixelFormatRGB8, camera.PixelFormatBGR8:
	default:
		return nil, fmt.Errorf("cannot encode %s", im.Format)
	}

	if e.rgba == nil || e.rgba.Rect != rect {
		e.rgba = image.NewRGBA(rect)
	}
	ri, bi := 0, 2
	if im.Format == camera.PixelFormatBGR8 {
		ri, bi = 2, 0
	}
	dst := e.rgba.Pix
	for i, j := 0, 0; i < n*3; i, j = i+3, j+4 {
		dst[j] = im.Pix[i+ri]
		dst[j+1] = im.Pix[i+1]
		dst[j+2] = im.Pix[i+bi]
		dst[j+3] = 0xFF
	}
	return e.rgba, nil
}

func (e *Encoder) resize(src image.Image, w, h int) image.Image {
	rect := image.Rect(0, 0, w, h)
	if e.scaled == nil || e.scaled.Bounds() != rect || !sameModel(e.scaled, src) {
		if _, gray := src.(*image.Gray); gray {
			e.scaled = image.NewGray(rect)
		} else {
			e.scaled = image.NewRGBA(rect)
		}
	}
	e.scaler.Scale(e.scaled, rect, src, src.Bounds(), draw.Src, nil)
	return e.scaled
}

func sameModel(a, b image.Image) bool {
	return a.ColorModel() == b.ColorModel()
}

func encodeFailed(cause error) error {
	return camera.NewError(camera.ErrCodeEncodeFailed, "jpeg encoding failed", cause)
}
