package sim

import (
	"fmt"

	"github.com/smazurov/camfeed/internal/camera"
)

// Converter is a reference implementation of the vendor conversion primitive.
// It demosaics with a nearest 2x2 cell, unpacks mono formats and decodes YUYV.
type Converter struct{}

// ConvertPixelFormat implements camera.Converter for RGB8 and BGR8 targets.
func (Converter) ConvertPixelFormat(src []byte, srcFormat, dstFormat camera.PixelFormat, width, height int, dst []byte) error {
	if dstFormat != camera.PixelFormatRGB8 && dstFormat != camera.PixelFormatBGR8 {
		return fmt.Errorf("conversion target %s: %w", dstFormat, camera.ErrUnsupportedPixelFormat)
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid geometry %dx%d", width, height)
	}
	if need := width * height * 3; len(dst) < need {
		return fmt.Errorf("destination holds %d bytes, need %d", len(dst), need)
	}
	if need := srcFormat.PayloadSize(width, height); len(src) < need {
		return fmt.Errorf("source holds %d bytes, need %d for %s", len(src), need, srcFormat)
	}

	pixel, err := pixelReader(src, srcFormat, width, height)
	if err != nil {
		return err
	}

	swap := dstFormat == camera.PixelFormatBGR8
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b := pixel(x, y)
			o := (y*width + x) * 3
			if swap {
				r, b = b, r
			}
			dst[o], dst[o+1], dst[o+2] = r, g, b
		}
	}
	return nil
}

type readFunc func(x, y int) (r, g, b byte)

func pixelReader(src []byte, pf camera.PixelFormat, w, h int) (readFunc, error) {
	if layout, ok := bayerLayout(pf); ok {
		return func(x, y int) (byte, byte, byte) {
			return demosaic(src, pf, layout, w, h, x, y)
		}, nil
	}

	switch {
	case pf.IsMono() && pf.IsPacked():
		values := unpackLSB(src, w*h, pf.BitsPerPixel())
		shift := pf.BitsPerPixel() - 8
		return func(x, y int) (byte, byte, byte) {
			v := byte(values[y*w+x] >> shift)
			return v, v, v
		}, nil
	case pf.IsMono():
		return func(x, y int) (byte, byte, byte) {
			v := readSample(src, pf, y*w+x)
			return v, v, v
		}, nil
	}

	switch pf {
	case camera.PixelFormatRGB8:
		return func(x, y int) (byte, byte, byte) {
			i := (y*w + x) * 3
			return src[i], src[i+1], src[i+2]
		}, nil
	case camera.PixelFormatBGR8:
		return func(x, y int) (byte, byte, byte) {
			i := (y*w + x) * 3
			return src[i+2], src[i+1], src[i]
		}, nil
	case camera.PixelFormatRGBa8:
		return func(x, y int) (byte, byte, byte) {
			i := (y*w + x) * 4
			return src[i], src[i+1], src[i+2]
		}, nil
	case camera.PixelFormatBGRa8:
		return func(x, y int) (byte, byte, byte) {
			i := (y*w + x) * 4
			return src[i+2], src[i+1], src[i]
		}, nil
	case camera.PixelFormatYUV422_8:
		return func(x, y int) (byte, byte, byte) {
			pair := y*w + x&^1
			yy := src[(y*w+x)*2]
			u := src[pair*2+1]
			v := u
			if x|1 < w {
				v = src[(pair+1)*2+1]
			}
			return yuvToRGB(yy, u, v)
		}, nil
	}
	return nil, fmt.Errorf("source %s: %w", pf, camera.ErrUnsupportedPixelFormat)
}

// demosaic reconstructs one pixel from the 2x2 filter cell that contains it.
func demosaic(src []byte, pf camera.PixelFormat, layout [4]byte, w, h, x, y int) (r, g, b byte) {
	cx, cy := x&^1, y&^1
	var gsum, gn int
	for dy := 0; dy < 2; dy++ {
		for dx := 0; dx < 2; dx++ {
			sx, sy := min(cx+dx, w-1), min(cy+dy, h-1)
			v := readSample(src, pf, sy*w+sx)
			switch layout[dy*2+dx] {
			case 'R':
				r = v
			case 'B':
				b = v
			default:
				gsum += int(v)
				gn++
			}
		}
	}
	if gn > 0 {
		g = byte(gsum / gn)
	}
	return r, g, b
}
