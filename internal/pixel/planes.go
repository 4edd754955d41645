package pixel

import "fmt"

// Plane is one channel of an image, row-major, Width*Height bytes.
type Plane struct {
	Width  int
	Height int
	Pix    []byte
}

// Deinterleave splits an interleaved buffer into stride planes. Channel c is
// buf[c], buf[c+stride], buf[c+2*stride], ... laid out row-major as an
// h x w plane.
func Deinterleave(buf []byte, w, h, stride int) ([]Plane, error) {
	if w <= 0 || h <= 0 || stride <= 0 {
		return nil, fmt.Errorf("invalid geometry %dx%d stride %d", w, h, stride)
	}
	n := w * h
	if len(buf) < n*stride {
		return nil, fmt.Errorf("buffer holds %d bytes, need %d", len(buf), n*stride)
	}

	planes := make([]Plane, stride)
	for c := range planes {
		pix := make([]byte, n)
		for i, j := 0, c; i < n; i, j = i+1, j+stride {
			pix[i] = buf[j]
		}
		planes[c] = Plane{Width: w, Height: h, Pix: pix}
	}
	return planes, nil
}

// Interleave writes planes[order[0]], planes[order[1]], ... pixel by pixel
// into dst and returns it. dst is grown when too small.
func Interleave(planes []Plane, order []int, dst []byte) ([]byte, error) {
	if len(planes) == 0 || len(order) == 0 {
		return nil, fmt.Errorf("nothing to interleave")
	}
	w, h := planes[0].Width, planes[0].Height
	for _, idx := range order {
		if idx < 0 || idx >= len(planes) {
			return nil, fmt.Errorf("channel %d out of range", idx)
		}
		if planes[idx].Width != w || planes[idx].Height != h {
			return nil, fmt.Errorf("plane %d is %dx%d, want %dx%d", idx, planes[idx].Width, planes[idx].Height, w, h)
		}
	}

	n := w * h
	channels := len(order)
	if cap(dst) < n*channels {
		dst = make([]byte, n*channels)
	}
	dst = dst[:n*channels]
	for c, idx := range order {
		src := planes[idx].Pix
		for i, j := 0, c; i < n; i, j = i+1, j+channels {
			dst[j] = src[i]
		}
	}
	return dst, nil
}
