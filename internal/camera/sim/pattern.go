package sim

import "github.com/smazurov/camfeed/internal/camera"

// pixelFormatOrder is the entry order of the PixelFormat enumeration.
var pixelFormatOrder = []camera.PixelFormat{
	camera.PixelFormatMono8,
	camera.PixelFormatMono10,
	camera.PixelFormatMono12,
	camera.PixelFormatMono10p,
	camera.PixelFormatMono12p,
	camera.PixelFormatBayerGR8,
	camera.PixelFormatBayerRG8,
	camera.PixelFormatBayerGB8,
	camera.PixelFormatBayerBG8,
	camera.PixelFormatBayerRG10,
	camera.PixelFormatBayerRG12,
	camera.PixelFormatRGB8,
	camera.PixelFormatBGR8,
	camera.PixelFormatRGBa8,
	camera.PixelFormatBGRa8,
	camera.PixelFormatYUV422_8,
}

// bayerLayout returns the color of each position in the 2x2 filter cell,
// indexed by dy*2+dx.
func bayerLayout(pf camera.PixelFormat) ([4]byte, bool) {
	switch pf {
	case camera.PixelFormatBayerRG8, camera.PixelFormatBayerRG10, camera.PixelFormatBayerRG12:
		return [4]byte{'R', 'G', 'G', 'B'}, true
	case camera.PixelFormatBayerGR8:
		return [4]byte{'G', 'R', 'B', 'G'}, true
	case camera.PixelFormatBayerGB8:
		return [4]byte{'G', 'B', 'R', 'G'}, true
	case camera.PixelFormatBayerBG8:
		return [4]byte{'B', 'G', 'G', 'R'}, true
	}
	return [4]byte{}, false
}

func patternColor(x, y, w, h int, frame uint64) (r, g, b byte) {
	r = byte(x*255/max(w-1, 1) + int(frame))
	g = byte(y * 255 / max(h-1, 1))
	b = byte(x + y + int(frame)*3)
	return r, g, b
}

func luma(r, g, b byte) byte {
	return byte((int(r)*77 + int(g)*150 + int(b)*29) >> 8)
}

// fillPattern renders a moving gradient into mem using the layout of pf.
func fillPattern(mem []byte, w, h int, pf camera.PixelFormat, frame uint64, reverseX bool) {
	var packed []uint16
	if pf.IsPacked() {
		packed = make([]uint16, 0, w*h)
	}
	layout, bayer := bayerLayout(pf)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx := x
			if reverseX {
				sx = w - 1 - x
			}
			r, g, b := patternColor(sx, y, w, h, frame)
			i := y*w + x

			switch {
			case bayer:
				var v byte
				switch layout[(y&1)*2+(x&1)] {
				case 'R':
					v = r
				case 'G':
					v = g
				default:
					v = b
				}
				writeSample(mem, pf, i, v)
			case pf.IsMono():
				if pf.IsPacked() {
					packed = append(packed, uint16(luma(r, g, b))<<(pf.BitsPerPixel()-8))
				} else {
					writeSample(mem, pf, i, luma(r, g, b))
				}
			case pf == camera.PixelFormatRGB8:
				mem[i*3], mem[i*3+1], mem[i*3+2] = r, g, b
			case pf == camera.PixelFormatBGR8:
				mem[i*3], mem[i*3+1], mem[i*3+2] = b, g, r
			case pf == camera.PixelFormatRGBa8:
				mem[i*4], mem[i*4+1], mem[i*4+2], mem[i*4+3] = r, g, b, 0xFF
			case pf == camera.PixelFormatBGRa8:
				mem[i*4], mem[i*4+1], mem[i*4+2], mem[i*4+3] = b, g, r, 0xFF
			case pf == camera.PixelFormatYUV422_8:
				yy, u, v := rgbToYUV(r, g, b)
				mem[i*2] = yy
				if x&1 == 0 {
					mem[i*2+1] = u
				} else {
					mem[i*2+1] = v
				}
			}
		}
	}

	if packed != nil {
		packLSB(mem, packed, pf.BitsPerPixel())
	}
}

// writeSample stores an 8-bit sample in an 8 or 16 bit container.
func writeSample(mem []byte, pf camera.PixelFormat, i int, v byte) {
	if pf.BytesPerPixel() == 1 {
		mem[i] = v
		return
	}
	wide := uint16(v) << (pf.BitsPerPixel() - 8)
	mem[i*2] = byte(wide)
	mem[i*2+1] = byte(wide >> 8)
}

// readSample returns the sample at pixel i scaled to 8 bits.
func readSample(src []byte, pf camera.PixelFormat, i int) byte {
	if pf.BytesPerPixel() == 1 {
		return src[i]
	}
	wide := uint16(src[i*2]) | uint16(src[i*2+1])<<8
	return byte(wide >> (pf.BitsPerPixel() - 8))
}

// packLSB writes values of the given bit width as a continuous little-endian
// bit stream, as used by the GenICam "p" formats.
func packLSB(dst []byte, values []uint16, bits int) {
	clear(dst)
	bit := 0
	for _, v := range values {
		for k := 0; k < bits; k++ {
			if v&(1<<k) != 0 {
				dst[bit>>3] |= 1 << (bit & 7)
			}
			bit++
		}
	}
}

// unpackLSB reads n values of the given bit width from a packed stream.
func unpackLSB(src []byte, n, bits int) []uint16 {
	out := make([]uint16, n)
	bit := 0
	for i := range out {
		var v uint16
		for k := 0; k < bits; k++ {
			if src[bit>>3]&(1<<(bit&7)) != 0 {
				v |= 1 << k
			}
			bit++
		}
		out[i] = v
	}
	return out
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

func rgbToYUV(r, g, b byte) (y, u, v byte) {
	ri, gi, bi := int(r), int(g), int(b)
	y = clampByte((77*ri + 150*gi + 29*bi) >> 8)
	u = clampByte(((-43*ri - 85*gi + 128*bi) >> 8) + 128)
	v = clampByte(((128*ri - 107*gi - 21*bi) >> 8) + 128)
	return y, u, v
}

func yuvToRGB(y, u, v byte) (r, g, b byte) {
	yi, ui, vi := int(y), int(u)-128, int(v)-128
	r = clampByte(yi + (359*vi)>>8)
	g = clampByte(yi - (88*ui+183*vi)>>8)
	b = clampByte(yi + (454*ui)>>8)
	return r, g, b
}
