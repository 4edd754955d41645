package camera

import "fmt"

// PixelFormat is a GenICam PFNC pixel format code. Bits 16..23 of the code
// carry the effective bits per pixel.
type PixelFormat uint32

// Pixel formats understood by the pipeline.
const (
	PixelFormatUnknown PixelFormat = 0

	PixelFormatMono8   PixelFormat = 0x01080001
	PixelFormatMono10  PixelFormat = 0x01100003
	PixelFormatMono12  PixelFormat = 0x01100005
	PixelFormatMono10p PixelFormat = 0x010A0046
	PixelFormatMono12p PixelFormat = 0x010C0047

	PixelFormatBayerGR8  PixelFormat = 0x01080008
	PixelFormatBayerRG8  PixelFormat = 0x01080009
	PixelFormatBayerGB8  PixelFormat = 0x0108000A
	PixelFormatBayerBG8  PixelFormat = 0x0108000B
	PixelFormatBayerRG10 PixelFormat = 0x0110000D
	PixelFormatBayerRG12 PixelFormat = 0x01100011

	PixelFormatRGB8  PixelFormat = 0x02180014
	PixelFormatBGR8  PixelFormat = 0x02180015
	PixelFormatRGBa8 PixelFormat = 0x02200016
	PixelFormatBGRa8 PixelFormat = 0x02200017

	PixelFormatYUV422_8 PixelFormat = 0x02100032
)

var pixelFormatNames = map[PixelFormat]string{
	PixelFormatMono8:     "Mono8",
	PixelFormatMono10:    "Mono10",
	PixelFormatMono12:    "Mono12",
	PixelFormatMono10p:   "Mono10p",
	PixelFormatMono12p:   "Mono12p",
	PixelFormatBayerGR8:  "BayerGR8",
	PixelFormatBayerRG8:  "BayerRG8",
	PixelFormatBayerGB8:  "BayerGB8",
	PixelFormatBayerBG8:  "BayerBG8",
	PixelFormatBayerRG10: "BayerRG10",
	PixelFormatBayerRG12: "BayerRG12",
	PixelFormatRGB8:      "RGB8",
	PixelFormatBGR8:      "BGR8",
	PixelFormatRGBa8:     "RGBa8",
	PixelFormatBGRa8:     "BGRa8",
	PixelFormatYUV422_8:  "YUV422_8",
}

func (p PixelFormat) String() string {
	if name, ok := pixelFormatNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PixelFormat(0x%08X)", uint32(p))
}

// ParsePixelFormat resolves a symbolic name such as "BGR8".
func ParsePixelFormat(name string) (PixelFormat, bool) {
	for pf, n := range pixelFormatNames {
		if n == name {
			return pf, true
		}
	}
	return PixelFormatUnknown, false
}

// BitsPerPixel returns the effective bits per pixel encoded in the PFNC code.
func (p PixelFormat) BitsPerPixel() int {
	return int((uint32(p) >> 16) & 0xFF)
}

// BytesPerPixel rounds BitsPerPixel up to whole bytes. Packed formats report
// the unpacked size of one pixel.
func (p PixelFormat) BytesPerPixel() int {
	return (p.BitsPerPixel() + 7) / 8
}

// PayloadSize returns the number of bytes one width x height frame occupies.
func (p PixelFormat) PayloadSize(width, height int) int {
	return (width*height*p.BitsPerPixel() + 7) / 8
}

// Channels is the number of color channels carried per pixel.
func (p PixelFormat) Channels() int {
	switch p {
	case PixelFormatRGB8, PixelFormatBGR8, PixelFormatYUV422_8:
		return 3
	case PixelFormatRGBa8, PixelFormatBGRa8:
		return 4
	default:
		return 1
	}
}

// IsMono reports whether p is a single channel grey format.
func (p PixelFormat) IsMono() bool {
	switch p {
	case PixelFormatMono8, PixelFormatMono10, PixelFormatMono12, PixelFormatMono10p, PixelFormatMono12p:
		return true
	}
	return false
}

// IsBayer reports whether p is a color filter array layout.
func (p PixelFormat) IsBayer() bool {
	switch p {
	case PixelFormatBayerGR8, PixelFormatBayerRG8, PixelFormatBayerGB8, PixelFormatBayerBG8,
		PixelFormatBayerRG10, PixelFormatBayerRG12:
		return true
	}
	return false
}

// IsPacked reports whether pixels straddle byte boundaries.
func (p PixelFormat) IsPacked() bool {
	return p.BitsPerPixel()%8 != 0
}
