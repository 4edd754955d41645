// Package camera describes the capability surface consumed from an industrial
// camera SDK: device enumeration, a GenICam-style node map, announced frame
// buffers, and pixel format conversion.
//
// Concrete SDK bindings implement these interfaces. The sim subpackage provides
// a software implementation used by tests and by the default server backend.
package camera

import (
	"context"
	"time"
)

// DeviceDescriptor identifies one enumerated device.
type DeviceDescriptor struct {
	Index        int    `json:"index"`
	SerialNumber string `json:"serial_number"`
	Model        string `json:"model"`
	Vendor       string `json:"vendor"`
	Interface    string `json:"interface"`
}

// Manager enumerates and opens devices.
type Manager interface {
	EnumerateDevices(ctx context.Context) ([]DeviceDescriptor, error)
	OpenDevice(ctx context.Context, desc DeviceDescriptor) (Device, error)
}

// BufferHandle addresses one announced buffer on a device.
type BufferHandle uint64

// FinishedBuffer is the metadata the device reports for a filled buffer.
// The bytes live in the memory region returned by AllocateAndAnnounceBuffer.
type FinishedBuffer struct {
	Handle      BufferHandle
	Width       int
	Height      int
	PixelFormat PixelFormat
	FrameID     uint64
	Timestamp   time.Time
	Size        int
}

// BufferHost is the subset of Device that owns announced buffer memory.
type BufferHost interface {
	AllocateAndAnnounceBuffer(size int) (BufferHandle, []byte, error)
	QueueBuffer(h BufferHandle) error
	RevokeBuffer(h BufferHandle) error
}

// Device is one opened camera with its data stream.
//
// WaitForFinishedBuffer blocks until the device filled a queued buffer, the
// timeout elapsed (ErrBufferTimeout) or KillWait was called (ErrWaitAborted).
// Flush discards every buffer queued to the device; the memory stays announced.
type Device interface {
	BufferHost

	Descriptor() DeviceDescriptor
	NodeMap() NodeMap
	MinAnnouncedBuffers() int

	WaitForFinishedBuffer(timeout time.Duration) (FinishedBuffer, error)
	KillWait() error
	Flush() error

	StartAcquisition() error
	StopAcquisition() error

	Close() error
}

// Converter is the vendor conversion primitive for layouts that need
// calibrated handling such as Bayer demosaic, packed mono or YUV.
// dst must hold width*height*dstFormat.BytesPerPixel() bytes.
type Converter interface {
	ConvertPixelFormat(src []byte, srcFormat, dstFormat PixelFormat, width, height int, dst []byte) error
}
