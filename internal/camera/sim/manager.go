// Package sim implements the camera capability surface in software.
//
// Each simulated device exposes a GenICam-like node map, a data stream with
// announced buffers, and a free-running sensor that renders a moving test
// pattern in the selected pixel format. Tests use the fault hooks on Device
// (Stall, FailNextWait, FailStart, ReportPixelFormat) to script hardware trouble.
package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/smazurov/camfeed/internal/camera"
)

// Manager enumerates a fixed set of simulated devices.
type Manager struct {
	mu      sync.Mutex
	devices []Options
	open    map[string]*Device
}

// NewManager creates a manager with one simulated device per Options value.
// Serial numbers default to SIM0001, SIM0002 and so on.
func NewManager(devices ...Options) *Manager {
	m := &Manager{open: make(map[string]*Device)}
	for i, o := range devices {
		if o.SerialNumber == "" {
			o.SerialNumber = fmt.Sprintf("SIM%04d", i+1)
		}
		m.devices = append(m.devices, o.withDefaults())
	}
	return m
}

// NewManagerN creates a manager with n default devices.
func NewManagerN(n int) *Manager {
	opts := make([]Options, n)
	for i := range opts {
		opts[i] = Options{SerialNumber: fmt.Sprintf("SIM%04d", i+1)}
	}
	return NewManager(opts...)
}

// EnumerateDevices implements camera.Manager.
func (m *Manager) EnumerateDevices(ctx context.Context) ([]camera.DeviceDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]camera.DeviceDescriptor, len(m.devices))
	for i, o := range m.devices {
		out[i] = describe(i, o)
	}
	return out, nil
}

// OpenDevice implements camera.Manager. A device can be opened by one caller at a time.
func (m *Manager) OpenDevice(ctx context.Context, desc camera.DeviceDescriptor) (camera.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, o := range m.devices {
		if o.SerialNumber != desc.SerialNumber {
			continue
		}
		if _, busy := m.open[o.SerialNumber]; busy {
			return nil, camera.NewError(camera.ErrCodeHandleCreationFailed,
				fmt.Sprintf("device %s is already open", o.SerialNumber), nil)
		}
		serial := o.SerialNumber
		d := newDevice(describe(i, o), o, func() {
			m.mu.Lock()
			delete(m.open, serial)
			m.mu.Unlock()
		})
		m.open[serial] = d
		return d, nil
	}
	return nil, camera.NewError(camera.ErrCodeDeviceNotFound,
		fmt.Sprintf("no device with serial %q", desc.SerialNumber), nil)
}

// Opened returns the open simulated device with the given serial number.
func (m *Manager) Opened(serial string) (*Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.open[serial]
	return d, ok
}

func describe(index int, o Options) camera.DeviceDescriptor {
	return camera.DeviceDescriptor{
		Index:        index,
		SerialNumber: o.SerialNumber,
		Model:        o.Model,
		Vendor:       "camfeed",
		Interface:    "sim",
	}
}
