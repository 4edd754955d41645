// Package cmd holds the one-shot camfeed subcommands.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/camfeed/internal/acquisition"
	"github.com/smazurov/camfeed/internal/camera"
	"github.com/smazurov/camfeed/internal/camera/sim"
	"github.com/smazurov/camfeed/internal/config"
	"github.com/smazurov/camfeed/internal/logging"
	"github.com/smazurov/camfeed/internal/session"
)

// BackendSim selects the simulated SDK.
const BackendSim = "sim"

// NewCameraManager returns the device manager of the named backend.
func NewCameraManager(backend string, simDevices int) (camera.Manager, error) {
	switch backend {
	case BackendSim, "":
		if simDevices <= 0 {
			simDevices = 1
		}
		return sim.NewManagerN(simDevices), nil
	default:
		return nil, fmt.Errorf("unknown camera backend %q (available: %s)", backend, BackendSim)
	}
}

// Converter returns the vendor conversion primitive of the named backend.
func Converter(backend string) camera.Converter {
	if backend == BackendSim || backend == "" {
		return sim.Converter{}
	}
	return nil
}

// pipelineFlags are the device and acquisition flags shared by the one-shot
// commands.
type pipelineFlags struct {
	config         string
	backend        string
	simDevices     int
	device         int
	fetchTimeoutMs int
	quality        int
	interpolation  string
}

func (f *pipelineFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.config, "config", "c", "config.toml", "Path to configuration file (logging settings)")
	flags.StringVar(&f.backend, "camera-backend", BackendSim, "Camera backend")
	flags.IntVar(&f.simDevices, "sim-devices", 1, "Number of simulated devices")
	flags.IntVarP(&f.device, "device", "d", 0, "Index of the device in the enumeration")
	flags.IntVar(&f.fetchTimeoutMs, "fetch-timeout-ms", 1000, "Buffer fetch timeout in milliseconds")
	flags.IntVarP(&f.quality, "quality", "q", 80, "JPEG quality (1-100)")
	flags.StringVar(&f.interpolation, "interpolation", "bilinear", "Resize interpolation (nearest, bilinear)")
}

// open initializes logging, builds a session manager and connects to the
// selected device. The returned cleanup disconnects and shuts down.
func (f *pipelineFlags) open(ctx context.Context, module string) (*session.Manager, *session.Session, func(), error) {
	logging.Initialize(config.LoadLoggingConfig(f.config))
	logger := logging.GetLogger(module)

	devices, err := NewCameraManager(f.backend, f.simDevices)
	if err != nil {
		return nil, nil, nil, err
	}
	mgr := session.NewManager(session.Options{
		Devices: devices,
		Acquisition: acquisition.Options{
			FetchTimeout:  time.Duration(f.fetchTimeoutMs) * time.Millisecond,
			Quality:       f.quality,
			Interpolation: f.interpolation,
			Converter:     Converter(f.backend),
		},
		Logger: logger,
	})

	sess, err := mgr.Connect(ctx, f.device)
	if err != nil {
		shutdown(mgr, logger)
		return nil, nil, nil, err
	}
	return mgr, sess, func() { shutdown(mgr, logger) }, nil
}

func shutdown(mgr *session.Manager, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Shutdown(ctx); err != nil {
		logger.Warn("Shutdown incomplete", "error", err)
	}
}
