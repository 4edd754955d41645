package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/spf13/cobra"

	"github.com/smazurov/camfeed/cmd"
	"github.com/smazurov/camfeed/internal/acquisition"
	"github.com/smazurov/camfeed/internal/api"
	"github.com/smazurov/camfeed/internal/config"
	"github.com/smazurov/camfeed/internal/events"
	"github.com/smazurov/camfeed/internal/logging"
	"github.com/smazurov/camfeed/internal/metrics"
	"github.com/smazurov/camfeed/internal/nats"
	"github.com/smazurov/camfeed/internal/pixel"
	"github.com/smazurov/camfeed/internal/session"
	"github.com/smazurov/camfeed/internal/version"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port       string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`
	CORSOrigin string `help:"Access-Control-Allow-Origin value" default:"*" toml:"server.cors_origin" env:"SERVER_CORS_ORIGIN"`

	// Auth settings
	AuthUsername string `help:"Basic auth username (empty disables auth)" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Camera settings
	CameraBackend    string `help:"Camera backend" default:"sim" toml:"camera.backend" env:"CAMERA_BACKEND"`
	CameraSimDevices int    `help:"Number of simulated devices" default:"2" toml:"camera.sim_devices" env:"CAMERA_SIM_DEVICES"`

	// Acquisition settings
	AcquisitionFetchTimeoutMs   int    `help:"Buffer fetch timeout in milliseconds" default:"1000" toml:"acquisition.fetch_timeout_ms" env:"ACQUISITION_FETCH_TIMEOUT_MS"`
	AcquisitionStallThreshold   int    `help:"Consecutive fetch timeouts that fail a stream" default:"5" toml:"acquisition.stall_threshold" env:"ACQUISITION_STALL_THRESHOLD"`
	AcquisitionJoinTimeoutMs    int    `help:"Wait for the fetch worker on stop, in milliseconds" default:"2000" toml:"acquisition.join_timeout_ms" env:"ACQUISITION_JOIN_TIMEOUT_MS"`
	AcquisitionBufferMultiplier int    `help:"Buffers announced per device minimum" default:"5" toml:"acquisition.buffer_multiplier" env:"ACQUISITION_BUFFER_MULTIPLIER"`
	AcquisitionMonoMode         string `help:"Mono8 output (replicate, single)" default:"replicate" toml:"acquisition.mono_mode" env:"ACQUISITION_MONO_MODE"`
	DispatcherCapacity          int    `help:"Encoded frames queued per stream before the oldest is dropped" default:"1" toml:"dispatcher.capacity" env:"DISPATCHER_CAPACITY"`

	// Encoder settings
	EncoderQuality       int    `help:"JPEG quality (1-100)" default:"80" toml:"encoder.quality" env:"ENCODER_QUALITY"`
	EncoderInterpolation string `help:"Resize interpolation (nearest, bilinear)" default:"bilinear" toml:"encoder.interpolation" env:"ENCODER_INTERPOLATION"`

	// Presets settings
	PresetsFile  string `help:"Parameter presets file (empty disables presets)" default:"" toml:"presets.file" env:"PRESETS_FILE"`
	PresetsWatch bool   `help:"Re-apply presets when the file changes" default:"true" toml:"presets.watch" env:"PRESETS_WATCH"`

	// NATS settings
	NATSEnabled       bool   `help:"Publish session events on NATS" default:"false" toml:"nats.enabled" env:"NATS_ENABLED"`
	NATSEmbedded      bool   `help:"Run an embedded NATS server" default:"true" toml:"nats.embedded" env:"NATS_EMBEDDED"`
	NATSPort          int    `help:"Embedded NATS server port" default:"4222" toml:"nats.port" env:"NATS_PORT"`
	NATSURL           string `help:"External NATS URL (used when not embedded)" default:"nats://127.0.0.1:4222" toml:"nats.url" env:"NATS_URL"`
	NATSPublishFrames bool   `help:"Publish every encoded frame on NATS" default:"false" toml:"nats.publish_frames" env:"NATS_PUBLISH_FRAMES"`

	// Logging settings
	LoggingLevel       string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat      string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingAcquisition string `help:"Acquisition logging level" default:"info" toml:"logging.acquisition" env:"LOGGING_ACQUISITION"`
	LoggingSession     string `help:"Session logging level" default:"info" toml:"logging.session" env:"LOGGING_SESSION"`
	LoggingAPI         string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
	LoggingConfig      string `help:"Config logging level" default:"info" toml:"logging.config" env:"LOGGING_CONFIG"`
	LoggingNATS        string `help:"NATS logging level" default:"info" toml:"logging.nats" env:"LOGGING_NATS"`
	LoggingJournal     string `help:"Minimum level written to the systemd journal (empty keeps module levels)" default:"" toml:"logging.outputs.journal" env:"LOGGING_OUTPUTS_JOURNAL"`
}

func main() {
	var root *cobra.Command

	// Create Huma CLI
	cli := humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Load configuration automatically
		loadErr := config.LoadConfig(opts, root)

		// Initialize logging system
		logging.Initialize(logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				"acquisition": opts.LoggingAcquisition,
				"session":     opts.LoggingSession,
				"api":         opts.LoggingAPI,
				"config":      opts.LoggingConfig,
				"nats":        opts.LoggingNATS,
			},
			Outputs: map[string]string{logging.OutputJournal: opts.LoggingJournal},
		})

		logger := logging.GetLogger("main")
		if loadErr != nil {
			logger.Warn("Failed to load config", "error", loadErr)
		}

		// Create event bus for in-process event handling
		eventBus := events.New()

		devices, err := cmd.NewCameraManager(opts.CameraBackend, opts.CameraSimDevices)
		if err != nil {
			logger.Error("Invalid camera backend", "error", err)
			os.Exit(1)
		}

		monoMode := pixel.MonoReplicate
		if opts.AcquisitionMonoMode == "single" {
			monoMode = pixel.MonoSingle
		}

		presets := config.Presets{}
		if opts.PresetsFile != "" {
			if presets, err = config.LoadPresets(opts.PresetsFile); err != nil {
				logger.Warn("Failed to load presets", "path", opts.PresetsFile, "error", err)
			}
		}

		sessions := session.NewManager(session.Options{
			Devices: devices,
			Acquisition: acquisition.Options{
				FetchTimeout:     time.Duration(opts.AcquisitionFetchTimeoutMs) * time.Millisecond,
				StallThreshold:   opts.AcquisitionStallThreshold,
				JoinTimeout:      time.Duration(opts.AcquisitionJoinTimeoutMs) * time.Millisecond,
				BufferMultiplier: opts.AcquisitionBufferMultiplier,
				Quality:          opts.EncoderQuality,
				Interpolation:    opts.EncoderInterpolation,
				MonoMode:         monoMode,
				Converter:        cmd.Converter(opts.CameraBackend),
				Logger:           logging.GetLogger("acquisition"),
			},
			DispatcherCapacity: opts.DispatcherCapacity,
			Presets:            presets,
			EventBus:           eventBus,
			Logger:             logging.GetLogger("session"),
		})

		// Re-apply presets to connected sessions when the file changes
		var presetsWatcher *config.Watcher[config.Presets]
		if opts.PresetsFile != "" && opts.PresetsWatch {
			presetsWatcher = config.NewConfigWatcher(opts.PresetsFile, config.LoadPresets, logging.GetLogger("config"))
			presetsWatcher.OnReload(func(p config.Presets) {
				n := sessions.ApplyPresets(p)
				eventBus.Publish(events.PresetsReloadedEvent{
					Path:      presetsWatcher.Path(),
					Sessions:  n,
					Timestamp: time.Now().UTC().Format(time.RFC3339),
				})
			})
		}

		server := api.NewServer(&api.Options{
			AuthUsername:      opts.AuthUsername,
			AuthPassword:      opts.AuthPassword,
			CORSOrigin:        opts.CORSOrigin,
			Sessions:          sessions,
			EventBus:          eventBus,
			PrometheusHandler: metrics.Handler(),
		})
		stopLogs := server.PublishLogs()

		// NATS: embedded server, event publisher and control bridge
		var natsServer *nats.Server
		var publisher *nats.Publisher
		var bridge *nats.Bridge
		natsLogger := logging.GetLogger("nats")

		hooks.OnStart(func() {
			logger.Info("Starting", "version", version.Banner(), "backend", opts.CameraBackend)

			if presetsWatcher != nil {
				if startErr := presetsWatcher.Start(); startErr != nil {
					logger.Warn("Failed to watch presets file", "path", opts.PresetsFile, "error", startErr)
				}
			}

			if opts.NATSEnabled {
				url := opts.NATSURL
				if opts.NATSEmbedded {
					natsServer = nats.NewServer(nats.ServerOptions{Port: opts.NATSPort, Logger: natsLogger})
					if startErr := natsServer.Start(); startErr != nil {
						logger.Error("Failed to start NATS server", "error", startErr)
						os.Exit(1)
					}
					url = natsServer.ClientURL()
				}

				publisher = nats.NewPublisher(nats.PublisherOptions{
					URL:           url,
					PublishFrames: opts.NATSPublishFrames,
					Logger:        natsLogger,
				})
				if connErr := publisher.Connect(); connErr == nil {
					publisher.Attach(eventBus)
					sessions.SetFrameHook(publisher.PublishFrame)
				}

				bridge = nats.NewBridge(url, sessions, natsLogger)
				if startErr := bridge.Start(); startErr != nil {
					logger.Warn("NATS control bridge unavailable", "error", startErr)
					bridge = nil
				}
			}

			if _, notifyErr := daemon.SdNotify(false, daemon.SdNotifyReady); notifyErr != nil {
				logger.Debug("systemd notify failed", "error", notifyErr)
			}

			logger.Info("Starting HTTP server", "port", opts.Port)
			if startErr := server.Start(opts.Port); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
				logger.Error("Failed to start HTTP server", "error", startErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down server")
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			// Stop accepting clients first, then stop the pipelines they used
			if stopErr := server.Stop(ctx); stopErr != nil {
				logger.Error("Error stopping HTTP server", "error", stopErr)
			}
			stopLogs()

			if presetsWatcher != nil {
				if stopErr := presetsWatcher.Stop(); stopErr != nil {
					logger.Warn("Error stopping presets watcher", "error", stopErr)
				}
			}
			if bridge != nil {
				bridge.Stop()
			}

			if stopErr := sessions.Shutdown(ctx); stopErr != nil {
				logger.Error("Sessions did not shut down cleanly", "error", stopErr)
			}

			// the publisher goes last so the final state events still reach NATS
			if publisher != nil {
				publisher.Close()
			}
			if natsServer != nil {
				natsServer.Stop()
			}
		})
	})

	root = cli.Root()
	root.Use = version.Name
	root.Version = version.Banner()

	root.AddCommand(cmd.CreateSnapshotCmd())
	root.AddCommand(cmd.CreateParamsCmd())

	// Run the CLI
	cli.Run()
}
