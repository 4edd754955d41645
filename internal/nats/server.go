package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

const (
	// DefaultMaxPayload fits an encoded full-resolution frame.
	DefaultMaxPayload = 8 * 1024 * 1024

	defaultReadyTimeout = 5 * time.Second
)

// ServerOptions configures the embedded broker that carries session events
// and control requests when no external NATS deployment is configured.
type ServerOptions struct {
	Port         int // -1 picks a free port
	Host         string
	Name         string
	MaxPayload   int32
	ReadyTimeout time.Duration
	Logger       *slog.Logger
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.Port == 0 {
		o.Port = 4222
	}
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
	if o.Name == "" {
		o.Name = "camfeed"
	}
	if o.MaxPayload <= 0 {
		o.MaxPayload = DefaultMaxPayload
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = defaultReadyTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Server runs an in-process broker for the frame and event subjects.
type Server struct {
	ns     *server.Server
	opts   ServerOptions
	logger *slog.Logger
}

// NewServer prepares an embedded broker. Nothing listens until Start.
func NewServer(opts ServerOptions) *Server {
	opts = opts.withDefaults()
	return &Server{
		opts:   opts,
		logger: opts.Logger.With("component", "nats-server"),
	}
}

// Start listens on the configured address and blocks until the broker
// accepts connections or the ready timeout elapses.
func (s *Server) Start() error {
	if s.ns != nil {
		return errors.New("nats server already started")
	}

	ns, err := server.NewServer(&server.Options{
		Host:           s.opts.Host,
		Port:           s.opts.Port,
		ServerName:     s.opts.Name,
		NoLog:          true, // keeps the broker from installing its own stderr logger
		NoSigs:         true,
		MaxControlLine: 4096,
		MaxPayload:     s.opts.MaxPayload,
	})
	if err != nil {
		return fmt.Errorf("create nats server: %w", err)
	}

	ctx := context.Background()
	ns.SetLoggerV2(serverLog{s.logger},
		s.logger.Enabled(ctx, slog.LevelDebug),
		s.logger.Enabled(ctx, levelTrace),
		false)

	go ns.Start()

	if !ns.ReadyForConnections(s.opts.ReadyTimeout) {
		ns.Shutdown()
		return fmt.Errorf("nats server not ready within %s", s.opts.ReadyTimeout)
	}

	s.ns = ns
	s.logger.Info("NATS server started", "url", s.ClientURL(), "max_payload", s.opts.MaxPayload)
	return nil
}

// Stop shuts the broker down and waits for client connections to close.
func (s *Server) Stop() {
	if s.ns == nil {
		return
	}
	s.logger.Info("Stopping NATS server", "clients", s.ns.NumClients())
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
	s.ns = nil
}

// ClientURL returns the URL publishers and bridges should dial.
func (s *Server) ClientURL() string {
	if s.ns == nil {
		return fmt.Sprintf("nats://%s:%d", s.opts.Host, s.opts.Port)
	}
	return s.ns.ClientURL()
}

func (s *Server) IsRunning() bool {
	return s.ns != nil && s.ns.Running()
}

func (s *Server) NumClients() int {
	if s.ns == nil {
		return 0
	}
	return s.ns.NumClients()
}

// levelTrace sits below debug for the broker's protocol tracing.
const levelTrace = slog.LevelDebug - 4

// serverLog forwards broker log lines to slog. Fatal lines are logged at
// error level; the broker shuts itself down after reporting them.
type serverLog struct {
	logger *slog.Logger
}

func (l serverLog) log(level slog.Level, format string, v []any) {
	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}
	l.logger.Log(ctx, level, fmt.Sprintf(format, v...))
}

func (l serverLog) Noticef(format string, v ...any) { l.log(slog.LevelInfo, format, v) }
func (l serverLog) Warnf(format string, v ...any)   { l.log(slog.LevelWarn, format, v) }
func (l serverLog) Errorf(format string, v ...any)  { l.log(slog.LevelError, format, v) }
func (l serverLog) Debugf(format string, v ...any)  { l.log(slog.LevelDebug, format, v) }
func (l serverLog) Tracef(format string, v ...any)  { l.log(levelTrace, format, v) }

func (l serverLog) Fatalf(format string, v ...any) {
	l.logger.Error(fmt.Sprintf(format, v...), "fatal", true)
}
