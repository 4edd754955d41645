// Package api serves the session API over HTTP: REST operations documented
// with OpenAPI, Server-Sent Events for bus events and logs, a WebSocket frame
// feed per session, and the /ws control channel.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/gorilla/websocket"

	"github.com/smazurov/camfeed/internal/api/models"
	"github.com/smazurov/camfeed/internal/events"
	"github.com/smazurov/camfeed/internal/logging"
	"github.com/smazurov/camfeed/internal/session"
	"github.com/smazurov/camfeed/internal/version"
)

// DefaultStatsInterval paces the stats event stream.
const DefaultStatsInterval = time.Second

// Options configures the API server.
type Options struct {
	AuthUsername string
	AuthPassword string
	// CORSOrigin overrides the Access-Control-Allow-Origin value.
	CORSOrigin        string
	Sessions          *session.Manager
	EventBus          *events.Bus
	PrometheusHandler http.Handler // Optional Prometheus metrics handler
	StatsInterval     time.Duration
}

// Server is the HTTP front end of the session manager.
type Server struct {
	api        huma.API
	mux        *http.ServeMux
	httpServer *http.Server
	sessions   *session.Manager
	eventBus   *events.Bus
	options    *Options
	upgrader   websocket.Upgrader
	logger     logging.Logger

	connMu sync.Mutex
	conns  map[*websocket.Conn]struct{}
}

// NewServer creates the API server and registers every route.
func NewServer(opts *Options) *Server {
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = DefaultStatsInterval
	}
	if opts.EventBus == nil {
		opts.EventBus = events.New()
	}

	mux := http.NewServeMux()

	corsConfig := DefaultCORSConfig()
	if opts.CORSOrigin != "" {
		corsConfig.AllowOrigin = opts.CORSOrigin
	}
	AddCORSHandler(mux, corsConfig)

	config := huma.DefaultConfig("camfeed API", version.String())
	config.Info.Description = "Industrial camera sessions: acquisition control, parameters and JPEG frame feeds"
	// Empty servers list will make OpenAPI use relative paths, working with any host
	config.Servers = []*huma.Server{}
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"basicAuth": {
			Type:   "http",
			Scheme: "basic",
		},
	}

	api := humago.New(mux, config)

	server := &Server{
		api:      api,
		mux:      mux,
		sessions: opts.Sessions,
		eventBus: opts.EventBus,
		options:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     corsConfig.checkOrigin,
		},
		logger: logging.GetLogger("api"),
		conns:  make(map[*websocket.Conn]struct{}),
	}

	api.UseMiddleware(NewCORSMiddleware(corsConfig))
	api.UseMiddleware(HTTPLoggingMiddleware)
	if server.authEnabled() {
		api.UseMiddleware(server.basicAuthMiddleware())
	}

	// registered on the mux directly so it stays reachable without auth
	if opts.PrometheusHandler != nil {
		mux.Handle("GET /metrics", opts.PrometheusHandler)
	}

	server.registerRoutes()
	return server
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// GetAPI returns the Huma API instance
func (s *Server) GetAPI() huma.API {
	return s.api
}

// Start serves HTTP on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting camfeed API server", "addr", addr)
	s.logger.Info("OpenAPI documentation available", "url", "http://"+addr+"/docs")

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the HTTP server down and closes every WebSocket connection.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")

	s.connMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connMu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) trackConn(conn *websocket.Conn) func() {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
	return func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
	}
}

// registerRoutes sets up all API endpoints
func (s *Server) registerRoutes() {
	// Health check endpoint - no auth required
	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Check API health status",
		Tags:        []string{"health"},
		Security:    []map[string][]string{}, // Empty security = no auth required
	}, func(_ context.Context, _ *struct{}) (*models.HealthResponse, error) {
		return &models.HealthResponse{
			Body: models.HealthData{
				Status:   "ok",
				Message:  "API is healthy",
				Sessions: len(s.sessions.List()),
			},
		}, nil
	})

	// Version endpoint - no auth required
	huma.Register(s.api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/version",
		Summary:     "Version",
		Description: "Get application version information",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, func(_ context.Context, _ *struct{}) (*models.VersionResponse, error) {
		info := version.Get()
		return &models.VersionResponse{
			Body: models.VersionData{
				Version:   info.Version,
				GitCommit: info.GitCommit,
				BuildDate: info.BuildDate,
				BuildID:   info.BuildID,
				GoVersion: info.GoVersion,
				Compiler:  info.Compiler,
				Platform:  info.Platform,
			},
		}, nil
	})

	s.registerDeviceRoutes()
	s.registerSessionRoutes()
	s.registerParameterRoutes()
	s.registerLogRoutes()
	s.registerSSERoutes()
	s.registerStatsRoutes()

	// WebSocket endpoints bypass huma; auth is checked by hand
	s.mux.HandleFunc("GET /api/sessions/{session_id}/feed", s.withHTTPAuth(s.handleFeed))
	s.mux.HandleFunc("GET /ws", s.withHTTPAuth(s.handleControl))
}

// withAuth returns security requirement for basic auth
func withAuth() []map[string][]string {
	return []map[string][]string{
		{"basicAuth": {}},
	}
}
