package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/camfeed/internal/logging"
)

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowOrigin   string
	AllowMethods  []string
	AllowHeaders  []string
	ExposeHeaders []string
	MaxAge        int
}

// DefaultCORSConfig returns permissive CORS config for lab networks.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigin:   "*",
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Content-Type", "Authorization", "X-Requested-With", "Accept", "Origin"},
		ExposeHeaders: []string{"X-Frame-Seq"},
		MaxAge:        86400,
	}
}

// checkOrigin admits a WebSocket upgrade when the browser origin matches
// AllowOrigin. Requests without an Origin header come from non-browser
// clients and are admitted.
func (c CORSConfig) checkOrigin(r *http.Request) bool {
	if c.AllowOrigin == "" || c.AllowOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || strings.EqualFold(origin, c.AllowOrigin)
}

type corsHeaders struct {
	origin, methods, headers, expose, maxAge string
}

func (c CORSConfig) headers() corsHeaders {
	return corsHeaders{
		origin:  c.AllowOrigin,
		methods: strings.Join(c.AllowMethods, ", "),
		headers: strings.Join(c.AllowHeaders, ", "),
		expose:  strings.Join(c.ExposeHeaders, ", "),
		maxAge:  strconv.Itoa(c.MaxAge),
	}
}

func (h corsHeaders) apply(set func(name, value string)) {
	set("Access-Control-Allow-Origin", h.origin)
	set("Access-Control-Allow-Methods", h.methods)
	set("Access-Control-Allow-Headers", h.headers)
	if h.expose != "" {
		set("Access-Control-Expose-Headers", h.expose)
	}
	set("Access-Control-Max-Age", h.maxAge)
}

// NewCORSMiddleware creates CORS middleware with the given configuration
func NewCORSMiddleware(config CORSConfig) func(huma.Context, func(huma.Context)) {
	h := config.headers()
	return func(ctx huma.Context, next func(huma.Context)) {
		h.apply(ctx.SetHeader)
		if ctx.Method() == http.MethodOptions {
			ctx.SetStatus(http.StatusNoContent)
			return
		}
		next(ctx)
	}
}

// AddCORSHandler answers preflight requests on the mux; huma middleware never
// sees OPTIONS requests for paths it has no operation for.
func AddCORSHandler(mux *http.ServeMux, config CORSConfig) {
	h := config.headers()
	mux.HandleFunc("OPTIONS /", func(w http.ResponseWriter, _ *http.Request) {
		h.apply(w.Header().Set)
		w.WriteHeader(http.StatusNoContent)
	})
}

// HTTPLoggingMiddleware logs HTTP requests with appropriate log levels based on status codes.
func HTTPLoggingMiddleware(ctx huma.Context, next func(huma.Context)) {
	start := time.Now()

	method := ctx.Method()
	logAttrs := []slog.Attr{
		slog.String("method", method),
		slog.String("path", ctx.URL().Path),
		slog.String("remote_addr", ctx.RemoteAddr()),
	}
	if query := ctx.URL().RawQuery; query != "" {
		logAttrs = append(logAttrs, slog.String("query", query))
	}
	if id := ctx.Param("session_id"); id != "" {
		logAttrs = append(logAttrs, slog.String("session_id", id))
	}

	next(ctx)

	status := ctx.Status()
	logAttrs = append(logAttrs,
		slog.Int("status", status),
		slog.Duration("duration", time.Since(start)),
	)
	logging.GetLogger("http").LogAttrs(ctx.Context(), requestLevel(method, status), "HTTP request completed", logAttrs...)
}

// requestLevel picks the log level of a finished request: preflights at
// debug, server errors at error, client errors at warn.
func requestLevel(method string, status int) slog.Level {
	switch {
	case method == http.MethodOptions:
		return slog.LevelDebug
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
