package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

const authRealm = `Basic realm="camfeed API"`

func (s *Server) authEnabled() bool {
	return s.options.AuthUsername != "" && s.options.AuthPassword != ""
}

// checkCredentials validates an Authorization header or, for browser clients
// that cannot set headers on EventSource and WebSocket requests, the base64
// "auth" query parameter. It returns an empty string on success and the
// reason otherwise.
func (s *Server) checkCredentials(authHeader, queryAuth string) string {
	var encoded string
	switch {
	case authHeader != "":
		const prefix = "Basic "
		if !strings.HasPrefix(authHeader, prefix) {
			return "Invalid authentication type"
		}
		encoded = authHeader[len(prefix):]
	case queryAuth != "":
		encoded = queryAuth
	default:
		return "Authentication required"
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "Invalid credentials format"
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "Invalid credentials format"
	}
	if user != s.options.AuthUsername || pass != s.options.AuthPassword {
		return "Invalid credentials"
	}
	return ""
}

// basicAuthMiddleware creates middleware for HTTP basic authentication
func (s *Server) basicAuthMiddleware() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		// Skip auth for operations without security requirements
		if op := ctx.Operation(); op != nil && len(op.Security) == 0 {
			next(ctx)
			return
		}
		if reason := s.checkCredentials(ctx.Header("Authorization"), ctx.Query("auth")); reason != "" {
			ctx.SetHeader("WWW-Authenticate", authRealm)
			_ = huma.WriteErr(s.api, ctx, http.StatusUnauthorized, reason)
			return
		}
		next(ctx)
	}
}

// withHTTPAuth guards the plain handlers (WebSocket upgrades) that do not go
// through huma.
func (s *Server) withHTTPAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authEnabled() {
			if reason := s.checkCredentials(r.Header.Get("Authorization"), r.URL.Query().Get("auth")); reason != "" {
				w.Header().Set("WWW-Authenticate", authRealm)
				writeJSONError(w, http.StatusUnauthorized, reason, "")
				return
			}
		}
		next(w, r)
	}
}

// writeJSONError writes an error body shaped like huma's problem details.
func writeJSONError(w http.ResponseWriter, status int, detail, code string) {
	body := map[string]any{
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	}
	if code != "" {
		body["code"] = code
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
