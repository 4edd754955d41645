package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/camfeed/internal/session"
)

// StatsEvent is a periodic snapshot of every session.
type StatsEvent struct {
	Sessions  []session.Info `json:"sessions" doc:"Connected sessions with acquisition and queue counters"`
	Timestamp string         `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Snapshot time"`
}

// registerStatsRoutes registers the session stats SSE endpoint.
func (s *Server) registerStatsRoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "stats-stream",
		Method:      http.MethodGet,
		Path:        "/api/stats",
		Summary:     "Session Stats Stream",
		Description: "Periodic session counters: frames fetched and delivered, timeouts, drops and queue state",
		Tags:        []string{"metrics"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"stats": StatsEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		ticker := time.NewTicker(s.options.StatsInterval)
		defer ticker.Stop()

		for {
			if err := send.Data(StatsEvent{
				Sessions:  s.sessions.List(),
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			}); err != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
}
