package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/camfeed/internal/events"
)

// ConnectedEvent is the first message of every event stream.
type ConnectedEvent struct {
	Message   string `json:"message" example:"event stream connected" doc:"Greeting"`
	Sessions  int    `json:"sessions" example:"1" doc:"Connected sessions at subscription time"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// registerSSERoutes registers the native Huma SSE endpoint.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time session, stream, parameter and preset events",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"connected":            ConnectedEvent{},
		"session-connected":    events.SessionConnectedEvent{},
		"session-disconnected": events.SessionDisconnectedEvent{},
		"stream-state-changed": events.StreamStateChangedEvent{},
		"stream-failed":        events.StreamFailedEvent{},
		"parameter-changed":    events.ParameterChangedEvent{},
		"presets-reloaded":     events.PresetsReloadedEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		stream := s.eventBus.OpenEventStream(32)
		defer s.closeStream(stream)

		// the greeting flushes the response headers to the client
		if err := send.Data(ConnectedEvent{
			Message:   "event stream connected",
			Sessions:  len(s.sessions.List()),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-stream.C():
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}

// closeStream ends an SSE subscription and reports events the client missed.
func (s *Server) closeStream(stream *events.Stream) {
	stream.Close()
	if n := stream.Dropped(); n > 0 {
		s.logger.Warn("SSE client fell behind, events were dropped", "dropped", n)
	}
}
