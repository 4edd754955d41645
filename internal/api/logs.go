package api

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/camfeed/internal/api/models"
	"github.com/smazurov/camfeed/internal/events"
	"github.com/smazurov/camfeed/internal/logging"
)

func logEvent(seq uint64, entry logging.LogEntry) events.LogEntryEvent {
	return events.LogEntryEvent{
		Seq:        seq,
		Timestamp:  entry.Timestamp.Format(time.RFC3339Nano),
		Level:      entry.Level,
		Module:     entry.Module,
		Message:    entry.Message,
		Attributes: entry.Attributes,
	}
}

// PublishLogs forwards every new log entry to the event bus until the
// returned function is called.
func (s *Server) PublishLogs() func() {
	var seq atomic.Uint64
	bus := s.eventBus
	logging.SetLogCallback(func(entry logging.LogEntry) {
		bus.Publish(logEvent(seq.Add(1), entry))
	})
	return func() { logging.SetLogCallback(nil) }
}

// registerLogRoutes registers the log buffer, the log stream and runtime
// level control.
func (s *Server) registerLogRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-logs",
		Method:      http.MethodGet,
		Path:        "/api/logs",
		Summary:     "Recent Logs",
		Description: "Most recent entries of the in-memory log buffer",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, input *models.LogsRequest) (*models.LogsResponse, error) {
		entries := logging.GetBuffer().Tail(input.Limit)
		if entries == nil {
			entries = []logging.LogEntry{}
		}
		return &models.LogsResponse{
			Body: models.LogsData{Entries: entries, Count: len(entries)},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-log-level",
		Method:      http.MethodPut,
		Path:        "/api/logs/modules/{module}",
		Summary:     "Set Module Log Level",
		Description: "Change the level of one logger module at runtime",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{400, 401},
	}, func(_ context.Context, input *models.LogLevelRequest) (*models.LogLevelResponse, error) {
		if !logging.SetModuleLevel(input.Module, input.Body.Level) {
			return nil, huma.Error400BadRequest("invalid log level " + input.Body.Level)
		}
		s.logger.Info("Log level changed", "target_module", input.Module, "level", input.Body.Level)
		resp := &models.LogLevelResponse{}
		resp.Body.Module = input.Module
		resp.Body.Level = input.Body.Level
		return resp, nil
	})

	sse.Register(s.api, huma.Operation{
		OperationID: "logs-stream",
		Method:      http.MethodGet,
		Path:        "/api/logs/stream",
		Summary:     "Log Stream",
		Description: "Real-time log streaming via Server-Sent Events. Sends buffered logs first, then streams new logs.",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"message": events.LogEntryEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		stream := s.eventBus.OpenLogStream(100)
		defer s.closeStream(stream)

		// buffered entries have no bus sequence number
		for _, entry := range logging.GetBuffer().ReadAll() {
			if err := send.Data(logEvent(0, entry)); err != nil {
				return
			}
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
