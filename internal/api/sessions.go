package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/camfeed/internal/api/models"
)

// registerSessionRoutes registers session lifecycle, streaming and snapshot
// endpoints.
func (s *Server) registerSessionRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/api/sessions",
		Summary:     "List Sessions",
		Description: "Get every connected session ordered by connection time",
		Tags:        []string{"sessions"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.SessionListResponse, error) {
		list := s.sessions.List()
		return &models.SessionListResponse{
			Body: models.SessionListData{Sessions: list, Count: len(list)},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/api/sessions",
		Summary:       "Connect",
		Description:   "Open the device at the given index, apply the fixed defaults and presets, and create a session",
		Tags:          []string{"sessions"},
		DefaultStatus: http.StatusCreated,
		Security:      withAuth(),
		Errors:        []int{400, 401, 404, 409, 500},
	}, func(ctx context.Context, input *models.SessionRequest) (*models.SessionResponse, error) {
		sess, err := s.sessions.Connect(ctx, input.Body.DeviceIndex)
		if err != nil {
			return nil, mapSessionError(err)
		}
		return &models.SessionResponse{Body: sess.Info()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/api/sessions/{session_id}",
		Summary:     "Get Session",
		Description: "Get state and counters of a session",
		Tags:        []string{"sessions"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.SessionPath) (*models.SessionResponse, error) {
		sess, err := s.sessions.Get(input.SessionID)
		if err != nil {
			return nil, mapSessionError(err)
		}
		return &models.SessionResponse{Body: sess.Info()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "delete-session",
		Method:        http.MethodDelete,
		Path:          "/api/sessions/{session_id}",
		Summary:       "Disconnect",
		Description:   "Stop any stream, release the device and forget the session",
		Tags:          []string{"sessions"},
		DefaultStatus: http.StatusNoContent,
		Security:      withAuth(),
		Errors:        []int{401, 404, 500},
	}, func(_ context.Context, input *models.SessionPath) (*struct{}, error) {
		if err := s.sessions.Disconnect(input.SessionID); err != nil {
			return nil, mapSessionError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "start-stream",
		Method:      http.MethodPost,
		Path:        "/api/sessions/{session_id}/stream",
		Summary:     "Start Stream",
		Description: "Start acquisition; frames are served on the session's feed endpoint",
		Tags:        []string{"streaming"},
		Security:    withAuth(),
		Errors:      []int{400, 401, 404, 409, 500},
	}, func(_ context.Context, input *models.StreamRequest) (*models.SessionResponse, error) {
		if err := s.sessions.StartStream(input.SessionID, input.Body.Width, input.Body.Height); err != nil {
			return nil, mapSessionError(err)
		}
		sess, err := s.sessions.Get(input.SessionID)
		if err != nil {
			return nil, mapSessionError(err)
		}
		return &models.SessionResponse{Body: sess.Info()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "stop-stream",
		Method:      http.MethodDelete,
		Path:        "/api/sessions/{session_id}/stream",
		Summary:     "Stop Stream",
		Description: "Stop acquisition; stopping an idle session succeeds",
		Tags:        []string{"streaming"},
		Security:    withAuth(),
		Errors:      []int{401, 404, 500},
	}, func(_ context.Context, input *models.SessionPath) (*models.SessionResponse, error) {
		if err := s.sessions.StopStream(input.SessionID); err != nil {
			return nil, mapSessionError(err)
		}
		sess, err := s.sessions.Get(input.SessionID)
		if err != nil {
			return nil, mapSessionError(err)
		}
		return &models.SessionResponse{Body: sess.Info()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-snapshot",
		Method:      http.MethodGet,
		Path:        "/api/sessions/{session_id}/snapshot",
		Summary:     "Snapshot",
		Description: "Get the most recent encoded frame as JPEG",
		Tags:        []string{"streaming"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "JPEG image",
				Content:     map[string]*huma.MediaType{"image/jpeg": {}},
			},
		},
	}, func(_ context.Context, input *models.SessionPath) (*models.SnapshotResponse, error) {
		p, err := s.sessions.Snapshot(input.SessionID)
		if err != nil {
			return nil, mapSessionError(err)
		}
		return &models.SnapshotResponse{
			ContentType:  "image/jpeg",
			CacheControl: "no-store",
			FrameSeq:     strconv.FormatUint(p.Seq, 10),
			Body:         p.Data,
		}, nil
	})
}
