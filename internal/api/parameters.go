package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/camfeed/internal/api/models"
)

// registerParameterRoutes registers parameter reads and writes.
func (s *Server) registerParameterRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-parameters",
		Method:      http.MethodGet,
		Path:        "/api/sessions/{session_id}/parameters",
		Summary:     "Parameters",
		Description: "Current values and bounds of the common parameters",
		Tags:        []string{"parameters"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.SessionPath) (*models.ParametersResponse, error) {
		current, err := s.sessions.CurrentParameters(input.SessionID)
		if err != nil {
			return nil, mapSessionError(err)
		}
		mins, maxs, err := s.sessions.Bounds(input.SessionID)
		if err != nil {
			return nil, mapSessionError(err)
		}
		return &models.ParametersResponse{
			Body: models.ParametersData{Current: current, Min: mins, Max: maxs},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-parameter",
		Method:      http.MethodGet,
		Path:        "/api/sessions/{session_id}/parameters/{name}",
		Summary:     "Describe Parameter",
		Description: "Value, bounds, increment and available entries of one parameter",
		Tags:        []string{"parameters"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.ParameterPath) (*models.ParameterResponse, error) {
		d, err := s.sessions.DescribeParameter(input.SessionID, input.Name)
		if err != nil {
			return nil, mapSessionError(err)
		}
		return &models.ParameterResponse{Body: d}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-parameter",
		Method:      http.MethodPut,
		Path:        "/api/sessions/{session_id}/parameters/{name}",
		Summary:     "Set Parameter",
		Description: "Write a parameter. Numbers are clamped to the node bounds and rounded to its increment; " +
			"Width, Height and PixelFormat are locked while streaming.",
		Tags:     []string{"parameters"},
		Security: withAuth(),
		Errors:   []int{400, 401, 404, 409, 500},
	}, func(_ context.Context, input *models.SetParameterRequest) (*models.SetParameterResponse, error) {
		applied, err := s.sessions.SetParameter(input.SessionID, input.Name, input.Body.Value)
		if err != nil {
			return nil, mapSessionError(err)
		}
		return &models.SetParameterResponse{
			Body: models.SetParameterResult{Name: input.Name, Applied: applied},
		}, nil
	})
}
