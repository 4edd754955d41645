package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/camfeed/internal/api/models"
)

// registerDeviceRoutes registers device enumeration.
func (s *Server) registerDeviceRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-devices",
		Method:      http.MethodGet,
		Path:        "/api/devices",
		Summary:     "List Devices",
		Description: "Enumerate cameras and the session each one is bound to",
		Tags:        []string{"devices"},
		Security:    withAuth(),
		Errors:      []int{401, 500},
	}, func(ctx context.Context, _ *struct{}) (*models.DeviceListResponse, error) {
		devices, err := s.sessions.ListDevices(ctx)
		if err != nil {
			return nil, mapSessionError(err)
		}
		return &models.DeviceListResponse{
			Body: models.DeviceListData{Devices: devices, Count: len(devices)},
		}, nil
	})
}
