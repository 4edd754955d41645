package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/camfeed/internal/camera"
)

// statusForCode maps an error code to the HTTP status reported for it.
func statusForCode(code string) int {
	switch code {
	case camera.ErrCodeSessionNotFound, camera.ErrCodeDeviceNotFound,
		camera.ErrCodeInvalidDeviceIndex, camera.ErrCodeNodeNotFound, camera.ErrCodeNoFrame:
		return http.StatusNotFound
	case camera.ErrCodeParameterLocked, camera.ErrCodeDeviceBusy, camera.ErrCodeSessionAlreadyStreaming,
		camera.ErrCodeFeedClaimed, camera.ErrCodeInvalidState, camera.ErrCodeBufferPoolBusy:
		return http.StatusConflict
	case camera.ErrCodeValueNotAvailable, camera.ErrCodeInvalidValue:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// codedError adds the error code to huma's problem details.
type codedError struct {
	huma.ErrorModel
	Code string `json:"code,omitempty" example:"PARAMETER_LOCKED" doc:"camfeed error code"`
}

// mapSessionError maps session and camera errors to HTTP errors.
func mapSessionError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return huma.Error503ServiceUnavailable("request cancelled", err)
	}
	var camErr *camera.Error
	if !errors.As(err, &camErr) {
		return huma.Error500InternalServerError("internal server error", err)
	}
	status := statusForCode(camErr.Code)
	msg := camErr.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error: " + msg
	}
	return &codedError{
		ErrorModel: huma.ErrorModel{
			Title:  http.StatusText(status),
			Status: status,
			Detail: msg,
		},
		Code: camErr.Code,
	}
}
