package camera

import (
	"errors"
	"fmt"
)

// Error is a pipeline error carrying a stable code.
type Error struct {
	Code    string
	Node    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Node != "" {
		msg = fmt.Sprintf("%s (node %s)", msg, e.Node)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Error codes
const (
	ErrCodeDeviceNotFound          = "DEVICE_NOT_FOUND"
	ErrCodeInvalidDeviceIndex      = "INVALID_DEVICE_INDEX"
	ErrCodeHandleCreationFailed    = "HANDLE_CREATION_FAILED"
	ErrCodeConfigurationFailed     = "CONFIGURATION_FAILED"
	ErrCodeParameterLocked         = "PARAMETER_LOCKED"
	ErrCodeValueNotAvailable       = "VALUE_NOT_AVAILABLE"
	ErrCodeInvalidValue            = "INVALID_VALUE"
	ErrCodeNodeNotFound            = "NODE_NOT_FOUND"
	ErrCodeAcquisitionStartFailed  = "ACQUISITION_START_FAILED"
	ErrCodeBufferTimeout           = "BUFFER_TIMEOUT"
	ErrCodeWaitAborted             = "WAIT_ABORTED"
	ErrCodeAcquisitionStalled      = "ACQUISITION_STALLED"
	ErrCodeUnsupportedPixelFormat  = "UNSUPPORTED_PIXEL_FORMAT"
	ErrCodeEncodeFailed            = "ENCODE_FAILED"
	ErrCodeBufferPoolBusy          = "BUFFER_POOL_BUSY"
	ErrCodeBufferNotLeased         = "BUFFER_NOT_LEASED"
	ErrCodeSessionAlreadyStreaming = "SESSION_ALREADY_STREAMING"
	ErrCodeWorkerJoinTimeout       = "WORKER_JOIN_TIMEOUT"
	ErrCodeInvalidState            = "INVALID_STATE"
	ErrCodeHardware                = "HARDWARE_ERROR"
	ErrCodeDispatcherClosed        = "DISPATCHER_CLOSED"
	ErrCodeSessionNotFound         = "SESSION_NOT_FOUND"
	ErrCodeDeviceBusy              = "DEVICE_BUSY"
	ErrCodeFeedClaimed             = "FEED_CLAIMED"
	ErrCodeNoFrame                 = "NO_FRAME"
)

// Sentinels for errors.Is. Only the code is compared.
var (
	ErrDeviceNotFound          = &Error{Code: ErrCodeDeviceNotFound, Message: "no devices found"}
	ErrInvalidDeviceIndex      = &Error{Code: ErrCodeInvalidDeviceIndex, Message: "invalid device index"}
	ErrHandleCreationFailed    = &Error{Code: ErrCodeHandleCreationFailed, Message: "failed to open device"}
	ErrConfigurationFailed     = &Error{Code: ErrCodeConfigurationFailed, Message: "configuration failed"}
	ErrParameterLocked         = &Error{Code: ErrCodeParameterLocked, Message: "parameter is locked while streaming"}
	ErrValueNotAvailable       = &Error{Code: ErrCodeValueNotAvailable, Message: "value not available"}
	ErrInvalidValue            = &Error{Code: ErrCodeInvalidValue, Message: "invalid value"}
	ErrNodeNotFound            = &Error{Code: ErrCodeNodeNotFound, Message: "node not found"}
	ErrAcquisitionStartFailed  = &Error{Code: ErrCodeAcquisitionStartFailed, Message: "acquisition start failed"}
	ErrBufferTimeout           = &Error{Code: ErrCodeBufferTimeout, Message: "timed out waiting for buffer"}
	ErrWaitAborted             = &Error{Code: ErrCodeWaitAborted, Message: "buffer wait aborted"}
	ErrAcquisitionStalled      = &Error{Code: ErrCodeAcquisitionStalled, Message: "acquisition stalled"}
	ErrUnsupportedPixelFormat  = &Error{Code: ErrCodeUnsupportedPixelFormat, Message: "unsupported pixel format"}
	ErrEncodeFailed            = &Error{Code: ErrCodeEncodeFailed, Message: "encode failed"}
	ErrBufferPoolBusy          = &Error{Code: ErrCodeBufferPoolBusy, Message: "buffers still leased"}
	ErrBufferNotLeased         = &Error{Code: ErrCodeBufferNotLeased, Message: "buffer is not leased"}
	ErrSessionAlreadyStreaming = &Error{Code: ErrCodeSessionAlreadyStreaming, Message: "session is already streaming"}
	ErrWorkerJoinTimeout       = &Error{Code: ErrCodeWorkerJoinTimeout, Message: "fetch worker did not exit in time"}
	ErrInvalidState            = &Error{Code: ErrCodeInvalidState, Message: "invalid state"}
	ErrDispatcherClosed        = &Error{Code: ErrCodeDispatcherClosed, Message: "dispatcher is closed"}
	ErrSessionNotFound         = &Error{Code: ErrCodeSessionNotFound, Message: "session not found"}
	ErrDeviceBusy              = &Error{Code: ErrCodeDeviceBusy, Message: "device is bound to another session"}
	ErrFeedClaimed             = &Error{Code: ErrCodeFeedClaimed, Message: "frame feed already claimed"}
	ErrNoFrame                 = &Error{Code: ErrCodeNoFrame, Message: "no frame captured yet"}
)

// NewError creates a new pipeline error.
func NewError(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// ConfigurationFailed reports a failure to configure the named node.
func ConfigurationFailed(node string, cause error) *Error {
	return &Error{
		Code:    ErrCodeConfigurationFailed,
		Node:    node,
		Message: "failed to configure node",
		Cause:   cause,
	}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
