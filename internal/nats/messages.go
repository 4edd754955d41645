package nats

import (
	"encoding/json"
	"fmt"
)

// Subject prefixes for NATS topics.
const (
	SubjectSessionsPrefix = "camfeed.sessions"
	SubjectControlPrefix  = "camfeed.control"
)

// Frame message headers.
const (
	HeaderFrameSeq    = "Camfeed-Frame-Seq"
	HeaderFrameWidth  = "Camfeed-Frame-Width"
	HeaderFrameHeight = "Camfeed-Frame-Height"
	HeaderCapturedAt  = "Camfeed-Captured-At"
)

// ActionStop asks for a session's stream to stop.
const ActionStop = "stop"

// SubjectSessionLifecycle returns the subject for connect and disconnect
// notices of a session.
func SubjectSessionLifecycle(sessionID string) string {
	return fmt.Sprintf("%s.%s.lifecycle", SubjectSessionsPrefix, sessionID)
}

// SubjectSessionState returns the subject for stream state changes.
func SubjectSessionState(sessionID string) string {
	return fmt.Sprintf("%s.%s.state", SubjectSessionsPrefix, sessionID)
}

// SubjectSessionParams returns the subject for applied parameter values.
func SubjectSessionParams(sessionID string) string {
	return fmt.Sprintf("%s.%s.params", SubjectSessionsPrefix, sessionID)
}

// SubjectSessionFailed returns the subject for stream faults.
func SubjectSessionFailed(sessionID string) string {
	return fmt.Sprintf("%s.%s.failed", SubjectSessionsPrefix, sessionID)
}

// SubjectSessionFrames returns the subject encoded frames are published on.
func SubjectSessionFrames(sessionID string) string {
	return fmt.Sprintf("%s.%s.frames", SubjectSessionsPrefix, sessionID)
}

// SubjectControlStop returns the subject for stop commands.
func SubjectControlStop(sessionID string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectControlPrefix, sessionID, ActionStop)
}

// LifecycleMessage announces a session being created or removed.
type LifecycleMessage struct {
	SessionID    string `json:"session_id"`
	Timestamp    string `json:"timestamp"`
	Event        string `json:"event"` // connected, disconnected
	DeviceSerial string `json:"device_serial"`
	Model        string `json:"model,omitempty"`
}

// Marshal serializes the message to JSON.
func (m LifecycleMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// StateMessage represents a stream state change sent over NATS.
type StateMessage struct {
	SessionID    string `json:"session_id"`
	Timestamp    string `json:"timestamp"`
	DeviceSerial string `json:"device_serial"`
	State        string `json:"state"` // streaming, idle, failed
	Error        string `json:"error,omitempty"`
}

// Marshal serializes the message to JSON.
func (m StateMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ParamMessage carries one applied parameter value.
type ParamMessage struct {
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`
	Name      string `json:"name"`
	Value     any    `json:"value"`
}

// Marshal serializes the message to JSON.
func (m ParamMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// FailedMessage reports the fault that ended a stream.
type FailedMessage struct {
	SessionID    string `json:"session_id"`
	Timestamp    string `json:"timestamp"`
	DeviceSerial string `json:"device_serial"`
	Code         string `json:"code"`
	Error        string `json:"error"`
}

// Marshal serializes the message to JSON.
func (m FailedMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ControlMessage represents a command sent to the session manager.
type ControlMessage struct {
	Action    string `json:"action"` // stop
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`
	Reason    string `json:"reason,omitempty"`
}

// Marshal serializes the message to JSON.
func (m ControlMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ControlReply answers a control request.
type ControlReply struct {
	OK    bool   `json:"ok"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// Marshal serializes the message to JSON.
func (m ControlReply) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalState deserializes a StateMessage from JSON.
func UnmarshalState(data []byte) (StateMessage, error) {
	var m StateMessage
	err := json.Unmarshal(data, &m)
	return m, err
}

// UnmarshalParam deserializes a ParamMessage from JSON.
func UnmarshalParam(data []byte) (ParamMessage, error) {
	var m ParamMessage
	err := json.Unmarshal(data, &m)
	return m, err
}

// UnmarshalControl deserializes a ControlMessage from JSON.
func UnmarshalControl(data []byte) (ControlMessage, error) {
	var m ControlMessage
	err := json.Unmarshal(data, &m)
	return m, err
}

// UnmarshalControlReply deserializes a ControlReply from JSON.
func UnmarshalControlReply(data []byte) (ControlReply, error) {
	var m ControlReply
	err := json.Unmarshal(data, &m)
	return m, err
}
