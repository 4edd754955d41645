package events

// Event type constants for kelindar/event.
const (
	TypeSessionConnected uint32 = iota + 1
	TypeSessionDisconnected
	TypeStreamStateChanged
	TypeStreamFailed
	TypeParameterChanged
	TypePresetsReloaded
	TypeLogEntry
)

// Stream states reported by StreamStateChangedEvent.
const (
	StreamStateStreaming = "streaming"
	StreamStateIdle      = "idle"
	StreamStateFailed    = "failed"
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// SessionEvent is implemented by events that belong to one session.
type SessionEvent interface {
	Event
	GetSessionID() string
}

// SessionConnectedEvent is published when a client bound a device.
type SessionConnectedEvent struct {
	SessionID    string `json:"session_id" example:"6f1c2a9e-4d2b-4c36-9a57-0b1de3f0c2aa" doc:"Session identifier"`
	DeviceIndex  int    `json:"device_index" example:"0" doc:"Index of the device in the enumeration"`
	DeviceSerial string `json:"device_serial" example:"SIM0001" doc:"Device serial number"`
	Model        string `json:"model" example:"SIM-CAM-1" doc:"Device model name"`
	Timestamp    string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for SessionConnectedEvent.
func (e SessionConnectedEvent) Type() uint32 { return TypeSessionConnected }

// GetSessionID implements SessionEvent.
func (e SessionConnectedEvent) GetSessionID() string { return e.SessionID }

// SessionDisconnectedEvent is published after a session released its device.
type SessionDisconnectedEvent struct {
	SessionID    string `json:"session_id" doc:"Session identifier"`
	DeviceSerial string `json:"device_serial" example:"SIM0001" doc:"Device serial number"`
	Timestamp    string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for SessionDisconnectedEvent.
func (e SessionDisconnectedEvent) Type() uint32 { return TypeSessionDisconnected }

// GetSessionID implements SessionEvent.
func (e SessionDisconnectedEvent) GetSessionID() string { return e.SessionID }

// StreamStateChangedEvent reports a session entering streaming, idle or failed.
type StreamStateChangedEvent struct {
	SessionID    string `json:"session_id" doc:"Session identifier"`
	DeviceSerial string `json:"device_serial" example:"SIM0001" doc:"Device serial number"`
	State        string `json:"state" example:"streaming" doc:"New stream state: streaming, idle or failed"`
	Error        string `json:"error,omitempty" doc:"Error that ended the stream"`
	Timestamp    string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamStateChangedEvent.
func (e StreamStateChangedEvent) Type() uint32 { return TypeStreamStateChanged }

// GetSessionID implements SessionEvent.
func (e StreamStateChangedEvent) GetSessionID() string { return e.SessionID }

// IsStreaming reports whether the session is streaming.
func (e StreamStateChangedEvent) IsStreaming() bool { return e.State == StreamStateStreaming }

// StreamFailedEvent is published once when a fatal error ends a stream.
type StreamFailedEvent struct {
	SessionID    string `json:"session_id" doc:"Session identifier"`
	DeviceSerial string `json:"device_serial" example:"SIM0001" doc:"Device serial number"`
	Code         string `json:"code" example:"ACQUISITION_STALLED" doc:"Error code"`
	Error        string `json:"error" doc:"Error description"`
	Timestamp    string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamFailedEvent.
func (e StreamFailedEvent) Type() uint32 { return TypeStreamFailed }

// GetSessionID implements SessionEvent.
func (e StreamFailedEvent) GetSessionID() string { return e.SessionID }

// ParameterChangedEvent reports a value written to a device.
type ParameterChangedEvent struct {
	SessionID string `json:"session_id" doc:"Session identifier"`
	Name      string `json:"name" example:"ExposureTime" doc:"Parameter name"`
	Value     any    `json:"value" doc:"Applied value after clamping and rounding"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for ParameterChangedEvent.
func (e ParameterChangedEvent) Type() uint32 { return TypeParameterChanged }

// GetSessionID implements SessionEvent.
func (e ParameterChangedEvent) GetSessionID() string { return e.SessionID }

// PresetsReloadedEvent is published after the presets file was re-applied.
type PresetsReloadedEvent struct {
	Path      string `json:"path" example:"/etc/camfeed/presets.toml" doc:"Presets file"`
	Sessions  int    `json:"sessions" example:"2" doc:"Sessions the presets were applied to"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for PresetsReloadedEvent.
func (e PresetsReloadedEvent) Type() uint32 { return TypePresetsReloaded }

// LogEntryEvent represents a log entry for SSE streaming.
type LogEntryEvent struct {
	Seq        uint64         `json:"seq" example:"42" doc:"Monotonic sequence number for deduplication"`
	Timestamp  string         `json:"timestamp" example:"2026-01-09T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"api" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }
