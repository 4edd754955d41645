package models

import (
	"github.com/smazurov/camfeed/internal/logging"
	"github.com/smazurov/camfeed/internal/params"
	"github.com/smazurov/camfeed/internal/session"
)

// Health check models
type HealthData struct {
	Status   string `json:"status" example:"ok" doc:"Service status"`
	Message  string `json:"message" example:"API is healthy" doc:"Status message"`
	Sessions int    `json:"sessions" example:"1" doc:"Connected sessions"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"1.0.0" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit hash"`
	BuildDate string `json:"build_date" example:"2026-01-27T10:30:00Z" doc:"Build timestamp"`
	BuildID   string `json:"build_id" example:"42" doc:"Build identifier"`
	GoVersion string `json:"go_version" example:"go1.24.11" doc:"Go version"`
	Compiler  string `json:"compiler" example:"gc" doc:"Go compiler"`
	Platform  string `json:"platform" example:"linux/amd64" doc:"OS/architecture"`
}

type VersionResponse struct {
	Body VersionData
}

// Device models
type DeviceListData struct {
	Devices []session.Device `json:"devices" doc:"Enumerated devices"`
	Count   int              `json:"count" example:"2" doc:"Number of devices"`
}

type DeviceListResponse struct {
	Body DeviceListData
}

// Session models
type SessionRequestData struct {
	DeviceIndex int `json:"device_index" minimum:"0" example:"0" doc:"Index of the device in the enumeration"`
}

type SessionRequest struct {
	Body SessionRequestData
}

type SessionResponse struct {
	Body session.Info
}

type SessionListData struct {
	Sessions []session.Info `json:"sessions" doc:"Connected sessions"`
	Count    int            `json:"count" example:"1" doc:"Number of sessions"`
}

type SessionListResponse struct {
	Body SessionListData
}

type SessionPath struct {
	SessionID string `path:"session_id" example:"6f1c2a9e-4d2b-4c36-9a57-0b1de3f0c2aa" doc:"Session identifier"`
}

// Stream models
type StreamRequestData struct {
	Width  int `json:"width,omitempty" minimum:"0" maximum:"8192" example:"640" doc:"Output width; 0 keeps the sensor width or follows the aspect ratio"`
	Height int `json:"height,omitempty" minimum:"0" maximum:"8192" example:"480" doc:"Output height; 0 keeps the sensor height or follows the aspect ratio"`
}

type StreamRequest struct {
	SessionPath
	Body StreamRequestData
}

// Parameter models
type ParametersData struct {
	Current map[string]any `json:"current" doc:"Current values of the common parameters"`
	Min     map[string]any `json:"min" doc:"Minimum of each numeric parameter"`
	Max     map[string]any `json:"max" doc:"Maximum of each numeric parameter"`
}

type ParametersResponse struct {
	Body ParametersData
}

type ParameterPath struct {
	SessionPath
	Name string `path:"name" example:"ExposureTime" doc:"Parameter (node) name"`
}

type ParameterResponse struct {
	Body params.Description
}

type SetParameterData struct {
	Value any `json:"value" doc:"Requested value; numbers are clamped and rounded, enumerations must name an available entry"`
}

type SetParameterRequest struct {
	ParameterPath
	Body SetParameterData
}

type SetParameterResult struct {
	Name    string `json:"name" example:"ExposureTime" doc:"Parameter name"`
	Applied any    `json:"applied" doc:"Value actually written after clamping and rounding"`
}

type SetParameterResponse struct {
	Body SetParameterResult
}

// Snapshot models
type SnapshotResponse struct {
	ContentType  string `header:"Content-Type"`
	CacheControl string `header:"Cache-Control"`
	FrameSeq     string `header:"X-Frame-Seq"`
	Body         []byte
}

// Log models
type LogsRequest struct {
	Limit int `query:"limit" minimum:"0" maximum:"1000" default:"100" doc:"Number of most recent entries; 0 returns the whole buffer"`
}

type LogsData struct {
	Entries []logging.LogEntry `json:"entries" doc:"Log entries, oldest first"`
	Count   int                `json:"count" example:"100" doc:"Number of entries"`
}

type LogsResponse struct {
	Body LogsData
}

type LogLevelRequest struct {
	Module string `path:"module" example:"acquisition" doc:"Logger module"`
	Body   struct {
		Level string `json:"level" enum:"debug,info,warn,error" example:"debug" doc:"New level"`
	}
}

type LogLevelResponse struct {
	Body struct {
		Module string `json:"module" example:"acquisition" doc:"Logger module"`
		Level  string `json:"level" example:"debug" doc:"Applied level"`
	}
}
