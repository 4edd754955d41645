// Package metrics provides Prometheus metrics for the acquisition pipeline
// and the sessions that drive it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons.
const (
	DropConvert = "convert"
	DropEncode  = "encode"
	DropEvicted = "evicted"
	DropClosed  = "closed"
)

var (
	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camfeed",
		Subsystem: "acquisition",
		Name:      "frames_total",
		Help:      "Frames encoded and handed to the dispatcher",
	}, []string{"device"})

	frameBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "camfeed",
		Subsystem: "acquisition",
		Name:      "frame_bytes",
		Help:      "Encoded frame size in bytes",
		Buckets:   prometheus.ExponentialBuckets(4096, 2, 10),
	}, []string{"device"})

	droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camfeed",
		Subsystem: "acquisition",
		Name:      "dropped_frames_total",
		Help:      "Frames dropped before delivery",
	}, []string{"device", "reason"})

	timeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camfeed",
		Subsystem: "acquisition",
		Name:      "buffer_timeouts_total",
		Help:      "Buffer waits that timed out",
	}, []string{"device"})

	faultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camfeed",
		Subsystem: "acquisition",
		Name:      "faults_total",
		Help:      "Fatal acquisition errors by code",
	}, []string{"device", "code"})

	joinTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camfeed",
		Subsystem: "acquisition",
		Name:      "join_timeouts_total",
		Help:      "Fetch workers that did not exit within the join timeout",
	}, []string{"device"})

	streamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "camfeed",
		Subsystem: "session",
		Name:      "streams_active",
		Help:      "Sessions currently streaming",
	})

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "camfeed",
		Subsystem: "session",
		Name:      "sessions_active",
		Help:      "Connected sessions",
	})

	eventDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camfeed",
		Subsystem: "api",
		Name:      "sse_events_dropped_total",
		Help:      "Bus events not delivered to an SSE client whose buffer was full",
	}, []string{"stream"})

	parameterSetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camfeed",
		Subsystem: "params",
		Name:      "sets_total",
		Help:      "Parameter writes by result code",
	}, []string{"name", "result"})
)

// RecordFrame counts one delivered frame of n encoded bytes.
func RecordFrame(device string, n int) {
	framesTotal.WithLabelValues(device).Inc()
	frameBytes.WithLabelValues(device).Observe(float64(n))
}

// RecordDrop counts a dropped frame.
func RecordDrop(device, reason string) {
	droppedTotal.WithLabelValues(device, reason).Inc()
}

// RecordTimeout counts a buffer wait timeout.
func RecordTimeout(device string) {
	timeoutsTotal.WithLabelValues(device).Inc()
}

// RecordFault counts a fatal acquisition error.
func RecordFault(device, code string) {
	faultsTotal.WithLabelValues(device, code).Inc()
}

// RecordJoinTimeout counts a worker that outlived its join timeout.
func RecordJoinTimeout(device string) {
	joinTimeoutsTotal.WithLabelValues(device).Inc()
}

// StreamStarted and StreamStopped track the streaming gauge.
func StreamStarted() { streamsActive.Inc() }

// StreamStopped decrements the streaming gauge.
func StreamStopped() { streamsActive.Dec() }

// SetSessions sets the connected session gauge.
func SetSessions(n int) {
	sessionsActive.Set(float64(n))
}

// RecordParameterSet counts a parameter write. result is "ok" or an error code.
func RecordParameterSet(name, result string) {
	parameterSetsTotal.WithLabelValues(name, result).Inc()
}

// RecordEventDrop counts a bus event dropped by an SSE stream.
func RecordEventDrop(stream string) {
	eventDropsTotal.WithLabelValues(stream).Inc()
}

// EventDrops returns the drop counter of one SSE stream.
func EventDrops(stream string) prometheus.Counter {
	return eventDropsTotal.WithLabelValues(stream)
}

// DeleteDevice removes the per-device series.
func DeleteDevice(device string) {
	framesTotal.DeleteLabelValues(device)
	frameBytes.DeleteLabelValues(device)
	timeoutsTotal.DeleteLabelValues(device)
	joinTimeoutsTotal.DeleteLabelValues(device)
	droppedTotal.DeletePartialMatch(prometheus.Labels{"device": device})
	faultsTotal.DeletePartialMatch(prometheus.Labels{"device": device})
}

// Handler returns the Prometheus scrape handler for promauto metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
