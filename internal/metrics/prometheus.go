package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/skypro1111/voip-relay-service/internal/protocol"
)

const namespace = "voip_relay"

// Metrics contains all Prometheus metrics for the relay service
type Metrics struct {
	// Connection metrics
	ConnectionsAccepted *prometheus.CounterVec
	ActiveConnections   *prometheus.GaugeVec
	AcceptErrors        *prometheus.CounterVec
	Handshakes          *prometheus.CounterVec

	// Ingestion metrics
	FramesReceived *prometheus.CounterVec
	BytesReceived  *prometheus.CounterVec
	OddFrames      *prometheus.CounterVec
	QueueDrops     *prometheus.CounterVec
	QueueDepth     *prometheus.GaugeVec
	RingSamples    *prometheus.GaugeVec

	// Playback metrics
	FramesPlayed          *prometheus.CounterVec
	PlaybackErrors        prometheus.Counter
	PlaybackWriteDuration prometheus.Histogram
	PopTimeouts           prometheus.Counter
	SourceSwitches        *prometheus.CounterVec
	ActiveSource          *prometheus.GaugeVec

	// Snapshot metrics
	SnapshotsReceived      prometheus.Counter
	SnapshotDecodeFailures prometheus.Counter
	SnapshotSize           prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg uses
// the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ConnectionsAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of accepted producer connections",
		}, []string{"direction"}),
		ActiveConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Current number of open producer connections",
		}, []string{"direction"}),
		AcceptErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Total number of failed accept calls",
		}, []string{"listener"}),
		Handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Username handshakes by result",
		}, []string{"direction", "result"}),

		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total number of well-formed PCM frames received",
		}, []string{"direction"}),
		BytesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total number of audio bytes received",
		}, []string{"direction"}),
		OddFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "odd_frames_total",
			Help:      "Total number of odd-length reads discarded",
		}, []string{"direction"}),
		QueueDrops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_drops_total",
			Help:      "Total number of frames dropped because the distribution queue was full",
		}, []string{"direction"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of frames in the distribution queue",
		}, []string{"direction"}),
		RingSamples: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "diagnostic_samples",
			Help:      "Current number of samples in the diagnostic ring",
		}, []string{"direction"}),

		FramesPlayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_played_total",
			Help:      "Total number of frames written to the audio sink",
		}, []string{"direction"}),
		PlaybackErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_errors_total",
			Help:      "Total number of failed audio sink writes",
		}),
		PlaybackWriteDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "playback_write_duration_seconds",
			Help:      "Time spent in blocking audio sink writes",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
		}),
		PopTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_pop_timeouts_total",
			Help:      "Total number of playback iterations that found the active queue empty",
		}),
		SourceSwitches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_switches_total",
			Help:      "Total number of playback source switches by new source",
		}, []string{"direction"}),
		ActiveSource: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_source",
			Help:      "1 for the direction currently routed to playback, 0 otherwise",
		}, []string{"direction"}),

		SnapshotsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_received_total",
			Help:      "Total number of snapshot payloads received",
		}),
		SnapshotDecodeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_decode_failures_total",
			Help:      "Total number of snapshot payloads that failed to decode",
		}),
		SnapshotSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_size_bytes",
			Help:      "Size of received snapshot payloads",
			Buckets:   prometheus.ExponentialBuckets(1024, 2, 14), // 1KB to ~8MB
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordConnectionOpened counts an accepted connection
func (m *Metrics) RecordConnectionOpened(dir protocol.Direction) {
	m.ConnectionsAccepted.WithLabelValues(dir.String()).Inc()
	m.ActiveConnections.WithLabelValues(dir.String()).Inc()
}

// RecordConnectionClosed decrements the open connections gauge
func (m *Metrics) RecordConnectionClosed(dir protocol.Direction) {
	m.ActiveConnections.WithLabelValues(dir.String()).Dec()
}

// RecordAcceptError counts a failed accept on listener
func (m *Metrics) RecordAcceptError(listener string) {
	m.AcceptErrors.WithLabelValues(listener).Inc()
}

// RecordHandshake counts a handshake outcome
func (m *Metrics) RecordHandshake(dir protocol.Direction, result string) {
	m.Handshakes.WithLabelValues(dir.String(), result).Inc()
}

// RecordFrame records a well-formed frame and whether it was queued
func (m *Metrics) RecordFrame(dir protocol.Direction, sizeBytes int, queued bool) {
	m.FramesReceived.WithLabelValues(dir.String()).Inc()
	m.BytesReceived.WithLabelValues(dir.String()).Add(float64(sizeBytes))
	if !queued {
		m.QueueDrops.WithLabelValues(dir.String()).Inc()
	}
}

// RecordOddFrame records a discarded odd-length read
func (m *Metrics) RecordOddFrame(dir protocol.Direction, sizeBytes int) {
	m.OddFrames.WithLabelValues(dir.String()).Inc()
	m.BytesReceived.WithLabelValues(dir.String()).Add(float64(sizeBytes))
}

// SetQueueDepth sets the current queue depth for dir
func (m *Metrics) SetQueueDepth(dir protocol.Direction, depth int) {
	m.QueueDepth.WithLabelValues(dir.String()).Set(float64(depth))
}

// SetRingSamples sets the diagnostic ring fill level for dir
func (m *Metrics) SetRingSamples(dir protocol.Direction, samples int) {
	m.RingSamples.WithLabelValues(dir.String()).Set(float64(samples))
}

// RecordFramePlayed records a successful sink write
func (m *Metrics) RecordFramePlayed(dir protocol.Direction, durationSeconds float64) {
	m.FramesPlayed.WithLabelValues(dir.String()).Inc()
	m.PlaybackWriteDuration.Observe(durationSeconds)
}

// RecordPlaybackError records a failed sink write
func (m *Metrics) RecordPlaybackError(durationSeconds float64) {
	m.PlaybackErrors.Inc()
	m.PlaybackWriteDuration.Observe(durationSeconds)
}

// RecordPopTimeout records an empty playback iteration
func (m *Metrics) RecordPopTimeout() {
	m.PopTimeouts.Inc()
}

// SetActiveSource marks dir as the routed direction
func (m *Metrics) SetActiveSource(dir protocol.Direction) {
	for _, d := range protocol.Directions() {
		value := 0.0
		if d == dir {
			value = 1
		}
		m.ActiveSource.WithLabelValues(d.String()).Set(value)
	}
}

// RecordSourceSwitch records a switch to dir
func (m *Metrics) RecordSourceSwitch(dir protocol.Direction) {
	m.SourceSwitches.WithLabelValues(dir.String()).Inc()
	m.SetActiveSource(dir)
}

// RecordSnapshot records a received snapshot and whether it decoded
func (m *Metrics) RecordSnapshot(sizeBytes int, decoded bool) {
	m.SnapshotsReceived.Inc()
	m.SnapshotSize.Observe(float64(sizeBytes))
	if !decoded {
		m.SnapshotDecodeFailures.Inc()
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
