package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the transcription service
type Metrics struct {
	// WebSocket message metrics
	MessagesReceived prometheus.Counter
	AudioFrames      prometheus.Counter
	ParseErrors      prometheus.Counter
	Connections      prometheus.Gauge

	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed prometheus.Counter
	SessionsSwept     prometheus.Counter

	// Audio buffer metrics
	BytesBuffered   prometheus.Counter
	BytesDropped    prometheus.Counter
	UtteranceLength prometheus.Histogram

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram
	FilteredResults        prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// WebSocket message metrics
		MessagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_messages_received_total",
			Help: "Total number of control messages received",
		}),
		AudioFrames: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_audio_frames_total",
			Help: "Total number of binary audio frames received",
		}),
		ParseErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_parse_errors_total",
			Help: "Total number of message parsing errors",
		}),
		Connections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stt_websocket_connections",
			Help: "Current number of open WebSocket connections",
		}),

		// Session metrics
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stt_active_sessions",
			Help: "Current number of audio sessions in the store",
		}),
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsDestroyed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_sessions_destroyed_total",
			Help: "Total number of sessions deleted",
		}),
		SessionsSwept: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_sessions_swept_total",
			Help: "Total number of sessions evicted by the idle sweep",
		}),

		// Audio buffer metrics
		BytesBuffered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_audio_bytes_buffered_total",
			Help: "Total audio bytes appended to session buffers",
		}),
		BytesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_audio_bytes_dropped_total",
			Help: "Total audio bytes dropped at the buffer cap",
		}),
		UtteranceLength: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_utterance_duration_seconds",
			Help:    "Duration of utterances sent for transcription",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~1 minute
		}),

		// Transcription metrics
		TranscriptionRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),
		FilteredResults: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_filtered_results_total",
			Help: "Total number of transcription results suppressed as noise",
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stt_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordMessageReceived increments the control messages counter
func (m *Metrics) RecordMessageReceived() {
	m.MessagesReceived.Inc()
}

// RecordAudioFrame increments the audio frame counter and adds the bytes
func (m *Metrics) RecordAudioFrame(pcmBytes int) {
	m.AudioFrames.Inc()
	m.BytesBuffered.Add(float64(pcmBytes))
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	m.ParseErrors.Inc()
}

// SetConnections sets the current number of open connections
func (m *Metrics) SetConnections(count int) {
	m.Connections.Set(float64(count))
}

// SetActiveSessions sets the current number of sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// RecordSessionDestroyed increments the sessions destroyed counter
func (m *Metrics) RecordSessionDestroyed() {
	m.SessionsDestroyed.Inc()
}

// RecordSessionSwept counts an idle-sweep eviction
func (m *Metrics) RecordSessionSwept() {
	m.SessionsDestroyed.Inc()
	m.SessionsSwept.Inc()
}

// RecordBytesDropped adds bytes rejected at the buffer cap
func (m *Metrics) RecordBytesDropped(n int) {
	m.BytesDropped.Add(float64(n))
}

// RecordUtterance records the duration of one transcribed utterance
func (m *Metrics) RecordUtterance(durationSeconds float64) {
	m.UtteranceLength.Observe(durationSeconds)
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordFilteredResult counts a noise-filtered transcription result
func (m *Metrics) RecordFilteredResult() {
	m.FilteredResults.Inc()
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
