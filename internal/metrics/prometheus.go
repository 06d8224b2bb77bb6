package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice bridge service
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsClosed  prometheus.Counter
	SessionDuration prometheus.Histogram
	ConnectFailures prometheus.Counter

	// Relay metrics
	FramesToAgent     prometheus.Counter
	FramesToTelephony prometheus.Counter
	FramesDropped     prometheus.Counter
	KeepalivesSent    prometheus.Counter

	// Call-control metrics
	CallsOriginated      prometheus.Counter
	CallOriginateErrors  prometheus.Counter
	CallStatusCallbacks  *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_active_sessions",
			Help: "Current number of active bridge sessions",
		}),
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_sessions_created_total",
			Help: "Total number of bridge sessions created",
		}),
		SessionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_sessions_closed_total",
			Help: "Total number of bridge sessions closed",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_session_duration_seconds",
			Help:    "Duration of bridge sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		ConnectFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_agent_connect_failures_total",
			Help: "Total number of failed agent socket connections",
		}),

		FramesToAgent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_frames_to_agent_total",
			Help: "Total number of audio frames forwarded to the agent",
		}),
		FramesToTelephony: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_frames_to_telephony_total",
			Help: "Total number of audio frames forwarded to the telephony side",
		}),
		FramesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_frames_dropped_total",
			Help: "Total number of audio frames dropped (pre-start, transcode failure, short frame)",
		}),
		KeepalivesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_keepalives_sent_total",
			Help: "Total number of liveness pings sent to the telephony side",
		}),

		CallsOriginated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_calls_originated_total",
			Help: "Total number of outbound calls originated",
		}),
		CallOriginateErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_call_originate_errors_total",
			Help: "Total number of failed outbound call originations",
		}),
		CallStatusCallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_call_status_callbacks_total",
			Help: "Total number of call status callbacks received",
		}, []string{"status"}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSessionCreated increments the session creation counter and gauge
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionClosed records a closed session and its duration
func (m *Metrics) RecordSessionClosed(durationSeconds float64) {
	m.SessionsClosed.Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordConnectFailure increments the agent connect failure counter
func (m *Metrics) RecordConnectFailure() {
	m.ConnectFailures.Inc()
}

// RecordRelayTotals accumulates per-session relay counters at session end
func (m *Metrics) RecordRelayTotals(toAgent, toTelephony, dropped, keepalives uint64) {
	m.FramesToAgent.Add(float64(toAgent))
	m.FramesToTelephony.Add(float64(toTelephony))
	m.FramesDropped.Add(float64(dropped))
	m.KeepalivesSent.Add(float64(keepalives))
}

// RecordCallOriginated increments the call origination counter
func (m *Metrics) RecordCallOriginated() {
	m.CallsOriginated.Inc()
}

// RecordCallOriginateError increments the origination failure counter
func (m *Metrics) RecordCallOriginateError() {
	m.CallOriginateErrors.Inc()
}

// RecordCallStatus records a status callback from the provider
func (m *Metrics) RecordCallStatus(status string) {
	m.CallStatusCallbacks.WithLabelValues(status).Inc()
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
