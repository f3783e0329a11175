package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector is an optional hook for observing session and transfer
// activity. Implementations can send metrics to Prometheus, StatsD, or any
// other monitoring system. All methods are called inline from
// HandleSerializedCommand or a Timer callback and must not block; dispatch
// heavier work asynchronously.
//
// The engine does not check for a nil collector: it defaults to NopMetrics,
// and WithMetrics must be given a non-nil collector.
//
// Generalized from the teacher's server/metrics.go MetricsCollector, which
// recorded FTP command/connection/authentication events; here the unit of
// observation is a transfer session and its files rather than a control
// connection.
type MetricsCollector interface {
	// RecordSession records the outcome of one receive or send session.
	// side is "receive" or "send"; outcome is "accepted", "rejected",
	// "expired", "canceled", "committed", or (send only) "failed".
	RecordSession(side, outcome string)

	// RecordTransfer records one completed file transfer.
	// side is "receive" or "send"; bytes is the final size; duration is how
	// long the file took from start_file/add_send_file to close.
	RecordTransfer(side string, bytes int64, duration time.Duration)

	// RecordBypass records a bypass-token check outcome (accepted/rejected).
	RecordBypass(accepted bool)

	// RecordBackpressure records one writer-refusal-and-retry cycle.
	RecordBackpressure(queueDepth int)
}

// NopMetrics is the zero-cost MetricsCollector used when the host supplies
// none.
type NopMetrics struct{}

func (NopMetrics) RecordSession(side, outcome string)                     {}
func (NopMetrics) RecordTransfer(side string, bytes int64, d time.Duration) {}
func (NopMetrics) RecordBypass(accepted bool)                             {}
func (NopMetrics) RecordBackpressure(queueDepth int)                      {}

// PrometheusMetrics is a MetricsCollector backed by github.com/prometheus/client_golang,
// grounded on backube-volsync and keith-smiley-gravwell-gravwell both
// requiring prometheus/client_golang for their own operational metrics.
type PrometheusMetrics struct {
	sessions      *prometheus.CounterVec
	transferBytes *prometheus.CounterVec
	transferSecs  *prometheus.HistogramVec
	bypassChecks  *prometheus.CounterVec
	backpressure  prometheus.Histogram
}

// NewPrometheusMetrics registers its collectors against reg and returns a
// ready MetricsCollector. Pass prometheus.DefaultRegisterer for the global
// registry.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "termfile",
			Name:      "sessions_total",
			Help:      "Total transfer sessions by side and outcome.",
		}, []string{"side", "outcome"}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "termfile",
			Name:      "transfer_bytes_total",
			Help:      "Total bytes transferred by side.",
		}, []string{"side"}),
		transferSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "termfile",
			Name:      "transfer_duration_seconds",
			Help:      "Per-file transfer duration by side.",
		}, []string{"side"}),
		bypassChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "termfile",
			Name:      "bypass_checks_total",
			Help:      "Bypass token checks by outcome.",
		}, []string{"outcome"}),
		backpressure: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "termfile",
			Name:      "backpressure_queue_depth",
			Help:      "Pending-response queue depth observed on writer refusal.",
		}),
	}
	reg.MustRegister(m.sessions, m.transferBytes, m.transferSecs, m.bypassChecks, m.backpressure)
	return m
}

func (m *PrometheusMetrics) RecordSession(side, outcome string) {
	m.sessions.WithLabelValues(side, outcome).Inc()
}

func (m *PrometheusMetrics) RecordTransfer(side string, bytes int64, d time.Duration) {
	m.transferBytes.WithLabelValues(side).Add(float64(bytes))
	m.transferSecs.WithLabelValues(side).Observe(d.Seconds())
}

func (m *PrometheusMetrics) RecordBypass(accepted bool) {
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	m.bypassChecks.WithLabelValues(outcome).Inc()
}

func (m *PrometheusMetrics) RecordBackpressure(queueDepth int) {
	m.backpressure.Observe(float64(queueDepth))
}
