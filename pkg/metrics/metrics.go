// Package metrics exposes Prometheus collectors for the orchestrator.
// Everything registers on the default registry; the HTTP server mounts
// Handler() at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meetingbot"

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of bot sessions currently running",
	})

	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "state_transitions_total",
		Help:      "Bot state transitions by edge",
	}, []string{"from_state", "to_state"})

	FramesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_routed_total",
		Help:      "Media frames delivered to sinks",
	}, []string{"sink"})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_dropped_total",
		Help:      "Media frames dropped because a sink queue was full",
	}, []string{"sink"})

	CaptureBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capture_bytes_total",
		Help:      "Bytes received on capture WebSocket connections",
	})

	WebhookAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_attempts_total",
		Help:      "Webhook delivery attempts by outcome",
	}, []string{"outcome"})

	WebhookDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "webhook_duration_seconds",
		Help:      "Webhook request duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	TranscriptResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcript_results_total",
		Help:      "Transcript segments received from providers",
	}, []string{"provider", "kind"})

	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_reconnects_total",
		Help:      "Reconnect attempts on outbound realtime audio streams",
	})
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
