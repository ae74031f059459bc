// Package metrics exposes the relay's Prometheus instrumentation. All
// methods are nil-safe so wiring metrics stays optional in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter

	turnLatency *prometheus.HistogramVec

	transcriptions *prometheus.CounterVec
	failovers      prometheus.Counter

	upstreamErrors *prometheus.CounterVec
	clientMessages *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Currently open relay sessions.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_total",
			Help: "Relay sessions opened since start.",
		}),
		turnLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_turn_latency_seconds",
			Help:    "Per-turn latency by stage.",
			Buckets: []float64{0.05, 0.1, 0.2, 0.35, 0.5, 0.75, 1, 1.5, 2, 3, 5},
		}, []string{"stage"}),
		transcriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_transcriptions_total",
			Help: "Transcription attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		failovers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_stt_failovers_total",
			Help: "Transcriptions served by the secondary provider.",
		}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_upstream_errors_total",
			Help: "Upstream transport failures by link.",
		}, []string{"upstream"}),
		clientMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_client_messages_total",
			Help: "Client messages by type.",
		}, []string{"type"}),
	}
	registry.MustRegister(
		m.sessionsActive,
		m.sessionsTotal,
		m.turnLatency,
		m.transcriptions,
		m.failovers,
		m.upstreamErrors,
		m.clientMessages,
	)
	return m
}

// Handler serves the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// ObserveTurn records one completed turn's stage latencies.
func (m *Metrics) ObserveTurn(speechToText, textToAudio, speechToAudio time.Duration) {
	if m == nil {
		return
	}
	m.turnLatency.WithLabelValues("speech_to_text").Observe(speechToText.Seconds())
	m.turnLatency.WithLabelValues("text_to_audio").Observe(textToAudio.Seconds())
	m.turnLatency.WithLabelValues("speech_to_audio").Observe(speechToAudio.Seconds())
}

func (m *Metrics) TranscriptionDone(provider string, failover bool) {
	if m == nil {
		return
	}
	m.transcriptions.WithLabelValues(provider, "ok").Inc()
	if failover {
		m.failovers.Inc()
	}
}

func (m *Metrics) TranscriptionFailed(provider string) {
	if m == nil {
		return
	}
	if provider == "" {
		provider = "unknown"
	}
	m.transcriptions.WithLabelValues(provider, "error").Inc()
}

func (m *Metrics) UpstreamError(upstream string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(upstream).Inc()
}

func (m *Metrics) ClientMessage(messageType string) {
	if m == nil {
		return
	}
	m.clientMessages.WithLabelValues(messageType).Inc()
}
