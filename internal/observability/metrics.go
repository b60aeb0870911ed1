package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the chat session service.
// Each instance owns its registry so several can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry
	latency  *latencyWindow

	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	TurnOutcomes      *prometheus.CounterVec
	ExpiryRetries     *prometheus.CounterVec
	IdentitySwitches  *prometheus.CounterVec
	StorageErrors     *prometheus.CounterVec
	AssistantRequests *prometheus.CounterVec
	TurnLatency       *prometheus.HistogramVec
	WSMessages        *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		latency:  newLatencyWindow(512),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_chat_sessions",
			Help:      "Number of live chat tab sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Chat session lifecycle events by type.",
		}, []string{"event"}),
		TurnOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_outcomes_total",
			Help:      "Completed chat turns by assistant and outcome.",
		}, []string{"assistant", "outcome"}),
		ExpiryRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_expiry_retries_total",
			Help:      "Automatic retries after the remote conversation expired, by result.",
		}, []string{"assistant", "result"}),
		IdentitySwitches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_switches_total",
			Help:      "Identity switches observed by chat sessions.",
		}, []string{"assistant", "trigger"}),
		StorageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Swallowed chat storage failures by assistant and operation.",
		}, []string{"assistant", "op"}),
		AssistantRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assistant_requests_total",
			Help:      "Outbound assistant requests by assistant and result kind.",
		}, []string{"assistant", "kind"}),
		TurnLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_ms",
			Help:      "Latency from user send to terminal turn outcome in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 15000, 30000, 60000},
		}, []string{"assistant"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Event stream messages by direction and type.",
		}, []string{"direction", "type"}),
	}
}

// ObserveTurn records the end-to-end latency of a turn.
func (m *Metrics) ObserveTurn(assistant, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnOutcomes.WithLabelValues(assistant, outcome).Inc()
	m.TurnLatency.WithLabelValues(assistant).Observe(float64(d.Milliseconds()))
	m.latency.observe(assistant, StageTurn, d)
	m.latency.count(assistant, "outcome_"+outcome)
}

// ObserveAttempt records one outbound assistant request.
func (m *Metrics) ObserveAttempt(assistant, kind string, d time.Duration) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "ok"
	}
	m.AssistantRequests.WithLabelValues(assistant, kind).Inc()
	m.latency.observe(assistant, StageAssistantRequest, d)
}

// ObserveExpiryRetry records the result and duration of an automatic expiry
// retry. A retry canceled before it was sent has no duration.
func (m *Metrics) ObserveExpiryRetry(assistant, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExpiryRetries.WithLabelValues(assistant, result).Inc()
	if d > 0 {
		m.latency.observe(assistant, StageExpiryRetry, d)
	}
	m.latency.count(assistant, "expiry_retry_"+result)
}

// ObserveIdentitySwitch counts a switch. trigger is "render" or "send".
func (m *Metrics) ObserveIdentitySwitch(assistant, trigger string) {
	if m == nil {
		return
	}
	m.IdentitySwitches.WithLabelValues(assistant, trigger).Inc()
	m.latency.count(assistant, "identity_switch_"+trigger)
}

// ObserveStorageError counts a swallowed storage failure.
func (m *Metrics) ObserveStorageError(assistant, op string) {
	if m == nil {
		return
	}
	m.StorageErrors.WithLabelValues(assistant, op).Inc()
}

// ObserveSessionEvent counts a session lifecycle event.
func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

// SetActiveSessions updates the live session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// LatencyReport summarizes recent latencies of one assistant, or of all when
// assistant is empty.
func (m *Metrics) LatencyReport(assistant string) LatencyReport {
	return m.latency.report(assistant, time.Now())
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves this instance's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
