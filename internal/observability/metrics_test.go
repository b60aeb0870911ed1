package observability

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsInstancesDoNotCollide(t *testing.T) {
	a := NewMetrics("chat")
	b := NewMetrics("chat")

	a.ObserveTurn("ops", "success", 1200*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.TurnOutcomes.WithLabelValues("ops", "success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.TurnOutcomes.WithLabelValues("ops", "success")))
}

func TestMetricsFeedLatencyReport(t *testing.T) {
	m := NewMetrics("chat")
	m.ObserveAttempt("ops", "", 300*time.Millisecond)
	m.ObserveAttempt("ops", "conversation_expired", 100*time.Millisecond)
	m.ObserveExpiryRetry("ops", "ok", 250*time.Millisecond)
	m.ObserveExpiryRetry("ops", "canceled", 0)
	m.ObserveTurn("ops", "recovered", 500*time.Millisecond)
	m.ObserveTurn("billing", "success", 50*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AssistantRequests.WithLabelValues("ops", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExpiryRetries.WithLabelValues("ops", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExpiryRetries.WithLabelValues("ops", "canceled")))

	rep := m.LatencyReport("ops")
	require.Len(t, rep.Stages, 3)
	assert.Equal(t, StageAssistantRequest, rep.Stages[0].Stage)
	assert.Equal(t, 2, rep.Stages[0].Samples)
	assert.Equal(t, StageExpiryRetry, rep.Stages[1].Stage)
	assert.Equal(t, 1, rep.Stages[1].Samples)
	assert.Equal(t, StageTurn, rep.Stages[2].Stage)

	events := map[string]int{}
	for _, e := range rep.Events {
		events[e.Event] = e.Count
	}
	assert.Equal(t, 1, events["expiry_retry_ok"])
	assert.Equal(t, 1, events["expiry_retry_canceled"])
	assert.Equal(t, 1, events["outcome_recovered"])
	assert.NotContains(t, events, "outcome_success")

	assert.Len(t, m.LatencyReport("").Stages, 4)
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	m := NewMetrics("chat_handler")
	m.ObserveStorageError("ops", "set")
	m.SetActiveSessions(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `chat_handler_storage_errors_total{assistant="ops",op="set"} 1`)
	assert.Contains(t, string(body), "chat_handler_active_chat_sessions 3")
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveTurn("ops", "success", time.Second)
	m.ObserveIdentitySwitch("ops", "send")
	m.ObserveSessionEvent("created")
}
