package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_ReturnsSingleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}

func TestRecordEngineOutcomes(t *testing.T) {
	m := New()

	m.RecordAssignment("sales", "assigned")
	m.RecordAssignment("sales", "assigned")
	m.RecordAssignment("sales", "no_candidate")
	m.RecordNotification("sales", "position_update")
	m.RecordEscalation("sales", "escalated")
	m.SetQueueDepth("sales", 4)
	m.RecordCycle(120 * time.Millisecond)
	m.RecordCycleError("assign")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.assignmentsTotal.WithLabelValues("sales", "assigned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.assignmentsTotal.WithLabelValues("sales", "no_candidate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notificationsTotal.WithLabelValues("sales", "position_update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.escalationsTotal.WithLabelValues("sales", "escalated")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("sales")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cyclesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycleErrors.WithLabelValues("assign")))
}

func TestWebSocketGauge(t *testing.T) {
	m := New()
	m.RecordWebSocketConnect()
	m.RecordWebSocketConnect()
	m.RecordWebSocketDisconnect()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.wsConnections))
}

func TestHandler_ExposesRegistry(t *testing.T) {
	m := New()
	m.RecordHTTPRequest("GET", "/health", 200, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `queueengine_http_requests_total{method="GET",route="/health",status="200"} 1`)
}
