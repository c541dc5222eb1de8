package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "queueengine"

// Metrics holds all application metrics on a private Prometheus registry
type Metrics struct {
	Registry *prometheus.Registry

	// Scheduling cycle
	cyclesTotal    prometheus.Counter
	cycleDuration  prometheus.Histogram
	cycleErrors    *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	enqueuedTotal  *prometheus.CounterVec
	cancelledTotal prometheus.Counter

	// Engine outcomes
	assignmentsTotal   *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
	escalationsTotal   *prometheus.CounterVec

	// WebSocket
	wsConnections prometheus.Gauge
	wsMessages    prometheus.Counter
	wsErrors      prometheus.Counter

	// HTTP
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var instance *Metrics
var once sync.Once

// Get returns the process-wide metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = New()
	})
	return instance
}

// New creates a metrics set on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		cyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Scheduling cycles completed",
		}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a full scheduling cycle",
			Buckets:   prometheus.DefBuckets,
		}),
		cycleErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_errors_total",
			Help:      "Errors logged by the scheduling cycle, by phase",
		}, []string{"phase"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Waiting entries per department after the last recompute",
		}, []string{"department"}),
		enqueuedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enqueued_total",
			Help:      "Conversations queued, by department and priority",
		}, []string{"department", "priority"}),
		cancelledTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancelled_total",
			Help:      "Queue entries cancelled because the conversation closed",
		}),

		assignmentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignment_attempts_total",
			Help:      "Assignment attempts by department and outcome",
		}, []string{"department", "outcome"}),
		notificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_intents_total",
			Help:      "Notification intents emitted by department and type",
		}, []string{"department", "type"}),
		escalationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalation checks that changed an entry, by department and outcome",
		}, []string{"department", "outcome"}),

		wsConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_active_connections",
			Help:      "Connected agent WebSocket clients",
		}),
		wsMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "websocket_messages_total",
			Help:      "Messages pushed to agents",
		}),
		wsErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "websocket_errors_total",
			Help:      "WebSocket read, write and upgrade errors",
		}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request durations by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// RecordCycle records one completed scheduling cycle
func (m *Metrics) RecordCycle(duration time.Duration) {
	m.cyclesTotal.Inc()
	m.cycleDuration.Observe(duration.Seconds())
}

// RecordCycleError counts an error logged during a cycle phase
func (m *Metrics) RecordCycleError(phase string) {
	m.cycleErrors.WithLabelValues(phase).Inc()
}

// SetQueueDepth sets the waiting count of a department
func (m *Metrics) SetQueueDepth(department string, depth int) {
	m.queueDepth.WithLabelValues(department).Set(float64(depth))
}

// RecordEnqueued counts a queued conversation
func (m *Metrics) RecordEnqueued(department, priority string) {
	m.enqueuedTotal.WithLabelValues(department, priority).Inc()
}

// RecordCancelled counts a cancellation
func (m *Metrics) RecordCancelled() {
	m.cancelledTotal.Inc()
}

// RecordAssignment counts an assignment outcome
func (m *Metrics) RecordAssignment(department, outcome string) {
	m.assignmentsTotal.WithLabelValues(department, outcome).Inc()
}

// RecordNotification counts an emitted intent
func (m *Metrics) RecordNotification(department, notificationType string) {
	m.notificationsTotal.WithLabelValues(department, notificationType).Inc()
}

// RecordEscalation counts an escalation outcome
func (m *Metrics) RecordEscalation(department, outcome string) {
	m.escalationsTotal.WithLabelValues(department, outcome).Inc()
}

// RecordWebSocketConnect increments the active connection gauge
func (m *Metrics) RecordWebSocketConnect() {
	m.wsConnections.Inc()
}

// RecordWebSocketDisconnect decrements the active connection gauge
func (m *Metrics) RecordWebSocketDisconnect() {
	m.wsConnections.Dec()
}

// RecordWebSocketMessage counts a pushed message
func (m *Metrics) RecordWebSocketMessage() {
	m.wsMessages.Inc()
}

// RecordWebSocketError counts a WebSocket error
func (m *Metrics) RecordWebSocketError() {
	m.wsErrors.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler returns an HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
