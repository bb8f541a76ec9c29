package server

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	// Connection metrics
	activeConnections prometheus.Gauge
	connectionsTotal  prometheus.Counter
	framingErrors     *prometheus.CounterVec

	// Request metrics
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	handlerPanics   prometheus.Counter

	// Session metrics
	sessionOps *prometheus.CounterVec

	// Kernel accept queue drops seen since start
	listenOverflows prometheus.Counter
}

// NewMetrics creates a new metrics instance registered with reg. A nil
// registerer uses the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wirechat_active_connections",
				Help: "Current number of open client sockets",
			},
		),
		connectionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wirechat_connections_total",
				Help: "Total number of accepted client sockets",
			},
		),
		framingErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wirechat_framing_errors_total",
				Help: "Requests rejected before dispatch, by reason",
			},
			[]string{"reason"}, // "malformed", "header_too_large", "body_too_large"
		),
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wirechat_requests_total",
				Help: "Total number of handled requests by route and status",
			},
			[]string{"route", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wirechat_request_duration_seconds",
				Help:    "Time spent in the request handler",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		handlerPanics: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wirechat_handler_panics_total",
				Help: "Total number of recovered handler panics",
			},
		),
		sessionOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wirechat_session_operations_total",
				Help: "Session token operations by kind and result",
			},
			[]string{"op", "result"},
		),
		listenOverflows: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wirechat_listen_overflows_total",
				Help: "Connections the kernel dropped because the accept backlog was full",
			},
		),
	}
}

// RecordConnectionOpened counts an accepted socket
func (m *Metrics) RecordConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.activeConnections.Inc()
}

// RecordConnectionClosed counts a closed socket
func (m *Metrics) RecordConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

// RecordFramingError counts a request rejected by the framer
func (m *Metrics) RecordFramingError(reason string) {
	if m == nil {
		return
	}
	m.framingErrors.WithLabelValues(reason).Inc()
}

// RecordRequest records a handled request
func (m *Metrics) RecordRequest(route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// RecordHandlerPanic counts a recovered panic
func (m *Metrics) RecordHandlerPanic() {
	if m == nil {
		return
	}
	m.handlerPanics.Inc()
}

// RecordSessionOp records the outcome of a session manager call
func (m *Metrics) RecordSessionOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sessionOps.WithLabelValues(op, result).Inc()
}

// RecordListenOverflows adds kernel accept queue drops
func (m *Metrics) RecordListenOverflows(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.listenOverflows.Add(float64(n))
}
