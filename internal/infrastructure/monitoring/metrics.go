package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the emulator.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP front metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// RPC channel metrics
	RPCRequests *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec
	RPCPending  prometheus.Gauge

	// Capability host metrics
	StorageOps    *prometheus.CounterVec
	SocketsOpen   prometheus.Gauge
	WSMessages    *prometheus.CounterVec
	WSConnections prometheus.Gauge

	// Worker lifecycle metrics
	WorkerGenerations prometheus.Counter
	WorkerFetches     *prometheus.CounterVec

	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current values for the JSON status endpoint.
type Snapshot struct {
	TotalFetches  int64
	FailedFetches int64
	Generations   int64
	OpenSockets   int64
}

// NewMetrics creates a collector registered on its own registry so several
// orchestrators (and tests) can coexist in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgeworker_http_requests_total",
				Help: "Total number of inbound HTTP requests",
			},
			[]string{"method", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgeworker_http_request_duration_seconds",
				Help:    "Inbound HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method"},
		),

		RPCRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgeworker_rpc_requests_total",
				Help: "RPC requests sent over the sandbox channel",
			},
			[]string{"method", "outcome"},
		),
		RPCDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgeworker_rpc_request_duration_seconds",
				Help:    "Round trip time of RPC requests",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"method"},
		),
		RPCPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "edgeworker_rpc_pending",
				Help: "RPC requests awaiting a response",
			},
		),

		StorageOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgeworker_storage_operations_total",
				Help: "Durable object storage operations by engine",
			},
			[]string{"engine", "op"},
		),
		SocketsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "edgeworker_sockets_open",
				Help: "Raw sockets currently held by the host",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgeworker_ws_messages_total",
				Help: "WebSocket relay messages",
			},
			[]string{"direction"},
		),
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "edgeworker_ws_connections",
				Help: "Bridged WebSocket connections",
			},
		),

		WorkerGenerations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "edgeworker_worker_generations_total",
				Help: "Sandbox generations started",
			},
		),
		WorkerFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgeworker_worker_fetches_total",
				Help: "Requests dispatched into the sandbox",
			},
			[]string{"outcome"},
		),
	}
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Recording methods are no-ops on a nil *Metrics.

// RecordHTTPRequest records an inbound HTTP request.
func (m *Metrics) RecordHTTPRequest(method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, status).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordRPC records one completed RPC round trip.
func (m *Metrics) RecordRPC(method, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RPCRequests.WithLabelValues(method, outcome).Inc()
	m.RPCDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordStorageOp counts a durable object storage operation.
func (m *Metrics) RecordStorageOp(engine, op string) {
	if m == nil {
		return
	}
	m.StorageOps.WithLabelValues(engine, op).Inc()
}

// RecordWSMessage counts a relayed WebSocket message.
func (m *Metrics) RecordWSMessage(direction string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction).Inc()
}

// RecordWorkerFetch counts a request dispatched into the sandbox.
func (m *Metrics) RecordWorkerFetch(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.WorkerFetches.WithLabelValues(outcome).Inc()

	m.mu.Lock()
	m.snapshot.TotalFetches++
	if !ok {
		m.snapshot.FailedFetches++
	}
	m.mu.Unlock()
}

// IncGenerations counts a new sandbox generation.
func (m *Metrics) IncGenerations() {
	if m == nil {
		return
	}
	m.WorkerGenerations.Inc()
	m.mu.Lock()
	m.snapshot.Generations++
	m.mu.Unlock()
}

// SocketOpened tracks a new host-side socket.
func (m *Metrics) SocketOpened() {
	if m == nil {
		return
	}
	m.SocketsOpen.Inc()
	m.mu.Lock()
	m.snapshot.OpenSockets++
	m.mu.Unlock()
}

// SocketClosed tracks a released host-side socket.
func (m *Metrics) SocketClosed() {
	if m == nil {
		return
	}
	m.SocketsOpen.Dec()
	m.mu.Lock()
	m.snapshot.OpenSockets--
	m.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
