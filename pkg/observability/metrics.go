package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Protocol endpoint metrics
	protocolRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlipgo_protocol_requests_total",
			Help: "Total number of envelopes received on the protocol endpoint",
		},
		[]string{"status"},
	)

	protocolRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nlipgo_protocol_request_duration_seconds",
			Help:    "Protocol request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	// Delegation metrics
	delegationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlipgo_delegations_total",
			Help: "Total number of delegated requests, by final status",
		},
		[]string{"status"},
	)

	subtasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlipgo_subtasks_total",
			Help: "Total number of dispatched subtasks, by capability and outcome",
		},
		[]string{"capability", "outcome"},
	)

	transportRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlipgo_transport_retries_total",
			Help: "Total number of transport retries toward unreachable peers",
		},
		[]string{"addr"},
	)

	// Worker metrics
	upstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlipgo_upstream_calls_total",
			Help: "Total number of external provider calls, by capability and outcome",
		},
		[]string{"capability", "outcome"},
	)

	upstreamCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nlipgo_upstream_call_duration_seconds",
			Help:    "External provider call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"capability"},
	)

	cacheEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlipgo_cache_events_total",
			Help: "Worker response cache hits and misses",
		},
		[]string{"capability", "event"},
	)

	// Probe metrics
	workerUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nlipgo_worker_up",
			Help: "1 when the worker behind a capability answered its last health probe",
		},
		[]string{"capability", "addr"},
	)

	healthCheckUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nlipgo_health_check_up",
			Help: "1 when the named local health check last passed",
		},
		[]string{"check"},
	)

	initOnce sync.Once
)

// InitMetrics registers all Prometheus metrics. Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			protocolRequestsTotal,
			protocolRequestDuration,
			delegationsTotal,
			subtasksTotal,
			transportRetriesTotal,
			upstreamCallsTotal,
			upstreamCallDuration,
			cacheEventsTotal,
			workerUp,
			healthCheckUp,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordProtocolRequest records an envelope received on POST /nlip/.
func RecordProtocolRequest(status string, duration time.Duration) {
	protocolRequestsTotal.WithLabelValues(status).Inc()
	protocolRequestDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordDelegation records the final status of one delegated request.
func RecordDelegation(status string) {
	delegationsTotal.WithLabelValues(status).Inc()
}

// RecordSubtask records a dispatched subtask outcome.
func RecordSubtask(capability, outcome string) {
	subtasksTotal.WithLabelValues(capability, outcome).Inc()
}

// RecordTransportRetry records one retry toward an unreachable peer.
func RecordTransportRetry(addr string) {
	transportRetriesTotal.WithLabelValues(addr).Inc()
}

// RecordUpstreamCall records an external provider call.
func RecordUpstreamCall(capability, outcome string, duration time.Duration) {
	upstreamCallsTotal.WithLabelValues(capability, outcome).Inc()
	upstreamCallDuration.WithLabelValues(capability).Observe(duration.Seconds())
}

// RecordCacheEvent records a worker cache hit or miss.
func RecordCacheEvent(capability, event string) {
	cacheEventsTotal.WithLabelValues(capability, event).Inc()
}

// SetWorkerUp publishes the result of a worker health probe.
func SetWorkerUp(capability, addr string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	workerUp.WithLabelValues(capability, addr).Set(v)
}

// SetHealthCheckUp publishes the result of a local health check.
func SetHealthCheckUp(check string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	healthCheckUp.WithLabelValues(check).Set(v)
}
