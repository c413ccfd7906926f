// Package telemetry wires the router's metrics contract (spec.md §4.12) to
// Prometheus client_golang collectors. A single Telemetry value implements
// every narrow metrics interface the other packages define (retry.Counters,
// dispatch.Metrics, breaker trip hook, dlq.Metrics, dlq.ReplayMetrics,
// router.Metrics) so one registry backs the whole process.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// latencyBuckets are the histogram buckets from spec.md §4.12, in seconds
// (the spec states them in milliseconds).
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.0075, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0,
}

// Telemetry holds every collector named in spec.md §4.12.
type Telemetry struct {
	ingressTotal           *prometheus.CounterVec
	latencySeconds         *prometheus.HistogramVec
	downstreamSuccessTotal *prometheus.CounterVec
	downstreamFailTotal    *prometheus.CounterVec
	dlqTotal               *prometheus.CounterVec
	replayRunsTotal        *prometheus.CounterVec
	replayItemsTotal       *prometheus.CounterVec
	replayRateLimitedTotal prometheus.Counter
	rejectedTotal          *prometheus.CounterVec
	dlqBacklog             prometheus.Gauge

	retryAttemptTotal *prometheus.CounterVec
	retrySuccessTotal *prometheus.CounterVec
	retryFailureTotal *prometheus.CounterVec
	breakerTripTotal  *prometheus.CounterVec
}

// New registers every collector against reg and returns the wired
// Telemetry. Use prometheus.NewRegistry() for tests and
// prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Telemetry {
	factory := promauto.With(reg)
	return &Telemetry{
		ingressTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "router_ingress_total",
			Help: "Distinct log_ids admitted through /route, by classified kind.",
		}, []string{"type"}),
		latencySeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "router_latency_seconds",
			Help:    "Latency of router operations.",
			Buckets: latencyBuckets,
		}, []string{"operation", "kind"}),
		downstreamSuccessTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "router_downstream_success_total",
			Help: "Successful agent calls.",
		}, []string{"service"}),
		downstreamFailTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "router_downstream_fail_total",
			Help: "Failed agent calls, by reason.",
		}, []string{"service", "reason"}),
		dlqTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "router_dlq_total",
			Help: "Rows written to the dead-letter queue, by reason.",
		}, []string{"reason"}),
		replayRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "router_replay_runs_total",
			Help: "Replay scheduler ticks, by mode.",
		}, []string{"mode"}),
		replayItemsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "router_replay_items_total",
			Help: "DLQ rows processed by replay, by mode and outcome.",
		}, []string{"mode", "outcome"}),
		replayRateLimitedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "router_replay_rate_limited_total",
			Help: "Replay ticks skipped due to rate limiting.",
		}),
		rejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "router_rejected_total",
			Help: "Requests rejected before fan-out, by reason.",
		}, []string{"reason"}),
		dlqBacklog: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dlq_backlog",
			Help: "Current row count of the dlq table.",
		}),
		retryAttemptTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "router_retry_attempt_total",
			Help: "Retry executor attempts, by agent label.",
		}, []string{"label"}),
		retrySuccessTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "router_retry_success_total",
			Help: "Retry executor eventual successes, by agent label.",
		}, []string{"label"}),
		retryFailureTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "router_retry_failure_total",
			Help: "Retry executor per-attempt failures, by agent label.",
		}, []string{"label"}),
		breakerTripTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "router_breaker_trip_total",
			Help: "Circuit breaker trips, by agent label.",
		}, []string{"label"}),
	}
}

// --- router.Metrics ---

func (t *Telemetry) Ingress(kind string) {
	t.ingressTotal.WithLabelValues(kind).Inc()
}

func (t *Telemetry) Latency(operation, kind string, seconds float64) {
	t.latencySeconds.WithLabelValues(operation, kind).Observe(seconds)
}

func (t *Telemetry) Rejected(reason string) {
	t.rejectedTotal.WithLabelValues(reason).Inc()
}

// --- dispatch.Metrics ---

func (t *Telemetry) DownstreamSuccess(agent string) {
	t.downstreamSuccessTotal.WithLabelValues(agent).Inc()
}

func (t *Telemetry) DownstreamFail(agent, reason string) {
	t.downstreamFailTotal.WithLabelValues(agent, reason).Inc()
}

// --- dlq.Metrics ---

func (t *Telemetry) DLQWrite(reason string) {
	t.dlqTotal.WithLabelValues(reason).Inc()
}

// --- dlq.ReplayMetrics ---

func (t *Telemetry) ReplayRun(mode string) {
	t.replayRunsTotal.WithLabelValues(mode).Inc()
}

func (t *Telemetry) ReplayItem(mode, outcome string) {
	t.replayItemsTotal.WithLabelValues(mode, outcome).Inc()
}

// ReplayRateLimited records a replay tick skipped for rate limiting.
func (t *Telemetry) ReplayRateLimited() {
	t.replayRateLimitedTotal.Inc()
}

// SetDLQBacklog updates the gauge; call every 60s from a background ticker.
func (t *Telemetry) SetDLQBacklog(count int) {
	t.dlqBacklog.Set(float64(count))
}

// --- retry.Counters ---

func (t *Telemetry) Attempt(label string) {
	t.retryAttemptTotal.WithLabelValues(label).Inc()
}

func (t *Telemetry) Success(label string) {
	t.retrySuccessTotal.WithLabelValues(label).Inc()
}

func (t *Telemetry) Failure(label string) {
	t.retryFailureTotal.WithLabelValues(label).Inc()
}

// --- breaker.OnTrip hook ---

// BreakerTrip is passed to breaker.Breaker.OnTrip.
func (t *Telemetry) BreakerTrip(label string) {
	t.breakerTripTotal.WithLabelValues(label).Inc()
}
