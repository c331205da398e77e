// Package metrics provides the Prometheus implementation of metrics.MetricRecorder.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	model "github.com/tigerroll/logstats/pkg/pipeline/core/domain/model"
	metrics "github.com/tigerroll/logstats/pkg/pipeline/core/metrics"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/logger"
)

// PrometheusRecorder records metrics into its own Prometheus registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	jobTransitions   *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	cacheLookups     *prometheus.CounterVec
	upstreamCalls    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	retries          *prometheus.CounterVec
	circuitState     *prometheus.GaugeVec
	cacheRows        *prometheus.CounterVec
	cacheBytes       *prometheus.CounterVec
	evictions        *prometheus.CounterVec
}

var _ metrics.MetricRecorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder creates a recorder backed by a fresh registry that also carries
// the Go runtime and process collectors.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &PrometheusRecorder{
		registry: registry,
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logstats_job_transitions_total",
			Help: "Job state transitions by job type and state.",
		}, []string{"job_type", "state"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "logstats_job_duration_seconds",
			Help:    "Wall-clock duration of finished jobs.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"job_type", "state"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logstats_cache_lookups_total",
			Help: "Cache lookups by query and outcome.",
		}, []string{"query", "outcome"}),
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logstats_upstream_calls_total",
			Help: "Upstream attempts by query and outcome.",
		}, []string{"query", "outcome"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "logstats_upstream_call_duration_seconds",
			Help:    "Latency of upstream attempts.",
			Buckets: prometheus.DefBuckets,
		}, []string{"query"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logstats_upstream_retries_total",
			Help: "Retries scheduled by query.",
		}, []string{"query"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "logstats_circuit_breaker_state",
			Help: "1 for the breaker's current state, 0 otherwise.",
		}, []string{"name", "state"}),
		cacheRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logstats_cache_rows_written_total",
			Help: "Rows written to the columnar cache by dataset.",
		}, []string{"dataset"}),
		cacheBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logstats_cache_bytes_written_total",
			Help: "Bytes written to the columnar cache by dataset.",
		}, []string{"dataset"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logstats_cache_evictions_total",
			Help: "Cache entries removed by the cleaner by reason.",
		}, []string{"reason"}),
	}

	registry.MustRegister(
		r.jobTransitions, r.jobDuration,
		r.cacheLookups, r.upstreamCalls, r.upstreamDuration, r.retries, r.circuitState,
		r.cacheRows, r.cacheBytes, r.evictions,
	)
	return r
}

// GetRegistry returns the underlying registry.
func (r *PrometheusRecorder) GetRegistry() *prometheus.Registry {
	return r.registry
}

// Handler returns an http.Handler serving the registry in the Prometheus text format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *PrometheusRecorder) RecordJobTransition(ctx context.Context, jobType string, state model.JobState) {
	r.jobTransitions.WithLabelValues(jobType, string(state)).Inc()
}

func (r *PrometheusRecorder) RecordJobDuration(ctx context.Context, jobType string, state model.JobState, duration time.Duration) {
	r.jobDuration.WithLabelValues(jobType, string(state)).Observe(duration.Seconds())
	logger.Debugf("Metrics: job type '%s' finished as %s in %.3fs", jobType, state, duration.Seconds())
}

func (r *PrometheusRecorder) RecordCacheLookup(ctx context.Context, queryName, outcome string) {
	r.cacheLookups.WithLabelValues(queryName, outcome).Inc()
}

func (r *PrometheusRecorder) RecordUpstreamCall(ctx context.Context, queryName, outcome string, duration time.Duration) {
	r.upstreamCalls.WithLabelValues(queryName, outcome).Inc()
	r.upstreamDuration.WithLabelValues(queryName).Observe(duration.Seconds())
}

func (r *PrometheusRecorder) RecordRetry(ctx context.Context, queryName string) {
	r.retries.WithLabelValues(queryName).Inc()
}

// RecordCircuitState sets the gauge of state to 1 and every other known state to 0.
func (r *PrometheusRecorder) RecordCircuitState(ctx context.Context, name, state string) {
	for _, s := range []string{"closed", "half-open", "open"} {
		v := 0.0
		if s == state {
			v = 1
		}
		r.circuitState.WithLabelValues(name, s).Set(v)
	}
}

func (r *PrometheusRecorder) RecordCacheWrite(ctx context.Context, dataset string, rows int, bytes int64) {
	r.cacheRows.WithLabelValues(dataset).Add(float64(rows))
	r.cacheBytes.WithLabelValues(dataset).Add(float64(bytes))
}

func (r *PrometheusRecorder) RecordEviction(ctx context.Context, reason string) {
	r.evictions.WithLabelValues(reason).Inc()
}

// Module provides the PrometheusRecorder both as itself (for the /metrics handler) and as
// metrics.MetricRecorder.
var Module = fx.Options(
	fx.Provide(NewPrometheusRecorder),
	fx.Provide(func(r *PrometheusRecorder) metrics.MetricRecorder { return r }),
)
