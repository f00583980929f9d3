// Package metrics exposes Prometheus collectors for jobs, chain calls and the
// HTTP API. A nil *Collector is valid and records nothing.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/zzenonn/chainstore/internal/errors"
)

const namespace = "chainstore"

type Collector struct {
	transitions    *prometheus.CounterVec
	failures       *prometheus.CounterVec
	activeJobs     *prometheus.GaugeVec
	chainCalls     *prometheus.HistogramVec
	broadcastBytes prometheus.Counter
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// NewCollector registers every collector on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "count of job state transitions, by kind and target state",
		}, []string{"kind", "state"}),

		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_failures_total",
			Help:      "count of jobs that ended in failed, by kind and reason",
		}, []string{"kind", "reason"}),

		activeJobs: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "non-terminal jobs seen by the last driver tick",
		}, []string{"kind"}),

		chainCalls: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_call_duration_seconds",
			Help:      "latency of chain adapter calls, by operation and outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "outcome"}),

		broadcastBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_bytes_total",
			Help:      "raw transaction bytes accepted by the chain",
		}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Tracks the number of HTTP requests.",
		}, []string{"method", "code"}),

		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Tracks the latencies for HTTP requests.",
		}, []string{"method", "code"}),
	}
}

func (c *Collector) JobTransitioned(kind, state string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(kind, state).Inc()
}

func (c *Collector) JobFailed(kind, reason string) {
	if c == nil {
		return
	}
	c.failures.WithLabelValues(kind, reason).Inc()
}

func (c *Collector) ActiveJobs(kind string, n int) {
	if c == nil {
		return
	}
	c.activeJobs.WithLabelValues(kind).Set(float64(n))
}

func (c *Collector) chainCall(op string, started time.Time, err error) {
	if c == nil {
		return
	}
	c.chainCalls.WithLabelValues(op, outcome(err)).Observe(time.Since(started).Seconds())
}

// Middleware counts and times requests; it fits mux.Router.Use.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return promhttp.InstrumentHandlerCounter(c.httpRequests,
		promhttp.InstrumentHandlerDuration(c.httpDuration, next))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperrors.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperrors.ErrChainRejected):
		return "rejected"
	case apperrors.IsTransient(err):
		return "network"
	default:
		return "error"
	}
}
