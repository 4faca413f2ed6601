// Package runnermetrics exposes the runner's Prometheus metrics: pool
// admission outcomes, resolver latency, job outcomes, and log shipping
// failures.
package runnermetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "concord_runner"

// Collector groups the runner's Prometheus instruments. The zero value is
// not usable; construct one with NewCollector so instruments are registered
// exactly once against the given registerer.
type Collector struct {
	PoolHits      prometheus.Counter
	PoolMisses    prometheus.Counter
	PoolEvictions *prometheus.CounterVec

	ResolverDuration *prometheus.HistogramVec

	JobOutcomes *prometheus.CounterVec

	LogChunkFailures prometheus.Counter
}

// NewCollector registers the runner's instruments with reg and returns the
// Collector. Pass prometheus.NewRegistry() in tests to avoid colliding with
// the global default registerer across test runs.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		PoolHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "hits_total",
			Help:      "Number of job launches served by a warm pool entry.",
		}),
		PoolMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "misses_total",
			Help:      "Number of job launches that required a fresh worker start.",
		}),
		PoolEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "evictions_total",
			Help:      "Number of pool entries evicted, by reason.",
		}, []string{"reason"}),

		ResolverDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "duration_seconds",
			Help:      "Time spent resolving a job's dependency set, by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),

		JobOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "outcomes_total",
			Help:      "Number of jobs completed, by terminal state.",
		}, []string{"state"}),

		LogChunkFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "chunk_ship_failures_total",
			Help:      "Number of log chunks that failed to ship and were dropped or retried.",
		}),
	}
}

// ObserveResolverDuration records how long a resolution attempt took.
func (c *Collector) ObserveResolverDuration(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.ResolverDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordJobOutcome increments the outcome counter for a finished job.
func (c *Collector) RecordJobOutcome(state string) {
	if c == nil {
		return
	}
	c.JobOutcomes.WithLabelValues(state).Inc()
}

// RecordPoolEviction increments the eviction counter for the given reason
// (e.g. "aged-out", "count-exceeded").
func (c *Collector) RecordPoolEviction(reason string) {
	if c == nil {
		return
	}
	c.PoolEvictions.WithLabelValues(reason).Inc()
}
