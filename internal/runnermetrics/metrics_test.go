package runnermetrics_test

import (
	"testing"
	"time"

	"github.com/concord-run/runner/internal/runnermetrics"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecordsJobOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := runnermetrics.NewCollector(reg)

	c.RecordJobOutcome("done")
	c.RecordJobOutcome("failed")
	c.RecordJobOutcome("done")

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)

	var found *dto.MetricFamily
	for _, mf := range metricFamilies {
		if mf.GetName() == "concord_runner_job_outcomes_total" {
			found = mf
		}
	}
	require.NotNil(t, found, "expected concord_runner_job_outcomes_total to be registered")

	totals := map[string]float64{}
	for _, m := range found.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "state" {
				totals[l.GetValue()] = m.GetCounter().GetValue()
			}
		}
	}

	require.Equal(t, 2.0, totals["done"])
	require.Equal(t, 1.0, totals["failed"])
}

func TestCollectorObservesResolverDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := runnermetrics.NewCollector(reg)

	c.ObserveResolverDuration("resolved", 250*time.Millisecond)

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range metricFamilies {
		if mf.GetName() == "concord_runner_resolver_duration_seconds" {
			found = true
			require.Len(t, mf.GetMetric(), 1)
			require.Equal(t, uint64(1), mf.GetMetric()[0].GetHistogram().GetSampleCount())
		}
	}
	require.True(t, found, "expected concord_runner_resolver_duration_seconds to be registered")
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *runnermetrics.Collector
	c.RecordJobOutcome("done")
	c.RecordPoolEviction("aged-out")
	c.ObserveResolverDuration("resolved", time.Second)
}
