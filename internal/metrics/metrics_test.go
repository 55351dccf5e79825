package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prototypia/internal/metrics"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.MustNewMetrics(reg)
	m.AttemptStarted("m01")
	m.AttemptStarted("m01")
	m.Analyzed("m01", true, 3*time.Second)
	m.Analyzed("m01", false, time.Second)
	m.XPAwarded(200)
	m.XPAwarded(-5)
	m.Report(true)

	n, err := testutil.GatherAndCount(reg, "prototypia_attempts_started_total", "prototypia_analyses_total", "prototypia_xp_awarded_total")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "prototypia_xp_awarded_total" {
			assert.Equal(t, 200.0, f.GetMetric()[0].GetCounter().GetValue())
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metrics.Metrics
	m.AttemptStarted("m01")
	m.Analyzed("m01", true, 0)
	m.XPAwarded(1)
	m.Report(false)
}
