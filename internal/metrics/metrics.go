// Package metrics holds the prometheus collectors for mission activity.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	attemptsStarted *prometheus.CounterVec
	analyses        *prometheus.CounterVec
	analysisSeconds prometheus.Histogram
	xpAwarded       prometheus.Counter
	reports         *prometheus.CounterVec
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the instance registered with the global registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNewMetrics registers the collectors with reg and panics on a
// registration error. Tests pass a fresh prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		attemptsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prototypia",
			Name:      "attempts_started_total",
			Help:      "Mission attempts started, by mission.",
		}, []string{"mission"}),
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prototypia",
			Name:      "analyses_total",
			Help:      "Completed model analyses, by mission and outcome.",
		}, []string{"mission", "outcome"}),
		analysisSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "prototypia",
			Name:      "analysis_duration_seconds",
			Help:      "Wall time from Analyze to the result landing.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 3, 5, 10},
		}),
		xpAwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "prototypia",
			Name:      "xp_awarded_total",
			Help:      "XP added to user progress.",
		}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prototypia",
			Name:      "reports_total",
			Help:      "Report renders, by status.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.attemptsStarted, m.analyses, m.analysisSeconds, m.xpAwarded, m.reports)
	return m
}

func (m *Metrics) AttemptStarted(mission string) {
	if m == nil {
		return
	}
	m.attemptsStarted.WithLabelValues(mission).Inc()
}

func (m *Metrics) Analyzed(mission string, success bool, took time.Duration) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.analyses.WithLabelValues(mission, outcome).Inc()
	m.analysisSeconds.Observe(took.Seconds())
}

func (m *Metrics) XPAwarded(delta int) {
	if m == nil || delta <= 0 {
		return
	}
	m.xpAwarded.Add(float64(delta))
}

func (m *Metrics) Report(ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.reports.WithLabelValues(status).Inc()
}
