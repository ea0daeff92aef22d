package analysis

import (
	"github.com/prometheus/client_golang/prometheus"
)

// engineMetrics holds Prometheus metrics for analysis runs.
type engineMetrics struct {
	runs     *prometheus.CounterVec   // By terminal status
	calls    *prometheus.CounterVec   // By provider and outcome
	duration *prometheus.HistogramVec // By terminal status
}

func newEngineMetrics(reg prometheus.Registerer) (*engineMetrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &engineMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sift",
			Name:      "runs_total",
			Help:      "Analysis runs by terminal status",
		}, []string{"status"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sift",
			Name:      "inference_calls_total",
			Help:      "Guarded inference requests by provider and outcome",
		}, []string{"provider", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sift",
			Name:      "run_duration_seconds",
			Help:      "Wall time of analysis runs",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"status"}),
	}
	for _, c := range []prometheus.Collector{m.runs, m.calls, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *engineMetrics) recordRun(status string, seconds float64) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	m.duration.WithLabelValues(status).Observe(seconds)
}

func (m *engineMetrics) recordCall(provider, outcome string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(provider, outcome).Inc()
}
