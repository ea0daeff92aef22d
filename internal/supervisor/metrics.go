package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// sourceMetrics holds Prometheus metrics for source supervision.
type sourceMetrics struct {
	restarts *prometheus.CounterVec // By source_type
	lines    *prometheus.CounterVec // By source_type
	batches  *prometheus.CounterVec // By source_type
	sources  *prometheus.GaugeVec   // By status
}

// newSourceMetrics creates and registers source metrics. A nil registerer
// disables metrics.
func newSourceMetrics(reg prometheus.Registerer) (*sourceMetrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &sourceMetrics{
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sift",
			Subsystem: "source",
			Name:      "restarts_total",
			Help:      "Total number of connector restarts",
		}, []string{"source_type"}),

		lines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sift",
			Subsystem: "source",
			Name:      "lines_total",
			Help:      "Total number of lines flushed in batches",
		}, []string{"source_type"}),

		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sift",
			Subsystem: "source",
			Name:      "batches_total",
			Help:      "Total number of batches flushed",
		}, []string{"source_type"}),

		sources: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sift",
			Subsystem: "source",
			Name:      "supervisors",
			Help:      "Registered sources by status",
		}, []string{"status"}),
	}

	for _, c := range []prometheus.Collector{m.restarts, m.lines, m.batches, m.sources} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *sourceMetrics) recordRestart(sourceType string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(sourceType).Inc()
}

func (m *sourceMetrics) recordBatch(sourceType string, lines int) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(sourceType).Inc()
	m.lines.WithLabelValues(sourceType).Add(float64(lines))
}

func (m *sourceMetrics) setStatusCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.sources.Reset()
	for status, n := range counts {
		m.sources.WithLabelValues(status).Set(float64(n))
	}
}
