package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
)

// cacheMetrics holds Prometheus metrics for the result cache.
type cacheMetrics struct {
	hits   prometheus.Counter
	misses prometheus.Counter
	joins  prometheus.Counter
	size   prometheus.Gauge
}

func newCacheMetrics(reg prometheus.Registerer) (*cacheMetrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &cacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sift",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Lookups answered from a stored result",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sift",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Lookups that started a new computation",
		}),
		joins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sift",
			Subsystem: "cache",
			Name:      "inflight_joins_total",
			Help:      "Lookups that attached to an in-flight computation",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sift",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Stored results",
		}),
	}
	for _, c := range []prometheus.Collector{m.hits, m.misses, m.joins, m.size} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *cacheMetrics) record(outcome Outcome, size int) {
	if m == nil {
		return
	}
	switch outcome {
	case Hit:
		m.hits.Inc()
	case Miss:
		m.misses.Inc()
	case Joined:
		m.joins.Inc()
	}
	m.size.Set(float64(size))
}

// breakerMetrics holds Prometheus metrics for the per-provider breakers.
type breakerMetrics struct {
	state      *prometheus.GaugeVec   // By provider: 0 closed, 1 open, 2 half-open
	rejections *prometheus.CounterVec // By provider
}

func newBreakerMetrics(reg prometheus.Registerer) (*breakerMetrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &breakerMetrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sift",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"provider"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sift",
			Subsystem: "breaker",
			Name:      "rejections_total",
			Help:      "Calls failed fast by an open breaker",
		}, []string{"provider"}),
	}
	for _, c := range []prometheus.Collector{m.state, m.rejections} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *breakerMetrics) setState(provider string, s State) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(provider).Set(float64(s))
}

func (m *breakerMetrics) recordRejection(provider string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(provider).Inc()
}
