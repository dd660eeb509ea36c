package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the authorizer's Prometheus collectors.
type Metrics struct {
	Decisions *prometheus.CounterVec
	KeyCache  *prometheus.CounterVec
	Latency   prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authorizer",
			Name:      "decisions_total",
			Help:      "Authorization decisions by effect and reason.",
		}, []string{"effect", "reason"}),
		KeyCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authorizer",
			Name:      "key_cache_events_total",
			Help:      "Signing key cache events.",
		}, []string{"event"}),
		Latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "authorizer",
			Name:      "decision_duration_seconds",
			Help:      "Time spent producing a decision.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.Decisions, m.KeyCache, m.Latency} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// ObserveKeyEvent is a keys.Observer.
func (m *Metrics) ObserveKeyEvent(event string) {
	m.KeyCache.WithLabelValues(event).Inc()
}
