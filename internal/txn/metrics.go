package txn

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the envelope collectors.
type Metrics struct {
	envelopes *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workstate",
			Name:      "envelopes_total",
			Help:      "Transaction envelopes by operation and outcome.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "workstate",
			Name:      "envelope_duration_seconds",
			Help:      "Wall time of transaction envelopes including lock wait.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"operation"}),
	}
	if reg != nil {
		reg.MustRegister(m.envelopes, m.duration)
	}
	return m
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.envelopes.WithLabelValues(op, outcome(err)).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "committed"
	case IsRetryable(err):
		return "retryable"
	case NeedsConsistencyCheck(err):
		return "needs_check"
	}
	return "failed"
}
