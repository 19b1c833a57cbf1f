package dispute

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the dispute service collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	operations   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	hookFailures *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chargeflow",
			Subsystem: "dispute",
			Name:      "operations_total",
			Help:      "Dispute service operations by outcome.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chargeflow",
			Subsystem: "dispute",
			Name:      "operation_duration_seconds",
			Help:      "Latency of dispute service operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		hookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chargeflow",
			Subsystem: "dispute",
			Name:      "hook_failures_total",
			Help:      "Post-commit hooks that exhausted their retries.",
		}, []string{"hook"}),
	}
	if registerer != nil {
		registerer.MustRegister(m.operations, m.duration, m.hookFailures)
	}
	return m
}

func (m *Metrics) observe(op string, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) hookFailed(hook string) {
	if m == nil {
		return
	}
	m.hookFailures.WithLabelValues(hook).Inc()
}
