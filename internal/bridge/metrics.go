package bridge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values.
const (
	outcomeOK      = "ok"
	outcomeError   = "error"
	outcomeOffline = "offline"
)

// Metrics exports bridge counters. A nil *Metrics records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	pending    prometheus.Gauge
}

// NewMetrics creates the bridge collectors and registers them with reg
// when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudbridge",
			Name:      "operations_total",
			Help:      "Bridge operations by name and outcome.",
		}, []string{"op", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cloudbridge",
			Name:      "operation_duration_seconds",
			Help:      "Time from dispatch to completion of bridge operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cloudbridge",
			Name:      "pending_objects",
			Help:      "Objects waiting for offline reconciliation.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.duration, m.pending)
	}
	return m
}

func (m *Metrics) observe(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
