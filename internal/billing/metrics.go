package billing

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks cost runs. Nil receivers are no-ops.
type Metrics struct {
	runs     *prometheus.CounterVec
	duration prometheus.Histogram
	amount   *prometheus.CounterVec
}

// NewMetrics registers billing collectors.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wms_billing_cost_runs_total",
		Help: "Per-warehouse storage cost runs by outcome.",
	}, []string{"outcome"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "wms_billing_cost_run_duration_seconds",
		Help:    "Wall time of a full cost run.",
		Buckets: prometheus.DefBuckets,
	})
	amount := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wms_billing_calculated_amount_total",
		Help: "Sum of calculated cost amounts written, by category.",
	}, []string{"category"})
	registerer.MustRegister(runs, duration, amount)
	return &Metrics{runs: runs, duration: duration, amount: amount}
}

func (m *Metrics) run(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observe(started time.Time) {
	if m == nil {
		return
	}
	m.duration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) charged(costs []CalculatedCost) {
	if m == nil {
		return
	}
	for _, c := range costs {
		f, _ := c.Amount.Float64()
		m.amount.WithLabelValues(string(c.Category)).Add(f)
	}
}
