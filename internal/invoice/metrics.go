package invoice

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts reconciliation outcomes.
type Metrics struct {
	reconciliations *prometheus.CounterVec
}

// NewMetrics registers invoice collectors.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	reconciliations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wms_invoice_reconciliations_total",
		Help: "Invoice reconciliations by result.",
	}, []string{"result"})
	registerer.MustRegister(reconciliations)
	return &Metrics{reconciliations: reconciliations}
}

func (m *Metrics) reconciled(o Outcome) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(string(o)).Inc()
}
