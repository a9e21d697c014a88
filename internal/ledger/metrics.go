package ledger

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts ledger outcomes. A nil *Metrics records nothing.
type Metrics struct {
	movements  *prometheus.CounterVec
	shortfalls *prometheus.CounterVec
	integrity  prometheus.Counter
	replays    prometheus.Counter
}

// NewMetrics registers ledger collectors against the registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wms_ledger_movements_total",
		Help: "Movements appended to the ledger by type.",
	}, []string{"type"})
	shortfalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wms_ledger_allocation_shortfalls_total",
		Help: "Movement requests rejected for insufficient inventory.",
	}, []string{"type"})
	integrity := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wms_ledger_integrity_errors_total",
		Help: "Projections that produced a negative balance.",
	})
	replays := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wms_ledger_idempotent_replays_total",
		Help: "Movement requests answered from a stored idempotent result.",
	})
	registerer.MustRegister(movements, shortfalls, integrity, replays)
	return &Metrics{movements: movements, shortfalls: shortfalls, integrity: integrity, replays: replays}
}

func (m *Metrics) appended(t MovementType, n int) {
	if m == nil || n == 0 {
		return
	}
	m.movements.WithLabelValues(string(t)).Add(float64(n))
}

func (m *Metrics) shortfall(t MovementType) {
	if m == nil {
		return
	}
	m.shortfalls.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) integrityError() {
	if m == nil {
		return
	}
	m.integrity.Inc()
}

func (m *Metrics) replay() {
	if m == nil {
		return
	}
	m.replays.Inc()
}
