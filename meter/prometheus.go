package meter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/creditledger"
)

// PrometheusMeter exports ledger events as Prometheus metrics.
type PrometheusMeter struct {
	transactions *prometheus.CounterVec
	credits      *prometheus.CounterVec
	reservations *prometheus.CounterVec
	resolved     *prometheus.CounterVec
	holdDuration *prometheus.HistogramVec
	swept        prometheus.Counter
	sweepErrors  prometheus.Counter
}

var _ creditledger.Meter = (*PrometheusMeter)(nil)

// NewPrometheusMeter creates the collectors and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusMeter(reg prometheus.Registerer) *PrometheusMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &PrometheusMeter{
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditledger_transactions_total",
			Help: "Administrative ledger operations, labeled by kind and outcome",
		}, []string{"kind", "outcome"}),
		credits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditledger_credits_moved_total",
			Help: "Credits moved by successful administrative operations",
		}, []string{"kind"}),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditledger_reservations_total",
			Help: "Reservation attempts, labeled by outcome",
		}, []string{"outcome"}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditledger_reservations_resolved_total",
			Help: "Resolved reservations, labeled by terminal state and whether swept",
		}, []string{"state", "swept"}),
		holdDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "creditledger_hold_duration_seconds",
			Help:    "Time between reservation and resolution",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"state"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "creditledger_sweep_released_total",
			Help: "Expired reservations released by the background sweeper",
		}),
		sweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "creditledger_sweep_errors_total",
			Help: "Sweep passes that ended with an error",
		}),
	}
	reg.MustRegister(m.transactions, m.credits, m.reservations, m.resolved, m.holdDuration, m.swept, m.sweepErrors)
	return m
}

func (m *PrometheusMeter) OnTransaction(e creditledger.TransactionEvent) {
	if e.Error != nil {
		m.transactions.WithLabelValues(string(e.Kind), "error").Inc()
		return
	}
	m.transactions.WithLabelValues(string(e.Kind), "ok").Inc()
	amount := e.Amount
	if amount < 0 {
		amount = -amount
	}
	m.credits.WithLabelValues(string(e.Kind)).Add(float64(amount))
}

func (m *PrometheusMeter) OnReserve(e creditledger.ReserveEvent) {
	switch {
	case e.QuotaDenied:
		m.reservations.WithLabelValues("quota_denied").Inc()
	case e.Error != nil:
		m.reservations.WithLabelValues("error").Inc()
	default:
		m.reservations.WithLabelValues("held").Inc()
	}
}

func (m *PrometheusMeter) OnResolve(e creditledger.ResolveEvent) {
	if e.Error != nil {
		m.resolved.WithLabelValues("error", boolLabel(e.Swept)).Inc()
		return
	}
	m.resolved.WithLabelValues(string(e.State), boolLabel(e.Swept)).Inc()
	if e.Duration > 0 {
		m.holdDuration.WithLabelValues(string(e.State)).Observe(e.Duration.Seconds())
	}
}

func (m *PrometheusMeter) OnSweep(e creditledger.SweepEvent) {
	m.swept.Add(float64(e.Released))
	if e.Error != nil {
		m.sweepErrors.Inc()
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Multi fans events out to several meters.
type Multi []creditledger.Meter

var _ creditledger.Meter = Multi(nil)

func (m Multi) OnTransaction(e creditledger.TransactionEvent) {
	for _, mm := range m {
		mm.OnTransaction(e)
	}
}

func (m Multi) OnReserve(e creditledger.ReserveEvent) {
	for _, mm := range m {
		mm.OnReserve(e)
	}
}

func (m Multi) OnResolve(e creditledger.ResolveEvent) {
	for _, mm := range m {
		mm.OnResolve(e)
	}
}

func (m Multi) OnSweep(e creditledger.SweepEvent) {
	for _, mm := range m {
		mm.OnSweep(e)
	}
}
