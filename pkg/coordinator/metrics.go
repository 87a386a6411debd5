package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Applied           *prometheus.CounterVec
	Resyncs           *prometheus.CounterVec
	IntegrityFailures *prometheus.CounterVec
	Sessions          *prometheus.GaugeVec
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		Applied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taracol_sync_applied_total",
			Help: "Commits applied from a peer",
		}, []string{"peer"}),
		Resyncs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taracol_sync_resyncs_total",
			Help: "Returns to backfilling by cause",
		}, []string{"peer", "reason"}),
		IntegrityFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taracol_sync_integrity_failures_total",
			Help: "Commits or proofs rejected as tampered or inconsistent",
		}, []string{"peer"}),
		Sessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taracol_sync_sessions",
			Help: "Sessions per state",
		}, []string{"state"}),
	}
}

func (m *Metrics) applied(peer string) {
	if m != nil {
		m.Applied.WithLabelValues(peer).Inc()
	}
}

func (m *Metrics) resync(peer, reason string) {
	if m != nil {
		m.Resyncs.WithLabelValues(peer, reason).Inc()
	}
}

func (m *Metrics) integrityFailure(peer string) {
	if m != nil {
		m.IntegrityFailures.WithLabelValues(peer).Inc()
	}
}

func (m *Metrics) moved(from, to string) {
	if m != nil {
		m.Sessions.WithLabelValues(from).Dec()
		m.Sessions.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) sessionDelta(state string, delta float64) {
	if m != nil {
		m.Sessions.WithLabelValues(state).Add(delta)
	}
}
