// Package metrics holds the prometheus collectors shared by the binding
// manager, the balancer and the session bridge. A nil *Metrics is valid and
// records nothing, so library callers can leave it unset.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gateway"

type Metrics struct {
	binds           *prometheus.CounterVec
	unbinds         *prometheus.CounterVec
	balancerWrites  *prometheus.CounterVec
	balancerRetries *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	sessionsOpened  prometheus.Counter
	bytesWritten    prometheus.Counter
	idleEvents      prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		binds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "binds_total",
			Help:      "Addresses bound at a transport acceptor, by scheme and result.",
		}, []string{"scheme", "result"}),
		unbinds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unbinds_total",
			Help:      "Addresses unbound at a transport acceptor, by scheme and result.",
		}, []string{"scheme", "result"}),
		balancerWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "updates_total",
			Help:      "Balancer record updates by operation and outcome.",
		}, []string{"op", "outcome"}),
		balancerRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "cas_retries_total",
			Help:      "Conditional writes lost to a concurrent member and retried.",
		}, []string{"op"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Sessions currently in the active session registry.",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "opened_total",
			Help:      "Sessions that reached the connected state.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "written_bytes_total",
			Help:      "Bytes reported by transports as written.",
		}),
		idleEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "idle_total",
			Help:      "Session idle notifications fired.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.binds, m.unbinds,
			m.balancerWrites, m.balancerRetries,
			m.activeSessions, m.sessionsOpened, m.bytesWritten, m.idleEvents,
		)
	}
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) Bound(scheme string, err error) {
	if m == nil {
		return
	}
	m.binds.WithLabelValues(scheme, result(err)).Inc()
}

func (m *Metrics) Unbound(scheme string, err error) {
	if m == nil {
		return
	}
	m.unbinds.WithLabelValues(scheme, result(err)).Inc()
}

// BalancerUpdate records one finished publish or retract of a balance URI.
// outcome is "stored", "deleted" or "noop".
func (m *Metrics) BalancerUpdate(op, outcome string, retries int) {
	if m == nil {
		return
	}
	m.balancerWrites.WithLabelValues(op, outcome).Inc()
	if retries > 0 {
		m.balancerRetries.WithLabelValues(op).Add(float64(retries))
	}
}

func (m *Metrics) SessionAdded() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionRemoved() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
}

func (m *Metrics) BytesWritten(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesWritten.Add(float64(n))
}

func (m *Metrics) Idle() {
	if m == nil {
		return
	}
	m.idleEvents.Inc()
}
