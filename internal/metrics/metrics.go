// Package metrics exposes the service's prometheus collectors. A nil *Metrics is valid
// and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	transitions *prometheus.CounterVec
	quotes      *prometheus.CounterVec
	submissions *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transaction_transitions_total",
			Help: "State transitions applied by the transaction orchestrator.",
		}, []string{"state"}),
		quotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quote_requests_total",
			Help: "Exchange rate quote requests by source (cache, remote, stale, error).",
		}, []string{"source"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_submissions_total",
			Help: "Settlement backend submissions by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.quotes, m.submissions)
	}
	return m
}

func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

func (m *Metrics) Quote(source string) {
	if m == nil {
		return
	}
	m.quotes.WithLabelValues(source).Inc()
}

func (m *Metrics) Submission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}
