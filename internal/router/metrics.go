package router

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts router traffic. A nil *Metrics records nothing.
type Metrics struct {
	inbound  *prometheus.CounterVec
	outbound *prometheus.CounterVec
}

// NewMetrics creates the router counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		inbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "openwork",
				Subsystem: "router",
				Name:      "inbound_messages_total",
				Help:      "Inbound messages by outcome and source domain.",
			},
			[]string{"outcome", "source"},
		),
		outbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "openwork",
				Subsystem: "router",
				Name:      "outbound_messages_total",
				Help:      "Messages handed to the transport by destination domain.",
			},
			[]string{"destination"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.inbound, m.outbound)
	}
	return m
}

func (m *Metrics) observe(outcome Outcome, source uint32) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(string(outcome), strconv.FormatUint(uint64(source), 10)).Inc()
}

func (m *Metrics) sent(dest uint32) {
	if m == nil {
		return
	}
	m.outbound.WithLabelValues(strconv.FormatUint(uint64(dest), 10)).Inc()
}

// Inbound exposes the inbound counter for tests and dashboards.
func (m *Metrics) Inbound() *prometheus.CounterVec {
	return m.inbound
}
