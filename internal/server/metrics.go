package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry              *prometheus.Registry
	paymentsTotal         *prometheus.CounterVec
	chainTransitionsTotal *prometheus.CounterVec
	unreconciledPayments  prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	payments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chainpay_payments_total",
		Help: "Payment requests by outcome",
	}, []string{"status"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chainpay_chain_transitions_total",
		Help: "On-chain payment leg transitions",
	}, []string{"state"})

	unreconciled := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chainpay_unreconciled_payments",
		Help: "Payments charged on chain but not fulfilled by the provider",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(payments, transitions, unreconciled)

	return &metricsRegistry{
		registry:              r,
		paymentsTotal:         payments,
		chainTransitionsTotal: transitions,
		unreconciledPayments:  unreconciled,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incPayment(status string) {
	m.paymentsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incTransition(state string) {
	m.chainTransitionsTotal.WithLabelValues(state).Inc()
}

func (m *metricsRegistry) setUnreconciled(depth int) {
	m.unreconciledPayments.Set(float64(depth))
}
