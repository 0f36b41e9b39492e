package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry         *prometheus.Registry
	purchasesTotal   *prometheus.CounterVec
	callbacksTotal   *prometheus.CounterVec
	settlementsTotal *prometheus.CounterVec
	dlqDepth         prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	purchases := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokengate_purchases_total",
		Help: "Total number of purchase dispatch attempts",
	}, []string{"status"})

	callbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokengate_callbacks_total",
		Help: "Total number of verification callbacks processed",
	}, []string{"status"})

	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokengate_settlements_total",
		Help: "Settled intents by terminal outcome",
	}, []string{"outcome"})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tokengate_dlq_depth",
		Help: "Number of failed refunds parked in the DLQ",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(purchases, callbacks, settlements, dlq)

	return &metricsRegistry{
		registry:         r,
		purchasesTotal:   purchases,
		callbacksTotal:   callbacks,
		settlementsTotal: settlements,
		dlqDepth:         dlq,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incPurchase(status string) {
	m.purchasesTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incCallback(status string) {
	m.callbacksTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incSettlement(outcome string) {
	m.settlementsTotal.WithLabelValues(outcome).Inc()
}

func (m *metricsRegistry) setDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}
