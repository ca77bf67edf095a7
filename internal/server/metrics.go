package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the relay's Prometheus collectors. Each instance owns its
// own registry so several relays can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	Connections   *prometheus.GaugeVec
	Received      *prometheus.CounterVec
	Relayed       *prometheus.CounterVec
	DecodeErrors  *prometheus.CounterVec
	Faults        *prometheus.CounterVec
	Registrations *prometheus.CounterVec
	RateLimited   prometheus.Counter
	UnicastPeers  prometheus.Gauge
}

// NewMetrics creates and registers all relay collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relaychat",
			Name:      "connections",
			Help:      "Open reliable connections by transport.",
		}, []string{"transport"}),
		Received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaychat",
			Name:      "messages_received_total",
			Help:      "Decoded messages received by transport and kind.",
		}, []string{"transport", "kind"}),
		Relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaychat",
			Name:      "messages_relayed_total",
			Help:      "Individual deliveries made by broadcast and fan-out.",
		}, []string{"transport"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaychat",
			Name:      "decode_errors_total",
			Help:      "Inbound lines that failed to decode.",
		}, []string{"transport"}),
		Faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaychat",
			Name:      "faults_total",
			Help:      "Connection and transport faults.",
		}, []string{"transport"}),
		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaychat",
			Name:      "registrations_total",
			Help:      "HELLO outcomes.",
		}, []string{"result"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaychat",
			Name:      "rate_limited_total",
			Help:      "Messages dropped by the per-connection rate limit.",
		}),
		UnicastPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaychat",
			Name:      "unicast_peers",
			Help:      "Distinct unicast peers seen.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.Connections,
		m.Received,
		m.Relayed,
		m.DecodeErrors,
		m.Faults,
		m.Registrations,
		m.RateLimited,
		m.UnicastPeers,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
