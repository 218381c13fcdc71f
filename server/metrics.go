package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are exposed at /metrics under the names the health monitor reads.
type Metrics struct {
	registry     *prometheus.Registry
	commands     *prometheus.CounterVec
	queueDepth   prometheus.Gauge
	wsClients    prometheus.Gauge
	applyLatency prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dmx_core_cmds_total",
			Help: "Commands received, by protocol, type and outcome.",
		}, []string{"proto", "type", "accepted"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dmx_core_queue_depth",
			Help: "Commands currently being applied.",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dmx_core_ws_clients",
			Help: "Connected websocket clients.",
		}),
		applyLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dmx_core_apply_latency_ms_last",
			Help: "Latency of the most recent command apply in milliseconds.",
		}),
	}
	m.registry.MustRegister(m.commands, m.queueDepth, m.wsClients, m.applyLatency)
	return m
}

func (m *Metrics) observeCommand(protocol, typ string, accepted bool) {
	outcome := "false"
	if accepted {
		outcome = "true"
	}
	m.commands.WithLabelValues(protocol, typ, outcome).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
