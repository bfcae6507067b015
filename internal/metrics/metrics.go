package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns its own registry so several relays (tests) can coexist in one
// process without duplicate registration panics.
type Metrics struct {
	registry *prometheus.Registry

	Connections    prometheus.Gauge
	Handshakes     *prometheus.CounterVec
	Events         *prometheus.CounterVec
	Frames         prometheus.Counter
	SlowConsumers  prometheus.Counter
	SignalsDropped *prometheus.CounterVec
	PublishErrors  *prometheus.CounterVec
	HandlerPanics  prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "ws_connections",
			Help:      "Current number of websocket connections",
		}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "handshakes_total",
			Help:      "Websocket handshakes by outcome",
		}, []string{"result"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "events_total",
			Help:      "Inbound client events by name and outcome",
		}, []string{"event", "result"}),
		Frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "frames_delivered_total",
			Help:      "Frames queued to connections",
		}),
		SlowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "slow_consumers_total",
			Help:      "Connections dropped because their send buffer was full",
		}),
		SignalsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "signals_dropped_total",
			Help:      "Call signals addressed to users with no live connection",
		}, []string{"event"}),
		PublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "event_publish_errors_total",
			Help:      "Domain events that could not be published",
		}, []string{"topic"}),
		HandlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "handler_panics_total",
			Help:      "Recovered panics in event handlers",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Connections, m.Handshakes, m.Events, m.Frames,
		m.SlowConsumers, m.SignalsDropped, m.PublishErrors, m.HandlerPanics,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an http.Handler for Prometheus scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
