package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mchat"

type Metrics struct {
	Registry          *prometheus.Registry
	Rooms             prometheus.Gauge
	DiscoveryRequests *prometheus.CounterVec
	Notifications     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Number of rooms in the registry.",
		}),
		DiscoveryRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_requests_total",
			Help:      "Discovery datagrams received, by result.",
		}, []string{"result"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Registry notifications broadcast, by action and result.",
		}, []string{"action", "result"}),
	}

	m.Registry.MustRegister(m.Rooms, m.DiscoveryRequests, m.Notifications)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
