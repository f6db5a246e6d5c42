// Package metrics exposes serialcast activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "serialcast"

// Metrics implements realtime.Observer and bridge.Stats.
type Metrics struct {
	registry *prometheus.Registry

	subscribers prometheus.Gauge
	connects    prometheus.Counter
	serialReads prometheus.Counter
	serialBytes prometheus.Counter
	broadcasts  prometheus.Counter
	deliveries  prometheus.Counter
	failures    prometheus.Counter
}

// New creates the collectors on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Subscribers currently connected.",
		}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_connects_total",
			Help:      "Subscribers that connected since start.",
		}),
		serialReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "serial_reads_total",
			Help:      "Non-empty reads from the serial channel.",
		}),
		serialBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "serial_bytes_total",
			Help:      "Bytes read from the serial channel.",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_total",
			Help:      "Payloads broadcast to subscribers.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Payload deliveries that reached a subscriber.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Payload deliveries that failed or were dropped.",
		}),
	}
	m.registry.MustRegister(
		m.subscribers, m.connects, m.serialReads, m.serialBytes,
		m.broadcasts, m.deliveries, m.failures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SubscriberConnected() {
	m.subscribers.Inc()
	m.connects.Inc()
}

func (m *Metrics) SubscriberDisconnected() { m.subscribers.Dec() }

func (m *Metrics) PayloadBroadcast(_, delivered int) {
	m.broadcasts.Inc()
	m.deliveries.Add(float64(delivered))
}

func (m *Metrics) DeliveryFailed() { m.failures.Inc() }

func (m *Metrics) ChunkRead(n int) {
	m.serialReads.Inc()
	m.serialBytes.Add(float64(n))
}
