// Package metrics exposes Prometheus instrumentation for the bridge.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pulsebridge"

// Metrics holds the collectors shared by the link, gateway and button monitor.
type Metrics struct {
	registry *prometheus.Registry

	// Gateway
	messagesSent       *prometheus.CounterVec // By event
	subscribers        prometheus.Gauge
	subscribersDropped prometheus.Counter
	metricsCoalesced   prometheus.Counter

	// Link
	linkConnected prometheus.Gauge
	linesTotal    *prometheus.CounterVec // By result (accepted/noise)
	reconnects    prometheus.Counter
	readErrors    prometheus.Counter

	// Buttons
	buttonPresses *prometheus.CounterVec // By player and value

	// NATS mirror
	natsPublished *prometheus.CounterVec // By result (ok/error)
}

// New creates the collectors and registers them, along with the Go and
// process collectors, on a private registry.
func New() (*Metrics, error) {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "messages_sent_total",
			Help:      "Messages fanned out to subscribers",
		}, []string{"event"}),

		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "subscribers",
			Help:      "Currently attached subscribers",
		}),

		subscribersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "subscribers_dropped_total",
			Help:      "Subscribers removed because their buffer was full",
		}),

		metricsCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "metrics_coalesced_total",
			Help:      "Readings replaced by a newer one before emission",
		}),

		linkConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "connected",
			Help:      "1 while the sensor link is connected",
		}),

		linesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "lines_total",
			Help:      "Lines read from the sensor",
		}, []string{"result"}),

		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "reconnects_total",
			Help:      "Times the link was lost",
		}),

		readErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "read_errors_total",
			Help:      "Serial read errors",
		}),

		buttonPresses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buttons",
			Name:      "presses_total",
			Help:      "Debounced button presses",
		}, []string{"player", "value"}),

		natsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "published_total",
			Help:      "Messages mirrored to NATS",
		}, []string{"result"}),
	}

	for _, c := range []prometheus.Collector{
		m.messagesSent,
		m.subscribers,
		m.subscribersDropped,
		m.metricsCoalesced,
		m.linkConnected,
		m.linesTotal,
		m.reconnects,
		m.readErrors,
		m.buttonPresses,
		m.natsPublished,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) MessageSent(event string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(event).Inc()
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) SubscriberDropped() {
	if m == nil {
		return
	}
	m.subscribersDropped.Inc()
}

func (m *Metrics) MetricCoalesced() {
	if m == nil {
		return
	}
	m.metricsCoalesced.Inc()
}

func (m *Metrics) SetLinkConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.linkConnected.Set(1)
	} else {
		m.linkConnected.Set(0)
	}
}

func (m *Metrics) LineAccepted() {
	if m == nil {
		return
	}
	m.linesTotal.WithLabelValues("accepted").Inc()
}

func (m *Metrics) LineNoise() {
	if m == nil {
		return
	}
	m.linesTotal.WithLabelValues("noise").Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) ReadError() {
	if m == nil {
		return
	}
	m.readErrors.Inc()
}

func (m *Metrics) ButtonPress(player int, value string) {
	if m == nil {
		return
	}
	m.buttonPresses.WithLabelValues(playerLabel(player), value).Inc()
}

func (m *Metrics) NATSPublished(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.natsPublished.WithLabelValues("ok").Inc()
	} else {
		m.natsPublished.WithLabelValues("error").Inc()
	}
}

func playerLabel(player int) string {
	switch player {
	case 1:
		return "1"
	case 2:
		return "2"
	default:
		return "other"
	}
}
