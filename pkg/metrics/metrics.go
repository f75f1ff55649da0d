// Package metrics exposes delivery pipeline counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "beacon"

// Metrics owns a private registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	inbound         *prometheus.CounterVec
	duplicates      prometheus.Counter
	dropped         prometheus.Counter
	notifications   *prometheus.CounterVec
	calls           *prometheus.CounterVec
	runnerErrors    prometheus.Counter
	runnerInterval  prometheus.Gauge
	socketConnected prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound messages handled, by transport and classified intent.",
		}, []string{"transport", "intent"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_suppressed_total",
			Help:      "Messages dropped by the dedup window.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_dropped_total",
			Help:      "Messages dropped because the inbound queue was full or closed.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification display attempts by outcome.",
		}, []string{"outcome"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Incoming-call state machine transitions.",
		}, []string{"event"}),
		runnerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runner_errors_total",
			Help:      "Faults recovered inside the supervisor loop.",
		}),
		runnerInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runner_check_interval_seconds",
			Help:      "Current supervisor polling interval.",
		}),
		socketConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "socket_connected",
			Help:      "1 while the realtime connection is up.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.inbound,
		m.duplicates,
		m.dropped,
		m.notifications,
		m.calls,
		m.runnerErrors,
		m.runnerInterval,
		m.socketConnected,
	)
	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) InboundRouted(transport, intent string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(transport, intent).Inc()
}

func (m *Metrics) DuplicateSuppressed() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) InboundDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

// Notification records a display outcome: shown, fallback or failed.
func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CallEvent(event string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(event).Inc()
}

func (m *Metrics) RunnerError() {
	if m == nil {
		return
	}
	m.runnerErrors.Inc()
}

func (m *Metrics) RunnerTick(intervalSeconds float64, connected bool) {
	if m == nil {
		return
	}
	m.runnerInterval.Set(intervalSeconds)
	if connected {
		m.socketConnected.Set(1)
	} else {
		m.socketConnected.Set(0)
	}
}
