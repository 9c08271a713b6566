// Package metrics exposes Prometheus collectors for the bridge cycles.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sase_chop_telegram"

// Metrics holds the collectors.
type Metrics struct {
	registry      *prometheus.Registry
	sent          *prometheus.CounterVec
	deferred      *prometheus.CounterVec
	routed        *prometheus.CounterVec
	cycleFailures *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages delivered to the chat, by kind (notification, attachment).",
		}, []string{"kind"}),
		deferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_deferred_total",
			Help:      "Notifications held back by the outbound gate, by reason.",
		}, []string{"reason"}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_routed_total",
			Help:      "Inbound updates routed, by outcome.",
		}, []string{"outcome"}),
		cycleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_failures_total",
			Help:      "Cycles that ended with an error, by direction.",
		}, []string{"direction"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one inbound or outbound cycle.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"direction"}),
	}
	reg.MustRegister(m.sent, m.deferred, m.routed, m.cycleFailures, m.cycleDuration)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Sent(kind string) {
	if m != nil {
		m.sent.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Deferred(reason string, n int) {
	if m != nil && n > 0 {
		m.deferred.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *Metrics) Routed(outcome string) {
	if m != nil {
		m.routed.WithLabelValues(outcome).Inc()
	}
}

// Cycle records one cycle's duration and whether it failed.
func (m *Metrics) Cycle(direction string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.cycleDuration.WithLabelValues(direction).Observe(seconds)
	if err != nil {
		m.cycleFailures.WithLabelValues(direction).Inc()
	}
}
