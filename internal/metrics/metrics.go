// Package metrics exposes Prometheus instrumentation for the tool proxy.
//
// Every method is safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Invocations counts proxy calls by final status
	// (completed|failed|tool_not_found|timeout|unavailable).
	Invocations *prometheus.CounterVec

	// Dispatches counts classified dispatch replies (immediate|accepted|error).
	Dispatches *prometheus.CounterVec

	// PollAttempts counts poll requests by observed status.
	PollAttempts *prometheus.CounterVec

	// Deliveries counts out-of-band arrivals by channel (callback|push) and
	// outcome (settled|cached|ignored).
	Deliveries *prometheus.CounterVec

	// Handshakes counts push-stream handshakes by result (ok|timeout|error).
	Handshakes *prometheus.CounterVec

	HandshakeDuration prometheus.Histogram
	ResolveDuration   prometheus.Histogram

	ActiveSessions prometheus.Gauge
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Invocations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolproxy_invocations_total",
			Help: "Tool invocations by final status",
		}, []string{"status"}),
		Dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolproxy_dispatch_replies_total",
			Help: "Dispatch replies by classification",
		}, []string{"kind"}),
		PollAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolproxy_poll_attempts_total",
			Help: "Result polls by observed status",
		}, []string{"status"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolproxy_out_of_band_deliveries_total",
			Help: "Results arriving by callback or push stream",
		}, []string{"channel", "outcome"}),
		Handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolproxy_handshakes_total",
			Help: "Push-stream handshakes by result",
		}, []string{"result"}),
		HandshakeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "toolproxy_handshake_duration_seconds",
			Help:    "Time from stream open to submission URL",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		ResolveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "toolproxy_resolve_duration_seconds",
			Help:    "Time spent resolving accepted invocations",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "toolproxy_active_sessions",
			Help: "Ready push-stream sessions",
		}),
	}
}

func (m *Metrics) Invocation(status string) {
	if m == nil {
		return
	}
	m.Invocations.WithLabelValues(status).Inc()
}

func (m *Metrics) Dispatch(kind string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(kind).Inc()
}

func (m *Metrics) Poll(status string) {
	if m == nil {
		return
	}
	m.PollAttempts.WithLabelValues(status).Inc()
}

func (m *Metrics) Delivery(channel, outcome string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) Handshake(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(result).Inc()
	if result == "ok" {
		m.HandshakeDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) Resolved(took time.Duration) {
	if m == nil {
		return
	}
	m.ResolveDuration.Observe(took.Seconds())
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}
