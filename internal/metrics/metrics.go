// Package metrics exposes Prometheus instrumentation for tunnel session and
// stream lifecycle events, grounded on cortexuvula/clawreachbridge's
// internal/metrics package.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the relay registers. A nil
// *Metrics is valid and every method becomes a no-op, so callers that don't
// care about metrics (most tests) can pass nil.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive    prometheus.Gauge
	StreamsOpen       *prometheus.GaugeVec // label: kind (http, ws)
	FramesTotal       *prometheus.CounterVec // labels: direction (sent, received)
	AbortsTotal       *prometheus.CounterVec // label: reason
	AgentAttachTotal  prometheus.Counter
	AgentDetachTotal  prometheus.Counter
}

// New creates a private registry and registers all collectors against it,
// so that multiple independent *Metrics (e.g. one per test) never collide
// on the global default registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	fac := promauto.With(reg)
	return &Metrics{
		registry: reg,
		SessionsActive: fac.NewGauge(prometheus.GaugeOpts{
			Name: "dotunnel_sessions_active",
			Help: "Tunnel sessions with an attached agent",
		}),
		StreamsOpen: fac.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dotunnel_streams_open",
			Help: "In-flight streams by kind",
		}, []string{"kind"}),
		FramesTotal: fac.NewCounterVec(prometheus.CounterOpts{
			Name: "dotunnel_frames_total",
			Help: "Envelopes exchanged with agent sockets",
		}, []string{"direction"}),
		AbortsTotal: fac.NewCounterVec(prometheus.CounterOpts{
			Name: "dotunnel_aborts_total",
			Help: "Stream aborts by reason",
		}, []string{"reason"}),
		AgentAttachTotal: fac.NewCounter(prometheus.CounterOpts{
			Name: "dotunnel_agent_attach_total",
			Help: "Agent control socket attachments",
		}),
		AgentDetachTotal: fac.NewCounter(prometheus.CounterOpts{
			Name: "dotunnel_agent_detach_total",
			Help: "Agent control socket detachments",
		}),
	}
}

// Registry returns the private registry backing these collectors, for
// mounting on a /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) StreamOpened(kind string) {
	if m == nil {
		return
	}
	m.StreamsOpen.WithLabelValues(kind).Inc()
}

func (m *Metrics) StreamClosed(kind string) {
	if m == nil {
		return
	}
	m.StreamsOpen.WithLabelValues(kind).Dec()
}

func (m *Metrics) FrameSent() {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues("sent").Inc()
}

func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues("received").Inc()
}

func (m *Metrics) Abort(reason string) {
	if m == nil {
		return
	}
	m.AbortsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) AgentAttached() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
	m.AgentAttachTotal.Inc()
}

func (m *Metrics) AgentDetached() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.AgentDetachTotal.Inc()
}
