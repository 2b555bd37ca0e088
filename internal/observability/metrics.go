package observability

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/agentbox/internal/audit"
)

// MetricsCollector holds all Prometheus metrics for agentbox.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Session metrics.
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec
	ActiveSessions  prometheus.Gauge
	MessagesTotal   *prometheus.CounterVec
	ProtocolLines   *prometheus.CounterVec

	// Sandbox metrics.
	SandboxCreateTotal    *prometheus.CounterVec
	SandboxCreateDuration *prometheus.HistogramVec

	// Relay metrics, fed from audit events.
	HookDecisionsTotal *prometheus.CounterVec
	HostToolCallsTotal *prometheus.CounterVec
	HostToolDuration   *prometheus.HistogramVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentbox",
			Subsystem: "session",
			Name:      "total",
			Help:      "Sessions by provider and final state.",
		}, []string{"provider", "state"}),

		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentbox",
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Session wall-clock duration in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"provider"}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentbox",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of running sessions.",
		}),

		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentbox",
			Subsystem: "session",
			Name:      "messages_total",
			Help:      "Agent messages yielded to callers.",
		}, []string{"type"}),

		ProtocolLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentbox",
			Subsystem: "protocol",
			Name:      "lines_total",
			Help:      "Lines read from the sandbox by classified kind.",
		}, []string{"kind"}),

		SandboxCreateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentbox",
			Subsystem: "sandbox",
			Name:      "create_total",
			Help:      "Sandbox creations.",
		}, []string{"provider", "status"}),

		SandboxCreateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentbox",
			Subsystem: "sandbox",
			Name:      "create_duration_seconds",
			Help:      "Sandbox creation latency in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),

		HookDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentbox",
			Subsystem: "hook",
			Name:      "decisions_total",
			Help:      "Hook dispatches by event and result.",
		}, []string{"event", "result"}),

		HostToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentbox",
			Subsystem: "host_tool",
			Name:      "calls_total",
			Help:      "Host tool calls.",
		}, []string{"server", "tool", "status"}),

		HostToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentbox",
			Subsystem: "host_tool",
			Name:      "duration_seconds",
			Help:      "Host tool handler duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server", "tool"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentbox",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentbox",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentbox",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.SessionsTotal,
		m.SessionDuration,
		m.ActiveSessions,
		m.MessagesTotal,
		m.ProtocolLines,
		m.SandboxCreateTotal,
		m.SandboxCreateDuration,
		m.HookDecisionsTotal,
		m.HostToolCallsTotal,
		m.HostToolDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// SessionStarted increments the active session gauge.
func (m *MetricsCollector) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionFinished records a session's final state and duration.
func (m *MetricsCollector) SessionFinished(provider, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionsTotal.WithLabelValues(provider, state).Inc()
	m.SessionDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// MessageYielded counts one agent message by type.
func (m *MetricsCollector) MessageYielded(typ string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(typ).Inc()
}

// LineRead counts one protocol line by kind.
func (m *MetricsCollector) LineRead(kind string) {
	if m == nil {
		return
	}
	m.ProtocolLines.WithLabelValues(kind).Inc()
}

// Record implements audit.Recorder, turning audit events into counters.
func (m *MetricsCollector) Record(_ context.Context, e audit.Event) error {
	if m == nil {
		return nil
	}
	switch e.Action {
	case audit.ActionHookPre, audit.ActionHookPost:
		m.HookDecisionsTotal.WithLabelValues(strings.TrimPrefix(e.Action, "hook."), e.Result).Inc()
	case audit.ActionHostToolCall:
		m.HostToolCallsTotal.WithLabelValues(e.Server, e.Tool, e.Result).Inc()
		m.HostToolDuration.WithLabelValues(e.Server, e.Tool).Observe(float64(e.DurationMS) / 1000)
	}
	return nil
}

var _ audit.Recorder = (*MetricsCollector)(nil)
