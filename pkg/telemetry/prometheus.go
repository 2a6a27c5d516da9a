package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bridge. A nil *Metrics is
// valid; every recording method is then a no-op.
type Metrics struct {
	// Process metrics
	processesRunning *prometheus.GaugeVec
	runsTotal        *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	outputDropped    *prometheus.CounterVec

	// Session metrics
	sessionsActive   prometheus.Gauge
	sessionsTotal    *prometheus.CounterVec
	sessionDuration  prometheus.Histogram
	commandsTotal    *prometheus.CounterVec
	commandDuration  prometheus.Histogram
	sessionsRejected *prometheus.CounterVec

	// Build metrics
	phasesTotal  *prometheus.CounterVec
	cleanedBytes prometheus.Counter
	discoveries  *prometheus.CounterVec

	// Admission and protocol metrics
	admissions    *prometheus.CounterVec
	toolCalls     *prometheus.CounterVec
	toolLatency   *prometheus.HistogramVec
	artifactsSent *prometheus.CounterVec

	registry *prometheus.Registry
}

// longBuckets covers toolchain invocations from seconds to hours.
var longBuckets = []float64{1, 5, 15, 30, 60, 300, 600, 1800, 3600, 7200}

// NewMetrics creates a new metrics instance with its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		processesRunning: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vivado_bridge_processes_running",
				Help: "Toolchain processes currently running by kind",
			},
			[]string{"kind"},
		),

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vivado_bridge_batch_runs_total",
				Help: "Batch invocations by kind and termination reason",
			},
			[]string{"kind", "termination", "success"},
		),

		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vivado_bridge_batch_run_duration_seconds",
				Help:    "Wall-clock duration of batch invocations",
				Buckets: longBuckets,
			},
			[]string{"kind"},
		),

		outputDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vivado_bridge_output_dropped_bytes_total",
				Help: "Captured output bytes evicted by the tail buffer",
			},
			[]string{"kind"},
		),

		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vivado_bridge_sessions_active",
				Help: "Number of currently active interactive sessions",
			},
		),

		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vivado_bridge_sessions_total",
				Help: "Interactive sessions by how they ended",
			},
			[]string{"outcome"},
		),

		sessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vivado_bridge_session_duration_seconds",
				Help:    "Lifetime of interactive sessions",
				Buckets: longBuckets,
			},
		),

		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vivado_bridge_session_commands_total",
				Help: "Session commands by termination reason",
			},
			[]string{"termination", "success"},
		),

		commandDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vivado_bridge_session_command_duration_seconds",
				Help:    "Session command latency",
				Buckets: prometheus.DefBuckets,
			},
		),

		sessionsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vivado_bridge_session_rejections_total",
				Help: "Session operations rejected before reaching the process",
			},
			[]string{"reason"},
		),

		phasesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vivado_bridge_build_phases_total",
				Help: "Build phases by outcome",
			},
			[]string{"phase", "outcome"},
		),

		cleanedBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vivado_bridge_clean_freed_bytes_total",
				Help: "Bytes removed by clean operations",
			},
		),

		discoveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vivado_bridge_discoveries_total",
				Help: "Installation lookups by result code",
			},
			[]string{"result"},
		),

		admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vivado_bridge_admissions_total",
				Help: "Policy admission decisions by request kind",
			},
			[]string{"kind", "decision"},
		),

		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vivado_bridge_tool_calls_total",
				Help: "Protocol tool calls by tool and status",
			},
			[]string{"tool", "status"},
		),

		toolLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vivado_bridge_tool_call_duration_seconds",
				Help:    "Protocol tool call latency",
				Buckets: longBuckets,
			},
			[]string{"tool"},
		),

		artifactsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vivado_bridge_artifacts_published_total",
				Help: "Bitstream uploads by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.processesRunning,
		m.runsTotal,
		m.runDuration,
		m.outputDropped,
		m.sessionsActive,
		m.sessionsTotal,
		m.sessionDuration,
		m.commandsTotal,
		m.commandDuration,
		m.sessionsRejected,
		m.phasesTotal,
		m.cleanedBytes,
		m.discoveries,
		m.admissions,
		m.toolCalls,
		m.toolLatency,
		m.artifactsSent,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ProcessStarted increments the running gauge for kind.
func (m *Metrics) ProcessStarted(kind string) {
	if m == nil {
		return
	}
	m.processesRunning.WithLabelValues(kind).Inc()
}

// ProcessExited decrements the running gauge for kind.
func (m *Metrics) ProcessExited(kind string) {
	if m == nil {
		return
	}
	m.processesRunning.WithLabelValues(kind).Dec()
}

// RecordBatchRun records one finished batch invocation.
func (m *Metrics) RecordBatchRun(kind, termination string, success bool, duration time.Duration, dropped int64) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(kind, termination, boolLabel(success)).Inc()
	m.runDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if dropped > 0 {
		m.outputDropped.WithLabelValues(kind).Add(float64(dropped))
	}
}

// RecordSessionCreated records a new session creation
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// RecordSessionClosed records a session leaving the registry.
func (m *Metrics) RecordSessionClosed(outcome string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsTotal.WithLabelValues(outcome).Inc()
	m.sessionDuration.Observe(lifetime.Seconds())
}

// RecordCommand records one session command.
func (m *Metrics) RecordCommand(termination string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(termination, boolLabel(success)).Inc()
	m.commandDuration.Observe(duration.Seconds())
}

// RecordSessionRejected records an operation refused without touching the
// process (busy, dead, missing).
func (m *Metrics) RecordSessionRejected(reason string) {
	if m == nil {
		return
	}
	m.sessionsRejected.WithLabelValues(reason).Inc()
}

// RecordPhase records a build phase outcome.
func (m *Metrics) RecordPhase(phase, outcome string) {
	if m == nil {
		return
	}
	m.phasesTotal.WithLabelValues(phase, outcome).Inc()
}

// RecordClean adds freed bytes.
func (m *Metrics) RecordClean(bytes int64) {
	if m == nil || bytes <= 0 {
		return
	}
	m.cleanedBytes.Add(float64(bytes))
}

// RecordDiscovery records an installation lookup result code.
func (m *Metrics) RecordDiscovery(result string) {
	if m == nil {
		return
	}
	m.discoveries.WithLabelValues(result).Inc()
}

// RecordAdmission records a policy decision.
func (m *Metrics) RecordAdmission(kind string, allowed bool) {
	if m == nil {
		return
	}
	decision := "allow"
	if !allowed {
		decision = "deny"
	}
	m.admissions.WithLabelValues(kind, decision).Inc()
}

// RecordToolCall records a protocol tool invocation.
func (m *Metrics) RecordToolCall(tool, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, status).Inc()
	m.toolLatency.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordArtifact records a bitstream upload attempt.
func (m *Metrics) RecordArtifact(success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.artifactsSent.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
