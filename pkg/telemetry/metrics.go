package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/vivado-bridge/pkg/domain"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	phaseRunCounter      metric.Int64Counter
	phaseFailureCounter  metric.Int64Counter
	phaseTimeoutCounter  metric.Int64Counter
	phaseLatencyHist     metric.Float64Histogram
	phaseMessagesCounter metric.Int64Counter
)

// PhaseMetrics captures the fields needed to record build phase telemetry.
type PhaseMetrics struct {
	Phase            string
	Project          string
	ToolchainVersion string
	Termination      domain.Termination
	Success          bool
	Duration         time.Duration
	Errors           int
	CriticalWarnings int
}

// RecordPhaseMetrics emits counters and histograms that describe one build
// phase invocation through the global meter provider.
func RecordPhaseMetrics(ctx context.Context, m PhaseMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("build.phase", m.Phase),
		attribute.String("build.project", m.Project),
		attribute.String("toolchain.version", m.ToolchainVersion),
		attribute.String("process.termination", string(m.Termination)),
		attribute.Bool("build.success", m.Success),
	}

	phaseRunCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Duration > 0 {
		phaseLatencyHist.Record(ctx, m.Duration.Seconds(), metric.WithAttributes(attrs...))
	}

	if !m.Success {
		phaseFailureCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.Termination == domain.TerminationTimedOut {
		phaseTimeoutCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	if m.Errors > 0 {
		phaseMessagesCounter.Add(ctx, int64(m.Errors), metric.WithAttributes(append(attrs, attribute.String("message.severity", "error"))...))
	}
	if m.CriticalWarnings > 0 {
		phaseMessagesCounter.Add(ctx, int64(m.CriticalWarnings), metric.WithAttributes(append(attrs, attribute.String("message.severity", "critical_warning"))...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("vivado.build")

		phaseRunCounter, metricsInitErr = meter.Int64Counter(
			"vivado.build.phase_runs_total",
			metric.WithDescription("Build phase invocations partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		phaseFailureCounter, metricsInitErr = meter.Int64Counter(
			"vivado.build.phase_failures_total",
			metric.WithDescription("Build phases that did not succeed"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		phaseTimeoutCounter, metricsInitErr = meter.Int64Counter(
			"vivado.build.phase_timeouts_total",
			metric.WithDescription("Build phases killed by their timeout"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		phaseMessagesCounter, metricsInitErr = meter.Int64Counter(
			"vivado.build.messages_total",
			metric.WithDescription("Toolchain error and critical warning messages reported by phases"),
			metric.WithUnit("{message}"),
		)
		if metricsInitErr != nil {
			return
		}

		phaseLatencyHist, metricsInitErr = meter.Float64Histogram(
			"vivado.build.phase_duration_seconds",
			metric.WithDescription("Observed build phase wall-clock duration"),
			metric.WithUnit("s"),
		)
	})

	return metricsInitErr
}

// RecordProcessResult attaches a process outcome to span without leaking
// captured output.
func RecordProcessResult(span trace.Span, result *domain.ProcessResult) {
	if span == nil || !span.IsRecording() || result == nil {
		return
	}

	span.SetAttributes(
		attribute.Int("process.exit_code", result.ExitCode),
		attribute.String("process.termination", string(result.Termination)),
		attribute.Bool("process.success", result.Success),
		attribute.Int("toolchain.errors", len(result.Errors)),
		attribute.Int("toolchain.critical_warnings", len(result.CriticalWarnings)),
	)
	if result.DroppedBytes > 0 {
		span.SetAttributes(attribute.Int64("process.output_dropped_bytes", result.DroppedBytes))
	}
	if !result.Success && len(result.Errors) > 0 {
		span.AddEvent("toolchain.error", trace.WithAttributes(
			attribute.String("message.id", result.Errors[0].ID),
		))
	}
}

// RecordAdmissionDecision annotates span with a policy decision outcome.
func RecordAdmissionDecision(span trace.Span, allowed bool, reasons []string) {
	if span == nil || !span.IsRecording() {
		return
	}

	action := "allow"
	if !allowed {
		action = "deny"
	}
	span.SetAttributes(attribute.String("policy.decision.action", action))
	if len(reasons) > 0 {
		span.SetAttributes(attribute.StringSlice("policy.decision.reasons", reasons))
	}
}
