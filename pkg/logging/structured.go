package logging

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// StructuredLogger provides event-shaped logging for toolchain operations.
type StructuredLogger struct {
	logger *slog.Logger
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(logger *slog.Logger) *StructuredLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &StructuredLogger{logger: logger}
}

// Logger returns the underlying slog logger.
func (sl *StructuredLogger) Logger() *slog.Logger {
	return sl.logger
}

// LogProcessEvent logs process-related events
func (sl *StructuredLogger) LogProcessEvent(ctx context.Context, eventType, command string, pid int, exitCode *int) {
	attrs := []slog.Attr{
		slog.String("event_type", eventType),
		slog.String("command", command),
	}

	if pid > 0 {
		attrs = append(attrs, slog.Int("pid", pid))
	}
	if exitCode != nil {
		attrs = append(attrs, slog.Int("exit_code", *exitCode))
	}
	attrs = appendTrace(ctx, attrs)

	level := slog.LevelInfo
	switch {
	case eventType == "process_launch_failed" || eventType == "process_timed_out":
		level = slog.LevelError
	case exitCode != nil && *exitCode != 0:
		level = slog.LevelWarn
	}

	sl.logger.LogAttrs(ctx, level, "Process event", attrs...)
}

// LogSessionEvent logs session-related events
func (sl *StructuredLogger) LogSessionEvent(ctx context.Context, eventType, sessionID, state string, duration *time.Duration) {
	attrs := []slog.Attr{
		slog.String("event_type", eventType),
		slog.String("session_id", sessionID),
		slog.String("state", state),
	}

	if duration != nil {
		attrs = append(attrs, slog.Duration("duration", *duration))
	}
	attrs = appendTrace(ctx, attrs)

	level := slog.LevelInfo
	if eventType == "session_failed" {
		level = slog.LevelWarn
	}
	sl.logger.LogAttrs(ctx, level, "Session event", attrs...)
}

// LogBuildPhase logs the outcome of one build phase.
func (sl *StructuredLogger) LogBuildPhase(ctx context.Context, phase, project string, success bool, duration time.Duration, errors int) {
	attrs := []slog.Attr{
		slog.String("phase", phase),
		slog.String("project", project),
		slog.Bool("success", success),
		slog.Duration("duration", duration),
	}
	if errors > 0 {
		attrs = append(attrs, slog.Int("errors", errors))
	}
	attrs = appendTrace(ctx, attrs)

	if success {
		sl.logger.LogAttrs(ctx, slog.LevelInfo, "Build phase completed", attrs...)
	} else {
		sl.logger.LogAttrs(ctx, slog.LevelError, "Build phase failed", attrs...)
	}
}

// LogPolicyDecision logs an admission decision; denials are warnings.
func (sl *StructuredLogger) LogPolicyDecision(ctx context.Context, kind, subject string, allowed bool, reasons []string) {
	attrs := []slog.Attr{
		slog.String("kind", kind),
		slog.String("subject", subject),
		slog.Bool("allowed", allowed),
	}
	if len(reasons) > 0 {
		attrs = append(attrs, slog.Any("reasons", reasons))
	}
	attrs = appendTrace(ctx, attrs)

	level := slog.LevelDebug
	if !allowed {
		level = slog.LevelWarn
	}
	sl.logger.LogAttrs(ctx, level, "Policy decision", attrs...)
}

// appendTrace adds trace and span ids from the OpenTelemetry span context.
func appendTrace(ctx context.Context, attrs []slog.Attr) []slog.Attr {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return attrs
	}
	return append(attrs,
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
