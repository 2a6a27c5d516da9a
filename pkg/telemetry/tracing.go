package telemetry

import (
	"context"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/polisai/vivado-bridge"

// TracingManager starts spans for toolchain operations and propagates trace
// context into child process environments. The zero value and a nil
// *TracingManager are both valid and produce non-recording spans.
type TracingManager struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	enabled    bool
}

// NewTracingManager creates a tracing manager backed by the global tracer
// provider. Call SetupProvider first to export spans.
func NewTracingManager(enabled bool) *TracingManager {
	if !enabled {
		return &TracingManager{}
	}
	return NewTracingManagerWithProvider(otel.GetTracerProvider(), otel.GetTextMapPropagator())
}

// NewTracingManagerWithProvider creates a tracing manager with an explicit
// provider, mainly for tests.
func NewTracingManagerWithProvider(tp trace.TracerProvider, propagator propagation.TextMapPropagator) *TracingManager {
	if propagator == nil {
		propagator = propagation.TraceContext{}
	}
	return &TracingManager{
		tracer:     tp.Tracer(instrumentationName),
		propagator: propagator,
		enabled:    true,
	}
}

// Enabled reports whether spans are recorded.
func (tm *TracingManager) Enabled() bool {
	return tm != nil && tm.enabled
}

// StartSpan starts a new span with the given name and attributes
func (tm *TracingManager) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !tm.Enabled() {
		return noop.NewTracerProvider().Tracer(instrumentationName).Start(ctx, name)
	}

	return tm.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// InjectProcessEnv injects trace context into process environment variables.
// Carrier keys are upper-cased (TRACEPARENT) to follow environment naming;
// existing entries with the same key are replaced. Order of the untouched
// entries is preserved.
func (tm *TracingManager) InjectProcessEnv(ctx context.Context, env []string) []string {
	if !tm.Enabled() {
		return env
	}

	carrier := envCarrier{}
	tm.propagator.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return env
	}

	result := make([]string, 0, len(env)+len(carrier))
	for _, e := range env {
		key, _, _ := strings.Cut(e, "=")
		if _, replaced := carrier[key]; replaced {
			continue
		}
		result = append(result, e)
	}
	keys := carrier.Keys()
	sort.Strings(keys)
	for _, k := range keys {
		result = append(result, k+"="+carrier[k])
	}
	return result
}

// ExtractProcessEnv extracts trace context from process environment variables
func (tm *TracingManager) ExtractProcessEnv(ctx context.Context, env []string) context.Context {
	if !tm.Enabled() {
		return ctx
	}

	carrier := envCarrier{}
	for _, e := range env {
		if key, value, ok := strings.Cut(e, "="); ok {
			carrier[key] = value
		}
	}
	return tm.propagator.Extract(ctx, carrier)
}

// RecordError records err on the span in ctx and marks it failed.
func (tm *TracingManager) RecordError(ctx context.Context, err error) {
	if !tm.Enabled() || err == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceID returns the trace ID from the current span context
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// envCarrier implements propagation.TextMapCarrier over environment keys.
type envCarrier map[string]string

func (c envCarrier) Get(key string) string {
	return c[strings.ToUpper(key)]
}

func (c envCarrier) Set(key, value string) {
	c[strings.ToUpper(key)] = value
}

func (c envCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
