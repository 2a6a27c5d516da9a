// Package process launches toolchain executables and captures their output.
//
// A Runner starts exactly one child per Run call, in its own process group,
// with an empty stdin. Output is retained in bounded TailBuffers, so a
// runaway log cannot exhaust memory. Timeouts and context cancellation kill
// the whole process tree; the caller always gets a ProcessResult back, never
// a Go error, because partial output is still useful.
package process

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/vivado-bridge/pkg/diagnostics"
	"github.com/polisai/vivado-bridge/pkg/domain"
	"github.com/polisai/vivado-bridge/pkg/logging"
	"github.com/polisai/vivado-bridge/pkg/telemetry"
)

// Stream names passed to Spec.OnLine.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// DefaultWaitDelay bounds how long Run waits for output pipes to drain after
// the child has exited or been killed.
const DefaultWaitDelay = 5 * time.Second

// Spec describes a single batch invocation.
type Spec struct {
	// Kind labels the run in metrics and logs ("batch", "phase", "command").
	Kind       string
	Executable string
	Args       []string
	Dir        string
	// Env entries are appended to the parent environment, replacing
	// existing keys.
	Env     []string
	Timeout time.Duration
	OnLine  func(stream, line string)
}

// Config holds runner settings.
type Config struct {
	MaxOutputBytes int
	WaitDelay      time.Duration
	Matcher        *diagnostics.Matcher
}

// Runner executes Specs. It is safe for concurrent use.
type Runner struct {
	maxOutput int
	waitDelay time.Duration
	matcher   *diagnostics.Matcher

	mu      sync.RWMutex
	logger  *slog.Logger
	events  *logging.StructuredLogger
	metrics *telemetry.Metrics
	tracing *telemetry.TracingManager
}

// NewRunner creates a runner. A nil logger falls back to slog.Default().
func NewRunner(cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = DefaultWaitDelay
	}
	if cfg.Matcher == nil {
		cfg.Matcher = diagnostics.DefaultMatcher()
	}
	return &Runner{
		maxOutput: cfg.MaxOutputBytes,
		waitDelay: cfg.WaitDelay,
		matcher:   cfg.Matcher,
		logger:    logger,
		events:    logging.NewStructuredLogger(logger),
	}
}

// SetMetrics sets the metrics instance for recording process metrics
func (r *Runner) SetMetrics(metrics *telemetry.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = metrics
}

// SetTracing sets the tracing manager for trace propagation
func (r *Runner) SetTracing(tracing *telemetry.TracingManager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracing = tracing
}

// Matcher returns the fatal-output matcher used to decide success.
func (r *Runner) Matcher() *diagnostics.Matcher {
	return r.matcher
}

// MaxOutputBytes returns the per-stream retention cap.
func (r *Runner) MaxOutputBytes() int {
	return r.maxOutput
}

// Run launches spec and blocks until the child exits, the timeout fires or
// ctx is cancelled.
func (r *Runner) Run(ctx context.Context, spec Spec) *domain.ProcessResult {
	r.mu.RLock()
	metrics, tracing := r.metrics, r.tracing
	r.mu.RUnlock()

	kind := spec.Kind
	if kind == "" {
		kind = "batch"
	}

	ctx, span := tracing.StartSpan(ctx, "process.run",
		attribute.String("process.kind", kind),
		attribute.String("process.executable", spec.Executable),
		attribute.String("process.dir", spec.Dir),
	)
	defer span.End()

	stdout := NewTailBuffer(r.maxOutput)
	stderr := NewTailBuffer(r.maxOutput)
	if spec.OnLine != nil {
		stdout.OnLine(func(line string) { spec.OnLine(StreamStdout, line) })
		stderr.OnLine(func(line string) { spec.OnLine(StreamStderr, line) })
	}

	start := time.Now()

	if err := ctx.Err(); err != nil {
		result := &domain.ProcessResult{
			ExitCode:    -1,
			Termination: domain.TerminationKilled,
			LaunchError: err.Error(),
		}
		r.finish(ctx, span, metrics, kind, spec, result)
		return result
	}

	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = tracing.InjectProcessEnv(ctx, ChildEnv(spec.Dir, spec.Env))
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.waitDelay
	Configure(cmd)

	if err := cmd.Start(); err != nil {
		result := &domain.ProcessResult{
			ExitCode:    -1,
			Duration:    time.Since(start),
			Termination: domain.TerminationLaunchFailed,
			LaunchError: err.Error(),
		}
		r.events.LogProcessEvent(ctx, "process_launch_failed", spec.Executable, 0, nil)
		tracing.RecordError(ctx, err)
		r.finish(ctx, span, metrics, kind, spec, result)
		return result
	}

	pid := cmd.Process.Pid
	metrics.ProcessStarted(kind)
	defer metrics.ProcessExited(kind)
	r.events.LogProcessEvent(ctx, "process_started", spec.Executable, pid, nil)

	// Single Wait; every exit path below drains done.
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var timer <-chan time.Time
	if spec.Timeout > 0 {
		t := time.NewTimer(spec.Timeout)
		defer t.Stop()
		timer = t.C
	}

	termination := domain.TerminationCompleted
	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer:
		termination = domain.TerminationTimedOut
		if err := KillTree(cmd); err != nil {
			r.logger.Warn("Failed to kill process tree", "pid", pid, "error", err)
		}
		waitErr = <-done
	case <-ctx.Done():
		termination = domain.TerminationKilled
		if err := KillTree(cmd); err != nil {
			r.logger.Warn("Failed to kill process tree", "pid", pid, "error", err)
		}
		waitErr = <-done
	}
	stdout.Flush()
	stderr.Flush()

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	if waitErr != nil && errors.Is(waitErr, exec.ErrWaitDelay) {
		r.logger.Debug("Output pipes held open after exit", "pid", pid)
	}

	result := &domain.ProcessResult{
		ExitCode:        exitCode,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		Duration:        time.Since(start),
		Termination:     termination,
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
		DroppedBytes:    stdout.Dropped() + stderr.Dropped(),
	}

	event := "process_exited"
	switch termination {
	case domain.TerminationTimedOut:
		event = "process_timed_out"
	case domain.TerminationKilled:
		event = "process_killed"
	}
	r.events.LogProcessEvent(ctx, event, spec.Executable, pid, &exitCode)

	r.finish(ctx, span, metrics, kind, spec, result)
	return result
}

func (r *Runner) finish(ctx context.Context, span trace.Span, metrics *telemetry.Metrics, kind string, spec Spec, result *domain.ProcessResult) {
	r.matcher.Annotate(result)
	metrics.RecordBatchRun(kind, string(result.Termination), result.Success, result.Duration, result.DroppedBytes)
	telemetry.RecordProcessResult(span, result)

	r.logger.DebugContext(ctx, "Process run finished",
		"kind", kind,
		"executable", spec.Executable,
		"termination", result.Termination,
		"exit_code", result.ExitCode,
		"success", result.Success,
		"duration", result.Duration,
		"dropped_bytes", result.DroppedBytes,
	)
}

// ChildEnv is the parent environment with PWD following dir and extra
// applied last.
func ChildEnv(dir string, extra []string) []string {
	env := os.Environ()
	if dir != "" {
		if abs, err := filepath.Abs(dir); err == nil {
			env = MergeEnv(env, []string{"PWD=" + abs})
		}
	}
	return MergeEnv(env, extra)
}

// MergeEnv returns base with extra applied on top; an extra KEY=value
// replaces any base entry for KEY.
func MergeEnv(base, extra []string) []string {
	if len(extra) == 0 {
		return base
	}
	override := make(map[string]struct{}, len(extra))
	for _, e := range extra {
		key, _, _ := strings.Cut(e, "=")
		override[key] = struct{}{}
	}
	merged := make([]string, 0, len(base)+len(extra))
	for _, e := range base {
		key, _, _ := strings.Cut(e, "=")
		if _, ok := override[key]; ok {
			continue
		}
		merged = append(merged, e)
	}
	return append(merged, extra...)
}
