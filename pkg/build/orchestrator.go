package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/polisai/vivado-bridge/pkg/domain"
	"github.com/polisai/vivado-bridge/pkg/logging"
	"github.com/polisai/vivado-bridge/pkg/process"
	"github.com/polisai/vivado-bridge/pkg/telemetry"
	"github.com/polisai/vivado-bridge/pkg/toolchain"
)

// Config holds build settings.
type Config struct {
	Jobs           int           `yaml:"jobs" json:"jobs" toml:"jobs"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout" toml:"timeout"`
	ExtraCleanDirs []string      `yaml:"extra_clean_dirs" json:"extra_clean_dirs" toml:"extra_clean_dirs"`
	FatalPatterns  []string      `yaml:"fatal_patterns" json:"fatal_patterns" toml:"fatal_patterns"`
	WatchDebounce  time.Duration `yaml:"watch_debounce" json:"watch_debounce" toml:"watch_debounce"`
}

// DefaultConfig returns the default build settings.
func DefaultConfig() Config {
	return Config{
		Jobs:          4,
		WatchDebounce: 500 * time.Millisecond,
	}
}

// Resolver finds the installation a build runs.
type Resolver interface {
	Resolve(ctx context.Context, sel toolchain.Selector) (*toolchain.Installation, error)
}

// Executor runs one batch process.
type Executor interface {
	Run(ctx context.Context, spec process.Spec) *domain.ProcessResult
}

// Admitter decides whether a phase may run. A denial is returned as an
// error matching domain.ErrCommandDenied.
type Admitter interface {
	AdmitPhase(ctx context.Context, phase, project string) error
}

// Publisher uploads a produced bitstream and returns its URI.
type Publisher interface {
	Publish(ctx context.Context, project, path string) (string, error)
}

// Step is the outcome of one phase invocation.
type Step struct {
	Phase  Phase                 `json:"phase"`
	Result *domain.ProcessResult `json:"result"`
}

// Report is the outcome of RunPhase.
type Report struct {
	Phase         Phase                 `json:"phase"`
	Project       string                `json:"project"`
	Version       string                `json:"version"`
	Success       bool                  `json:"success"`
	Steps         []Step                `json:"steps"`
	FailedPhase   Phase                 `json:"failed_phase,omitempty"`
	Result        *domain.ProcessResult `json:"result,omitempty"`
	BitstreamPath string                `json:"bitstream_path,omitempty"`
	ArtifactURI   string                `json:"artifact_uri,omitempty"`
	ArtifactError string                `json:"artifact_error,omitempty"`
	Duration      time.Duration         `json:"duration"`
}

// Orchestrator runs build phases and inspects project state.
type Orchestrator struct {
	config   Config
	resolver Resolver
	executor Executor

	admitter  Admitter
	publisher Publisher

	logger  *slog.Logger
	events  *logging.StructuredLogger
	metrics *telemetry.Metrics
	tracing *telemetry.TracingManager
}

// NewOrchestrator creates an orchestrator. A nil logger falls back to
// slog.Default().
func NewOrchestrator(cfg Config, resolver Resolver, executor Executor, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Jobs < 1 {
		cfg.Jobs = DefaultConfig().Jobs
	}
	if cfg.WatchDebounce <= 0 {
		cfg.WatchDebounce = DefaultConfig().WatchDebounce
	}
	return &Orchestrator{
		config:   cfg,
		resolver: resolver,
		executor: executor,
		logger:   logger,
		events:   logging.NewStructuredLogger(logger),
	}
}

// SetAdmitter installs the policy consulted before every phase.
func (o *Orchestrator) SetAdmitter(a Admitter) { o.admitter = a }

// SetPublisher installs the artifact publisher used after a bitstream.
func (o *Orchestrator) SetPublisher(p Publisher) { o.publisher = p }

// SetMetrics sets the metrics instance for recording build metrics
func (o *Orchestrator) SetMetrics(metrics *telemetry.Metrics) { o.metrics = metrics }

// SetTracing sets the tracing manager used for phase spans.
func (o *Orchestrator) SetTracing(tracing *telemetry.TracingManager) { o.tracing = tracing }

// RunPhase validates the request, resolves the toolchain and runs phase.
// For PhaseFull the single phases run in order and stop at the first
// failure. Process failures are reported in the Report, not as errors.
func (o *Orchestrator) RunPhase(ctx context.Context, phase Phase, req Request) (*Report, error) {
	phase, err := ParsePhase(string(phase))
	if err != nil {
		return nil, err
	}
	project, err := ResolveProject(req.Project)
	if err != nil {
		return nil, err
	}
	inst, err := o.resolver.Resolve(ctx, req.Selector())
	if err != nil {
		return nil, err
	}
	if req.Timeout <= 0 {
		req.Timeout = o.config.Timeout
	}

	ctx, span := o.tracing.StartSpan(ctx, "build.run",
		attribute.String("build.phase", string(phase)),
		attribute.String("build.project", project.Path),
		attribute.String("toolchain.version", inst.Version.Raw),
	)
	defer span.End()

	steps := []Phase{phase}
	if phase == PhaseFull {
		steps = Steps
	}

	start := time.Now()
	report := &Report{
		Phase:   phase,
		Project: project.Path,
		Version: inst.Version.Raw,
	}

	for _, step := range steps {
		if o.admitter != nil {
			if err := o.admitter.AdmitPhase(ctx, string(step), project.Path); err != nil {
				report.FailedPhase = step
				report.Duration = time.Since(start)
				return report, err
			}
		}

		result, err := o.runStep(ctx, step, project, inst, req)
		if err != nil {
			report.FailedPhase = step
			report.Duration = time.Since(start)
			return report, err
		}
		report.Steps = append(report.Steps, Step{Phase: step, Result: result})
		report.Result = result

		if !result.Success {
			report.FailedPhase = step
			break
		}
		if step == PhaseBitstream {
			report.BitstreamPath = o.locateBitstream(project, result)
		}
	}

	report.Success = report.FailedPhase == ""
	report.Duration = time.Since(start)

	if report.Success && report.BitstreamPath != "" && o.publisher != nil {
		uri, err := o.publisher.Publish(ctx, project.Stem, report.BitstreamPath)
		if err != nil {
			report.ArtifactError = err.Error()
			o.logger.Warn("Bitstream upload failed", "path", report.BitstreamPath, "error", err)
		} else {
			report.ArtifactURI = uri
		}
	}

	return report, nil
}

func (o *Orchestrator) runStep(ctx context.Context, step Phase, project *Project, inst *toolchain.Installation, req Request) (*domain.ProcessResult, error) {
	ctx, span := o.tracing.StartSpan(ctx, "build.phase", attribute.String("build.phase", string(step)))
	defer span.End()

	content, err := Script(step, project, o.config.Jobs)
	if err != nil {
		return nil, err
	}
	scriptPath, cleanup, err := writeTempScript(content)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	o.logger.Info("Running build phase",
		"phase", step,
		"project", project.Path,
		"version", inst.Version.Raw,
	)

	result := o.executor.Run(ctx, process.Spec{
		Kind:       string(step),
		Executable: inst.BatchExecutable,
		Args:       BatchArgs(scriptPath),
		Dir:        project.Dir,
		Timeout:    req.Timeout,
		OnLine:     req.OnLine,
	})

	outcome := "failed"
	if result.Success {
		outcome = "succeeded"
	} else if result.Termination == domain.TerminationTimedOut {
		outcome = "timed_out"
	}
	o.metrics.RecordPhase(string(step), outcome)
	telemetry.RecordPhaseMetrics(ctx, telemetry.PhaseMetrics{
		Phase:            string(step),
		Project:          project.Stem,
		ToolchainVersion: inst.Version.Raw,
		Termination:      result.Termination,
		Success:          result.Success,
		Duration:         result.Duration,
		Errors:           len(result.Errors),
		CriticalWarnings: len(result.CriticalWarnings),
	})
	telemetry.RecordProcessResult(span, result)
	o.events.LogBuildPhase(ctx, string(step), project.Path, result.Success, result.Duration, len(result.Errors))

	return result, nil
}

// BatchArgs are the arguments for a non-interactive run of script.
func BatchArgs(script string) []string {
	return []string{"-mode", "batch", "-source", script, "-nojournal", "-nolog"}
}

// writeTempScript stores content in a temporary .tcl file.
func writeTempScript(content string) (string, func(), error) {
	f, err := os.CreateTemp("", "vivado-bridge-*.tcl")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create build script: %w", err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to write build script: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to write build script: %w", err)
	}
	return f.Name(), cleanup, nil
}

// RunScript runs content as a one-shot batch script with the installation
// selected by sel. dir defaults to the current directory.
func (o *Orchestrator) RunScript(ctx context.Context, sel toolchain.Selector, content, dir string, timeout time.Duration) (*domain.ProcessResult, error) {
	inst, err := o.resolver.Resolve(ctx, sel)
	if err != nil {
		return nil, err
	}
	scriptPath, cleanup, err := writeTempScript(content)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	return o.executor.Run(ctx, process.Spec{
		Kind:       "command",
		Executable: inst.BatchExecutable,
		Args:       BatchArgs(scriptPath),
		Dir:        dir,
		Timeout:    timeout,
	}), nil
}

// locateBitstream prefers the path the script reported and falls back to
// the newest .bit file where the toolchain writes it.
func (o *Orchestrator) locateBitstream(project *Project, result *domain.ProcessResult) string {
	if path, ok := ParseBitstreamPath(result.Stdout); ok {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		o.logger.Debug("Reported bitstream is missing", "path", path)
	}

	var candidates []string
	if project.Kind == KindScript {
		candidates = append(candidates, filepath.Join(project.Dir, "output.bit"))
	}
	if runs, ok := findRunsDir(project.Dir); ok {
		matches, _ := filepath.Glob(filepath.Join(runs, "impl_1", "*.bit"))
		candidates = append(candidates, matches...)
	}
	return newestFile(candidates)
}

func newestFile(paths []string) string {
	type entry struct {
		path string
		mod  time.Time
	}
	var found []entry
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		found = append(found, entry{p, info.ModTime()})
	}
	if len(found) == 0 {
		return ""
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].mod.After(found[j].mod) })
	return found[0].path
}
