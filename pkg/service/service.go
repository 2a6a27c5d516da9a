// Package service composes the locator, runner, session manager and build
// orchestrator into the operation set exposed to protocol clients and the
// CLI. Every exported method maps to exactly one tool.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/polisai/vivado-bridge/pkg/artifacts"
	"github.com/polisai/vivado-bridge/pkg/build"
	"github.com/polisai/vivado-bridge/pkg/config"
	"github.com/polisai/vivado-bridge/pkg/diagnostics"
	"github.com/polisai/vivado-bridge/pkg/domain"
	"github.com/polisai/vivado-bridge/pkg/policy"
	"github.com/polisai/vivado-bridge/pkg/process"
	"github.com/polisai/vivado-bridge/pkg/session"
	"github.com/polisai/vivado-bridge/pkg/telemetry"
	"github.com/polisai/vivado-bridge/pkg/toolchain"
)

// Options carries the shared observability handles. Nil values disable the
// corresponding concern.
type Options struct {
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Tracing *telemetry.TracingManager
}

// Service is the facade over the toolchain components.
type Service struct {
	config    *config.Config
	locator   *toolchain.Locator
	runner    *process.Runner
	sessions  *session.Manager
	builds    *build.Orchestrator
	policy    *policy.CommandPolicy
	publisher *artifacts.MinioPublisher

	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracing *telemetry.TracingManager

	stopReaper chan struct{}
}

// New wires every component from cfg. It loads the policy module and
// creates the artifact publisher when they are configured.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	matcher, err := diagnostics.NewMatcher(cfg.Build.FatalPatterns...)
	if err != nil {
		return nil, fmt.Errorf("%w: build fatal_patterns: %w", domain.ErrConfigInvalid, err)
	}

	locator := toolchain.NewLocator(cfg.Toolchain, logger.With("component", "locator"))

	runner := process.NewRunner(process.Config{
		MaxOutputBytes: cfg.Process.MaxOutputBytes,
		WaitDelay:      cfg.Process.WaitDelay,
		Matcher:        matcher,
	}, logger.With("component", "runner"))
	runner.SetMetrics(opts.Metrics)
	runner.SetTracing(opts.Tracing)

	sessions, err := session.NewManager(cfg.Session, locator, logger.With("component", "sessions"))
	if err != nil {
		return nil, fmt.Errorf("%w: session: %w", domain.ErrConfigInvalid, err)
	}
	sessions.SetMatcher(matcher)
	sessions.SetMaxOutputBytes(cfg.Process.MaxOutputBytes)
	sessions.SetMetrics(opts.Metrics)
	sessions.SetTracing(opts.Tracing)

	builds := build.NewOrchestrator(cfg.Build, locator, runner, logger.With("component", "build"))
	builds.SetMetrics(opts.Metrics)
	builds.SetTracing(opts.Tracing)

	s := &Service{
		config:     cfg,
		locator:    locator,
		runner:     runner,
		sessions:   sessions,
		builds:     builds,
		logger:     logger,
		metrics:    opts.Metrics,
		tracing:    opts.Tracing,
		stopReaper: make(chan struct{}),
	}

	if cfg.Policy.Path != "" {
		p, err := policy.Load(ctx, cfg.Policy.Path, logger.With("component", "policy"))
		if err != nil {
			return nil, fmt.Errorf("%w: policy: %w", domain.ErrConfigInvalid, err)
		}
		p.SetMetrics(opts.Metrics)
		p.SetTracing(opts.Tracing)
		s.policy = p
		builds.SetAdmitter(p)
		logger.Info("Command policy loaded", "path", cfg.Policy.Path)
	}

	if cfg.Artifacts.Enabled {
		pub, err := artifacts.NewMinioPublisher(cfg.Artifacts, logger.With("component", "artifacts"))
		if err != nil {
			return nil, fmt.Errorf("%w: artifacts: %w", domain.ErrConfigInvalid, err)
		}
		pub.SetMetrics(opts.Metrics)
		s.publisher = pub
		builds.SetPublisher(pub)
	}

	sessions.StartReaper(0, s.stopReaper)
	return s, nil
}

// Sessions exposes the session manager.
func (s *Service) Sessions() *session.Manager { return s.sessions }

// Builds exposes the build orchestrator.
func (s *Service) Builds() *build.Orchestrator { return s.builds }

// DetectInstallations lists installations. A version narrows the result to
// that version; includeAll lists every candidate instead of the default.
func (s *Service) DetectInstallations(ctx context.Context, version string, includeAll bool) ([]toolchain.Installation, error) {
	ctx, span := s.tracing.StartSpan(ctx, "service.detect",
		attribute.String("toolchain.version", version),
		attribute.Bool("toolchain.include_all", includeAll),
	)
	defer span.End()

	var (
		found []toolchain.Installation
		err   error
	)
	if version != "" {
		var inst *toolchain.Installation
		inst, err = s.locator.Resolve(ctx, toolchain.Selector{Version: version})
		if inst != nil {
			found = []toolchain.Installation{*inst}
		}
	} else {
		found, err = s.locator.Discover(ctx, includeAll)
	}

	if err != nil {
		s.metrics.RecordDiscovery(strings.ToLower(domain.Code(err)))
		return nil, err
	}
	s.metrics.RecordDiscovery("found")
	return found, nil
}

// RunBuild runs synthesis, implementation and bitstream generation in order.
func (s *Service) RunBuild(ctx context.Context, req build.Request) (*build.Report, error) {
	return s.RunPhase(ctx, string(build.PhaseFull), req)
}

// RunPhase runs one named phase; "full" runs all of them.
func (s *Service) RunPhase(ctx context.Context, phase string, req build.Request) (*build.Report, error) {
	p, err := build.ParsePhase(phase)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Project) == "" {
		return nil, fmt.Errorf("%w: project path is required", domain.ErrInvalidRequest)
	}
	return s.builds.RunPhase(ctx, p, req)
}

// GetBuildStatus derives the build state of the project at path.
func (s *Service) GetBuildStatus(ctx context.Context, path string) (*build.Status, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: project path is required", domain.ErrInvalidRequest)
	}
	return s.builds.Status(ctx, path)
}

// CleanBuild removes generated directories next to the project at path.
func (s *Service) CleanBuild(ctx context.Context, path string) (*build.CleanReport, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: project path is required", domain.ErrInvalidRequest)
	}
	return s.builds.Clean(ctx, path)
}

// StartRequest configures a new interactive session.
type StartRequest struct {
	ID          string `json:"session_id,omitempty"`
	Version     string `json:"version,omitempty"`
	InstallPath string `json:"install_path,omitempty"`
	WorkDir     string `json:"work_dir,omitempty"`
}

// StartSession launches an interactive session and returns its id.
func (s *Service) StartSession(ctx context.Context, req StartRequest) (string, error) {
	return s.sessions.Start(ctx, session.StartOptions{
		ID:       req.ID,
		Selector: toolchain.Selector{Version: req.Version, Path: req.InstallPath},
		WorkDir:  req.WorkDir,
	})
}

// CommandRequest is one command for RunCommand.
type CommandRequest struct {
	Command   string        `json:"command"`
	SessionID string        `json:"session_id,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
	// WorkDir applies to the batch fallback only.
	WorkDir string `json:"work_dir,omitempty"`
}

// CommandResult is the outcome of RunCommand.
type CommandResult struct {
	SessionID string `json:"session_id,omitempty"`
	Batch     bool   `json:"batch,omitempty"`
	*domain.ProcessResult
}

// RunCommand sends a command to a session. With no session id and no
// default session the command runs as a one-shot batch script instead. An
// explicit session id never falls back. A timed-out or dead-session result
// is returned together with its error.
func (s *Service) RunCommand(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("%w: command is required", domain.ErrInvalidRequest)
	}

	target := req.SessionID
	batch := target == "" && !s.sessions.HasDefault()
	if target == "" && !batch {
		target = s.sessions.DefaultSessionID()
	}

	if err := s.policy.AdmitCommand(ctx, target, req.Command); err != nil {
		return nil, err
	}

	if batch {
		timeout := req.Timeout
		if timeout <= 0 {
			timeout = s.config.Session.CommandTimeout
		}
		s.logger.Debug("No session available, running command in batch mode")
		result, err := s.builds.RunScript(ctx, toolchain.Selector{}, build.CommandScript(req.Command), req.WorkDir, timeout)
		if err != nil {
			return nil, err
		}
		return &CommandResult{Batch: true, ProcessResult: result}, nil
	}

	id := req.SessionID
	if id == "" {
		id = session.DefaultID
	}
	result, err := s.sessions.Send(ctx, id, req.Command, req.Timeout)
	if result == nil {
		return nil, err
	}
	return &CommandResult{SessionID: target, ProcessResult: result}, err
}

// CloseSession closes a session; an empty id closes the default session.
func (s *Service) CloseSession(ctx context.Context, id string) error {
	if id == "" {
		id = session.DefaultID
	}
	return s.sessions.Close(ctx, id)
}

// ListSessions returns summaries of the live sessions, oldest first.
func (s *Service) ListSessions(_ context.Context) []session.Summary {
	return s.sessions.List()
}

// WatchStatus calls fn with a fresh status whenever the project's run
// directories change, until ctx is done.
func (s *Service) WatchStatus(ctx context.Context, path string, fn func(*build.Status)) error {
	return s.builds.Watch(ctx, path, fn)
}

// Close stops the reaper and closes every session.
func (s *Service) Close(ctx context.Context) error {
	select {
	case <-s.stopReaper:
	default:
		close(s.stopReaper)
	}
	if err := s.sessions.CloseAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close sessions: %w", err)
	}
	return nil
}
