// Package session manages long-lived interactive toolchain processes.
//
// Each session owns one interpreter process. Commands are wrapped by a
// Dialect so that their completion can be detected from a marker line, and
// a session runs at most one command at a time. The reserved id "default"
// is an alias for the most recently started session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/vivado-bridge/pkg/diagnostics"
	"github.com/polisai/vivado-bridge/pkg/domain"
	"github.com/polisai/vivado-bridge/pkg/logging"
	"github.com/polisai/vivado-bridge/pkg/process"
	"github.com/polisai/vivado-bridge/pkg/telemetry"
	"github.com/polisai/vivado-bridge/pkg/toolchain"
)

// DefaultID is the reserved alias for the default session.
const DefaultID = "default"

// Config holds session manager settings.
type Config struct {
	StartupTimeout time.Duration `yaml:"startup_timeout" json:"startup_timeout" toml:"startup_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout" json:"command_timeout" toml:"command_timeout"`
	CloseGrace     time.Duration `yaml:"close_grace" json:"close_grace" toml:"close_grace"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout" toml:"idle_timeout"`
	Dialect        string        `yaml:"dialect" json:"dialect" toml:"dialect"`
}

// DefaultConfig returns the default session settings.
func DefaultConfig() Config {
	return Config{
		StartupTimeout: 60 * time.Second,
		CommandTimeout: 300 * time.Second,
		CloseGrace:     5 * time.Second,
		Dialect:        "tcl",
	}
}

// Resolver finds the installation a session runs.
type Resolver interface {
	Resolve(ctx context.Context, sel toolchain.Selector) (*toolchain.Installation, error)
}

// StartOptions configures a new session.
type StartOptions struct {
	ID       string
	Selector toolchain.Selector
	WorkDir  string
}

// Manager owns the session registry.
type Manager struct {
	sessions  map[string]*Session
	defaultID string
	seq       uint64
	mu        sync.RWMutex

	config    Config
	resolver  Resolver
	dialect   Dialect
	matcher   *diagnostics.Matcher
	maxOutput int

	logger  *slog.Logger
	events  *logging.StructuredLogger
	metrics *telemetry.Metrics
	tracing *telemetry.TracingManager
}

// NewManager creates a session manager. Zero durations in cfg take the
// defaults, except IdleTimeout where zero disables reaping.
func NewManager(cfg Config, resolver Resolver, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = def.StartupTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = def.CloseGrace
	}
	dialect, err := DialectByName(cfg.Dialect)
	if err != nil {
		return nil, err
	}

	return &Manager{
		sessions:  make(map[string]*Session),
		config:    cfg,
		resolver:  resolver,
		dialect:   dialect,
		matcher:   diagnostics.DefaultMatcher(),
		maxOutput: process.DefaultMaxOutputBytes,
		logger:    logger,
		events:    logging.NewStructuredLogger(logger),
	}, nil
}

// SetMetrics sets the metrics instance for recording session metrics
func (m *Manager) SetMetrics(metrics *telemetry.Metrics) {
	m.metrics = metrics
}

// SetTracing sets the tracing manager used for session spans.
func (m *Manager) SetTracing(tracing *telemetry.TracingManager) {
	m.tracing = tracing
}

// SetMatcher replaces the fatal-output matcher applied to command results.
func (m *Manager) SetMatcher(matcher *diagnostics.Matcher) {
	if matcher != nil {
		m.matcher = matcher
	}
}

// SetDialect replaces the command dialect for sessions started afterwards.
func (m *Manager) SetDialect(dialect Dialect) {
	if dialect != nil {
		m.dialect = dialect
	}
}

// SetMaxOutputBytes bounds the output retained per command.
func (m *Manager) SetMaxOutputBytes(n int) {
	if n > 0 {
		m.maxOutput = n
	}
}

// Start launches a new session and makes it the default. It returns the
// session id once the interpreter has answered the startup probe.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (string, error) {
	id := opts.ID
	if id == DefaultID {
		return "", &domain.SessionError{Kind: domain.ErrSessionExists, SessionID: id}
	}
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.RLock()
	_, exists := m.sessions[id]
	m.mu.RUnlock()
	if exists {
		return "", &domain.SessionError{Kind: domain.ErrSessionExists, SessionID: id}
	}

	ctx, span := m.tracing.StartSpan(ctx, "session.start", attribute.String("session.id", id))
	defer span.End()

	inst, err := m.resolver.Resolve(ctx, opts.Selector)
	if err != nil {
		m.tracing.RecordError(ctx, err)
		return "", err
	}

	workDir := opts.WorkDir
	if workDir != "" {
		info, err := os.Stat(workDir)
		if err != nil || !info.IsDir() {
			return "", fmt.Errorf("%w: working directory %s is not a directory", domain.ErrLaunchFailed, workDir)
		}
	}

	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	s, err := launch(launchOptions{
		id:           id,
		seq:          seq,
		installation: *inst,
		workDir:      workDir,
		env:          m.tracing.InjectProcessEnv(ctx, process.ChildEnv(workDir, nil)),
		dialect:      m.dialect,
		matcher:      m.matcher,
		maxOutput:    m.maxOutput,
	})
	if err != nil {
		m.metrics.RecordSessionRejected("launch_failed")
		m.tracing.RecordError(ctx, err)
		return "", err
	}
	m.metrics.ProcessStarted("session")

	if err := s.handshake(ctx, m.config.StartupTimeout); err != nil {
		_ = process.KillTree(s.cmd)
		_ = s.shutdown(m.config.CloseGrace)
		m.metrics.ProcessExited("session")
		m.metrics.RecordSessionRejected("launch_failed")
		m.tracing.RecordError(ctx, err)
		return "", err
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		_ = s.shutdown(m.config.CloseGrace)
		m.metrics.ProcessExited("session")
		return "", &domain.SessionError{Kind: domain.ErrSessionExists, SessionID: id}
	}
	m.sessions[id] = s
	m.defaultID = id
	m.mu.Unlock()

	m.metrics.RecordSessionCreated()
	m.events.LogSessionEvent(ctx, "session_started", id, string(StateReady), nil)
	m.logger.Info("Session started",
		"session_id", id,
		"pid", s.PID(),
		"version", inst.Version.Raw,
		"work_dir", workDir,
	)
	return id, nil
}

// resolve maps an id or the default alias to a registered session.
func (m *Manager) resolve(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id == "" || id == DefaultID {
		if m.defaultID == "" {
			return nil, &domain.SessionError{Kind: domain.ErrNoDefaultSession}
		}
		id = m.defaultID
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, &domain.SessionError{Kind: domain.ErrSessionNotFound, SessionID: id}
	}
	return s, nil
}

// HasDefault reports whether a default session exists.
func (m *Manager) HasDefault() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultID != ""
}

// DefaultSessionID returns the id the default alias points to, if any.
func (m *Manager) DefaultSessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultID
}

// Send runs command in the session named by id. A zero timeout uses the
// configured command timeout. Timeouts and process death return the partial
// result together with ErrTimedOut or ErrSessionDead.
func (m *Manager) Send(ctx context.Context, id, command string, timeout time.Duration) (*domain.ProcessResult, error) {
	s, err := m.resolve(id)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = m.config.CommandTimeout
	}

	ctx, span := m.tracing.StartSpan(ctx, "session.command", attribute.String("session.id", s.id))
	defer span.End()

	result, err := s.execute(ctx, command, timeout)
	switch {
	case domain.IsSessionBusy(err):
		m.metrics.RecordSessionRejected("busy")
		return nil, err
	case domain.IsSessionDead(err):
		m.fail(ctx, s)
	case errors.Is(err, domain.ErrSessionNotFound):
		return nil, err
	}

	if result != nil {
		m.metrics.RecordCommand(string(result.Termination), result.Success, result.Duration)
		telemetry.RecordProcessResult(span, result)
	}
	if err != nil {
		m.tracing.RecordError(ctx, err)
		m.logger.Warn("Session command did not complete",
			"session_id", s.id,
			"error", err,
		)
	}
	return result, err
}

// fail unregisters a session whose process died and releases what is left.
func (m *Manager) fail(ctx context.Context, s *Session) {
	if !m.remove(s) {
		return
	}
	s.setState(StateFailed)
	lifetime := time.Since(s.createdAt)
	m.metrics.ProcessExited("session")
	m.metrics.RecordSessionClosed("failed", lifetime)
	m.events.LogSessionEvent(ctx, "session_failed", s.id, string(StateFailed), &lifetime)
	go func() {
		_ = s.shutdown(m.config.CloseGrace)
	}()
}

// remove deletes s from the registry and promotes a new default when
// needed. It reports whether s was still registered.
func (m *Manager) remove(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sessions[s.id]
	if !ok || current != s {
		return false
	}
	delete(m.sessions, s.id)

	if m.defaultID == s.id {
		m.defaultID = ""
		var newest *Session
		for _, other := range m.sessions {
			if newest == nil || other.seq > newest.seq {
				newest = other
			}
		}
		if newest != nil {
			m.defaultID = newest.id
		}
	}
	return true
}

// Close shuts down the session named by id. The session is unregistered
// even when shutdown reports an error.
func (m *Manager) Close(ctx context.Context, id string) error {
	s, err := m.resolve(id)
	if err != nil {
		return err
	}
	if !m.remove(s) {
		return &domain.SessionError{Kind: domain.ErrSessionNotFound, SessionID: s.id}
	}
	return m.closeSession(ctx, s, "closed")
}

func (m *Manager) closeSession(ctx context.Context, s *Session, outcome string) error {
	_, span := m.tracing.StartSpan(ctx, "session.close", attribute.String("session.id", s.id))
	defer span.End()

	err := s.shutdown(m.config.CloseGrace)
	lifetime := time.Since(s.createdAt)
	m.metrics.ProcessExited("session")
	m.metrics.RecordSessionClosed(outcome, lifetime)
	m.events.LogSessionEvent(ctx, "session_"+outcome, s.id, string(StateClosed), &lifetime)
	if err != nil {
		m.logger.Warn("Session shutdown reported an error", "session_id", s.id, "error", err)
	}
	return err
}

// List returns summaries ordered by creation. Sessions whose process has
// died are unregistered first.
func (m *Manager) List() []Summary {
	m.pruneDead()

	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	defaultID := m.defaultID
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].seq < sessions[j].seq })

	summaries := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, s.summary(s.id == defaultID))
	}
	return summaries
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) pruneDead() {
	m.mu.RLock()
	var dead []*Session
	for _, s := range m.sessions {
		if s.exited() {
			dead = append(dead, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range dead {
		m.fail(context.Background(), s)
	}
}

// CloseAll closes every session in parallel.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.defaultID = ""
	m.mu.Unlock()

	if len(sessions) == 0 {
		return nil
	}
	m.logger.Info("Closing all sessions", "count", len(sessions))

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			return m.closeSession(ctx, s, "closed")
		})
	}
	return g.Wait()
}

// ReapIdle closes ready sessions idle for longer than the idle timeout and
// returns their ids.
func (m *Manager) ReapIdle(ctx context.Context) []string {
	if m.config.IdleTimeout <= 0 {
		return nil
	}
	m.pruneDead()

	cutoff := time.Now().Add(-m.config.IdleTimeout)
	m.mu.RLock()
	var idle []*Session
	for _, s := range m.sessions {
		if last, ready := s.idleSince(); ready && last.Before(cutoff) {
			idle = append(idle, s)
		}
	}
	m.mu.RUnlock()

	reaped := make([]string, 0, len(idle))
	for _, s := range idle {
		if !m.remove(s) {
			continue
		}
		_ = m.closeSession(ctx, s, "reaped")
		reaped = append(reaped, s.id)
	}
	if len(reaped) > 0 {
		m.logger.Info("Idle sessions reaped", "count", len(reaped))
	}
	return reaped
}

// StartReaper starts a background goroutine that periodically closes idle
// sessions. It does nothing when the idle timeout is zero.
func (m *Manager) StartReaper(interval time.Duration, stopCh <-chan struct{}) {
	if m.config.IdleTimeout <= 0 {
		return
	}
	if interval <= 0 {
		interval = m.config.IdleTimeout / 2
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.ReapIdle(context.Background())
			case <-stopCh:
				m.logger.Info("Session reaper stopped")
				return
			}
		}
	}()
}
