package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/vivado-bridge/pkg/diagnostics"
	"github.com/polisai/vivado-bridge/pkg/domain"
	"github.com/polisai/vivado-bridge/pkg/process"
	"github.com/polisai/vivado-bridge/pkg/toolchain"
)

// State of a session's lifecycle.
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateBusy     State = "busy"
	StateClosing  State = "closing"
	StateClosed   State = "closed"
	StateFailed   State = "failed"
)

// lineBuffer is the capacity of the reader channel.
const lineBuffer = 1024

// Session is one long-lived interactive toolchain process. All fields behind
// mu are owned by the Manager; callers only see Summaries.
type Session struct {
	id           string
	seq          uint64
	installation toolchain.Installation
	workDir      string
	createdAt    time.Time
	dialect      Dialect
	matcher      *diagnostics.Matcher
	maxOutput    int

	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string
	done  chan struct{}

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	commands     int
	stale        map[string]struct{}

	writeMu sync.Mutex
}

type launchOptions struct {
	id           string
	seq          uint64
	installation toolchain.Installation
	workDir      string
	env          []string
	dialect      Dialect
	matcher      *diagnostics.Matcher
	maxOutput    int
}

// launch starts the interactive process and its reader and monitor
// goroutines. The session is left in StateStarting.
func launch(opts launchOptions) (*Session, error) {
	cmd := exec.Command(opts.installation.InteractiveExecutable, opts.dialect.Args()...)
	cmd.Dir = opts.workDir
	cmd.Env = opts.env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create stdin pipe: %v", domain.ErrLaunchFailed, err)
	}

	// One pipe for both streams; the reader owns the read end so Wait
	// never closes it underneath a pending read.
	pr, pw, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("%w: failed to create output pipe: %v", domain.ErrLaunchFailed, err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	process.Configure(cmd)

	if err := cmd.Start(); err != nil {
		stdin.Close()
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrLaunchFailed, err)
	}
	pw.Close()

	now := time.Now()
	s := &Session{
		id:           opts.id,
		seq:          opts.seq,
		installation: opts.installation,
		workDir:      opts.workDir,
		createdAt:    now,
		dialect:      opts.dialect,
		matcher:      opts.matcher,
		maxOutput:    opts.maxOutput,
		cmd:          cmd,
		stdin:        stdin,
		lines:        make(chan string, lineBuffer),
		done:         make(chan struct{}),
		state:        StateStarting,
		lastActivity: now,
		stale:        make(map[string]struct{}),
	}

	go s.readLoop(pr)
	go func() {
		_ = cmd.Wait()
		close(s.done)
	}()

	return s, nil
}

func (s *Session) readLoop(r io.ReadCloser) {
	defer close(s.lines)
	defer r.Close()

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			s.lines <- line
		}
		if err != nil {
			return
		}
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// PID returns the interactive process id.
func (s *Session) PID() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

func (s *Session) exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) write(text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := io.WriteString(s.stdin, text)
	return err
}

// writeAsync starts a write that a caller can abandon. The result is
// delivered once on the returned channel.
func (s *Session) writeAsync(text string) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.write(text) }()
	return errCh
}

// send writes text unless deadline, ctx or process exit comes first. An
// abandoned write keeps running in the background and is reported as
// outcomeTimedOut, outcomeCancelled or outcomeDied.
func (s *Session) send(ctx context.Context, text string, deadline <-chan time.Time) (outcome, error) {
	select {
	case err := <-s.writeAsync(text):
		if err != nil {
			return outcomeError, err
		}
		return outcomeDone, nil
	case <-deadline:
		return outcomeTimedOut, nil
	case <-ctx.Done():
		return outcomeCancelled, nil
	case <-s.done:
		return outcomeDied, nil
	}
}

func newDeadline(timeout time.Duration) (<-chan time.Time, func()) {
	if timeout <= 0 {
		return nil, func() {}
	}
	t := time.NewTimer(timeout)
	return t.C, func() { t.Stop() }
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeError
	outcomeTimedOut
	outcomeCancelled
	outcomeDied
)

// await reads lines until token's marker arrives or deadline fires. Lines
// belonging to stale tokens are discarded first. Output lines are passed to
// sink when non-nil.
func (s *Session) await(ctx context.Context, token string, deadline <-chan time.Time, sink func(string)) outcome {
	done := s.done
	for {
		select {
		case raw, ok := <-s.lines:
			if !ok {
				return outcomeDied
			}
			line := s.dialect.Clean(raw)
			marker, failed, before, found := findMarker(line)

			switch {
			case found && marker == token:
				s.clearAllStale()
			case s.hasStale():
				// late output of an abandoned command
				if found {
					s.clearStale(marker)
				}
				continue
			case !found:
				if sink != nil {
					sink(line)
				}
				continue
			default:
				continue
			}
			if sink != nil && strings.TrimSpace(before) != "" {
				sink(before)
			}
			if failed {
				return outcomeError
			}
			return outcomeDone
		case <-done:
			// Keep draining buffered output until the reader sees EOF. Any
			// stragglers in the process group go down with the leader.
			_ = process.KillTree(s.cmd)
			done = nil
		case <-deadline:
			return outcomeTimedOut
		case <-ctx.Done():
			return outcomeCancelled
		}
	}
}

func (s *Session) hasStale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stale) > 0
}

func (s *Session) clearStale(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stale, token)
}

func (s *Session) clearAllStale() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.stale)
}

func (s *Session) markStale(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stale[token] = struct{}{}
}

// handshake waits for the interpreter to answer a no-op before the session
// is exposed.
func (s *Session) handshake(ctx context.Context, timeout time.Duration) error {
	token := uuid.NewString()
	var banner []string
	sink := func(line string) { banner = append(banner, line) }

	deadline, stop := newDeadline(timeout)
	defer stop()

	sent, err := s.send(ctx, s.dialect.Wrap(s.dialect.Noop(), token), deadline)
	if err != nil {
		// usually the process already exited; collect what it printed
		s.await(ctx, token, deadline, sink)
		return fmt.Errorf("%w: write startup command: %v: %s", domain.ErrLaunchFailed, err, lastLines(banner, 5))
	}
	state := sent
	if sent == outcomeDone {
		state = s.await(ctx, token, deadline, sink)
	} else if sent == outcomeDied {
		s.await(ctx, token, nil, sink)
	}

	switch state {
	case outcomeDone, outcomeError:
		s.setState(StateReady)
		return nil
	case outcomeTimedOut:
		return fmt.Errorf("%w: no response within %s", domain.ErrLaunchFailed, timeout)
	case outcomeCancelled:
		return fmt.Errorf("%w: %v", domain.ErrLaunchFailed, ctx.Err())
	default:
		return fmt.Errorf("%w: process exited during startup: %s", domain.ErrLaunchFailed, lastLines(banner, 5))
	}
}

// begin moves a ready session to busy.
func (s *Session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exited() && s.state != StateClosing && s.state != StateClosed {
		s.state = StateFailed
	}
	switch s.state {
	case StateReady:
		s.state = StateBusy
		s.commands++
		s.lastActivity = time.Now()
		return nil
	case StateBusy:
		return &domain.SessionError{Kind: domain.ErrSessionBusy, SessionID: s.id}
	case StateFailed:
		return &domain.SessionError{Kind: domain.ErrSessionDead, SessionID: s.id}
	default:
		return &domain.SessionError{Kind: domain.ErrSessionNotFound, SessionID: s.id}
	}
}

func (s *Session) end(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateBusy {
		s.state = state
	}
	s.lastActivity = time.Now()
}

// execute runs one command. A timeout or dead process is returned as an
// error alongside the partial result.
func (s *Session) execute(ctx context.Context, command string, timeout time.Duration) (*domain.ProcessResult, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}

	start := time.Now()
	token := uuid.NewString()
	out := process.NewTailBuffer(s.maxOutput)

	deadline, stop := newDeadline(timeout)
	defer stop()

	state, err := s.send(ctx, s.dialect.Wrap(command, token), deadline)
	if err != nil {
		if s.exited() {
			s.end(StateFailed)
			return s.result(out, start, -1, domain.TerminationKilled),
				&domain.SessionError{Kind: domain.ErrSessionDead, SessionID: s.id}
		}
		s.end(StateReady)
		return nil, fmt.Errorf("failed to write command: %w", err)
	}

	sink := func(line string) {
		out.Write([]byte(line))
		out.Write([]byte{'\n'})
	}

	switch state {
	case outcomeDone:
		state = s.await(ctx, token, deadline, sink)
	case outcomeDied:
		// collect what the process printed before it went away
		state = s.await(ctx, token, nil, sink)
	}

	switch state {
	case outcomeDone:
		s.end(StateReady)
		return s.result(out, start, 0, domain.TerminationCompleted), nil
	case outcomeError:
		s.end(StateReady)
		return s.result(out, start, 1, domain.TerminationCompleted), nil
	case outcomeTimedOut:
		s.markStale(token)
		s.end(StateReady)
		return s.result(out, start, -1, domain.TerminationTimedOut),
			fmt.Errorf("%w: command exceeded %s", domain.ErrTimedOut, timeout)
	case outcomeCancelled:
		s.markStale(token)
		s.end(StateReady)
		return s.result(out, start, -1, domain.TerminationKilled), ctx.Err()
	default:
		s.end(StateFailed)
		return s.result(out, start, -1, domain.TerminationKilled),
			&domain.SessionError{Kind: domain.ErrSessionDead, SessionID: s.id}
	}
}

func (s *Session) result(out *process.TailBuffer, start time.Time, exitCode int, termination domain.Termination) *domain.ProcessResult {
	result := &domain.ProcessResult{
		ExitCode:        exitCode,
		Stdout:          trimBlankEdges(out.String()),
		Duration:        time.Since(start),
		Termination:     termination,
		StdoutTruncated: out.Truncated(),
		DroppedBytes:    out.Dropped(),
	}
	s.matcher.Annotate(result)
	return result
}

// shutdown asks the interpreter to exit, then kills the process group once
// grace has passed. Pipes are released on every path.
func (s *Session) shutdown(grace time.Duration) error {
	s.setState(StateClosing)
	defer s.setState(StateClosed)

	t := time.NewTimer(grace)
	defer t.Stop()

	// The exit write may sit behind an abandoned command that has filled
	// the pipe; the kill below unblocks it.
	var writeErr error
	if !s.exited() {
		select {
		case writeErr = <-s.writeAsync(s.dialect.Exit()):
			_ = s.stdin.Close()
			select {
			case <-s.done:
			case <-t.C:
			}
		case <-s.done:
		case <-t.C:
		}
	}

	// Also reaps anything the interpreter left behind in its group.
	killErr := process.KillTree(s.cmd)
	_ = s.stdin.Close()

	select {
	case <-s.done:
	case <-time.After(grace):
		return fmt.Errorf("session %s did not exit after kill", s.id)
	}

	// Unblock the reader if nothing is draining it.
	go func() {
		for range s.lines {
		}
	}()

	if killErr != nil {
		return fmt.Errorf("failed to kill session %s: %w", s.id, killErr)
	}
	if writeErr != nil && !s.exited() {
		return fmt.Errorf("failed to send exit to session %s: %w", s.id, writeErr)
	}
	return nil
}

// Summary is the externally visible view of a session.
type Summary struct {
	ID               string    `json:"id"`
	State            State     `json:"state"`
	Version          string    `json:"version"`
	InstallationRoot string    `json:"installation_root"`
	WorkDir          string    `json:"work_dir,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivity     time.Time `json:"last_activity"`
	Commands         int       `json:"commands"`
	Default          bool      `json:"default"`
	PID              int       `json:"pid,omitempty"`
}

func (s *Session) summary(isDefault bool) Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		ID:               s.id,
		State:            s.state,
		Version:          s.installation.Version.Raw,
		InstallationRoot: s.installation.Root,
		WorkDir:          s.workDir,
		CreatedAt:        s.createdAt,
		LastActivity:     s.lastActivity,
		Commands:         s.commands,
		Default:          isDefault,
		PID:              s.PID(),
	}
}

func (s *Session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity, s.state == StateReady
}

func trimBlankEdges(text string) string {
	lines := strings.Split(text, "\n")
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}

func lastLines(lines []string, n int) string {
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "; ")
}
