package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/vivado-bridge/pkg/domain"
	"github.com/polisai/vivado-bridge/pkg/process"
	"github.com/polisai/vivado-bridge/pkg/telemetry"
	"github.com/polisai/vivado-bridge/pkg/toolchain"
)

const interactiveShell = `#!/bin/sh
if [ "$1" = "-mode" ] && [ "$2" = "tcl" ]; then
	exec /bin/sh
fi
exit 0
`

// fakeToolchain writes an installation whose interactive mode is a POSIX
// shell and returns its root.
func fakeToolchain(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	root := filepath.Join(t.TempDir(), "2023.2")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin", "vivado"), []byte(script), 0o755))
	return root
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	root := fakeToolchain(t, interactiveShell)
	if cfg.Dialect == "" {
		cfg.Dialect = "sh"
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.CloseGrace == 0 {
		cfg.CloseGrace = 2 * time.Second
	}
	locator := toolchain.NewLocator(toolchain.Config{InstallPath: root, SkipStandardRoots: true}, nil)
	m, err := NewManager(cfg, locator, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.CloseAll(context.Background()) })
	return m
}

func TestSessionRoundTrip(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	id, err := m.Start(ctx, StartOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	summaries := m.List()
	require.Len(t, summaries, 1)
	pid := summaries[0].PID
	assert.True(t, summaries[0].Default)
	assert.Equal(t, StateReady, summaries[0].State)
	assert.Equal(t, "2023.2", summaries[0].Version)

	result, err := m.Send(ctx, id, "echo hello", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "hello", result.Stdout)
	assert.Equal(t, domain.TerminationCompleted, result.Termination)

	require.NoError(t, m.Close(ctx, id))
	assert.Equal(t, 0, m.Count())
	assert.Empty(t, m.List())
	require.Eventually(t, func() bool { return !process.Alive(pid) }, 5*time.Second, 50*time.Millisecond)

	_, err = m.Send(ctx, id, "echo again", time.Second)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSessionFailingCommand(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()
	id, err := m.Start(ctx, StartOptions{})
	require.NoError(t, err)

	result, err := m.Send(ctx, id, "echo partial; false", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 1, result.ExitCode)
	assert.Equal(t, "partial", result.Stdout)

	result, err = m.Send(ctx, id, `echo "ERROR: [Common 17-55] property not found"`, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "Common 17-55", result.Errors[0].ID)
}

func TestSessionTimeoutThenNextCommandSucceeds(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()
	id, err := m.Start(ctx, StartOptions{})
	require.NoError(t, err)

	result, err := m.Send(ctx, id, "sleep 1; echo late", 200*time.Millisecond)
	require.ErrorIs(t, err, domain.ErrTimedOut)
	require.NotNil(t, result)
	assert.Equal(t, domain.TerminationTimedOut, result.Termination)
	assert.False(t, result.Success)

	summaries := m.List()
	require.Len(t, summaries, 1)
	assert.Equal(t, StateReady, summaries[0].State)

	result, err = m.Send(ctx, id, "echo fresh", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "fresh", result.Stdout)
	assert.NotContains(t, result.Stdout, "late")
}

func TestSessionConcurrentSendIsRejected(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()
	id, err := m.Start(ctx, StartOptions{})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		busy    int
		outputs []string
	)
	start := make(chan struct{})
	for _, word := range []string{"alpha", "beta"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			result, err := m.Send(ctx, id, "sleep 0.5; echo "+word, 10*time.Second)
			mu.Lock()
			defer mu.Unlock()
			if domain.IsSessionBusy(err) {
				busy++
				return
			}
			if assert.NoError(t, err) {
				outputs = append(outputs, result.Stdout)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, busy)
	require.Len(t, outputs, 1)
	assert.Contains(t, []string{"alpha", "beta"}, outputs[0])
}

func TestParallelSessionsDoNotBlockEachOther(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()
	a, err := m.Start(ctx, StartOptions{ID: "a"})
	require.NoError(t, err)
	b, err := m.Start(ctx, StartOptions{ID: "b"})
	require.NoError(t, err)

	begin := time.Now()
	var wg sync.WaitGroup
	for _, id := range []string{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Send(ctx, id, "sleep 0.5", 5*time.Second)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Less(t, time.Since(begin), 950*time.Millisecond)
}

func TestDefaultSessionAlias(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	_, err := m.Send(ctx, "", "echo nobody", time.Second)
	require.ErrorIs(t, err, domain.ErrNoDefaultSession)
	require.ErrorIs(t, m.Close(ctx, DefaultID), domain.ErrNoDefaultSession)

	first, err := m.Start(ctx, StartOptions{ID: "first"})
	require.NoError(t, err)
	second, err := m.Start(ctx, StartOptions{ID: "second"})
	require.NoError(t, err)
	assert.Equal(t, second, m.DefaultSessionID())

	_, err = m.Send(ctx, first, "MARK=first", 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx, DefaultID))
	assert.Equal(t, first, m.DefaultSessionID())

	result, err := m.Send(ctx, "", `echo "$MARK"`, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", result.Stdout)

	require.NoError(t, m.Close(ctx, ""))
	assert.False(t, m.HasDefault())
	_, err = m.Send(ctx, DefaultID, "echo gone", time.Second)
	assert.ErrorIs(t, err, domain.ErrNoDefaultSession)
}

func TestStartRejectsDuplicateAndReservedIDs(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	_, err := m.Start(ctx, StartOptions{ID: "dup"})
	require.NoError(t, err)

	_, err = m.Start(ctx, StartOptions{ID: "dup"})
	assert.ErrorIs(t, err, domain.ErrSessionExists)

	_, err = m.Start(ctx, StartOptions{ID: DefaultID})
	assert.ErrorIs(t, err, domain.ErrSessionExists)
	assert.Equal(t, 1, m.Count())
}

func TestSessionDeathIsDetected(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()
	id, err := m.Start(ctx, StartOptions{})
	require.NoError(t, err)

	result, err := m.Send(ctx, id, "echo bye; exit 0", 5*time.Second)
	require.ErrorIs(t, err, domain.ErrSessionDead)
	require.NotNil(t, result)
	assert.Equal(t, domain.TerminationKilled, result.Termination)
	assert.Contains(t, result.Stdout, "bye")
	assert.Equal(t, 0, m.Count())
	assert.False(t, m.HasDefault())
}

func TestStartupFailureRegistersNothing(t *testing.T) {
	root := fakeToolchain(t, "#!/bin/sh\necho 'license checkout failed'\nexit 3\n")
	locator := toolchain.NewLocator(toolchain.Config{InstallPath: root, SkipStandardRoots: true}, nil)
	m, err := NewManager(Config{Dialect: "sh", StartupTimeout: 5 * time.Second, CloseGrace: time.Second}, locator, nil)
	require.NoError(t, err)

	_, err = m.Start(context.Background(), StartOptions{ID: "broken"})
	require.ErrorIs(t, err, domain.ErrLaunchFailed)
	assert.Contains(t, err.Error(), "license checkout failed")
	assert.Equal(t, 0, m.Count())
}

func TestStartPropagatesDiscoveryErrors(t *testing.T) {
	locator := toolchain.NewLocator(toolchain.Config{InstallPath: t.TempDir(), SkipStandardRoots: true}, nil)
	m, err := NewManager(Config{Dialect: "sh"}, locator, nil)
	require.NoError(t, err)

	_, err = m.Start(context.Background(), StartOptions{})
	assert.ErrorIs(t, err, domain.ErrInstallationNotFound)
}

func TestReapIdle(t *testing.T) {
	m := newTestManager(t, Config{IdleTimeout: 100 * time.Millisecond})
	ctx := context.Background()
	id, err := m.Start(ctx, StartOptions{})
	require.NoError(t, err)

	assert.Empty(t, m.ReapIdle(ctx))
	time.Sleep(250 * time.Millisecond)

	assert.Equal(t, []string{id}, m.ReapIdle(ctx))
	assert.Equal(t, 0, m.Count())
}

func TestStartReaperStops(t *testing.T) {
	m := newTestManager(t, Config{IdleTimeout: 100 * time.Millisecond})
	_, err := m.Start(context.Background(), StartOptions{})
	require.NoError(t, err)

	stop := make(chan struct{})
	m.StartReaper(50*time.Millisecond, stop)
	defer close(stop)

	require.Eventually(t, func() bool { return m.Count() == 0 }, 5*time.Second, 50*time.Millisecond)
}

func TestCloseAll(t *testing.T) {
	m := newTestManager(t, Config{})
	metrics := telemetry.NewMetrics()
	m.SetMetrics(metrics)
	ctx := context.Background()

	for _, id := range []string{"one", "two", "three"} {
		_, err := m.Start(ctx, StartOptions{ID: id})
		require.NoError(t, err)
	}
	var pids []int
	for _, s := range m.List() {
		pids = append(pids, s.PID)
	}

	require.NoError(t, m.CloseAll(ctx))
	assert.Equal(t, 0, m.Count())
	for _, pid := range pids {
		require.Eventually(t, func() bool { return !process.Alive(pid) }, 5*time.Second, 50*time.Millisecond)
	}
}

func TestSendHonoursContextCancellation(t *testing.T) {
	m := newTestManager(t, Config{})
	id, err := m.Start(context.Background(), StartOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	result, err := m.Send(ctx, id, "sleep 1", 10*time.Second)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.NotNil(t, result)
	assert.False(t, result.Success)

	result, err = m.Send(context.Background(), id, "echo after", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "after", result.Stdout)
}

func TestTimeoutCoversBlockedWrite(t *testing.T) {
	m := newTestManager(t, Config{CloseGrace: 500 * time.Millisecond})
	ctx := context.Background()
	id, err := m.Start(ctx, StartOptions{})
	require.NoError(t, err)

	_, err = m.Send(ctx, id, "sleep 4", 100*time.Millisecond)
	require.ErrorIs(t, err, domain.ErrTimedOut)

	// Larger than the pipe buffer while the interpreter is not reading.
	large := ": " + strings.Repeat("A", 256*1024)
	start := time.Now()
	result, err := m.Send(ctx, id, large, 300*time.Millisecond)
	require.ErrorIs(t, err, domain.ErrTimedOut)
	require.NotNil(t, result)
	assert.Equal(t, domain.TerminationTimedOut, result.Termination)
	assert.Less(t, time.Since(start), 2*time.Second)

	start = time.Now()
	require.NoError(t, m.Close(ctx, id))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestCloseInterruptsRunningCommand(t *testing.T) {
	m := newTestManager(t, Config{CloseGrace: 500 * time.Millisecond})
	ctx := context.Background()
	id, err := m.Start(ctx, StartOptions{})
	require.NoError(t, err)
	summaries := m.List()
	require.Len(t, summaries, 1)
	pid := summaries[0].PID

	type reply struct {
		result *domain.ProcessResult
		err    error
	}
	replies := make(chan reply, 1)
	go func() {
		result, err := m.Send(ctx, id, "sleep 30", time.Minute)
		replies <- reply{result, err}
	}()
	require.Eventually(t, func() bool {
		list := m.List()
		return len(list) == 1 && list[0].State == StateBusy
	}, 5*time.Second, 20*time.Millisecond)

	start := time.Now()
	require.NoError(t, m.Close(ctx, id))

	select {
	case r := <-replies:
		require.ErrorIs(t, r.err, domain.ErrSessionDead)
		require.NotNil(t, r.result)
		assert.Equal(t, domain.TerminationKilled, r.result.Termination)
	case <-time.After(5 * time.Second):
		t.Fatal("send still blocked after close")
	}
	assert.Less(t, time.Since(start), 3*time.Second)
	require.Eventually(t, func() bool { return !process.Alive(pid) }, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, 0, m.Count())
}
