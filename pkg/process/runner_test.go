package process

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/vivado-bridge/pkg/diagnostics"
	"github.com/polisai/vivado-bridge/pkg/domain"
	"github.com/polisai/vivado-bridge/pkg/telemetry"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func shellSpec(script string) Spec {
	return Spec{Executable: "/bin/sh", Args: []string{"-c", script}}
}

func TestRunSuccess(t *testing.T) {
	skipOnWindows(t)
	r := NewRunner(Config{}, nil)

	result := r.Run(context.Background(), shellSpec("echo hello; echo oops >&2"))

	assert.True(t, result.Success)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, domain.TerminationCompleted, result.Termination)
	assert.Equal(t, "hello\n", result.Stdout)
	assert.Equal(t, "oops\n", result.Stderr)
	assert.Greater(t, result.Duration, time.Duration(0))
}

func TestRunNonZeroExit(t *testing.T) {
	skipOnWindows(t)
	r := NewRunner(Config{}, nil)

	result := r.Run(context.Background(), shellSpec("exit 3"))

	assert.False(t, result.Success)
	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, domain.TerminationCompleted, result.Termination)
}

func TestRunFatalPatternWithZeroExit(t *testing.T) {
	skipOnWindows(t)
	r := NewRunner(Config{}, nil)

	result := r.Run(context.Background(), shellSpec(`echo "ERROR: [Synth 8-439] module 'foo' not found"`))

	assert.Equal(t, 0, result.ExitCode)
	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "Synth 8-439", result.Errors[0].ID)
}

func TestRunExtraFatalPattern(t *testing.T) {
	skipOnWindows(t)
	matcher, err := diagnostics.NewMatcher(`(?m)^Timing constraints are not met`)
	require.NoError(t, err)
	r := NewRunner(Config{Matcher: matcher}, nil)

	result := r.Run(context.Background(), shellSpec("echo 'Timing constraints are not met.'"))

	assert.False(t, result.Success)
}

func TestRunLaunchFailed(t *testing.T) {
	r := NewRunner(Config{}, nil)

	result := r.Run(context.Background(), Spec{Executable: filepath.Join(t.TempDir(), "missing")})

	assert.False(t, result.Success)
	assert.Equal(t, -1, result.ExitCode)
	assert.Equal(t, domain.TerminationLaunchFailed, result.Termination)
	assert.NotEmpty(t, result.LaunchError)
}

func TestRunTimeoutKillsProcessTree(t *testing.T) {
	skipOnWindows(t)
	pidFile := filepath.Join(t.TempDir(), "pids")
	r := NewRunner(Config{WaitDelay: time.Second}, nil)

	script := fmt.Sprintf(`sleep 60 & echo $$ $! > %s; echo started; wait`, pidFile)
	result := r.Run(context.Background(), Spec{
		Executable: "/bin/sh",
		Args:       []string{"-c", script},
		Timeout:    500 * time.Millisecond,
	})

	assert.Equal(t, domain.TerminationTimedOut, result.Termination)
	assert.False(t, result.Success)
	assert.Contains(t, result.Stdout, "started")
	assert.Less(t, result.Duration, 10*time.Second)

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	fields := strings.Fields(string(data))
	require.Len(t, fields, 2)

	for _, f := range fields {
		pid, err := strconv.Atoi(f)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return !Alive(pid) }, 5*time.Second, 50*time.Millisecond,
			"pid %d survived the timeout", pid)
	}
}

func TestRunContextCancelKills(t *testing.T) {
	skipOnWindows(t)
	r := NewRunner(Config{WaitDelay: time.Second}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	result := r.Run(ctx, shellSpec("sleep 60"))

	assert.Equal(t, domain.TerminationKilled, result.Termination)
	assert.False(t, result.Success)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	r := NewRunner(Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := r.Run(ctx, shellSpec("echo never"))

	assert.Equal(t, domain.TerminationKilled, result.Termination)
	assert.Empty(t, result.Stdout)
}

func TestRunTruncatesOutput(t *testing.T) {
	skipOnWindows(t)
	r := NewRunner(Config{MaxOutputBytes: 16}, nil)

	result := r.Run(context.Background(), shellSpec("i=0; while [ $i -lt 100 ]; do echo line$i; i=$((i+1)); done"))

	assert.True(t, result.Success)
	assert.True(t, result.StdoutTruncated)
	assert.Len(t, result.Stdout, 16)
	assert.True(t, strings.HasSuffix(result.Stdout, "line99\n"))
	assert.Positive(t, result.DroppedBytes)
}

func TestRunStreamsLines(t *testing.T) {
	skipOnWindows(t)
	r := NewRunner(Config{}, nil)

	var mu sync.Mutex
	got := map[string][]string{}
	result := r.Run(context.Background(), Spec{
		Executable: "/bin/sh",
		Args:       []string{"-c", "echo one; echo two >&2; printf three"},
		OnLine: func(stream, line string) {
			mu.Lock()
			defer mu.Unlock()
			got[stream] = append(got[stream], line)
		},
	})

	require.True(t, result.Success)
	assert.Equal(t, []string{"one", "three"}, got[StreamStdout])
	assert.Equal(t, []string{"two"}, got[StreamStderr])
}

func TestRunEnvAndDir(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	r := NewRunner(Config{}, nil)

	result := r.Run(context.Background(), Spec{
		Executable: "/bin/sh",
		Args:       []string{"-c", `echo "$VB_TEST_VALUE"; pwd`},
		Dir:        dir,
		Env:        []string{"VB_TEST_VALUE=42"},
	})

	require.True(t, result.Success)
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Contains(t, result.Stdout, "42\n")
	assert.Contains(t, result.Stdout, resolved)
}

func TestRunRecordsMetrics(t *testing.T) {
	skipOnWindows(t)
	metrics := telemetry.NewMetrics()
	r := NewRunner(Config{}, nil)
	r.SetMetrics(metrics)

	r.Run(context.Background(), Spec{Kind: "phase", Executable: "/bin/sh", Args: []string{"-c", "true"}})

	assert.Equal(t, 1, testutil.CollectAndCount(metrics.Registry(), "vivado_bridge_batch_runs_total"))
}

func TestMergeEnv(t *testing.T) {
	merged := MergeEnv([]string{"A=1", "B=2", "C=3"}, []string{"B=20", "D=4"})
	assert.Equal(t, []string{"A=1", "C=3", "B=20", "D=4"}, merged)
	assert.Equal(t, []string{"A=1"}, MergeEnv([]string{"A=1"}, nil))
}

func TestChildEnvSetsPWD(t *testing.T) {
	dir := t.TempDir()
	env := ChildEnv(dir, []string{"VB_TEST=1"})
	assert.Contains(t, env, "PWD="+dir)
	assert.Equal(t, "VB_TEST=1", env[len(env)-1])

	env = ChildEnv(dir, []string{"PWD=/elsewhere"})
	assert.Contains(t, env, "PWD=/elsewhere")
	assert.NotContains(t, env, "PWD="+dir)
}
