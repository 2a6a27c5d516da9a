package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/vivado-bridge/pkg/build"
	"github.com/polisai/vivado-bridge/pkg/domain"
	"github.com/polisai/vivado-bridge/pkg/service"
)

const fakeVivado = `#!/bin/sh
if [ "$1" = "-mode" ] && [ "$2" = "tcl" ]; then
	exec /bin/sh
fi
script=""
while [ $# -gt 0 ]; do
	case "$1" in
		-source) script="$2"; shift 2 ;;
		*) shift ;;
	esac
done
if grep -q "phase: bitstream" "$script"; then
	touch "$PWD/top.bit"
	echo "BITSTREAM_FILE: $PWD/top.bit"
fi
exit 0
`

type env struct {
	config  string
	install string
	dir     string
	project string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	roots := t.TempDir()
	install := filepath.Join(roots, "2023.2")
	require.NoError(t, os.MkdirAll(filepath.Join(install, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(install, "bin", "vivado"), []byte(fakeVivado), 0o755))

	dir := t.TempDir()
	project := filepath.Join(dir, "top.xpr")
	require.NoError(t, os.WriteFile(project, []byte("<Project/>"), 0o644))

	cfgPath := filepath.Join(t.TempDir(), "vivado-bridge.yaml")
	cfg := fmt.Sprintf(`toolchain:
  search_paths: [%q]
  skip_standard_roots: true
session:
  dialect: sh
  startup_timeout: 10s
  close_grace: 2s
logging:
  level: warn
`, roots)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	for _, key := range []string{"VIVADO_PATH", "VIVADO_VERSION", "VIVADO_SEARCH_PATHS", "VIVADO_BRIDGE_LOG_LEVEL", "VIVADO_BRIDGE_POLICY"} {
		t.Setenv(key, "")
	}
	return &env{config: cfgPath, install: install, dir: dir, project: project}
}

// run executes the CLI with args and returns stdout and stderr.
func (e *env) run(t *testing.T, stdin io.Reader, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	if stdin != nil {
		root.SetIn(stdin)
	}
	root.SetArgs(append([]string{"--config", e.config}, args...))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestDetectCommand(t *testing.T) {
	e := newEnv(t)

	out, _, err := e.run(t, nil, "detect")
	require.NoError(t, err)
	assert.Contains(t, out, "VERSION")
	assert.Contains(t, out, "2023.2")
	assert.Contains(t, out, e.install)

	_, _, err = e.run(t, nil, "detect", "2019.1")
	require.ErrorIs(t, err, domain.ErrVersionNotFound)
}

func TestFlagsOverrideConfig(t *testing.T) {
	e := newEnv(t)

	out, stderr, err := e.run(t, nil, "--json", "--log-level", "debug", "--install-path", e.install, "detect")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Loaded configuration")

	var payload struct {
		Installations []struct {
			Root   string `json:"root"`
			Source string `json:"source"`
		} `json:"installations"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	require.Len(t, payload.Installations, 1)
	assert.Equal(t, "override", payload.Installations[0].Source)

	_, _, err = e.run(t, nil, "--log-level", "loud", "detect")
	require.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestBuildCommand(t *testing.T) {
	e := newEnv(t)

	out, stderr, err := e.run(t, nil, "build", e.project, "--timeout", "30s")
	require.NoError(t, err)
	assert.Contains(t, out, "synthesis")
	assert.Contains(t, out, "implementation")
	assert.Contains(t, out, "Bitstream: "+filepath.Join(e.dir, "top.bit"))
	assert.Contains(t, out, "Build succeeded")
	assert.Contains(t, stderr, "[stdout] BITSTREAM_FILE:")
	assert.FileExists(t, filepath.Join(e.dir, "top.bit"))

	out, _, err = e.run(t, nil, "--json", "build", e.project, "synthesis", "--quiet")
	require.NoError(t, err)
	var report build.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Success)
	assert.Equal(t, build.PhaseSynthesis, report.Phase)

	_, _, err = e.run(t, nil, "build", e.project, "place")
	require.ErrorIs(t, err, domain.ErrInvalidPhase)
}

func TestStatusAndCleanCommands(t *testing.T) {
	e := newEnv(t)

	out, _, err := e.run(t, nil, "status", e.project)
	require.NoError(t, err)
	assert.Contains(t, out, "Project:")
	assert.Contains(t, out, "Overall: not_run")

	runs := filepath.Join(e.dir, "top.runs", "synth_1")
	require.NoError(t, os.MkdirAll(runs, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runs, "top.dcp"), bytes.Repeat([]byte("x"), 2048), 0o644))

	out, _, err = e.run(t, nil, "clean", e.project)
	require.NoError(t, err)
	root, err := filepath.EvalSymlinks(e.dir)
	require.NoError(t, err)
	assert.Contains(t, out, "removed "+filepath.Join(root, "top.runs"))
	assert.Contains(t, out, "Freed 2.0 kB in 1 directory")
	assert.NoDirExists(t, filepath.Join(e.dir, "top.runs"))

	_, _, err = e.run(t, nil, "status", filepath.Join(e.dir, "missing.xpr"))
	require.ErrorIs(t, err, domain.ErrProjectNotFound)
}

func TestShellCommand(t *testing.T) {
	e := newEnv(t)

	stdin := strings.NewReader("echo hello\n\npwd\nexit\necho unreachable\n")
	out, _, err := e.run(t, stdin, "shell", "--workdir", e.dir, "--timeout", "5s")
	require.NoError(t, err)
	assert.Contains(t, out, shellPrompt)
	assert.Contains(t, out, "hello")
	assert.NotContains(t, out, "unreachable")
}

func TestServeCommand(t *testing.T) {
	e := newEnv(t)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	root := newRootCmd()
	root.SetIn(inR)
	root.SetOut(outW)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"--config", e.config, "serve"})

	done := make(chan error, 1)
	go func() {
		done <- root.ExecuteContext(context.Background())
		_ = outW.Close()
	}()

	_, err := io.WriteString(inW, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"test","version":"1"}}}`+"\n")
	require.NoError(t, err)

	var resp struct {
		ID     int `json:"id"`
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
			ServerInfo      struct {
				Name string `json:"name"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	require.NoError(t, json.NewDecoder(outR).Decode(&resp))
	assert.Equal(t, 1, resp.ID)
	assert.Equal(t, "2025-03-26", resp.Result.ProtocolVersion)
	assert.Equal(t, "vivado-bridge", resp.Result.ServerInfo.Name)

	require.NoError(t, inW.Close())
	go func() { _, _ = io.Copy(io.Discard, outR) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after stdin closed")
	}
}

type scriptedRunner struct {
	calls []string
	fail  map[string]error
}

func (r *scriptedRunner) RunCommand(_ context.Context, req service.CommandRequest) (*service.CommandResult, error) {
	r.calls = append(r.calls, req.Command)
	if err, ok := r.fail[req.Command]; ok {
		return nil, err
	}
	return &service.CommandResult{
		SessionID:     req.SessionID,
		ProcessResult: &domain.ProcessResult{Stdout: "ran " + req.Command, Success: true},
	}, nil
}

func TestRunShellStopsWhenSessionIsGone(t *testing.T) {
	runner := &scriptedRunner{fail: map[string]error{
		"bad":   &domain.SessionError{Kind: domain.ErrSessionBusy, SessionID: "s"},
		"crash": &domain.SessionError{Kind: domain.ErrSessionDead, SessionID: "s"},
	}}
	var out, errOut bytes.Buffer

	err := runShell(context.Background(), runner, "s", 0, strings.NewReader("one\nbad\ncrash\nafter\n"), &out, &errOut)
	require.ErrorIs(t, err, domain.ErrSessionDead)
	assert.Equal(t, []string{"one", "bad", "crash"}, runner.calls)
	assert.Contains(t, out.String(), "ran one")
	assert.Contains(t, errOut.String(), "error [SESSION_BUSY]")
	assert.True(t, errors.Is(err, domain.ErrSessionDead))
}
