package mcp

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/vivado-bridge/pkg/build"
	"github.com/polisai/vivado-bridge/pkg/domain"
	"github.com/polisai/vivado-bridge/pkg/service"
	"github.com/polisai/vivado-bridge/pkg/session"
	"github.com/polisai/vivado-bridge/pkg/telemetry"
	"github.com/polisai/vivado-bridge/pkg/toolchain"
)

type fakeBackend struct {
	mu       sync.Mutex
	phases   []string
	requests []build.Request
	commands []service.CommandRequest
	started  []service.StartRequest
	closed   []string
}

func (f *fakeBackend) DetectInstallations(_ context.Context, version string, _ bool) ([]toolchain.Installation, error) {
	if version == "1999.1" {
		return nil, &domain.InstallationError{Kind: domain.ErrVersionNotFound, Version: version}
	}
	v, _ := toolchain.ParseVersion("2023.2")
	return []toolchain.Installation{{Root: "/opt/Xilinx/Vivado/2023.2", Version: v}}, nil
}

func (f *fakeBackend) RunBuild(ctx context.Context, req build.Request) (*build.Report, error) {
	return f.RunPhase(ctx, "full", req)
}

func (f *fakeBackend) RunPhase(_ context.Context, phase string, req build.Request) (*build.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phases = append(f.phases, phase)
	f.requests = append(f.requests, req)
	if req.Project == "" {
		return nil, &domain.ProjectNotFoundError{Path: req.Project, Reason: "empty path"}
	}
	return &build.Report{Phase: build.Phase(phase), Project: req.Project, Success: true}, nil
}

func (f *fakeBackend) GetBuildStatus(_ context.Context, path string) (*build.Status, error) {
	return &build.Status{Project: path, Overall: build.StateNotRun}, nil
}

func (f *fakeBackend) CleanBuild(_ context.Context, path string) (*build.CleanReport, error) {
	if path == "/" {
		return nil, &domain.UnsafeCleanTargetError{Path: path, Reason: "filesystem root"}
	}
	return &build.CleanReport{Root: path}, nil
}

func (f *fakeBackend) StartSession(_ context.Context, req service.StartRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req)
	if req.ID == "" {
		return "generated", nil
	}
	return req.ID, nil
}

func (f *fakeBackend) RunCommand(_ context.Context, req service.CommandRequest) (*service.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, req)
	if req.Command == "after 999999" {
		return &service.CommandResult{
			SessionID:     "s1",
			ProcessResult: &domain.ProcessResult{ExitCode: -1, Stdout: "partial", Termination: domain.TerminationTimedOut},
		}, &domain.SessionError{Kind: domain.ErrTimedOut, SessionID: "s1"}
	}
	return &service.CommandResult{
		SessionID:     req.SessionID,
		ProcessResult: &domain.ProcessResult{Stdout: "ok", Success: true, Termination: domain.TerminationCompleted},
	}, nil
}

func (f *fakeBackend) CloseSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "" {
		return &domain.SessionError{Kind: domain.ErrNoDefaultSession}
	}
	f.closed = append(f.closed, id)
	return nil
}

func (f *fakeBackend) ListSessions(context.Context) []session.Summary {
	return []session.Summary{{ID: "s1", State: session.StateReady, Default: true}}
}

type harness struct {
	client  *jsonrpc2.Conn
	backend *fakeBackend
	metrics *telemetry.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	backend := &fakeBackend{}
	metrics := telemetry.NewMetrics()

	srv := NewServer(backend, "test", nil)
	srv.SetMetrics(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, serverSide) }()

	noop := jsonrpc2.HandlerWithError(func(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) (any, error) {
		return nil, nil
	})
	client := jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(clientSide, jsonrpc2.PlainObjectCodec{}), noop)

	t.Cleanup(func() {
		_ = client.Close()
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return &harness{client: client, backend: backend, metrics: metrics}
}

func (h *harness) call(t *testing.T, name string, args any) CallToolResult {
	t.Helper()
	var result CallToolResult
	err := h.client.Call(context.Background(), "tools/call", map[string]any{"name": name, "arguments": args}, &result)
	require.NoError(t, err)
	return result
}

func structured(t *testing.T, r CallToolResult) map[string]any {
	t.Helper()
	require.Len(t, r.Content, 1)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(r.Content[0].Text), &out))
	return out
}

func TestInitializeAndPing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var init InitializeResult
	require.NoError(t, h.client.Call(ctx, "initialize", InitializeParams{
		ProtocolVersion: "2024-11-05",
		ClientInfo:      ClientInfo{Name: "test-client", Version: "1.0"},
	}, &init))
	assert.Equal(t, "2024-11-05", init.ProtocolVersion)
	assert.Equal(t, ServerName, init.ServerInfo.Name)
	assert.Equal(t, "test", init.ServerInfo.Version)
	assert.Contains(t, init.Capabilities, "tools")

	require.NoError(t, h.client.Notify(ctx, "notifications/initialized", nil))

	var pong map[string]any
	require.NoError(t, h.client.Call(ctx, "ping", nil, &pong))
	assert.Empty(t, pong)
}

func TestInitializeNegotiatesUnknownVersion(t *testing.T) {
	h := newHarness(t)
	var init InitializeResult
	require.NoError(t, h.client.Call(context.Background(), "initialize", InitializeParams{ProtocolVersion: "1999-01-01"}, &init))
	assert.Equal(t, SupportedProtocolVersions[0], init.ProtocolVersion)
}

func TestToolsList(t *testing.T) {
	h := newHarness(t)

	var list ListToolsResult
	require.NoError(t, h.client.Call(context.Background(), "tools/list", nil, &list))

	names := make(map[string]Tool, len(list.Tools))
	for _, tool := range list.Tools {
		names[tool.Name] = tool
	}
	for _, want := range []string{
		"detect_installations", "detect_vivado", "run_build", "run_phase",
		"run_synthesis", "run_implementation", "generate_bitstream",
		"get_build_status", "clean_build",
		"start_session", "start_tcl_session", "run_command", "run_tcl_command",
		"close_session", "close_tcl_session", "list_sessions", "list_tcl_sessions",
	} {
		assert.Contains(t, names, want)
	}
	assert.Equal(t, []any{"command"}, names["run_command"].InputSchema["required"])
	assert.Equal(t, "object", names["list_sessions"].InputSchema["type"])
}

func TestToolsCallBuildPhases(t *testing.T) {
	h := newHarness(t)

	r := h.call(t, "run_synthesis", map[string]any{"project_path": "/p/top.xpr", "vivado_version": "2023.2", "timeout": 90})
	assert.False(t, r.IsError)
	out := structured(t, r)
	assert.Equal(t, true, out["success"])

	h.call(t, "generate_bitstream", map[string]any{"project_path": "/p/top.xpr"})
	h.call(t, "run_phase", map[string]any{"project_path": "/p/top.xpr", "phase": "impl"})
	h.call(t, "run_build", map[string]any{"project_path": "/p/top.xpr"})

	assert.Equal(t, []string{"synthesis", "bitstream", "impl", "full"}, h.backend.phases)
	assert.Equal(t, "2023.2", h.backend.requests[0].Version)
	assert.Equal(t, 90*time.Second, h.backend.requests[0].Timeout)
}

func TestToolsCallAliasesAndSessions(t *testing.T) {
	h := newHarness(t)

	r := h.call(t, "start_tcl_session", map[string]any{"working_directory": "/work", "vivado_version": "2024.1"})
	assert.Equal(t, "generated", structured(t, r)["session_id"])
	require.Len(t, h.backend.started, 1)
	assert.Equal(t, "/work", h.backend.started[0].WorkDir)
	assert.Equal(t, "2024.1", h.backend.started[0].Version)

	r = h.call(t, "run_tcl_command", map[string]any{"command": "puts hi", "session_id": "generated", "timeout": 2.5})
	assert.False(t, r.IsError)
	assert.Equal(t, "ok", structured(t, r)["stdout"])
	assert.Equal(t, 2500*time.Millisecond, h.backend.commands[0].Timeout)

	r = h.call(t, "list_tcl_sessions", nil)
	sessions := structured(t, r)["sessions"].([]any)
	require.Len(t, sessions, 1)

	r = h.call(t, "close_tcl_session", map[string]any{"session_id": "generated"})
	assert.False(t, r.IsError)
	assert.Equal(t, []string{"generated"}, h.backend.closed)
}

func TestToolErrorsCarryCodes(t *testing.T) {
	h := newHarness(t)

	r := h.call(t, "close_session", map[string]any{})
	require.True(t, r.IsError)
	errObj := structured(t, r)["error"].(map[string]any)
	assert.Equal(t, "NO_DEFAULT_SESSION", errObj["code"])

	r = h.call(t, "clean_build", map[string]any{"project_path": "/"})
	require.True(t, r.IsError)
	assert.Equal(t, "UNSAFE_CLEAN_TARGET", structured(t, r)["error"].(map[string]any)["code"])

	r = h.call(t, "detect_vivado", map[string]any{"version": "1999.1"})
	require.True(t, r.IsError)
	assert.Equal(t, "VERSION_NOT_FOUND", structured(t, r)["error"].(map[string]any)["code"])

	r = h.call(t, "run_build", map[string]any{})
	require.True(t, r.IsError)
	out := structured(t, r)
	assert.Equal(t, "PROJECT_NOT_FOUND", out["error"].(map[string]any)["code"])
	assert.NotContains(t, out, "result")

	r = h.call(t, "run_build", "not an object")
	require.True(t, r.IsError)
	assert.Equal(t, "INVALID_REQUEST", structured(t, r)["error"].(map[string]any)["code"])

	count, err := testutil.GatherAndCount(h.metrics.Registry(), "vivado_bridge_tool_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestTimedOutCommandKeepsPartialResult(t *testing.T) {
	h := newHarness(t)

	r := h.call(t, "run_command", map[string]any{"command": "after 999999", "timeout": 1})
	require.True(t, r.IsError)
	out := structured(t, r)
	assert.Equal(t, "TIMED_OUT", out["error"].(map[string]any)["code"])
	result := out["result"].(map[string]any)
	assert.Equal(t, "partial", result["stdout"])
	assert.Equal(t, "timed_out", result["termination"])
}

func TestProtocolErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.client.Call(ctx, "tools/call", map[string]any{"name": "format_disk"}, nil)
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(jsonrpc2.CodeInvalidParams), rpcErr.Code)

	err = h.client.Call(ctx, "resources/list", nil, nil)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(jsonrpc2.CodeMethodNotFound), rpcErr.Code)
}

func TestServeStopsOnDisconnect(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	srv := NewServer(&fakeBackend{}, "", nil)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), serverSide) }()

	require.NoError(t, clientSide.Close())
	select {
	case err := <-done:
		assert.True(t, IsClosed(err))
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after disconnect")
	}
}
