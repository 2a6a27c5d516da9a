// Package mcp serves the toolchain operations as Model Context Protocol
// tools over a newline-delimited JSON-RPC 2.0 stream, normally stdio.
//
// Requests are handled concurrently, so a long build does not block
// list_sessions or a command sent to another session. Tool failures are
// returned as tool results with isError set and a stable error code; only
// protocol errors (unknown method, malformed params, unknown tool) become
// JSON-RPC errors.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/polisai/vivado-bridge/pkg/domain"
	"github.com/polisai/vivado-bridge/pkg/telemetry"
)

// ServerName is reported in the initialize result.
const ServerName = "vivado-bridge"

// Server dispatches MCP requests to a Backend.
type Server struct {
	backend Backend
	tools   *registry
	version string

	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracing *telemetry.TracingManager
}

// NewServer creates a server. A nil logger falls back to slog.Default().
func NewServer(backend Backend, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}
	return &Server{
		backend: backend,
		tools:   newRegistry(defaultTools()),
		version: version,
		logger:  logger,
	}
}

// SetMetrics sets the metrics instance for recording tool calls
func (s *Server) SetMetrics(metrics *telemetry.Metrics) { s.metrics = metrics }

// SetTracing sets the tracing manager for tool call spans.
func (s *Server) SetTracing(tracing *telemetry.TracingManager) { s.tracing = tracing }

// Tools returns the advertised tools, aliases included.
func (s *Server) Tools() []Tool { return s.tools.list() }

// Serve handles requests read from rwc until the peer disconnects or ctx
// is done.
func (s *Server) Serve(ctx context.Context, rwc io.ReadWriteCloser) error {
	stream := jsonrpc2.NewBufferedStream(rwc, jsonrpc2.PlainObjectCodec{})
	handler := jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(s.handle))
	conn := jsonrpc2.NewConn(ctx, stream, handler)

	s.logger.Info("MCP server ready", "tools", len(s.tools.tools))
	select {
	case <-conn.DisconnectNotify():
		s.logger.Info("MCP client disconnected")
		return nil
	case <-ctx.Done():
		_ = conn.Close()
		<-conn.DisconnectNotify()
		return ctx.Err()
	}
}

func (s *Server) handle(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	switch req.Method {
	case "initialize":
		var params InitializeParams
		if err := unmarshalParams(req, &params); err != nil {
			return nil, err
		}
		s.logger.Info("MCP client connected",
			"client", params.ClientInfo.Name,
			"client_version", params.ClientInfo.Version,
			"protocol_version", params.ProtocolVersion,
		)
		return InitializeResult{
			ProtocolVersion: negotiateVersion(params.ProtocolVersion),
			Capabilities:    map[string]any{"tools": map[string]any{"listChanged": false}},
			ServerInfo:      ServerInfo{Name: ServerName, Version: s.version},
		}, nil
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return ListToolsResult{Tools: s.tools.list()}, nil
	case "tools/call":
		var params CallToolParams
		if err := unmarshalParams(req, &params); err != nil {
			return nil, err
		}
		return s.callTool(ctx, params)
	}

	if req.Notif || strings.HasPrefix(req.Method, "notifications/") {
		return nil, nil
	}
	return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
}

func (s *Server) callTool(ctx context.Context, params CallToolParams) (*CallToolResult, error) {
	def, ok := s.tools.lookup(params.Name)
	if !ok {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: fmt.Sprintf("unknown tool: %s", params.Name)}
	}

	ctx, span := s.tracing.StartSpan(ctx, "mcp.tool", attribute.String("mcp.tool", def.Name))
	defer span.End()

	start := time.Now()
	value, err := def.handle(ctx, s.backend, params.Arguments)
	duration := time.Since(start)

	status := "ok"
	if err != nil {
		status = strings.ToLower(domain.Code(err))
		s.tracing.RecordError(ctx, err)
		s.logger.Warn("Tool call failed", "tool", def.Name, "code", domain.Code(err), "error", err, "duration", duration)
	} else {
		s.logger.Debug("Tool call finished", "tool", def.Name, "duration", duration)
	}
	s.metrics.RecordToolCall(def.Name, status, duration)

	return toolResult(ctx, value, err), nil
}

// toolResult renders a handler outcome. A failing call still carries its
// partial value, such as the output of a timed-out command.
func toolResult(ctx context.Context, value any, err error) *CallToolResult {
	if err == nil {
		return &CallToolResult{
			Content:           []Content{{Type: "text", Text: marshalText(value)}},
			StructuredContent: value,
		}
	}

	resp := domain.ErrorResponse{
		Code:    domain.Code(err),
		Message: err.Error(),
		TraceID: telemetry.TraceID(ctx),
	}
	payload := map[string]any{"error": resp}
	if !isNil(value) {
		payload["result"] = value
	}
	return &CallToolResult{
		Content:           []Content{{Type: "text", Text: marshalText(payload)}},
		StructuredContent: payload,
		IsError:           true,
	}
}

func marshalText(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func unmarshalParams(req *jsonrpc2.Request, v any) error {
	if req.Params == nil {
		return nil
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

// IsClosed reports whether err only signals a closed stream.
func IsClosed(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, jsonrpc2.ErrClosed) || errors.Is(err, context.Canceled)
}
