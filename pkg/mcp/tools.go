package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/polisai/vivado-bridge/pkg/build"
	"github.com/polisai/vivado-bridge/pkg/domain"
	"github.com/polisai/vivado-bridge/pkg/service"
	"github.com/polisai/vivado-bridge/pkg/session"
	"github.com/polisai/vivado-bridge/pkg/toolchain"
)

// Backend is the operation set the tools call into. *service.Service
// implements it.
type Backend interface {
	DetectInstallations(ctx context.Context, version string, includeAll bool) ([]toolchain.Installation, error)
	RunBuild(ctx context.Context, req build.Request) (*build.Report, error)
	RunPhase(ctx context.Context, phase string, req build.Request) (*build.Report, error)
	GetBuildStatus(ctx context.Context, path string) (*build.Status, error)
	CleanBuild(ctx context.Context, path string) (*build.CleanReport, error)
	StartSession(ctx context.Context, req service.StartRequest) (string, error)
	RunCommand(ctx context.Context, req service.CommandRequest) (*service.CommandResult, error)
	CloseSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) []session.Summary
}

var _ Backend = (*service.Service)(nil)

type handlerFunc func(ctx context.Context, b Backend, args json.RawMessage) (any, error)

type toolDef struct {
	Tool
	aliases []string
	handle  handlerFunc
}

type registry struct {
	tools  []toolDef
	byName map[string]*toolDef
}

func newRegistry(defs []toolDef) *registry {
	r := &registry{tools: defs, byName: make(map[string]*toolDef)}
	for i := range r.tools {
		def := &r.tools[i]
		r.byName[def.Name] = def
		for _, alias := range def.aliases {
			r.byName[alias] = def
		}
	}
	return r
}

func (r *registry) lookup(name string) (*toolDef, bool) {
	def, ok := r.byName[name]
	return def, ok
}

// list returns every tool under its canonical name and each alias.
func (r *registry) list() []Tool {
	out := make([]Tool, 0, len(r.byName))
	for _, def := range r.tools {
		out = append(out, def.Tool)
		for _, alias := range def.aliases {
			t := def.Tool
			t.Name = alias
			t.Description = fmt.Sprintf("Alias of %s. %s", def.Name, def.Description)
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: invalid arguments: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}

func seconds(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

func object(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func str(desc string) map[string]any    { return map[string]any{"type": "string", "description": desc} }
func number(desc string) map[string]any { return map[string]any{"type": "number", "description": desc} }
func boolean(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}

type buildArgs struct {
	ProjectPath   string  `json:"project_path"`
	VivadoVersion string  `json:"vivado_version"`
	InstallPath   string  `json:"install_path"`
	Timeout       float64 `json:"timeout"`
	Phase         string  `json:"phase"`
}

func (a buildArgs) request() build.Request {
	return build.Request{
		Project: a.ProjectPath,
		Version: a.VivadoVersion,
		Path:    a.InstallPath,
		Timeout: seconds(a.Timeout),
	}
}

func buildProps(withPhase bool) map[string]any {
	props := map[string]any{
		"project_path":   str("Path to the .xpr project file or .tcl build script"),
		"vivado_version": str("Toolchain version to use, e.g. 2023.2"),
		"install_path":   str("Explicit installation root, overrides vivado_version"),
		"timeout":        number("Timeout in seconds for each phase"),
	}
	if withPhase {
		props["phase"] = map[string]any{
			"type":        "string",
			"description": "Phase to run",
			"enum":        []string{"synthesis", "implementation", "bitstream", "full"},
		}
	}
	return props
}

func phaseTool(name, desc string, phase build.Phase) toolDef {
	return toolDef{
		Tool: Tool{Name: name, Description: desc, InputSchema: object(buildProps(false), "project_path")},
		handle: func(ctx context.Context, b Backend, raw json.RawMessage) (any, error) {
			var args buildArgs
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			return b.RunPhase(ctx, string(phase), args.request())
		},
	}
}

type projectArgs struct {
	ProjectPath string `json:"project_path"`
}

type sessionArgs struct {
	SessionID        string  `json:"session_id"`
	VivadoVersion    string  `json:"vivado_version"`
	InstallPath      string  `json:"install_path"`
	WorkingDirectory string  `json:"working_directory"`
	Command          string  `json:"command"`
	Timeout          float64 `json:"timeout"`
}

func defaultTools() []toolDef {
	return []toolDef{
		{
			Tool: Tool{
				Name:        "detect_installations",
				Description: "Find installed toolchain versions. Without include_all only the default installation is returned.",
				InputSchema: object(map[string]any{
					"version":     str("Only report this version"),
					"include_all": boolean("List every installation found"),
				}),
			},
			aliases: []string{"detect_vivado"},
			handle: func(ctx context.Context, b Backend, raw json.RawMessage) (any, error) {
				var args struct {
					Version    string `json:"version"`
					IncludeAll bool   `json:"include_all"`
				}
				if err := decodeArgs(raw, &args); err != nil {
					return nil, err
				}
				found, err := b.DetectInstallations(ctx, args.Version, args.IncludeAll)
				if err != nil {
					return nil, err
				}
				return map[string]any{"installations": found}, nil
			},
		},
		{
			Tool: Tool{
				Name:        "run_build",
				Description: "Run synthesis, implementation and bitstream generation in order, stopping at the first failure.",
				InputSchema: object(buildProps(false), "project_path"),
			},
			handle: func(ctx context.Context, b Backend, raw json.RawMessage) (any, error) {
				var args buildArgs
				if err := decodeArgs(raw, &args); err != nil {
					return nil, err
				}
				return b.RunBuild(ctx, args.request())
			},
		},
		{
			Tool: Tool{
				Name:        "run_phase",
				Description: "Run one build phase by name.",
				InputSchema: object(buildProps(true), "project_path", "phase"),
			},
			handle: func(ctx context.Context, b Backend, raw json.RawMessage) (any, error) {
				var args buildArgs
				if err := decodeArgs(raw, &args); err != nil {
					return nil, err
				}
				return b.RunPhase(ctx, args.Phase, args.request())
			},
		},
		phaseTool("run_synthesis", "Run synthesis on the project.", build.PhaseSynthesis),
		phaseTool("run_implementation", "Run place and route on the project.", build.PhaseImplementation),
		phaseTool("generate_bitstream", "Generate the bitstream for the project.", build.PhaseBitstream),
		{
			Tool: Tool{
				Name:        "get_build_status",
				Description: "Report the state of each build phase, derived from the project's run directories.",
				InputSchema: object(map[string]any{"project_path": str("Project file or directory")}, "project_path"),
			},
			handle: func(ctx context.Context, b Backend, raw json.RawMessage) (any, error) {
				var args projectArgs
				if err := decodeArgs(raw, &args); err != nil {
					return nil, err
				}
				return b.GetBuildStatus(ctx, args.ProjectPath)
			},
		},
		{
			Tool: Tool{
				Name:        "clean_build",
				Description: "Delete generated run, cache and IP output directories next to the project.",
				InputSchema: object(map[string]any{"project_path": str("Project file or directory")}, "project_path"),
			},
			handle: func(ctx context.Context, b Backend, raw json.RawMessage) (any, error) {
				var args projectArgs
				if err := decodeArgs(raw, &args); err != nil {
					return nil, err
				}
				return b.CleanBuild(ctx, args.ProjectPath)
			},
		},
		{
			Tool: Tool{
				Name:        "start_session",
				Description: "Start an interactive Tcl session. The newest session becomes the default.",
				InputSchema: object(map[string]any{
					"session_id":        str("Identifier for the session; generated when omitted"),
					"vivado_version":    str("Toolchain version to use"),
					"install_path":      str("Explicit installation root"),
					"working_directory": str("Working directory of the session"),
				}),
			},
			aliases: []string{"start_tcl_session"},
			handle: func(ctx context.Context, b Backend, raw json.RawMessage) (any, error) {
				var args sessionArgs
				if err := decodeArgs(raw, &args); err != nil {
					return nil, err
				}
				id, err := b.StartSession(ctx, service.StartRequest{
					ID:          args.SessionID,
					Version:     args.VivadoVersion,
					InstallPath: args.InstallPath,
					WorkDir:     args.WorkingDirectory,
				})
				if err != nil {
					return nil, err
				}
				return map[string]any{"session_id": id}, nil
			},
		},
		{
			Tool: Tool{
				Name:        "run_command",
				Description: "Run a Tcl command in a session. Without a session id the default session is used, or a one-shot batch run when no session exists.",
				InputSchema: object(map[string]any{
					"command":           str("Tcl command to run"),
					"session_id":        str("Target session"),
					"timeout":           number("Timeout in seconds; the session survives a timeout"),
					"working_directory": str("Working directory for a one-shot batch run"),
				}, "command"),
			},
			aliases: []string{"run_tcl_command"},
			handle: func(ctx context.Context, b Backend, raw json.RawMessage) (any, error) {
				var args sessionArgs
				if err := decodeArgs(raw, &args); err != nil {
					return nil, err
				}
				res, err := b.RunCommand(ctx, service.CommandRequest{
					Command:   args.Command,
					SessionID: args.SessionID,
					Timeout:   seconds(args.Timeout),
					WorkDir:   args.WorkingDirectory,
				})
				if res == nil {
					return nil, err
				}
				return res, err
			},
		},
		{
			Tool: Tool{
				Name:        "close_session",
				Description: "Close a session; the default session when no id is given.",
				InputSchema: object(map[string]any{"session_id": str("Session to close")}),
			},
			aliases: []string{"close_tcl_session"},
			handle: func(ctx context.Context, b Backend, raw json.RawMessage) (any, error) {
				var args sessionArgs
				if err := decodeArgs(raw, &args); err != nil {
					return nil, err
				}
				if err := b.CloseSession(ctx, args.SessionID); err != nil {
					return nil, err
				}
				return map[string]any{"closed": true, "session_id": args.SessionID}, nil
			},
		},
		{
			Tool: Tool{
				Name:        "list_sessions",
				Description: "List live interactive sessions.",
				InputSchema: object(map[string]any{}),
			},
			aliases: []string{"list_tcl_sessions"},
			handle: func(ctx context.Context, b Backend, _ json.RawMessage) (any, error) {
				return map[string]any{"sessions": b.ListSessions(ctx)}, nil
			},
		},
	}
}
