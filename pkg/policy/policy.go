package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel/attribute"

	"github.com/polisai/vivado-bridge/pkg/domain"
	"github.com/polisai/vivado-bridge/pkg/logging"
	"github.com/polisai/vivado-bridge/pkg/telemetry"
)

// DefaultQuery is the decision the policy evaluates.
const DefaultQuery = "data.vivado.admission.deny"

// Request kinds passed as input.kind.
const (
	KindCommand = "command"
	KindPhase   = "phase"
)

// Input is the document a module sees as input.
type Input struct {
	Kind      string `json:"kind"`
	Command   string `json:"command,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Project   string `json:"project,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func (in Input) toMap() map[string]any {
	return map[string]any{
		"kind":       in.Kind,
		"command":    in.Command,
		"phase":      in.Phase,
		"project":    in.Project,
		"session_id": in.SessionID,
	}
}

func (in Input) subject() string {
	if in.Kind == KindPhase {
		return in.Phase
	}
	return in.Command
}

// Options control CommandPolicy construction.
type Options struct {
	// Modules maps a module name to its Rego source.
	Modules map[string]string
	// Query overrides DefaultQuery.
	Query string
}

// CommandPolicy evaluates admission requests. It is safe for concurrent use.
type CommandPolicy struct {
	query    string
	modules  []*ast.Module
	prepared *rego.PreparedEvalQuery
	mu       sync.RWMutex

	logger  *slog.Logger
	events  *logging.StructuredLogger
	metrics *telemetry.Metrics
	tracing *telemetry.TracingManager
}

// Load reads a Rego module from path and prepares it.
func Load(ctx context.Context, path string, logger *slog.Logger) (*CommandPolicy, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	return New(ctx, Options{Modules: map[string]string{path: string(src)}}, logger)
}

// New parses and prepares the supplied modules.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*CommandPolicy, error) {
	if len(opts.Modules) == 0 {
		return nil, errors.New("command policy requires at least one rego module")
	}
	if logger == nil {
		logger = slog.Default()
	}
	query := strings.TrimSpace(opts.Query)
	if query == "" {
		query = DefaultQuery
	}

	names := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		names = append(names, name)
	}
	sort.Strings(names)

	p := &CommandPolicy{
		query:  query,
		logger: logger,
		events: logging.NewStructuredLogger(logger),
	}
	for _, name := range names {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse policy module %s: %w", name, err)
		}
		p.modules = append(p.modules, module)
	}

	if _, err := p.getPrepared(ctx); err != nil {
		return nil, fmt.Errorf("prepare policy query: %w", err)
	}
	return p, nil
}

// SetMetrics sets the metrics instance for recording decisions.
func (p *CommandPolicy) SetMetrics(metrics *telemetry.Metrics) {
	if p == nil {
		return
	}
	p.metrics = metrics
}

// SetTracing sets the tracing manager for decision spans.
func (p *CommandPolicy) SetTracing(tracing *telemetry.TracingManager) {
	if p == nil {
		return
	}
	p.tracing = tracing
}

// AdmitCommand decides whether command may run in sessionID. An empty
// sessionID stands for a one-shot batch run.
func (p *CommandPolicy) AdmitCommand(ctx context.Context, sessionID, command string) error {
	return p.admit(ctx, Input{Kind: KindCommand, Command: command, SessionID: sessionID})
}

// AdmitPhase decides whether phase may run against project.
func (p *CommandPolicy) AdmitPhase(ctx context.Context, phase, project string) error {
	return p.admit(ctx, Input{Kind: KindPhase, Phase: phase, Project: project})
}

// Evaluate returns the deny reasons for in, sorted. An empty slice admits.
func (p *CommandPolicy) Evaluate(ctx context.Context, in Input) ([]string, error) {
	if p == nil {
		return nil, nil
	}
	prepared, err := p.getPrepared(ctx)
	if err != nil {
		return nil, err
	}
	results, err := prepared.Eval(ctx, rego.EvalInput(in.toMap()))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}
	return parseReasons(results[0].Expressions[0].Value)
}

func (p *CommandPolicy) admit(ctx context.Context, in Input) error {
	if p == nil {
		return nil
	}
	ctx, span := p.tracing.StartSpan(ctx, "policy.admit", attribute.String("policy.kind", in.Kind))
	defer span.End()

	reasons, err := p.Evaluate(ctx, in)
	if err != nil {
		// Evaluation errors deny.
		reasons = []string{err.Error()}
	}
	allowed := len(reasons) == 0

	p.metrics.RecordAdmission(in.Kind, allowed)
	telemetry.RecordAdmissionDecision(span, allowed, reasons)
	p.events.LogPolicyDecision(ctx, in.Kind, in.subject(), allowed, reasons)

	if !allowed {
		return &domain.CommandDeniedError{Reasons: reasons}
	}
	return nil
}

func (p *CommandPolicy) getPrepared(ctx context.Context) (*rego.PreparedEvalQuery, error) {
	p.mu.RLock()
	if p.prepared != nil {
		defer p.mu.RUnlock()
		return p.prepared, nil
	}
	p.mu.RUnlock()

	opts := make([]func(*rego.Rego), 0, len(p.modules)+1)
	opts = append(opts, rego.Query(p.query))
	for _, module := range p.modules {
		opts = append(opts, rego.ParsedModule(module))
	}
	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prepared == nil {
		p.prepared = &prepared
	}
	return p.prepared, nil
}

func parseReasons(value any) ([]string, error) {
	switch typed := value.(type) {
	case nil:
		return nil, nil
	case []any:
		reasons := make([]string, 0, len(typed))
		for _, raw := range typed {
			text, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("policy decision: deny entries must be strings, got %T", raw)
			}
			reasons = append(reasons, text)
		}
		sort.Strings(reasons)
		return reasons, nil
	case bool:
		if typed {
			return []string{"denied"}, nil
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("policy decision: unexpected result type %T", value)
	}
}
