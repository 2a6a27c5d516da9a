package domain

import "time"

// Termination describes how a toolchain process ended.
type Termination string

const (
	TerminationCompleted    Termination = "completed"
	TerminationTimedOut     Termination = "timed_out"
	TerminationKilled       Termination = "killed"
	TerminationLaunchFailed Termination = "launch_failed"
)

// Severity of a toolchain message.
type Severity string

const (
	SeverityError           Severity = "ERROR"
	SeverityCriticalWarning Severity = "CRITICAL WARNING"
	SeverityWarning         Severity = "WARNING"
)

// Message is a single diagnostic line reported by the toolchain, e.g.
// "ERROR: [Synth 8-439] module 'foo' not found".
type Message struct {
	Severity Severity `json:"severity"`
	ID       string   `json:"id"`
	Text     string   `json:"message"`
	File     string   `json:"file,omitempty"`
	Line     int      `json:"line,omitempty"`
}

// ProcessResult is the structured outcome of one batch invocation or one
// interactive session command. Process-level failures are recorded here
// rather than returned as errors so callers can always render partial output.
type ProcessResult struct {
	ExitCode    int           `json:"exit_code"`
	Stdout      string        `json:"stdout"`
	Stderr      string        `json:"stderr"`
	Duration    time.Duration `json:"duration"`
	Success     bool          `json:"success"`
	Termination Termination   `json:"termination"`

	StdoutTruncated bool  `json:"stdout_truncated,omitempty"`
	StderrTruncated bool  `json:"stderr_truncated,omitempty"`
	DroppedBytes    int64 `json:"dropped_bytes,omitempty"`

	// LaunchError is set when Termination is TerminationLaunchFailed.
	LaunchError string `json:"launch_error,omitempty"`

	Errors           []Message `json:"errors,omitempty"`
	CriticalWarnings []Message `json:"critical_warnings,omitempty"`
}

// Output returns stdout followed by stderr.
func (r *ProcessResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// ErrorResponse defines the standard JSON error model returned to protocol clients.
// TraceID should carry the current OpenTelemetry trace identifier when available.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}
