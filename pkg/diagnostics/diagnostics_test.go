package diagnostics

import (
	"testing"

	"github.com/polisai/vivado-bridge/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatcherFatal(t *testing.T) {
	m := DefaultMatcher()

	tests := []struct {
		name   string
		output string
		fatal  bool
	}{
		{name: "clean output", output: "INFO: [Common 17-206] Exiting Vivado\n", fatal: false},
		{name: "error with id", output: "starting\nERROR: [Synth 8-439] module 'top' not found\n", fatal: true},
		{name: "script error", output: "ERROR: Synthesis failed\n", fatal: true},
		{name: "fatal error", output: "FATAL_ERROR: Vivado crashed\n", fatal: true},
		{name: "critical warning only", output: "CRITICAL WARNING: [Constraints 18-619] no ports\n", fatal: false},
		{name: "error not at line start", output: "puts \"ERROR: x\"\n", fatal: false},
		{name: "empty", output: "", fatal: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fatal, m.Fatal(tt.output))
		})
	}
}

func TestMatcherSucceededRequiresBothChecks(t *testing.T) {
	m := DefaultMatcher()

	assert.True(t, m.Succeeded(0, "all good"))
	assert.False(t, m.Succeeded(1, "all good"))
	assert.False(t, m.Succeeded(0, "ERROR: [Place 30-58] overlap"))
}

func TestNewMatcherExtraPatterns(t *testing.T) {
	m, err := NewMatcher(`Timing constraints are not met`)
	require.NoError(t, err)

	assert.True(t, m.Fatal("CRITICAL WARNING: [Timing 38-282] Timing constraints are not met."))
	assert.Len(t, m.Patterns(), len(DefaultFatalPatterns)+1)

	_, err = NewMatcher(`(unclosed`)
	assert.Error(t, err)
}

func TestNilMatcherIsNeverFatal(t *testing.T) {
	var m *Matcher
	assert.False(t, m.Fatal("ERROR: boom"))
}

func TestParse(t *testing.T) {
	output := `# running synthesis
WARNING: [Synth 8-3331] design top has unconnected port led[3]
CRITICAL WARNING: [Constraints 18-619] A clock with name 'clk' already exists
ERROR: [Synth 8-439] module 'missing_ip' not found [/work/src/top.v:12]
ERROR: [Synth 8-6156] failed synthesizing module ["/work/src/top.v" line 7]
INFO: [Common 17-83] Releasing license
`
	r := Parse(output)

	require.Len(t, r.Errors, 2)
	require.Len(t, r.CriticalWarnings, 1)
	require.Len(t, r.Warnings, 1)

	assert.Equal(t, domain.SeverityError, r.Errors[0].Severity)
	assert.Equal(t, "Synth 8-439", r.Errors[0].ID)
	assert.Equal(t, "missing_ip", r.Errors[0].File)
	assert.Zero(t, r.Errors[0].Line)

	assert.Equal(t, "/work/src/top.v", r.Errors[1].File)
	assert.Equal(t, 7, r.Errors[1].Line)

	assert.Equal(t, "Constraints 18-619", r.CriticalWarnings[0].ID)
	assert.Equal(t, "clk", r.CriticalWarnings[0].File)
}

func TestParseLineRejectsUnbracketed(t *testing.T) {
	_, ok := ParseLine("ERROR: Synthesis failed")
	assert.False(t, ok)

	msg, ok := ParseLine("  ERROR: [Vivado 12-1] bad  ")
	require.True(t, ok)
	assert.Equal(t, "bad", msg.Text)
}

func TestAnnotate(t *testing.T) {
	m := DefaultMatcher()

	result := &domain.ProcessResult{
		ExitCode:    0,
		Stdout:      "ERROR: [Synth 8-439] module 'x' not found\n",
		Termination: domain.TerminationCompleted,
	}
	m.Annotate(result)
	assert.False(t, result.Success)
	assert.Len(t, result.Errors, 1)

	timedOut := &domain.ProcessResult{ExitCode: 0, Stdout: "ok", Termination: domain.TerminationTimedOut}
	m.Annotate(timedOut)
	assert.False(t, timedOut.Success)

	ok := &domain.ProcessResult{ExitCode: 0, Stdout: "ok", Termination: domain.TerminationCompleted}
	m.Annotate(ok)
	assert.True(t, ok.Success)
}
