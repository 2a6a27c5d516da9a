// Package diagnostics recognizes toolchain error text in captured output.
//
// Toolchain batch runs can exit zero while having logged a fatal error, so a
// run only counts as successful when its exit code is zero AND the Matcher
// finds no fatal pattern. Parse extracts the individual messages so they can
// be reported alongside the raw output.
package diagnostics

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/polisai/vivado-bridge/pkg/domain"
)

// DefaultFatalPatterns are the patterns every Matcher starts from.
var DefaultFatalPatterns = []string{
	`(?m)^ERROR:`,
	`(?m)^FATAL_ERROR:`,
}

var (
	messagePattern  = regexp.MustCompile(`^(ERROR|CRITICAL WARNING|WARNING):\s*\[([^\]]+)\]\s*(.+)$`)
	locationPattern = regexp.MustCompile(`['"](.*?)['"](?:\s+line\s+(\d+))?`)
)

// Matcher decides whether captured output contains a fatal toolchain error.
type Matcher struct {
	patterns []*regexp.Regexp
}

// NewMatcher compiles the default patterns plus any extra ones.
func NewMatcher(extra ...string) (*Matcher, error) {
	all := append(append([]string{}, DefaultFatalPatterns...), extra...)
	m := &Matcher{patterns: make([]*regexp.Regexp, 0, len(all))}
	for _, p := range all {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile fatal pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// DefaultMatcher returns a Matcher with only the default patterns.
func DefaultMatcher() *Matcher {
	m, err := NewMatcher()
	if err != nil {
		panic(err)
	}
	return m
}

// Fatal reports whether any pattern matches output.
func (m *Matcher) Fatal(output string) bool {
	if m == nil {
		return false
	}
	for _, re := range m.patterns {
		if re.MatchString(output) {
			return true
		}
	}
	return false
}

// Succeeded applies the dual success check: clean exit and no fatal text.
func (m *Matcher) Succeeded(exitCode int, output string) bool {
	return exitCode == 0 && !m.Fatal(output)
}

// Patterns returns the pattern sources in match order.
func (m *Matcher) Patterns() []string {
	out := make([]string, len(m.patterns))
	for i, re := range m.patterns {
		out[i] = re.String()
	}
	return out
}

// Report groups parsed messages by severity.
type Report struct {
	Errors           []domain.Message
	CriticalWarnings []domain.Message
	Warnings         []domain.Message
}

// Parse extracts "SEVERITY: [Id] text" lines from output.
func Parse(output string) Report {
	var r Report
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		msg, ok := ParseLine(scanner.Text())
		if !ok {
			continue
		}
		switch msg.Severity {
		case domain.SeverityError:
			r.Errors = append(r.Errors, msg)
		case domain.SeverityCriticalWarning:
			r.CriticalWarnings = append(r.CriticalWarnings, msg)
		default:
			r.Warnings = append(r.Warnings, msg)
		}
	}
	return r
}

// ParseLine parses a single output line.
func ParseLine(line string) (domain.Message, bool) {
	match := messagePattern.FindStringSubmatch(strings.TrimSpace(line))
	if match == nil {
		return domain.Message{}, false
	}
	msg := domain.Message{
		Severity: domain.Severity(match[1]),
		ID:       match[2],
		Text:     strings.TrimSpace(match[3]),
	}
	if loc := locationPattern.FindStringSubmatch(msg.Text); loc != nil {
		msg.File = loc[1]
		if loc[2] != "" {
			msg.Line, _ = strconv.Atoi(loc[2])
		}
	}
	return msg, true
}

// Annotate fills the message and success fields of result from its captured
// output. The exit code and termination must already be set.
func (m *Matcher) Annotate(result *domain.ProcessResult) {
	output := result.Output()
	report := Parse(output)
	result.Errors = report.Errors
	result.CriticalWarnings = report.CriticalWarnings
	result.Success = result.Termination == domain.TerminationCompleted &&
		m.Succeeded(result.ExitCode, output)
}
