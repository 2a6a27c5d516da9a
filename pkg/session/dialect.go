package session

import (
	"fmt"
	"regexp"
	"strings"
)

// Dialect adapts the command protocol to the interpreter running inside a
// session. Every wrapped command must print exactly one completion marker
// (DoneMarker or ErrMarker with the same token) after its own output.
type Dialect interface {
	// Name identifies the dialect in config and logs.
	Name() string
	// Args are passed to the interactive executable.
	Args() []string
	// Wrap returns the text written to stdin for command, newline included.
	Wrap(command, token string) string
	// Noop is a command with no output, used for the startup handshake.
	Noop() string
	// Exit asks the interpreter to terminate.
	Exit() string
	// Clean strips prompt noise from one output line.
	Clean(line string) string
}

var markerPattern = regexp.MustCompile(`<<<VB_(DONE|ERR) ([A-Za-z0-9-]+)>>>`)

// DoneMarker is printed after a command that completed normally.
func DoneMarker(token string) string {
	return fmt.Sprintf("<<<VB_DONE %s>>>", token)
}

// ErrMarker is printed after a command that raised an error.
func ErrMarker(token string) string {
	return fmt.Sprintf("<<<VB_ERR %s>>>", token)
}

// findMarker locates a completion marker in line. before is the text that
// preceded it on the same line.
func findMarker(line string) (token string, failed bool, before string, ok bool) {
	loc := markerPattern.FindStringSubmatchIndex(line)
	if loc == nil {
		return "", false, "", false
	}
	return line[loc[4]:loc[5]], line[loc[2]:loc[3]] == "ERR", line[:loc[0]], true
}

// TclDialect drives the toolchain's interactive Tcl shell.
type TclDialect struct{}

func (TclDialect) Name() string { return "tcl" }

func (TclDialect) Args() []string {
	return []string{"-mode", "tcl", "-nojournal", "-nolog"}
}

func (TclDialect) Wrap(command, token string) string {
	return fmt.Sprintf(
		"if {[catch {%s} __vb_result]} {puts $__vb_result; puts \"%s\"} else {if {$__vb_result ne \"\"} {puts $__vb_result}; puts \"%s\"}; flush stdout\n",
		command, ErrMarker(token), DoneMarker(token),
	)
}

func (TclDialect) Noop() string { return "set __vb_ready 1" }

func (TclDialect) Exit() string { return "exit\n" }

const tclPrompt = "Vivado% "

func (TclDialect) Clean(line string) string {
	line = strings.TrimRight(line, "\r\n")
	for strings.HasPrefix(line, tclPrompt) {
		line = strings.TrimPrefix(line, tclPrompt)
	}
	return line
}

// ShellDialect drives a POSIX shell. It is selected with dialect "sh" for
// tool shells that are not Tcl based, and it lets tests run sessions without
// a toolchain install.
type ShellDialect struct {
	// Arguments overrides the interactive arguments; nil keeps the Tcl ones
	// so a wrapper script can tell an interactive launch from a batch one.
	Arguments []string
}

func (ShellDialect) Name() string { return "sh" }

func (d ShellDialect) Args() []string {
	if d.Arguments != nil {
		return d.Arguments
	}
	return TclDialect{}.Args()
}

func (ShellDialect) Wrap(command, token string) string {
	return fmt.Sprintf("{ %s\n} 2>&1; if [ $? -eq 0 ]; then echo '%s'; else echo '%s'; fi\n",
		command, DoneMarker(token), ErrMarker(token))
}

func (ShellDialect) Noop() string { return ":" }

func (ShellDialect) Exit() string { return "exit\n" }

func (ShellDialect) Clean(line string) string {
	return strings.TrimRight(line, "\r\n")
}

// DialectByName returns the dialect registered under name.
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "", "tcl":
		return TclDialect{}, nil
	case "sh", "shell":
		return ShellDialect{}, nil
	default:
		return nil, fmt.Errorf("unknown session dialect %q", name)
	}
}
