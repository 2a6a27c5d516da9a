package build

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// ScriptHeader starts every generated script; the phase name follows it.
const ScriptHeader = "# vivado-bridge phase: "

// BitstreamMarker prefixes the line a bitstream script prints with the path
// of the file it produced.
const BitstreamMarker = "BITSTREAM_FILE:"

var bitstreamLine = regexp.MustCompile(`(?m)^` + BitstreamMarker + `\s*(.+?)\s*$`)

// ParseBitstreamPath returns the path reported by a bitstream script.
func ParseBitstreamPath(output string) (string, bool) {
	m := bitstreamLine.FindStringSubmatch(output)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// tclQuote renders s as a double-quoted Tcl word.
func tclQuote(s string) string {
	s = filepath.ToSlash(s)
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`, `[`, `\[`, `]`, `\]`)
	return `"` + r.Replace(s) + `"`
}

type script struct {
	b strings.Builder
}

func (s *script) line(format string, args ...any) {
	fmt.Fprintf(&s.b, format, args...)
	s.b.WriteByte('\n')
}

func (s *script) fail(cond, message string) {
	s.line("if {%s} {", cond)
	s.line("    puts %s", tclQuote("ERROR: "+message))
	s.line("    exit 1")
	s.line("}")
}

func (s *script) runComplete(run, status, message string) {
	s.fail(fmt.Sprintf(`[get_property PROGRESS [get_runs %s]] != "100%%"`, run), message)
	if status != "" {
		s.fail(fmt.Sprintf(`[get_property STATUS [get_runs %s]] != %q`, run, status), message)
	}
}

const (
	synthCheckpoint = "post_synth.dcp"
	routeCheckpoint = "post_route.dcp"
)

// CheckpointDir is where a .tcl build keeps the design between phases. It
// sits inside the runs directory so Clean removes it.
func CheckpointDir(project *Project) string {
	return filepath.Join(project.Dir, project.Stem+".runs", "checkpoints")
}

// Script generates the batch Tcl for a single phase.
func Script(phase Phase, project *Project, jobs int) (string, error) {
	if jobs < 1 {
		jobs = 1
	}
	s := &script{}
	s.line("%s%s", ScriptHeader, phase)

	switch project.Kind {
	case KindProject:
		s.line("open_project %s", tclQuote(project.Path))
		switch phase {
		case PhaseSynthesis:
			s.line("reset_run synth_1")
			s.line("launch_runs synth_1 -jobs %d", jobs)
			s.line("wait_on_run synth_1")
			s.runComplete("synth_1", "synth_design Complete!", "Synthesis failed")
			s.line(`puts "Synthesis completed successfully"`)
		case PhaseImplementation:
			s.runComplete("synth_1", "synth_design Complete!", "Synthesis not complete. Run synthesis first.")
			s.line("reset_run impl_1")
			s.line("launch_runs impl_1 -to_step route_design -jobs %d", jobs)
			s.line("wait_on_run impl_1")
			s.runComplete("impl_1", "", "Implementation failed")
			s.line(`puts "Implementation completed successfully"`)
		case PhaseBitstream:
			s.runComplete("synth_1", "synth_design Complete!", "Synthesis not complete. Run synthesis first.")
			s.runComplete("impl_1", "", "Implementation not complete. Run implementation first.")
			s.line("launch_runs impl_1 -to_step write_bitstream -jobs %d", jobs)
			s.line("wait_on_run impl_1")
			s.line("set impl_dir [get_property DIRECTORY [get_runs impl_1]]")
			s.line(`set bit_files [glob -nocomplain -directory $impl_dir "*.bit"]`)
			s.fail("[llength $bit_files] == 0", "Bitstream file not found after generation")
			s.line(`puts "%s [lindex $bit_files 0]"`, BitstreamMarker)
		default:
			return "", fmt.Errorf("no script for phase %q", phase)
		}
		s.line("close_project")
	case KindScript:
		// Each phase is a fresh process, so the design moves between phases
		// through checkpoints kept under the runs directory.
		dir := CheckpointDir(project)
		synthDCP := tclQuote(filepath.Join(dir, synthCheckpoint))
		routeDCP := tclQuote(filepath.Join(dir, routeCheckpoint))
		switch phase {
		case PhaseSynthesis:
			s.line("source %s", tclQuote(project.Path))
			s.line("synth_design")
			s.line("file mkdir %s", tclQuote(dir))
			s.line("write_checkpoint -force %s", synthDCP)
			s.line(`puts "Synthesis completed successfully"`)
		case PhaseImplementation:
			s.fail("![file exists "+synthDCP+"]", "Synthesis not complete. Run synthesis first.")
			s.line("open_checkpoint %s", synthDCP)
			s.line("opt_design")
			s.line("place_design")
			s.line("route_design")
			s.line("write_checkpoint -force %s", routeDCP)
			s.line(`puts "Implementation completed successfully"`)
		case PhaseBitstream:
			s.fail("![file exists "+routeDCP+"]", "Implementation not complete. Run implementation first.")
			s.line("open_checkpoint %s", routeDCP)
			out := tclQuote(filepath.Join(project.Dir, "output.bit"))
			s.line("write_bitstream -force %s", out)
			s.line(`puts "%s %s"`, BitstreamMarker, strings.Trim(out, `"`))
		default:
			return "", fmt.Errorf("no script for phase %q", phase)
		}
	default:
		return "", fmt.Errorf("unsupported project kind %q", project.Kind)
	}
	s.line("exit 0")
	return s.b.String(), nil
}

// CommandScript wraps a single interactive command for a one-shot batch run.
func CommandScript(command string) string {
	s := &script{}
	s.line("%sbatch-command", ScriptHeader)
	s.line("%s", command)
	s.line("exit 0")
	return s.b.String()
}
