package build

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// State of a build phase or of the whole project.
type State string

const (
	StateNotRun    State = "not_run"
	StateRunning   State = "running"
	StateStale     State = "stale"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Run marker files the toolchain writes into each run directory.
const (
	markerBegin = ".vivado.begin.rst"
	markerEnd   = ".vivado.end.rst"
	markerError = ".vivado.error.rst"
	runLog      = "runme.log"
)

const (
	// maxSourceEntries bounds the walk of the sources tree.
	maxSourceEntries = 10000
	// maxLogBytes bounds how much of a run log is read.
	maxLogBytes = 8 << 20
)

var (
	progressPattern = regexp.MustCompile(`Progress:\s*(\d+%)`)
	logErrorPattern = regexp.MustCompile(`ERROR:\s*\[`)
)

var completionLines = map[string][]string{
	"synth_1": {"synth_design Complete!", "Synthesis successful"},
	"impl_1":  {"write_bitstream Complete!", "route_design Complete!", "Implementation successful"},
}

// PhaseStatus is the derived state of one phase.
type PhaseStatus struct {
	Phase     Phase      `json:"phase"`
	Run       string     `json:"run"`
	State     State      `json:"state"`
	Progress  string     `json:"progress,omitempty"`
	Message   string     `json:"status_message,omitempty"`
	UpdatedAt *time.Time `json:"last_updated,omitempty"`
	Markers   []string   `json:"markers,omitempty"`

	completedAt time.Time
}

// Status is the build state of a project, derived from disk on every call.
type Status struct {
	Project       string        `json:"project"`
	RunsDir       string        `json:"runs_dir,omitempty"`
	Phases        []PhaseStatus `json:"phases"`
	Overall       State         `json:"overall_state"`
	BitstreamPath string        `json:"bitstream_path,omitempty"`
	LastBuild     *time.Time    `json:"last_build,omitempty"`
}

// Phase returns the status of phase p.
func (s *Status) Phase(p Phase) PhaseStatus {
	for _, ps := range s.Phases {
		if ps.Phase == p {
			return ps
		}
	}
	return PhaseStatus{Phase: p, State: StateNotRun}
}

// Status derives the build state of the project at ref, which may be the
// project file or its directory.
func (o *Orchestrator) Status(ctx context.Context, ref string) (*Status, error) {
	return DeriveStatus(ctx, ref)
}

// DeriveStatus reads run markers, logs and bitstreams below ref.
func DeriveStatus(ctx context.Context, ref string) (*Status, error) {
	root, err := projectRoot(ref)
	if err != nil {
		return nil, err
	}

	status := &Status{Project: ref}
	runsDir, ok := runsDirFor(ref, root)
	if !ok {
		for _, p := range Steps {
			status.Phases = append(status.Phases, PhaseStatus{Phase: p, State: StateNotRun})
		}
		status.Overall = StateNotRun
		return status, nil
	}
	status.RunsDir = runsDir

	inputs := newestInput(ctx, root, runsDir)

	synth := readRun(filepath.Join(runsDir, "synth_1"), "synth_1", PhaseSynthesis)
	impl := readRun(filepath.Join(runsDir, "impl_1"), "impl_1", PhaseImplementation)
	bit, bitPath := readBitstream(filepath.Join(runsDir, "impl_1"))

	markStale(&synth, inputs)
	markStale(&impl, later(inputs, synth.completedAt))
	markStale(&bit, later(inputs, impl.completedAt))

	status.Phases = []PhaseStatus{synth, impl, bit}
	status.BitstreamPath = bitPath
	status.Overall = overall(status.Phases)

	var last time.Time
	for _, ps := range status.Phases {
		if ps.UpdatedAt != nil && ps.UpdatedAt.After(last) {
			last = *ps.UpdatedAt
		}
	}
	if !last.IsZero() {
		status.LastBuild = &last
	}
	return status, nil
}

// runsDirFor picks <stem>.runs for the project file, else for the first
// .xpr in root, else the first *.runs directory.
func runsDirFor(ref, root string) (string, bool) {
	if strings.EqualFold(filepath.Ext(ref), ".xpr") {
		stem := strings.TrimSuffix(filepath.Base(ref), filepath.Ext(ref))
		if dir := filepath.Join(root, stem+".runs"); isDir(dir) {
			return dir, true
		}
	}
	return findRunsDir(root)
}

func findRunsDir(root string) (string, bool) {
	xprs, _ := filepath.Glob(filepath.Join(root, "*.xpr"))
	sort.Strings(xprs)
	if len(xprs) > 0 {
		stem := strings.TrimSuffix(filepath.Base(xprs[0]), filepath.Ext(xprs[0]))
		if dir := filepath.Join(root, stem+".runs"); isDir(dir) {
			return dir, true
		}
	}
	runs, _ := filepath.Glob(filepath.Join(root, "*.runs"))
	sort.Strings(runs)
	for _, dir := range runs {
		if isDir(dir) {
			return dir, true
		}
	}
	return "", false
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func modTime(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

func readRun(dir, run string, phase Phase) PhaseStatus {
	ps := PhaseStatus{Phase: phase, Run: run, State: StateNotRun}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return ps
	}
	updated := info.ModTime()

	seen := map[string]time.Time{}
	for _, name := range []string{markerBegin, markerEnd, markerError, runLog} {
		if t, ok := modTime(filepath.Join(dir, name)); ok {
			seen[name] = t
			if name != runLog {
				ps.Markers = append(ps.Markers, name)
			}
			if t.After(updated) {
				updated = t
			}
		}
	}
	ps.UpdatedAt = &updated

	_, begun := seen[markerBegin]
	endAt, ended := seen[markerEnd]
	_, errored := seen[markerError]

	var logText string
	if _, ok := seen[runLog]; ok {
		logText = readTail(filepath.Join(dir, runLog), maxLogBytes)
	}
	if m := progressPattern.FindAllStringSubmatch(logText, -1); len(m) > 0 {
		ps.Progress = m[len(m)-1][1]
	}
	completed := false
	for _, line := range completionLines[run] {
		if strings.Contains(logText, line) {
			completed = true
			ps.Message = line
			break
		}
	}
	logFailed := logErrorPattern.MatchString(logText)

	switch {
	case begun && !ended && !errored:
		ps.State = StateRunning
		if ps.Message == "" {
			ps.Message = "Build in progress"
		}
	case errored || (logFailed && !ended):
		ps.State = StateFailed
		ps.Message = "Build failed with errors"
	case ended || completed:
		ps.State = StateSucceeded
		ps.completedAt = endAt
		if !ended {
			ps.completedAt = seen[runLog]
		}
		if ps.Progress == "" {
			ps.Progress = "100%"
		}
	}
	return ps
}

func readBitstream(implDir string) (PhaseStatus, string) {
	ps := PhaseStatus{Phase: PhaseBitstream, Run: "impl_1", State: StateNotRun}
	matches, _ := filepath.Glob(filepath.Join(implDir, "*.bit"))
	path := newestFile(matches)
	if path == "" {
		return ps, ""
	}
	t, _ := modTime(path)
	ps.State = StateSucceeded
	ps.Message = "Bitstream generated"
	ps.Progress = "100%"
	ps.UpdatedAt = &t
	ps.completedAt = t
	return ps, path
}

// readTail returns up to limit bytes from the end of path.
func readTail(path string, limit int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() > limit {
		if _, err := f.Seek(-limit, io.SeekEnd); err != nil {
			return ""
		}
	}
	data, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return ""
	}
	return string(data)
}

var errWalkLimit = errors.New("walk limit reached")

// newestInput returns the latest modification among the project files and
// the sources tree.
func newestInput(ctx context.Context, root, runsDir string) time.Time {
	stem := strings.TrimSuffix(filepath.Base(runsDir), ".runs")
	var newest time.Time
	if t, ok := modTime(filepath.Join(root, stem+".xpr")); ok {
		newest = t
	}

	srcs := filepath.Join(root, stem+".srcs")
	if !isDir(srcs) {
		return newest
	}
	count := 0
	_ = filepath.WalkDir(srcs, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		count++
		if count > maxSourceEntries {
			return errWalkLimit
		}
		if d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil && info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func markStale(ps *PhaseStatus, inputs time.Time) {
	if ps.State == StateSucceeded && !ps.completedAt.IsZero() && ps.completedAt.Before(inputs) {
		ps.State = StateStale
	}
}

var statePriority = []State{StateRunning, StateFailed, StateStale, StateSucceeded}

func overall(phases []PhaseStatus) State {
	for _, want := range statePriority {
		for _, ps := range phases {
			if ps.State == want {
				return want
			}
		}
	}
	return StateNotRun
}
