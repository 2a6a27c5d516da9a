// Package build drives non-interactive toolchain builds.
//
// A build phase is a generated Tcl script run in batch mode from the project
// directory. Status is derived from the marker files and logs the toolchain
// leaves in the runs directory, so it reflects builds started elsewhere too.
package build

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/polisai/vivado-bridge/pkg/domain"
	"github.com/polisai/vivado-bridge/pkg/toolchain"
)

// Phase names a build step.
type Phase string

const (
	PhaseSynthesis      Phase = "synthesis"
	PhaseImplementation Phase = "implementation"
	PhaseBitstream      Phase = "bitstream"
	PhaseFull           Phase = "full"
)

// Steps are the single phases in pipeline order.
var Steps = []Phase{PhaseSynthesis, PhaseImplementation, PhaseBitstream}

// ParsePhase accepts a phase name or one of its short aliases.
func ParsePhase(s string) (Phase, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "synthesis", "synth":
		return PhaseSynthesis, nil
	case "implementation", "impl":
		return PhaseImplementation, nil
	case "bitstream", "bit":
		return PhaseBitstream, nil
	case "full", "all", "":
		return PhaseFull, nil
	default:
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidPhase, s)
	}
}

// Kind is the project descriptor type.
type Kind string

const (
	KindProject Kind = "xpr"
	KindScript  Kind = "tcl"
)

// Request describes one build invocation.
type Request struct {
	Project string        `json:"project"`
	Version string        `json:"version,omitempty"`
	Path    string        `json:"install_path,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
	// OnLine receives output lines as the toolchain prints them.
	OnLine func(stream, line string) `json:"-"`
}

// Selector returns the installation selector carried by the request.
func (r Request) Selector() toolchain.Selector {
	return toolchain.Selector{Version: r.Version, Path: r.Path}
}

// Project is a validated project reference.
type Project struct {
	Path string
	Dir  string
	Stem string
	Kind Kind
}

// ResolveProject validates path as an existing .xpr or .tcl file.
func ResolveProject(path string) (*Project, error) {
	if path == "" {
		return nil, &domain.ProjectNotFoundError{Path: path, Reason: "empty path"}
	}
	abs, err := filepath.Abs(toolchain.ExpandHome(path))
	if err != nil {
		return nil, &domain.ProjectNotFoundError{Path: path, Reason: err.Error()}
	}

	var kind Kind
	switch strings.ToLower(filepath.Ext(abs)) {
	case ".xpr":
		kind = KindProject
	case ".tcl":
		kind = KindScript
	default:
		return nil, &domain.ProjectNotFoundError{Path: path, Reason: "expected a .xpr project or .tcl script"}
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, &domain.ProjectNotFoundError{Path: path, Reason: "file does not exist"}
	}
	if !info.Mode().IsRegular() {
		return nil, &domain.ProjectNotFoundError{Path: path, Reason: "not a regular file"}
	}

	base := filepath.Base(abs)
	return &Project{
		Path: abs,
		Dir:  filepath.Dir(abs),
		Stem: strings.TrimSuffix(base, filepath.Ext(base)),
		Kind: kind,
	}, nil
}

// projectRoot resolves a file or directory reference to its directory with
// symlinks evaluated.
func projectRoot(ref string) (string, error) {
	if ref == "" {
		return "", &domain.ProjectNotFoundError{Path: ref, Reason: "empty path"}
	}
	abs, err := filepath.Abs(toolchain.ExpandHome(ref))
	if err != nil {
		return "", &domain.ProjectNotFoundError{Path: ref, Reason: err.Error()}
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", &domain.ProjectNotFoundError{Path: ref, Reason: "path does not exist"}
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", &domain.ProjectNotFoundError{Path: ref, Reason: err.Error()}
	}
	if info.IsDir() {
		return resolved, nil
	}
	return filepath.Dir(resolved), nil
}
