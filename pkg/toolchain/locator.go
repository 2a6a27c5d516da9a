package toolchain

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/polisai/vivado-bridge/pkg/domain"
)

// Config is the immutable locator configuration, read once at startup.
type Config struct {
	// InstallPath is an explicit installation root override.
	InstallPath string `yaml:"install_path" json:"install_path" toml:"install_path"`

	// Version is the preferred default version, e.g. "2023.2".
	Version string `yaml:"version" json:"version" toml:"version"`

	// SearchPaths are extra roots searched after the standard ones.
	SearchPaths []string `yaml:"search_paths" json:"search_paths" toml:"search_paths"`

	// SkipStandardRoots restricts the search to SearchPaths.
	SkipStandardRoots bool `yaml:"skip_standard_roots" json:"skip_standard_roots" toml:"skip_standard_roots"`
}

// Selector narrows resolution to an explicit path or version. Request
// selectors take precedence over the configured ones.
type Selector struct {
	Version string
	Path    string
}

// IsZero reports whether no selector field is set.
func (s Selector) IsZero() bool {
	return s.Version == "" && s.Path == ""
}

// Locator finds toolchain installations.
type Locator struct {
	config Config
	goos   string
	home   string
	logger *slog.Logger
}

// NewLocator creates a locator for the current platform.
func NewLocator(config Config, logger *slog.Logger) *Locator {
	if logger == nil {
		logger = slog.Default()
	}
	home, _ := os.UserHomeDir()
	return &Locator{
		config: config,
		goos:   currentGOOS(),
		home:   home,
		logger: logger,
	}
}

// Roots returns the search roots in search order.
func (l *Locator) Roots() []string {
	var roots []string
	if !l.config.SkipStandardRoots {
		roots = append(roots, StandardRoots(l.goos, l.home)...)
	}
	for _, p := range l.config.SearchPaths {
		roots = append(roots, ExpandHome(p))
	}
	return roots
}

// Resolve returns the installation selected by sel, falling back to the
// configured override, then the configured version, then the newest
// installation found. An explicit path never falls back to search.
func (l *Locator) Resolve(ctx context.Context, sel Selector) (*Installation, error) {
	s := newScan(l)

	switch {
	case sel.Path != "":
		return s.fromPath(sel.Path)
	case sel.Version != "":
		return s.byVersion(ctx, sel.Version)
	case l.config.InstallPath != "":
		return s.fromPath(l.config.InstallPath)
	case l.config.Version != "":
		return s.byVersion(ctx, l.config.Version)
	}
	return s.newest(ctx)
}

// Discover enumerates installations. With includeAll false it returns exactly
// the installation Resolve would pick for an empty selector. With includeAll
// true it returns every candidate under the search roots, newest first, with
// unparseable names last.
func (l *Locator) Discover(ctx context.Context, includeAll bool) ([]Installation, error) {
	if !includeAll {
		inst, err := l.Resolve(ctx, Selector{})
		if err != nil {
			return nil, err
		}
		return []Installation{*inst}, nil
	}

	s := newScan(l)
	found, err := s.search(ctx)
	if err != nil {
		return nil, err
	}
	if l.config.InstallPath != "" {
		if inst, err := s.fromPath(l.config.InstallPath); err == nil {
			found = s.dedup(append([]Installation{*inst}, found...))
		}
	}
	if len(found) == 0 {
		return nil, &domain.InstallationError{Kind: domain.ErrNoInstallationFound, Roots: l.Roots()}
	}
	return found, nil
}

// scan holds the state of one Resolve or Discover call. Stat results are
// cached for the duration of the call only.
type scan struct {
	l     *Locator
	stats map[string]statResult
}

type statResult struct {
	info fs.FileInfo
	err  error
}

func newScan(l *Locator) *scan {
	return &scan{l: l, stats: make(map[string]statResult)}
}

func (s *scan) stat(path string) (fs.FileInfo, error) {
	if r, ok := s.stats[path]; ok {
		return r.info, r.err
	}
	info, err := os.Stat(path)
	s.stats[path] = statResult{info: info, err: err}
	return info, err
}

// executable returns the first toolchain entry point found under root.
func (s *scan) executable(root string) (string, bool) {
	for _, name := range executableNames(s.l.goos) {
		p := filepath.Join(root, name)
		if info, err := s.stat(p); err == nil && !info.IsDir() {
			return p, true
		}
	}
	return "", false
}

// probe builds an Installation for root, accepting both the classic
// "<root>/bin/vivado" layout and the "<root>/Vivado/bin/vivado" layout used
// by unified installers.
func (s *scan) probe(root string, source Source) (*Installation, bool) {
	for _, dir := range []string{root, filepath.Join(root, "Vivado")} {
		exe, ok := s.executable(dir)
		if !ok {
			continue
		}
		resolved, err := filepath.EvalSymlinks(dir)
		if err != nil {
			resolved = dir
		}
		version, _ := ParseVersion(filepath.Base(root))
		return &Installation{
			Root:                  dir,
			Version:               version,
			BatchExecutable:       exe,
			InteractiveExecutable: exe,
			Source:                source,
			resolved:              resolved,
		}, true
	}
	return nil, false
}

func (s *scan) fromPath(path string) (*Installation, error) {
	path = ExpandHome(path)
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	// Accept a path to the executable itself: <root>/bin/vivado.
	if info, err := s.stat(abs); err == nil && !info.IsDir() {
		abs = filepath.Dir(filepath.Dir(abs))
	}

	inst, ok := s.probe(abs, SourceOverride)
	if !ok {
		return nil, &domain.InstallationError{Kind: domain.ErrInstallationNotFound, Path: path}
	}
	if !inst.Version.Valid() {
		// The root is often named after its product ("Vivado") with the
		// version one level up.
		if v, ok := ParseVersion(filepath.Base(filepath.Dir(abs))); ok {
			inst.Version = v
		}
	}
	s.l.logger.Debug("Using explicit installation", "root", inst.Root, "version", inst.Version.Raw)
	return inst, nil
}

func (s *scan) byVersion(ctx context.Context, version string) (*Installation, error) {
	found, err := s.search(ctx)
	if err != nil {
		return nil, err
	}
	for i := range found {
		if found[i].Version.Raw == version {
			return &found[i], nil
		}
	}
	return nil, &domain.InstallationError{Kind: domain.ErrVersionNotFound, Version: version, Roots: s.l.Roots()}
}

func (s *scan) newest(ctx context.Context) (*Installation, error) {
	found, err := s.search(ctx)
	if err != nil {
		return nil, err
	}
	// search sorts newest first; the first parseable entry wins.
	for i := range found {
		if found[i].Version.Valid() {
			return &found[i], nil
		}
	}
	return nil, &domain.InstallationError{Kind: domain.ErrNoInstallationFound, Roots: s.l.Roots()}
}

// search lists the immediate children of every root that contain a toolchain
// layout.
func (s *scan) search(ctx context.Context) ([]Installation, error) {
	var found []Installation
	for _, root := range s.l.Roots() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if strings.HasPrefix(name, ".") {
				continue
			}
			dir := filepath.Join(root, name)
			if info, err := s.stat(dir); err != nil || !info.IsDir() {
				continue
			}
			inst, ok := s.probe(dir, SourceSearch)
			if !ok {
				continue
			}
			s.l.logger.Debug("Found installation candidate", "root", inst.Root, "version", name)
			found = append(found, *inst)
		}
	}

	found = s.dedup(found)
	sort.SliceStable(found, func(i, j int) bool {
		vi, vj := found[i].Version, found[j].Version
		if vi.Valid() != vj.Valid() {
			return vi.Valid()
		}
		if !vi.Valid() {
			return vi.Raw < vj.Raw
		}
		return vj.Less(vi)
	})
	return found, nil
}

// dedup drops installations whose resolved root was already seen, keeping
// the first occurrence.
func (s *scan) dedup(in []Installation) []Installation {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, inst := range in {
		key := inst.resolved
		if key == "" {
			key = inst.Root
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, inst)
	}
	return out
}
