package build

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/polisai/vivado-bridge/pkg/domain"
)

// generatedSuffixes name the toolchain output directories, either bare or
// prefixed by a project stem.
var generatedSuffixes = []string{".runs", ".cache", ".gen", ".hw", ".ip_user_files"}

// PathError records a path that could not be removed.
type PathError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// CleanReport lists what a clean removed.
type CleanReport struct {
	Root       string      `json:"root"`
	Removed    []string    `json:"removed"`
	BytesFreed int64       `json:"bytes_freed"`
	Errors     []PathError `json:"errors,omitempty"`
}

// Clean removes generated output below the project at ref.
func (o *Orchestrator) Clean(ctx context.Context, ref string) (*CleanReport, error) {
	report, err := CleanProject(ctx, ref, o.config.ExtraCleanDirs)
	if err != nil {
		return nil, err
	}
	o.metrics.RecordClean(report.BytesFreed)
	o.logger.Info("Project cleaned",
		"root", report.Root,
		"removed", len(report.Removed),
		"bytes_freed", report.BytesFreed,
		"errors", len(report.Errors),
	)
	return report, nil
}

// CleanProject deletes the generated directories that are direct children
// of the project root, plus any directory named in extra. Symlinked
// children are unlinked, never followed.
func CleanProject(ctx context.Context, ref string, extra []string) (*CleanReport, error) {
	root, err := projectRoot(ref)
	if err != nil {
		return nil, err
	}
	if err := checkCleanTarget(root); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, &domain.ProjectNotFoundError{Path: ref, Reason: err.Error()}
	}

	report := &CleanReport{Root: root, Removed: []string{}}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if !isGenerated(entry, extra) {
			continue
		}
		path := filepath.Join(root, entry.Name())

		if entry.Type()&fs.ModeSymlink != 0 {
			if err := os.Remove(path); err != nil {
				report.Errors = append(report.Errors, PathError{Path: path, Error: err.Error()})
				continue
			}
			report.Removed = append(report.Removed, path)
			continue
		}

		size := diskUsage(path)
		if err := os.RemoveAll(path); err != nil {
			report.Errors = append(report.Errors, PathError{Path: path, Error: err.Error()})
			continue
		}
		report.Removed = append(report.Removed, path)
		report.BytesFreed += size
	}
	sort.Strings(report.Removed)
	return report, nil
}

func isGenerated(entry fs.DirEntry, extra []string) bool {
	name := entry.Name()
	if !entry.IsDir() && entry.Type()&fs.ModeSymlink == 0 {
		return false
	}
	for _, e := range extra {
		if name == e {
			return true
		}
	}
	for _, suffix := range generatedSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// checkCleanTarget refuses roots too close to the top of the filesystem.
func checkCleanTarget(root string) error {
	clean := filepath.Clean(root)
	vol := filepath.VolumeName(clean)
	rest := strings.TrimPrefix(clean, vol)

	if rest == "" || rest == string(filepath.Separator) {
		return &domain.UnsafeCleanTargetError{Path: root, Reason: "filesystem root"}
	}

	components := 0
	for _, part := range strings.Split(rest, string(filepath.Separator)) {
		if part != "" {
			components++
		}
	}
	if components < 2 {
		return &domain.UnsafeCleanTargetError{Path: root, Reason: "fewer than two path components"}
	}

	if home, err := os.UserHomeDir(); err == nil && home != "" {
		if resolved, err := filepath.EvalSymlinks(home); err == nil {
			home = resolved
		}
		if filepath.Clean(home) == clean {
			return &domain.UnsafeCleanTargetError{Path: root, Reason: "home directory"}
		}
	}
	return nil
}

// diskUsage sums regular file sizes below path without following links.
func diskUsage(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
