// Package toolchain locates toolchain installations on the local filesystem.
//
// A Locator searches a fixed list of platform-dependent roots plus any
// configured extra roots. Only the immediate children of each root are
// examined; the search never walks a tree recursively.
package toolchain

import "path/filepath"

// Source records how an installation was found.
type Source string

const (
	SourceOverride Source = "override"
	SourceSearch   Source = "search"
)

// Installation identifies one toolchain instance on disk.
type Installation struct {
	Root                  string  `json:"root"`
	Version               Version `json:"version"`
	BatchExecutable       string  `json:"batch_executable"`
	InteractiveExecutable string  `json:"interactive_executable"`
	Source                Source  `json:"source"`

	resolved string
}

// Name returns a short label such as "Vivado 2023.2".
func (i Installation) Name() string {
	if i.Version.Raw == "" {
		return "Vivado " + filepath.Base(i.Root)
	}
	return "Vivado " + i.Version.Raw
}
