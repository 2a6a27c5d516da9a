package toolchain

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// StandardRoots returns the platform's default search roots for goos.
func StandardRoots(goos, home string) []string {
	if goos == "windows" {
		var roots []string
		for _, drive := range []string{"C:", "D:", "E:"} {
			roots = append(roots,
				drive+`\Xilinx\Vivado`,
				drive+`\Xilinx\Vivado_Lab`,
			)
		}
		for _, env := range []string{"ProgramFiles", "ProgramFiles(x86)"} {
			if dir := os.Getenv(env); dir != "" {
				roots = append(roots, dir+`\Xilinx\Vivado`)
			}
		}
		return roots
	}

	roots := []string{
		"/opt/Xilinx/Vivado",
		"/tools/Xilinx/Vivado",
	}
	if home != "" {
		roots = append(roots,
			filepath.Join(home, "Xilinx", "Vivado"),
			filepath.Join(home, ".Xilinx", "Vivado"),
		)
	}
	return roots
}

// executableNames lists the entry points to probe under an installation
// root, in preference order.
func executableNames(goos string) []string {
	if goos == "windows" {
		return []string{
			filepath.Join("bin", "vivado.bat"),
			filepath.Join("bin", "vivado.exe"),
		}
	}
	return []string{filepath.Join("bin", "vivado")}
}

// ParseSearchPaths splits a list of extra roots. A list containing ";" is
// split on ";" (so Windows drive letters survive); otherwise the OS list
// separator is used. Empty entries are dropped and a leading "~" expands to
// the user's home directory.
func ParseSearchPaths(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	sep := string(os.PathListSeparator)
	if strings.Contains(s, ";") {
		sep = ";"
	}

	var out []string
	for _, p := range strings.Split(s, sep) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, ExpandHome(p))
	}
	return out
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") && !strings.HasPrefix(p, `~\`) {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}

func currentGOOS() string {
	return runtime.GOOS
}
