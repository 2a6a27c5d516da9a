package toolchain

import (
	"regexp"
	"strconv"
	"strings"
)

// versionDirPattern selects directory names that look like toolchain releases.
var versionDirPattern = regexp.MustCompile(`^\d{4}\.\d`)

var versionSeparators = regexp.MustCompile(`[._-]`)

// Version is a parsed toolchain release identifier such as "2023.2" or
// "2024.1.1". Parts holds the leading numeric components; Suffix holds
// whatever follows them ("_AR12345").
type Version struct {
	Raw    string `json:"raw"`
	Parts  []int  `json:"-"`
	Suffix string `json:"-"`
}

// ParseVersion parses s into a comparable Version. It requires at least a
// major and minor component; parsing stops at the first non-numeric part.
func ParseVersion(s string) (Version, bool) {
	v := Version{Raw: s}
	if !versionDirPattern.MatchString(s) {
		return v, false
	}

	fields := versionSeparators.Split(s, -1)
	consumed := 0
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || f == "" || strings.HasPrefix(f, "+") {
			break
		}
		v.Parts = append(v.Parts, n)
		consumed += len(f) + 1
	}
	if len(v.Parts) < 2 {
		return Version{Raw: s}, false
	}
	if consumed < len(s) {
		v.Suffix = s[consumed:]
	}
	return v, true
}

// Valid reports whether the version was parsed successfully.
func (v Version) Valid() bool {
	return len(v.Parts) >= 2
}

func (v Version) String() string {
	return v.Raw
}

// Compare returns -1, 0 or 1. Numeric parts compare as a tuple, so
// 2023.2 < 2023.2.1; an empty suffix sorts before a non-empty one. Invalid
// versions sort before every valid version.
func (v Version) Compare(o Version) int {
	switch {
	case !v.Valid() && !o.Valid():
		return strings.Compare(v.Raw, o.Raw)
	case !v.Valid():
		return -1
	case !o.Valid():
		return 1
	}

	for i := 0; i < len(v.Parts) && i < len(o.Parts); i++ {
		if v.Parts[i] != o.Parts[i] {
			if v.Parts[i] < o.Parts[i] {
				return -1
			}
			return 1
		}
	}
	if len(v.Parts) != len(o.Parts) {
		if len(v.Parts) < len(o.Parts) {
			return -1
		}
		return 1
	}

	switch {
	case v.Suffix == o.Suffix:
		return 0
	case v.Suffix == "":
		return -1
	case o.Suffix == "":
		return 1
	}
	return strings.Compare(v.Suffix, o.Suffix)
}

// Less reports whether v sorts before o.
func (v Version) Less(o Version) bool {
	return v.Compare(o) < 0
}
