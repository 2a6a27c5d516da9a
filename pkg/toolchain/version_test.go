package toolchain

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		input  string
		valid  bool
		parts  []int
		suffix string
	}{
		{input: "2023.2", valid: true, parts: []int{2023, 2}},
		{input: "2024.1.1", valid: true, parts: []int{2024, 1, 1}},
		{input: "2023.2_AR000035", valid: true, parts: []int{2023, 2}, suffix: "AR000035"},
		{input: "2022.1-beta", valid: true, parts: []int{2022, 1}, suffix: "beta"},
		{input: "2019.10", valid: true, parts: []int{2019, 10}},
		{input: "latest", valid: false},
		{input: "Vivado", valid: false},
		{input: "23.2", valid: false},
		{input: "2023", valid: false},
		{input: "", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			v, ok := ParseVersion(tt.input)
			assert.Equal(t, tt.valid, ok)
			assert.Equal(t, tt.valid, v.Valid())
			assert.Equal(t, tt.input, v.Raw)
			if tt.valid {
				assert.Equal(t, tt.parts, v.Parts)
				assert.Equal(t, tt.suffix, v.Suffix)
			}
		})
	}
}

func TestVersionCompare(t *testing.T) {
	ordered := []string{"2019.1", "2019.2", "2019.10", "2023.2", "2023.2_AR1", "2023.2.1", "2024.1"}

	for i := 0; i < len(ordered); i++ {
		for j := 0; j < len(ordered); j++ {
			vi, ok := ParseVersion(ordered[i])
			require.True(t, ok)
			vj, ok := ParseVersion(ordered[j])
			require.True(t, ok)

			want := 0
			switch {
			case i < j:
				want = -1
			case i > j:
				want = 1
			}
			assert.Equal(t, want, vi.Compare(vj), "%s vs %s", ordered[i], ordered[j])
		}
	}
}

func TestInvalidVersionsSortFirst(t *testing.T) {
	valid, _ := ParseVersion("2015.1")
	invalid, _ := ParseVersion("nightly")

	assert.True(t, invalid.Less(valid))
	assert.False(t, valid.Less(invalid))
}

func TestVersionOrderingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		genVersion := rapid.Custom(func(t *rapid.T) string {
			year := rapid.IntRange(2012, 2030).Draw(t, "year")
			minor := rapid.IntRange(1, 4).Draw(t, "minor")
			if rapid.Bool().Draw(t, "patch") {
				return fmt.Sprintf("%d.%d.%d", year, minor, rapid.IntRange(0, 3).Draw(t, "patch_num"))
			}
			return fmt.Sprintf("%d.%d", year, minor)
		})
		raw := rapid.SliceOfN(genVersion, 1, 20).Draw(t, "versions")

		versions := make([]Version, 0, len(raw))
		for _, r := range raw {
			v, ok := ParseVersion(r)
			if !ok {
				t.Fatalf("generated version %q did not parse", r)
			}
			versions = append(versions, v)
		}

		sort.Slice(versions, func(i, j int) bool { return versions[i].Less(versions[j]) })
		for i := 1; i < len(versions); i++ {
			if versions[i].Compare(versions[i-1]) < 0 {
				t.Fatalf("sort order violated: %s before %s", versions[i-1].Raw, versions[i].Raw)
			}
			if versions[i-1].Compare(versions[i]) != -versions[i].Compare(versions[i-1]) {
				t.Fatalf("compare is not antisymmetric for %s and %s", versions[i-1].Raw, versions[i].Raw)
			}
		}
	})
}
