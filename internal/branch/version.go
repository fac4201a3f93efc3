package branch

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a maintenance line version: major.minor, or major.minor.patch
// for hotfix lines. Hotfix lines form a parallel lattice and never
// interleave with the mainline cascade.
type Version struct {
	Major, Minor, Patch int
	HasPatch            bool
}

// ParseVersion parses "5.1" or "5.1.3". A patch component marks a hotfix
// line; detection is by explicit component presence, never by counting
// dots in a larger string.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return Version{}, fmt.Errorf("invalid version %q", s)
	}

	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid version %q", s)
		}
		nums[i] = n
	}

	v := Version{Major: nums[0], Minor: nums[1]}
	if len(nums) == 3 {
		v.Patch = nums[2]
		v.HasPatch = true
	}

	return v, nil
}

func (v Version) String() string {
	if v.HasPatch {
		return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	}
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// IsHotfix reports whether the version names a hotfix (patch-level) line.
func (v Version) IsHotfix() bool {
	return v.HasPatch
}

// Compare orders versions lexicographically by component. When two versions
// are equal up to the declared components, the one with more components
// sorts lower, so hotfix lines are not hoisted into the mainline cascade
// (5.1.3 < 5.1).
func (v Version) Compare(o Version) int {
	if v.Major != o.Major {
		return cmpInt(v.Major, o.Major)
	}
	if v.Minor != o.Minor {
		return cmpInt(v.Minor, o.Minor)
	}

	switch {
	case v.HasPatch && o.HasPatch:
		return cmpInt(v.Patch, o.Patch)
	case v.HasPatch:
		return -1
	case o.HasPatch:
		return 1
	default:
		return 0
	}
}

// Equal reports exact equality including component count.
func (v Version) Equal(o Version) bool {
	return v.Compare(o) == 0 && v.HasPatch == o.HasPatch
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
