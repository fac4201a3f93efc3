package branch

import (
	"fmt"
	"sort"
)

// Lattice is the ordered set of active maintenance versions, defined by the
// repository's development/<version> refs. Hotfix (patch-level) versions
// live in the same structure but form a parallel lattice for cascade
// purposes.
type Lattice struct {
	versions []Version // ascending
}

// NewLattice builds a lattice from a list of branch names, keeping only
// development branches. Duplicate versions collapse.
func NewLattice(refs []string) *Lattice {
	seen := make(map[string]bool, len(refs))

	var versions []Version
	for _, name := range refs {
		b := Parse(name)
		if b.Kind != KindDevelopment {
			continue
		}
		if seen[b.Version.String()] {
			continue
		}
		seen[b.Version.String()] = true
		versions = append(versions, b.Version)
	}

	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Compare(versions[j]) < 0
	})

	return &Lattice{versions: versions}
}

// Versions returns the active versions in ascending order.
func (l *Lattice) Versions() []Version {
	out := make([]Version, len(l.versions))
	copy(out, l.versions)
	return out
}

// Contains reports whether v is an active version.
func (l *Lattice) Contains(v Version) bool {
	for _, lv := range l.versions {
		if lv.Equal(v) {
			return true
		}
	}
	return false
}

// Tip returns the highest non-hotfix version. ok is false when the lattice
// has no mainline versions at all.
func (l *Lattice) Tip() (Version, bool) {
	for i := len(l.versions) - 1; i >= 0; i-- {
		if !l.versions[i].IsHotfix() {
			return l.versions[i], true
		}
	}
	return Version{}, false
}

// IsMaintenance reports whether v is a mainline version that is not the
// tip. Feature branches are forbidden into maintenance lines.
func (l *Lattice) IsMaintenance(v Version) bool {
	if v.IsHotfix() {
		return false
	}
	tip, ok := l.Tip()
	return ok && !tip.Equal(v)
}

// Cascade returns all versions a change targeting v must land on, in
// ascending order. Hotfix versions are excluded unless v itself is a
// hotfix, in which case the cascade is just [v]: hotfix lines never
// interleave with the mainline cascade.
func (l *Lattice) Cascade(v Version) ([]Version, error) {
	if !l.Contains(v) {
		return nil, fmt.Errorf("version %s is not an active development line", v)
	}

	if v.IsHotfix() {
		return []Version{v}, nil
	}

	var out []Version
	for _, lv := range l.versions {
		if lv.IsHotfix() {
			continue
		}
		if lv.Compare(v) >= 0 {
			out = append(out, lv)
		}
	}

	return out, nil
}

// Admits reports whether a source branch with the given prefix may target
// the development line v. Feature branches are rejected on maintenance
// lines; hotfix and user prefixes are never admitted here (they are
// silently ignored upstream).
func (l *Lattice) Admits(v Version, prefix string) bool {
	switch prefix {
	case "bugfix", "improvement":
		return true
	case "feature":
		return !l.IsMaintenance(v)
	default:
		return false
	}
}
