package nixpkgsreview

import (
	"regexp"
	"sort"
	"strings"

	"golang.org/x/xerrors"
)

// Attribute is a dotted name selecting a node in the package-set tree, e.g.
// "pkgs.foo" or "pkgs.python3Packages.bar.tests.x".
//
// Attribute is a plain string type rather than a struct: spec.md §3 asks for
// no structural validation beyond "non-empty segments, each matching
// [A-Za-z_][A-Za-z0-9_-]*", so there is nothing else worth carrying around
// per-value. ParseAttribute exists solely to apply that validation once, at
// the boundary (CLI flags, CI artifact JSON, evaluator JSON).
type Attribute string

var segmentRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// ParseAttribute validates s as an Attribute and returns it, or reports why
// it is not one.
func ParseAttribute(s string) (Attribute, error) {
	if s == "" {
		return "", xerrors.New("attribute: empty")
	}
	for _, seg := range strings.Split(s, ".") {
		if seg == "" {
			return "", xerrors.Errorf("attribute %q: empty segment", s)
		}
		if !segmentRe.MatchString(seg) {
			return "", xerrors.Errorf("attribute %q: invalid segment %q", s, seg)
		}
	}
	return Attribute(s), nil
}

// Segments splits a into its dotted path components, e.g.
// "python3Packages.bar.tests.x" → ["python3Packages", "bar", "tests", "x"].
func (a Attribute) Segments() []string {
	return strings.Split(string(a), ".")
}

// Parent returns the attribute one level up the tree and true, or ("", false)
// if a has no parent (a single segment).
func (a Attribute) Parent() (Attribute, bool) {
	segs := a.Segments()
	if len(segs) <= 1 {
		return "", false
	}
	return Attribute(strings.Join(segs[:len(segs)-1], ".")), true
}

// Less orders attributes lexicographically by their dotted string form. Used
// with sort.Slice to keep the per-outcome attribute lists in spec.md §3/§8
// sorted ascending with no duplicates.
func Less(a, b Attribute) bool {
	return string(a) < string(b)
}

// SortAttributes returns attrs sorted ascending, deduplicated.
func SortAttributes(attrs []Attribute) []Attribute {
	seen := make(map[Attribute]bool, len(attrs))
	out := make([]Attribute, 0, len(attrs))
	for _, a := range attrs {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}
