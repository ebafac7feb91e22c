package nixpkgsreview

import (
	"sort"

	"golang.org/x/xerrors"
)

// SystemResult holds the six disjoint sorted Attribute sets for one System,
// keyed by Outcome (spec.md §3).
type SystemResult struct {
	sets map[Outcome][]Attribute
	// owner tracks which Outcome currently claims each attribute, enforcing
	// the "exactly one set per system" invariant at insertion time rather
	// than only at validation time.
	owner map[Attribute]Outcome
}

func newSystemResult() *SystemResult {
	return &SystemResult{
		sets:  make(map[Outcome][]Attribute),
		owner: make(map[Attribute]Outcome),
	}
}

// Add records attr's outcome. Calling Add twice for the same attribute with
// a different outcome is a bug in the caller (a component reclassifying an
// attribute it already classified) and returns an error rather than
// silently overwriting, since that would violate the one-set-per-attribute
// invariant without a trace of why.
func (r *SystemResult) Add(attr Attribute, outcome Outcome) error {
	if existing, ok := r.owner[attr]; ok {
		if existing == outcome {
			return nil // idempotent re-add, harmless
		}
		return xerrors.Errorf("attribute %q already classified as %v, cannot reclassify as %v", attr, existing, outcome)
	}
	r.owner[attr] = outcome
	set := r.sets[outcome]
	i := sort.Search(len(set), func(i int) bool { return !Less(set[i], attr) })
	set = append(set, "")
	copy(set[i+1:], set[i:])
	set[i] = attr
	r.sets[outcome] = set
	return nil
}

// Attrs returns the sorted, deduplicated attribute list for outcome.
func (r *SystemResult) Attrs(outcome Outcome) []Attribute {
	return SortAttributes(append([]Attribute(nil), r.sets[outcome]...))
}

// Validate checks spec.md §8's invariants for this system: every recorded
// attribute appears in exactly one outcome set, and every set is sorted
// with no duplicates (kept sorted by Add, checked here defensively).
func (r *SystemResult) Validate() error {
	seen := make(map[Attribute]int)
	for _, o := range outcomes {
		attrs := r.sets[o]
		for i, a := range attrs {
			if i > 0 && !Less(attrs[i-1], a) {
				return xerrors.Errorf("outcome %v: attribute list not strictly ascending at %q", o, a)
			}
			seen[a]++
		}
	}
	for a, n := range seen {
		if n != 1 {
			return xerrors.Errorf("attribute %q classified in %d outcome sets, want exactly 1", a, n)
		}
	}
	return nil
}

// ReviewResult is the per-system outcome classification produced by the
// Result Aggregator (component F).
type ReviewResult struct {
	Systems map[System]*SystemResult
}

// NewReviewResult returns an empty result with an entry for each system.
func NewReviewResult(systems []System) *ReviewResult {
	r := &ReviewResult{Systems: make(map[System]*SystemResult, len(systems))}
	for _, s := range systems {
		r.Systems[s] = newSystemResult()
	}
	return r
}

func (r *ReviewResult) Add(system System, attr Attribute, outcome Outcome) error {
	sr, ok := r.Systems[system]
	if !ok {
		return xerrors.Errorf("system %q not part of this review", system)
	}
	return sr.Add(attr, outcome)
}

// Validate runs SystemResult.Validate for every system.
func (r *ReviewResult) Validate() error {
	systems := make([]System, 0, len(r.Systems))
	for s := range r.Systems {
		systems = append(systems, s)
	}
	sortSystems(systems)
	for _, s := range systems {
		if err := r.Systems[s].Validate(); err != nil {
			return xerrors.Errorf("system %s: %w", s, err)
		}
	}
	return nil
}

// SortedSystems returns the result's systems in ascending order, for
// deterministic iteration when rendering a report.
func (r *ReviewResult) SortedSystems() []System {
	systems := make([]System, 0, len(r.Systems))
	for s := range r.Systems {
		systems = append(systems, s)
	}
	sortSystems(systems)
	return systems
}
