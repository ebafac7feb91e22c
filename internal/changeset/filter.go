package changeset

import (
	"regexp"

	nixpkgsreview "github.com/nixpkgs-review/nixpkgs-review"
)

// FilterResult is the outcome of applying spec.md §4.C's filter pipeline to
// a raw candidate set.
type FilterResult struct {
	Kept        []nixpkgsreview.Attribute
	Blacklisted []nixpkgsreview.Attribute
}

// ApplyFilters applies, in order: the package include-set (restrict to
// members plus packageRegex search-matches, when package is non-empty),
// then skipPackage/skipPackageRegex removal, then the built-in blacklist.
// Attributes removed by the blacklist step are reported separately so the
// caller can record them with Outcome Blacklisted, per spec.md §4.C
// ("removed attributes are recorded as Blacklisted in the final result if
// they appeared in the original candidate set").
func ApplyFilters(candidates []nixpkgsreview.Attribute, cfg nixpkgsreview.Config) (*FilterResult, error) {
	packageRe, err := compileAll(cfg.PackageRegex)
	if err != nil {
		return nil, err
	}
	skipRe, err := compileAll(cfg.SkipPackageRegex)
	if err != nil {
		return nil, err
	}

	include := make(map[nixpkgsreview.Attribute]bool, len(cfg.Package))
	for _, a := range cfg.Package {
		include[a] = true
	}
	skip := make(map[nixpkgsreview.Attribute]bool, len(cfg.SkipPackage))
	for _, a := range cfg.SkipPackage {
		skip[a] = true
	}

	// An explicitly-named --package attribute is kept even when the diff
	// never touched it, so the Evaluator Dispatcher still gets a chance to
	// classify it (e.g. as NonExistent) instead of it silently vanishing
	// from every outcome set.
	present := make(map[nixpkgsreview.Attribute]bool, len(candidates))
	base := make([]nixpkgsreview.Attribute, len(candidates))
	copy(base, candidates)
	for _, a := range base {
		present[a] = true
	}
	for _, a := range cfg.Package {
		if !present[a] {
			base = append(base, a)
			present[a] = true
		}
	}

	var step1 []nixpkgsreview.Attribute
	if len(cfg.Package) == 0 && len(cfg.PackageRegex) == 0 {
		step1 = base
	} else {
		for _, a := range base {
			if include[a] || searchesAny(packageRe, string(a)) {
				step1 = append(step1, a)
			}
		}
	}

	var step2 []nixpkgsreview.Attribute
	for _, a := range step1 {
		if skip[a] || fullMatchesAny(skipRe, string(a)) {
			continue
		}
		step2 = append(step2, a)
	}

	kept, blacklisted := nixpkgsreview.ApplyBlacklist(step2)
	return &FilterResult{Kept: kept, Blacklisted: blacklisted}, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		out[i] = re
	}
	return out, nil
}

func searchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func fullMatchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if loc := re.FindStringIndex(s); loc != nil && loc[0] == 0 && loc[1] == len(s) {
			return true
		}
	}
	return false
}
