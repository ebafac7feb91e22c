// Package changeset implements the Change-Set Resolver (component C):
// producing the candidate attribute list from either CI artifacts or a
// local two-pass evaluation, then running it through the include/exclude/
// blacklist filter pipeline, per spec.md §4.C.
package changeset

import (
	"context"
	"runtime"

	nixpkgsreview "github.com/nixpkgs-review/nixpkgs-review"
	"golang.org/x/xerrors"
)

// Result is the filtered, classified output of change-set resolution.
type Result struct {
	Candidates  []nixpkgsreview.Attribute
	Broken      []nixpkgsreview.Attribute // only populated by the local-eval path
	Blacklisted []nixpkgsreview.Attribute
}

// Resolve runs spec.md §4.C's algorithm end to end: try the CI artifact
// path first when cfg.Eval allows it, fall back to local evaluation
// otherwise, then apply the package/skipPackage/regex/blacklist filter
// pipeline to whatever candidate set results.
func Resolve(ctx context.Context, cfg nixpkgsreview.Config, fetch ArtifactFetch, eval HashEvaluator, baseDir, mergedDir string) (*Result, error) {
	var candidates []nixpkgsreview.Attribute
	var broken []nixpkgsreview.Attribute

	if cfg.Eval == nixpkgsreview.EvalAuto || cfg.Eval == nixpkgsreview.EvalOfborg {
		attrs, ok, err := ResolveFromArtifacts(ctx, cfg.Systems, fetch)
		if err != nil {
			return nil, err
		}
		if ok {
			candidates = attrs
		} else if cfg.Eval == nixpkgsreview.EvalOfborg {
			return nil, &nixpkgsreview.EvalFailure{Err: errNoFreshArtifact}
		}
	}

	if candidates == nil {
		local, err := ResolveLocal(ctx, eval, baseDir, mergedDir, runtime.NumCPU())
		if err != nil {
			return nil, err
		}
		candidates = local.CandidateAttrs
		broken = local.Broken
	}

	filtered, err := ApplyFilters(candidates, cfg)
	if err != nil {
		return nil, err
	}

	return &Result{
		Candidates:  filtered.Kept,
		Broken:      broken,
		Blacklisted: filtered.Blacklisted,
	}, nil
}

var errNoFreshArtifact = xerrors.New("eval=ofborg requested but no fresh CI artifact is available for all systems")
