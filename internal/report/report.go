// Package report implements the Result Aggregator (component F): merging
// per-system DerivationMeta and build outcomes into a ReviewResult, and
// writing that result out as report.json, report.md, and a results/
// symlink farm, per spec.md §4.F.
package report

import (
	"os"
	"path/filepath"
	"sort"

	nixpkgsreview "github.com/nixpkgs-review/nixpkgs-review"
	"github.com/nixpkgs-review/nixpkgs-review/internal/eval"
	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// Merge combines the evaluator's per-(system, attribute) DerivationMeta,
// the globally blacklisted attributes removed before evaluation (spec.md
// §4.C), the attributes the Change-Set Resolver's local-eval path already
// found broken before a single per-system DerivationMeta was ever produced
// for them, and the scheduler's per-target Built/Failed classification into
// a single ReviewResult. Every attribute ends up in exactly one of the six
// outcome sets per system (ReviewResult.Validate enforces this).
func Merge(
	systems []nixpkgsreview.System,
	blacklisted []nixpkgsreview.Attribute,
	broken []nixpkgsreview.Attribute,
	meta map[nixpkgsreview.System]map[nixpkgsreview.Attribute]nixpkgsreview.DerivationMeta,
	buildOutcomes map[nixpkgsreview.System]map[nixpkgsreview.Attribute]nixpkgsreview.Outcome,
) (*nixpkgsreview.ReviewResult, error) {
	rr := nixpkgsreview.NewReviewResult(systems)

	for _, attr := range blacklisted {
		for _, sys := range systems {
			if err := rr.Add(sys, attr, nixpkgsreview.Blacklisted); err != nil {
				return nil, err
			}
		}
	}

	for _, attr := range broken {
		for _, sys := range systems {
			if err := rr.Add(sys, attr, nixpkgsreview.Broken); err != nil {
				return nil, err
			}
		}
	}

	for _, sys := range systems {
		for attr, m := range meta[sys] {
			outcome := eval.Classify(m)
			if outcome == nixpkgsreview.Built {
				// Built is provisional until the scheduler actually builds
				// the drv; the final Built/Failed split comes from
				// buildOutcomes below.
				continue
			}
			if err := rr.Add(sys, attr, outcome); err != nil {
				return nil, err
			}
		}
		for attr, outcome := range buildOutcomes[sys] {
			if err := rr.Add(sys, attr, outcome); err != nil {
				return nil, err
			}
		}
	}

	if err := rr.Validate(); err != nil {
		return nil, &nixpkgsreview.InternalError{Err: err}
	}
	return rr, nil
}

// Document is the full ReviewDir report, holding everything report.json
// and report.md need to render (spec.md §3's ReviewDir, §6's schema).
type Document struct {
	PR                 int // 0 when this review has no associated PR (rev/wip modes)
	Systems            []nixpkgsreview.System
	Checkout           nixpkgsreview.Checkout
	ExtraNixpkgsConfig string
	Result             *nixpkgsreview.ReviewResult
	FailureTail        map[nixpkgsreview.System]map[nixpkgsreview.Attribute][]string
}

// WriteJSON atomically writes report.json to path, the same
// write-to-tempfile-then-rename approach
// cmd/autobuilder/autobuilder.go uses for the distri symlink
// (github.com/google/renameio), generalised here to a whole-file write so a
// crash mid-write never leaves a truncated report.json behind.
func (d *Document) WriteJSON(path string) error {
	b, err := marshalReportJSON(d)
	if err != nil {
		return &nixpkgsreview.InternalError{Err: err}
	}
	if err := renameio.WriteFile(path, b, 0644); err != nil {
		return &nixpkgsreview.InternalError{Err: err}
	}
	return nil
}

// WriteMarkdown renders and atomically writes report.md to path.
func (d *Document) WriteMarkdown(path string) error {
	md, err := RenderMarkdown(d)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(path, []byte(md), 0644); err != nil {
		return &nixpkgsreview.InternalError{Err: err}
	}
	return nil
}

// WriteSymlinks builds the results/ symlink farm: one results/<attr> →
// first output path symlink per Built attribute across every system,
// first-system-wins when an attribute built on more than one system. The
// farm is rebuilt from scratch each run (stale entries from a previous,
// differently-scoped review are removed first), mirroring the
// remove-then-atomically-recreate approach the teacher's
// cmd/distri/symlinkfarm.go used for its package symlink trees, via
// renameio.Symlink instead of a manual tempfile+rename pair.
func WriteSymlinks(dir string, systems []nixpkgsreview.System, meta map[nixpkgsreview.System]map[nixpkgsreview.Attribute]nixpkgsreview.DerivationMeta, result *nixpkgsreview.ReviewResult) error {
	if err := os.RemoveAll(dir); err != nil {
		return &nixpkgsreview.InternalError{Err: err}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &nixpkgsreview.InternalError{Err: err}
	}

	written := make(map[nixpkgsreview.Attribute]bool)
	for _, sys := range systems {
		sr, ok := result.Systems[sys]
		if !ok {
			continue
		}
		for _, attr := range sr.Attrs(nixpkgsreview.Built) {
			if written[attr] {
				continue
			}
			target := firstOutPath(meta[sys][attr].OutPaths)
			if target == "" {
				continue
			}
			if err := renameio.Symlink(target, filepath.Join(dir, string(attr))); err != nil {
				return &nixpkgsreview.InternalError{Err: xerrors.Errorf("symlink %s: %w", attr, err)}
			}
			written[attr] = true
		}
	}
	return nil
}

// firstOutPath picks "out" when present (the conventional default Nix
// output), falling back to the lexicographically first output name so the
// choice is deterministic across runs.
func firstOutPath(outPaths map[string]string) string {
	if p, ok := outPaths["out"]; ok {
		return p
	}
	if len(outPaths) == 0 {
		return ""
	}
	names := make([]string, 0, len(outPaths))
	for n := range outPaths {
		names = append(names, n)
	}
	sort.Strings(names)
	return outPaths[names[0]]
}
