package review

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	nixpkgsreview "github.com/nixpkgs-review/nixpkgs-review"
	"github.com/nixpkgs-review/nixpkgs-review/internal/env"
	"github.com/nixpkgs-review/nixpkgs-review/internal/report"
)

// ReviewDirForPR returns the ReviewDir a pr-mode RunOne wrote its report
// to, for the standalone post-result/approve/merge/comments subcommands
// (SUPPLEMENTED FEATURES #1/#2) that act on a cached review instead of
// re-running the pipeline.
func ReviewDirForPR(n int) string {
	return filepath.Join(env.CacheRoot(), fmt.Sprintf("pr-%d", n))
}

// CachedResult is what the standalone `post-result`/`approve`/`merge`
// subcommands load from a previous review's ReviewDir instead of
// re-running the whole pipeline (SUPPLEMENTED FEATURES #2).
type CachedResult struct {
	PR            int
	AnyFailed     bool
	MarkdownBody  string
	BlacklistWarn string // non-empty if the cache predates the current blacklist
}

// LoadCachedResult reads back report.json and report.md from reviewDir
// (as written by Orchestrator.RunOne), for a subcommand that acts on a
// review's outcome without re-running it.
func LoadCachedResult(reviewDir string) (*CachedResult, error) {
	summary, err := report.LoadSummary(filepath.Join(reviewDir, "report.json"))
	if err != nil {
		return nil, err
	}
	md, err := os.ReadFile(filepath.Join(reviewDir, "report.md"))
	if err != nil {
		return nil, &nixpkgsreview.InternalError{Err: err}
	}
	cr := &CachedResult{PR: summary.PR, AnyFailed: summary.AnyFailed, MarkdownBody: string(md)}

	cached := readBlacklistVersion(reviewDir)
	if cached != "" && nixpkgsreview.BlacklistVersionNewerThan(cached) {
		cr.BlacklistWarn = "cached report was produced against blacklist " + cached +
			", current blacklist is " + nixpkgsreview.BlacklistVersion()
	}
	return cr, nil
}

// PostCached posts a cached report's markdown body as a PR comment,
// without re-running the review.
func PostCached(ctx context.Context, host Host, reviewDir string) error {
	cr, err := LoadCachedResult(reviewDir)
	if err != nil {
		return err
	}
	return host.PostComment(ctx, cr.PR, cr.MarkdownBody)
}

// ApproveCached approves the PR a cached report was written for, refusing
// when the cache recorded any Failed attribute.
func ApproveCached(ctx context.Context, host Host, reviewDir string) error {
	cr, err := LoadCachedResult(reviewDir)
	if err != nil {
		return err
	}
	if cr.AnyFailed {
		return &nixpkgsreview.UsageError{Msg: "refusing to approve: cached report recorded a failed build"}
	}
	return host.Approve(ctx, cr.PR, "nixpkgs-review: all builds succeeded")
}

// MergeCached merges the PR a cached report was written for, refusing when
// the cache recorded any Failed attribute.
func MergeCached(ctx context.Context, host Host, reviewDir string) error {
	cr, err := LoadCachedResult(reviewDir)
	if err != nil {
		return err
	}
	if cr.AnyFailed {
		return &nixpkgsreview.UsageError{Msg: "refusing to merge: cached report recorded a failed build"}
	}
	return host.Merge(ctx, cr.PR)
}
