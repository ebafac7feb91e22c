// Package review implements the Review Orchestrator (component G): the
// single control thread that drives every other component through one
// review, end to end, per spec.md §4.G.
//
//	Start → PrepareWorktrees → ResolveChangeSet → EvaluateSystems
//	      → ScheduleBuilds → WriteReport → { PostResult? Approve? Merge? }
//	      → { LaunchShell | Exit }
//
// Grounded on cmd/autobuilder/autobuilder.go's top-level run/runCommit
// sequencing (there, a stamp-file-driven pipeline of fixed steps; here, a
// ReviewDir-scoped pipeline of fixed steps) and cmd/distri/distri.go's
// verb-dispatch main/funcmain split, which cmd/nixpkgs-review/main.go
// mirrors for the pr/rev/wip/approve/merge/post-result/comments verbs.
package review

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	nixpkgsreview "github.com/nixpkgs-review/nixpkgs-review"
	"github.com/nixpkgs-review/nixpkgs-review/internal/changeset"
	"github.com/nixpkgs-review/nixpkgs-review/internal/env"
	"github.com/nixpkgs-review/nixpkgs-review/internal/eval"
	"github.com/nixpkgs-review/nixpkgs-review/internal/report"
	"github.com/nixpkgs-review/nixpkgs-review/internal/runner"
	"github.com/nixpkgs-review/nixpkgs-review/internal/scheduler"
	"github.com/nixpkgs-review/nixpkgs-review/internal/worktree"
	"github.com/oklog/ulid/v2"
	"golang.org/x/xerrors"
)

// Mode selects how PrepareWorktrees resolves base/head (spec.md §4.G).
type Mode string

const (
	ModePR  Mode = "pr"
	ModeRev Mode = "rev"
	ModeWip Mode = "wip"
)

// Host is the subset of internal/githost.Client the Orchestrator drives.
// Declared here rather than imported from internal/githost so tests can
// supply a fake without pulling in the real transport.
type Host interface {
	FetchPR(ctx context.Context, number int) (*nixpkgsreview.PRSpec, error)
	FetchArtifact(ctx context.Context, sha string, system nixpkgsreview.System) (zipData []byte, fresh bool, err error)
	PostComment(ctx context.Context, number int, body string) error
	ListOwnComments(ctx context.Context, number int) ([]string, error)
	Approve(ctx context.Context, number int, body string) error
	Merge(ctx context.Context, number int) error
}

// Input names one review to run (one element of a pr mode's N argument
// list, or the sole rev/wip invocation).
type Input struct {
	Mode     Mode
	PRNumber int    // ModePR
	Rev      string // ModeRev
	Staged   bool   // ModeWip
}

// Orchestrator owns the worktrees and ReviewDir of every review it runs,
// for as long as that review is in flight (spec.md §5's ownership
// summary). One Orchestrator can run any number of reviews serially via
// Run; it is not safe for concurrent use.
type Orchestrator struct {
	RepoDir string // the outer repository the user is reviewing from
	Remote  string // the git remote to fetch PR heads from, e.g. "origin"

	Manager *worktree.Manager
	Host    Host

	Config nixpkgsreview.Config

	Invoker   eval.Invoker
	HashEval  changeset.HashEvaluator
	DepsProbe scheduler.DepsProbe

	// BuildFn, when set, replaces the Scheduler's real nix-build
	// invocation; tests use this to drive RunOne end to end without a
	// nix-build binary on PATH.
	BuildFn func(ctx context.Context, name string, args []string, opts runner.Opts) (*runner.Result, error)

	// Stdout receives SUPPLEMENTED FEATURES #5's printed report.md when
	// Config.PrintResult is set without Config.PostResult.
	Stdout io.Writer

	// Shell launches an interactive shell rooted at dir, defaulting to
	// runShell ($SHELL -i, falling back to bash, with the caller's stdio
	// attached) when nil.
	Shell func(ctx context.Context, dir string) error

	// Warn receives non-fatal diagnostics (spec.md §7's warn-and-continue
	// cases, e.g. a dependency probe failure or a failed worktree Drop).
	Warn func(msg string)
}

func (o *Orchestrator) warn(format string, args ...interface{}) {
	if o.Warn != nil {
		o.Warn(fmt.Sprintf(format, args...))
	}
}

// Result is what one RunOne call produces: the written report document,
// and whether the review completed in full.
type Result struct {
	Doc        *report.Document
	ReviewDir  string
	MergedDir  string
	Incomplete bool
}

// resolved is the base/head/id triple PrepareWorktrees derives from an
// Input, regardless of mode.
type resolved struct {
	id       string // ReviewDir / .review/ subdirectory name
	baseSha  string
	baseRef  string // only set for ModePR+CheckoutMerge, the branch MergeInto checks out
	headSha  string
	prNumber int // 0 outside ModePR
}

// resolve implements spec.md §4.G's three modes' base/head rules.
func (o *Orchestrator) resolve(ctx context.Context, in Input) (*resolved, *nixpkgsreview.PRSpec, error) {
	switch in.Mode {
	case ModePR:
		pr, err := o.Host.FetchPR(ctx, in.PRNumber)
		if err != nil {
			return nil, nil, err
		}
		id := fmt.Sprintf("pr-%d", in.PRNumber)
		headSha, err := o.Manager.Fetch(ctx, o.Remote, fmt.Sprintf("pull/%d/head", in.PRNumber), id)
		if err != nil {
			return nil, nil, err
		}
		r := &resolved{id: id, baseSha: pr.BaseSha, headSha: headSha, prNumber: in.PRNumber}
		if o.Config.Checkout == nixpkgsreview.CheckoutMerge {
			r.baseRef = pr.BaseRef
		}
		return r, pr, nil

	case ModeRev:
		head, err := o.Manager.RevParse(ctx, in.Rev)
		if err != nil {
			return nil, nil, err
		}
		base, err := o.Manager.RevParse(ctx, in.Rev+"^")
		if err != nil {
			return nil, nil, err
		}
		id := "rev-" + shortSha(head)
		return &resolved{id: id, baseSha: base, headSha: head}, nil, nil

	case ModeWip:
		base, err := o.Manager.RevParse(ctx, "HEAD")
		if err != nil {
			return nil, nil, err
		}
		head, err := o.Manager.SnapshotWip(ctx, in.Staged)
		if err != nil {
			return nil, nil, err
		}
		id := "wip-" + strings.ToLower(ulid.Make().String())
		return &resolved{id: id, baseSha: base, headSha: head}, nil, nil

	default:
		return nil, nil, &nixpkgsreview.UsageError{Msg: fmt.Sprintf("mode: unknown value %q", in.Mode)}
	}
}

func shortSha(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

// RunOne drives a single review through every state machine step,
// returning the written report Result even when the review was cancelled
// mid-build — spec.md §4.E: "reviews cancelled this way are marked
// incomplete in the report but the partial results are still written" —
// so WriteReport always runs once ScheduleBuilds returns, regardless of
// whether it returned early due to cancellation.
func (o *Orchestrator) RunOne(ctx context.Context, in Input) (*Result, error) {
	if err := o.Config.Validate(); err != nil {
		return nil, err
	}

	res, _, err := o.resolve(ctx, in)
	if err != nil {
		return nil, err
	}

	reviewDir := filepath.Join(env.CacheRoot(), res.id)
	mergedDir := filepath.Join(o.RepoDir, ".review", res.id)
	baseDir := filepath.Join(reviewDir, "base-worktree")
	logDir := filepath.Join(reviewDir, "logs")
	resultsDir := filepath.Join(reviewDir, "results")

	if err := os.MkdirAll(reviewDir, 0755); err != nil {
		return nil, &nixpkgsreview.InternalError{Err: err}
	}

	// PrepareWorktrees. The base worktree only exists to give the local-eval
	// hash pass something to diff against; it is dropped once
	// ResolveChangeSet no longer needs it.
	baseWt, err := o.Manager.Make(ctx, baseDir, res.baseSha)
	if err != nil {
		return nil, err
	}
	baseDropped := false
	dropBase := func() {
		baseDropped = true
		if err := o.Manager.Drop(ctx, baseWt); err != nil {
			o.warn("dropping base worktree %s: %v", baseDir, err)
		}
	}
	defer func() {
		if !baseDropped {
			dropBase()
		}
	}()
	mergedSha := res.headSha
	if res.baseRef != "" {
		w, err := o.Manager.Make(ctx, mergedDir, res.baseSha)
		if err != nil {
			return nil, err
		}
		mergedSha, err = o.Manager.MergeInto(ctx, w, res.baseRef, res.headSha)
		if err != nil {
			return nil, err
		}
	} else if _, err := o.Manager.Make(ctx, mergedDir, mergedSha); err != nil {
		return nil, err
	}

	// ResolveChangeSet.
	fetch := changeset.ArtifactFetch(func(ctx context.Context, sys nixpkgsreview.System) ([]byte, bool, error) {
		return nil, false, nil
	})
	if in.Mode == ModePR {
		fetch = func(ctx context.Context, sys nixpkgsreview.System) ([]byte, bool, error) {
			return o.Host.FetchArtifact(ctx, res.headSha, sys)
		}
	}
	cs, err := changeset.Resolve(ctx, o.Config, fetch, o.HashEval, baseDir, mergedDir)
	if err != nil {
		return nil, err
	}
	dropBase()

	// EvaluateSystems.
	meta, err := eval.Dispatch(ctx, o.Config, mergedDir, cs.Candidates, o.Invoker)
	if err != nil {
		return nil, err
	}

	// ScheduleBuilds.
	sched, err := scheduler.Plan(ctx, meta, o.DepsProbe, func(msg string) { o.warn("%s", msg) })
	if err != nil {
		return nil, err
	}
	sched.LogDir = logDir
	sched.MaxJobs = runtime.NumCPU()
	sched.BuildArgs = o.Config.BuildArgs
	sched.BuildGraph = o.Config.BuildGraph
	sched.TracePath = filepath.Join(reviewDir, "trace.json")
	sched.BuildFn = o.BuildFn

	buildReport, err := sched.Run(ctx)
	if err != nil {
		return nil, err
	}

	// WriteReport: always runs, incomplete or not.
	rr, err := report.Merge(o.Config.Systems, cs.Blacklisted, cs.Broken, meta, buildReport.Outcomes)
	if err != nil {
		return nil, err
	}
	doc := &report.Document{
		PR:                 res.prNumber,
		Systems:            o.Config.Systems,
		Checkout:           o.Config.Checkout,
		ExtraNixpkgsConfig: o.Config.ExtraNixpkgsConfig,
		Result:             rr,
		FailureTail:        buildReport.FailureTail,
	}
	if err := doc.WriteJSON(filepath.Join(reviewDir, "report.json")); err != nil {
		return nil, err
	}
	if err := doc.WriteMarkdown(filepath.Join(reviewDir, "report.md")); err != nil {
		return nil, err
	}
	if err := report.WriteSymlinks(resultsDir, o.Config.Systems, meta, rr); err != nil {
		return nil, err
	}
	if err := writeBlacklistVersion(reviewDir); err != nil {
		return nil, err
	}

	out := &Result{Doc: doc, ReviewDir: reviewDir, MergedDir: mergedDir, Incomplete: buildReport.Incomplete}
	if buildReport.Incomplete {
		return out, &nixpkgsreview.CancelledError{}
	}

	anyFailed := false
	for _, sys := range o.Config.Systems {
		if sr, ok := rr.Systems[sys]; ok && len(sr.Attrs(nixpkgsreview.Failed)) > 0 {
			anyFailed = true
		}
	}

	if in.Mode == ModePR {
		md, err := report.RenderMarkdown(doc)
		if err != nil {
			return out, err
		}
		if o.Config.PostResult {
			if err := o.Host.PostComment(ctx, res.prNumber, md); err != nil {
				return out, err
			}
		} else if o.Config.PrintResult && o.Stdout != nil {
			fmt.Fprintln(o.Stdout, md)
		}
		if o.Config.Approve && !anyFailed {
			if err := o.Host.Approve(ctx, res.prNumber, "nixpkgs-review: all builds succeeded"); err != nil {
				return out, err
			}
		}
		if o.Config.Merge && !anyFailed {
			if err := o.Host.Merge(ctx, res.prNumber); err != nil {
				return out, err
			}
		}
	} else if o.Config.PrintResult && o.Stdout != nil {
		md, err := report.RenderMarkdown(doc)
		if err != nil {
			return out, err
		}
		fmt.Fprintln(o.Stdout, md)
	}

	if err := o.launchShellOrCommand(ctx, mergedDir); err != nil {
		return out, err
	}

	if anyFailed {
		return out, &nixpkgsreview.BuildFailure{Err: xerrors.New("one or more attributes failed to build")}
	}
	return out, nil
}

// Run drives every input through RunOne, serially, in order (spec.md
// §4.G: "multi-PR runs execute the pipeline serially; shells are launched
// one at a time after each build completes"). It keeps going after a
// per-input error so one bad PR number doesn't abort the rest of the
// batch; the first error is returned once every input has been attempted.
func (o *Orchestrator) Run(ctx context.Context, inputs []Input) ([]*Result, error) {
	var results []*Result
	var firstErr error
	for _, in := range inputs {
		res, err := o.RunOne(ctx, in)
		results = append(results, res)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	return results, firstErr
}

func (o *Orchestrator) launchShellOrCommand(ctx context.Context, dir string) error {
	if o.Config.NoShell && o.Config.RunCommand == "" {
		return nil
	}
	shell := o.Shell
	if shell == nil {
		shell = runShell
	}
	if o.Config.RunCommand != "" {
		return runCommandIn(ctx, dir, o.Config.RunCommand)
	}
	if o.Config.NoShell {
		return nil
	}
	return shell(ctx, dir)
}

// runShell starts an interactive shell in dir with the caller's stdio
// attached, the same direct os/exec + os.Stdin/Stdout/Stderr wiring
// internal/build's maybeStartDebugShell used for its debug shell: an
// attached interactive session is not a monitored child process in the
// Process Runner's sense (no output capture, no timeout), so it bypasses
// internal/runner entirely rather than forcing that abstraction to grow an
// interactive-passthrough mode it has no other use for.
func runShell(ctx context.Context, dir string) error {
	sh := os.Getenv("SHELL")
	if sh == "" {
		sh = "bash"
	}
	cmd := exec.CommandContext(ctx, sh, "-i")
	cmd.Dir = dir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// runCommandIn runs a single shell command line in dir with output
// streamed to stdout/stderr as it arrives, for Config.RunCommand (the
// non-interactive alternative to LaunchShell).
func runCommandIn(ctx context.Context, dir, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &nixpkgsreview.InternalError{Err: err}
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return &nixpkgsreview.InternalError{Err: err}
	}
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		fmt.Println(scanner.Text())
	}
	return cmd.Wait()
}

// writeBlacklistVersion records the running binary's blacklist version
// alongside report.json, so a later LoadCachedResult can tell whether the
// cache was produced against a blacklist older than the one currently
// shipped (SUPPLEMENTED FEATURES #2). Kept as a standalone sidecar file
// rather than a report.json field, since report.json's schema (spec.md §6)
// is fixed and has no slot for it.
func writeBlacklistVersion(reviewDir string) error {
	return os.WriteFile(filepath.Join(reviewDir, "blacklist-version"), []byte(nixpkgsreview.BlacklistVersion()+"\n"), 0644)
}

// readBlacklistVersion is LoadCachedResult's counterpart to
// writeBlacklistVersion.
func readBlacklistVersion(reviewDir string) string {
	b, err := os.ReadFile(filepath.Join(reviewDir, "blacklist-version"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
