// Command nixpkgs-review drives the Review Orchestrator from the command
// line: the pr/rev/wip/approve/merge/post-result/comments subcommands of
// spec.md §6, built on top of internal/review, internal/worktree, and
// internal/githost. Grounded on cmd/distri/distri.go's verb-dispatch
// funcmain/main split: funcmain returns an error, main's only job is to
// print it and call errors.go's ExitCode, so every failure mode funnels
// through the one error taxonomy rather than scattering os.Exit calls
// through the verbs themselves.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	nixpkgsreview "github.com/nixpkgs-review/nixpkgs-review"
	"github.com/nixpkgs-review/nixpkgs-review/internal/changeset"
	"github.com/nixpkgs-review/nixpkgs-review/internal/eval"
	"github.com/nixpkgs-review/nixpkgs-review/internal/githost"
	"github.com/nixpkgs-review/nixpkgs-review/internal/review"
	"github.com/nixpkgs-review/nixpkgs-review/internal/scheduler"
	"github.com/nixpkgs-review/nixpkgs-review/internal/worktree"
)

// repoContext bundles what every subcommand needs to talk to the outer
// repository and its code host, resolved once from the environment.
type repoContext struct {
	repoDir string
	owner   string
	repo    string
	token   string
}

func resolveRepoContext(ctx context.Context, remoteName string) (*repoContext, error) {
	repoDir, err := gitOutput(ctx, "", "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, &nixpkgsreview.VcsError{Err: err}
	}
	remoteURL, err := gitOutput(ctx, repoDir, "remote", "get-url", remoteName)
	if err != nil {
		return nil, &nixpkgsreview.VcsError{Err: err}
	}
	owner, repo, err := githost.ParseRepoSlug(remoteURL)
	if err != nil {
		return nil, &nixpkgsreview.UsageError{Msg: err.Error()}
	}
	token, err := resolveToken()
	if err != nil {
		return nil, err
	}
	return &repoContext{repoDir: repoDir, owner: owner, repo: repo, token: token}, nil
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %v: %w", args, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// resolveToken reads GITHUB_TOKEN directly, falling back to running
// GITHUB_TOKEN_CMD and trimming its stdout, per spec.md §6's environment
// list.
func resolveToken() (string, error) {
	if tok := os.Getenv("GITHUB_TOKEN"); tok != "" {
		return tok, nil
	}
	if cmdline := os.Getenv("GITHUB_TOKEN_CMD"); cmdline != "" {
		out, err := exec.Command("sh", "-c", cmdline).Output()
		if err != nil {
			return "", &nixpkgsreview.UsageError{Msg: fmt.Sprintf("GITHUB_TOKEN_CMD: %v", err)}
		}
		return strings.TrimSpace(string(out)), nil
	}
	return "", nil
}

// newOrchestrator wires one Orchestrator from a resolved repoContext and
// Config, the production equivalent of internal/review's test helper:
// real worktree.Manager, real githost.Client, nix-instantiate-backed
// evaluators, and nix-store-backed dependency probing.
func newOrchestrator(rc *repoContext, cfg nixpkgsreview.Config) *review.Orchestrator {
	remote := cfg.Remote
	if remote == "" {
		remote = "origin"
	}
	host := githost.NewClient(context.Background(), rc.token, rc.owner, rc.repo)
	return &review.Orchestrator{
		RepoDir:   rc.repoDir,
		Remote:    remote,
		Manager:   &worktree.Manager{RepoDir: rc.repoDir},
		Host:      host,
		Config:    cfg,
		Invoker:   &eval.NixInvoker{},
		HashEval:  &changeset.NixEvaluator{},
		DepsProbe: scheduler.NixStoreDepsProbe,
		Stdout:    os.Stdout,
		Warn:      func(msg string) { fmt.Fprintln(os.Stderr, "warning:", msg) },
	}
}

func funcmain() error {
	args := os.Args[1:]
	verb := "pr"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		verb, args = args[0], args[1:]
	}

	ctx, canc := nixpkgsreview.InterruptibleContext()
	defer canc()

	switch verb {
	case "pr":
		return runPR(ctx, args)
	case "rev":
		return runRev(ctx, args)
	case "wip":
		return runWip(ctx, args)
	case "post-result":
		return runCached(ctx, args, review.PostCached)
	case "approve":
		return runCached(ctx, args, review.ApproveCached)
	case "merge":
		return runCached(ctx, args, review.MergeCached)
	case "comments":
		return runComments(ctx, args)
	default:
		return &nixpkgsreview.UsageError{Msg: fmt.Sprintf("unknown subcommand %q", verb)}
	}
}

func runPR(ctx context.Context, args []string) error {
	cfg, rest, err := nixpkgsreview.ParseFlagValues("pr", args)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return &nixpkgsreview.UsageError{Msg: "pr: at least one PR number required"}
	}
	inputs := make([]review.Input, 0, len(rest))
	for _, a := range rest {
		n, err := strconv.Atoi(a)
		if err != nil {
			return &nixpkgsreview.UsageError{Msg: fmt.Sprintf("pr: invalid PR number %q", a)}
		}
		inputs = append(inputs, review.Input{Mode: review.ModePR, PRNumber: n})
	}
	rc, err := resolveRepoContext(ctx, defaultRemote(cfg))
	if err != nil {
		return err
	}
	o := newOrchestrator(rc, cfg)
	_, runErr := o.Run(ctx, inputs)
	return runErr
}

func runRev(ctx context.Context, args []string) error {
	cfg, rest, err := nixpkgsreview.ParseFlagValues("rev", args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return &nixpkgsreview.UsageError{Msg: "rev: exactly one rev-spec required"}
	}
	rc, err := resolveRepoContext(ctx, defaultRemote(cfg))
	if err != nil {
		return err
	}
	o := newOrchestrator(rc, cfg)
	_, err = o.RunOne(ctx, review.Input{Mode: review.ModeRev, Rev: rest[0]})
	return err
}

// extractBoolFlag pulls a bare "-name"/"--name" switch out of args (wip's
// --staged isn't a Config field, so it's handled here rather than inside
// ParseFlagValues), returning whether it was present and the remaining
// arguments for ParseFlagValues to parse.
func extractBoolFlag(args []string, name string) (bool, []string) {
	rest := make([]string, 0, len(args))
	found := false
	for _, a := range args {
		if a == "-"+name || a == "--"+name {
			found = true
			continue
		}
		rest = append(rest, a)
	}
	return found, rest
}

func runWip(ctx context.Context, args []string) error {
	staged, rest := extractBoolFlag(args, "staged")
	cfg, positional, err := nixpkgsreview.ParseFlagValues("wip", rest)
	if err != nil {
		return err
	}
	if len(positional) != 0 {
		return &nixpkgsreview.UsageError{Msg: "wip: no positional arguments expected"}
	}
	rc, err := resolveRepoContext(ctx, defaultRemote(cfg))
	if err != nil {
		return err
	}
	o := newOrchestrator(rc, cfg)
	_, err = o.RunOne(ctx, review.Input{Mode: review.ModeWip, Staged: staged})
	return err
}

func defaultRemote(cfg nixpkgsreview.Config) string {
	if cfg.Remote != "" {
		return cfg.Remote
	}
	return "origin"
}

func runCached(ctx context.Context, args []string, fn func(ctx context.Context, host review.Host, reviewDir string) error) error {
	if len(args) != 1 {
		return &nixpkgsreview.UsageError{Msg: "expected exactly one PR number"}
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return &nixpkgsreview.UsageError{Msg: fmt.Sprintf("invalid PR number %q", args[0])}
	}
	rc, err := resolveRepoContext(ctx, "origin")
	if err != nil {
		return err
	}
	host := githost.NewClient(ctx, rc.token, rc.owner, rc.repo)
	return fn(ctx, host, review.ReviewDirForPR(n))
}

func runComments(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return &nixpkgsreview.UsageError{Msg: "comments: expected exactly one PR number"}
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return &nixpkgsreview.UsageError{Msg: fmt.Sprintf("invalid PR number %q", args[0])}
	}
	rc, err := resolveRepoContext(ctx, "origin")
	if err != nil {
		return err
	}
	host := githost.NewClient(ctx, rc.token, rc.owner, rc.repo)
	comments, err := host.ListOwnComments(ctx, n)
	if err != nil {
		return err
	}
	for _, c := range comments {
		fmt.Println(c)
		fmt.Println("---")
	}
	return nil
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(nixpkgsreview.ExitCode(err))
	}
}
