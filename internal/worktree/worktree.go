// Package worktree implements the Worktree Manager (component B):
// materialising before/after checkouts of the target repository using
// only local fetches and worktree operations, per spec.md §4.B.
package worktree

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	nixpkgsreview "github.com/nixpkgs-review/nixpkgs-review"
	"github.com/nixpkgs-review/nixpkgs-review/internal/runner"
	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// Worktree is a directory materialised from the target repository at a
// specific commit (spec.md §3).
type Worktree struct {
	Path string
	Sha  string
}

// Manager operates on worktrees of one outer repository (RepoDir). Git's
// object database is read-only from worktrees; the only writes happen via
// Fetch, inside the critical section spec.md §5 describes.
type Manager struct {
	RepoDir string
}

func (m *Manager) git(ctx context.Context, args ...string) (string, error) {
	return m.gitIn(ctx, m.RepoDir, args...)
}

// Fetch invokes `git fetch --force <remote> <refspec>`, landing the result
// under the dedicated refs/nixpkgs-review/<id> namespace so concurrent
// reviews of different PRs never collide, and returns the fetched commit
// sha (spec.md §4.B).
func (m *Manager) Fetch(ctx context.Context, remote, refspec, id string) (string, error) {
	ns := "refs/nixpkgs-review/" + id
	if _, err := m.git(ctx, "fetch", "--force", remote, refspec+":"+ns); err != nil {
		return "", err
	}
	sha, err := m.git(ctx, "rev-parse", ns)
	if err != nil {
		return "", err
	}
	if err := m.recordRef(id, sha); err != nil {
		return "", err
	}
	return sha, nil
}

// recordRef writes which sha id's refs/nixpkgs-review/<id> namespace last
// pointed at, so a review resumed after a crash can tell whether the
// fetched ref is still the one it fetched without re-fetching. The write is
// atomic (github.com/google/renameio, the same tempfile+rename helper
// internal/report uses for report.json) since a torn write here would be
// indistinguishable from a ref that was never fetched.
func (m *Manager) recordRef(id, sha string) error {
	dir := filepath.Join(m.RepoDir, ".git", "nixpkgs-review-refs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &nixpkgsreview.InternalError{Err: err}
	}
	if err := renameio.WriteFile(filepath.Join(dir, id), []byte(sha+"\n"), 0644); err != nil {
		return &nixpkgsreview.InternalError{Err: err}
	}
	return nil
}

// LastFetchedSha reads back what recordRef last wrote for id, or "" if
// nothing was ever fetched under that id.
func (m *Manager) LastFetchedSha(id string) string {
	b, err := os.ReadFile(filepath.Join(m.RepoDir, ".git", "nixpkgs-review-refs", id))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// MergeBase returns the merge base of a and b.
func (m *Manager) MergeBase(ctx context.Context, a, b string) (string, error) {
	return m.git(ctx, "merge-base", a, b)
}

// RevParse resolves ref (e.g. "HEAD", "some-rev^") to a commit sha in the
// outer repository, for the rev mode's base/head resolution (spec.md
// §4.G: "rev: base = rev^, head = rev").
func (m *Manager) RevParse(ctx context.Context, ref string) (string, error) {
	return m.git(ctx, "rev-parse", ref)
}

// SnapshotWip captures the outer repository's uncommitted state as a
// throwaway commit, without touching the index or working tree, for the
// wip mode's head resolution (spec.md §4.G). staged=true snapshots only
// the index (git write-tree + commit-tree); staged=false additionally
// folds in the unstaged working-tree changes via `git stash create`, which
// builds the same kind of snapshot commit `git stash` itself uses without
// actually stashing anything away.
func (m *Manager) SnapshotWip(ctx context.Context, staged bool) (string, error) {
	head, err := m.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	if staged {
		tree, err := m.git(ctx, "write-tree")
		if err != nil {
			return "", err
		}
		return m.git(ctx, "commit-tree", tree, "-p", head, "-m", "nixpkgs-review wip snapshot")
	}
	sha, err := m.git(ctx, "stash", "create")
	if err != nil {
		return "", err
	}
	if sha == "" {
		// Nothing unstaged to snapshot; the working tree already matches HEAD.
		return head, nil
	}
	return sha, nil
}

// Make creates (or reuses) a worktree at path pointing at sha. If path
// already exists, points at sha and has no local changes, it is reused
// as-is; otherwise it is reset and cleaned. Spec.md §4.B invariant: afterwards, the
// worktree's HEAD equals sha and the index is clean.
func (m *Manager) Make(ctx context.Context, path, sha string) (*Worktree, error) {
	if st, err := os.Stat(path); err == nil && st.IsDir() {
		head, err := m.gitIn(ctx, path, "rev-parse", "HEAD")
		if err == nil && head == sha {
			status, err := m.gitIn(ctx, path, "status", "--porcelain")
			if err != nil {
				return nil, err
			}
			if status == "" {
				return &Worktree{Path: path, Sha: sha}, nil
			}
		}
		// Existing worktree at a different commit or with local changes: reset it in place
		// rather than recreating, avoiding a redundant `worktree add`.
		if _, err := m.gitIn(ctx, path, "reset", "--hard", sha); err != nil {
			return nil, err
		}
		if _, err := m.gitIn(ctx, path, "clean", "-fdx"); err != nil {
			return nil, err
		}
		return &Worktree{Path: path, Sha: sha}, nil
	}
	if _, err := m.git(ctx, "worktree", "add", "--force", path, sha); err != nil {
		return nil, err
	}
	return &Worktree{Path: path, Sha: sha}, nil
}

func (m *Manager) gitIn(ctx context.Context, dir string, args ...string) (string, error) {
	var out strings.Builder
	res, err := runner.Run(ctx, "git", args, runner.Opts{
		Dir:        dir,
		StdoutSink: func(line string) { out.WriteString(line); out.WriteByte('\n') },
	})
	if err != nil {
		return "", &nixpkgsreview.VcsError{Err: err}
	}
	if res.ExitCode != 0 {
		return "", &nixpkgsreview.VcsError{Err: xerrors.Errorf("git %v: exit status %d", args, res.ExitCode)}
	}
	return strings.TrimSpace(out.String()), nil
}

// Drop removes worktree w. A failed drop only warns (spec.md §7); the
// caller is responsible for logging, Drop returns the error for that
// purpose rather than swallowing it itself.
func (m *Manager) Drop(ctx context.Context, w *Worktree) error {
	_, err := m.git(ctx, "worktree", "remove", "--force", w.Path)
	return err
}

// MergeInto attempts `git merge --no-edit <headSha>` inside w, having
// first checked out baseRef's commit (detached, since baseRef's branch may
// be checked out in another worktree). On conflict it returns a *nixpkgsreview.MergeConflict
// and leaves the worktree in the conflicted state for post-mortem
// inspection, per spec.md §4.B/§8 scenario 6.
func (m *Manager) MergeInto(ctx context.Context, w *Worktree, baseRef, headSha string) (string, error) {
	if _, err := m.gitIn(ctx, w.Path, "checkout", "--detach", baseRef); err != nil {
		return "", err
	}
	res, err := runner.Run(ctx, "git", []string{"merge", "--no-edit", headSha}, runner.Opts{Dir: w.Path})
	if err != nil {
		return "", &nixpkgsreview.VcsError{Err: err}
	}
	if res.ExitCode != 0 {
		return "", &nixpkgsreview.MergeConflict{Worktree: w.Path}
	}
	return m.gitIn(ctx, w.Path, "rev-parse", "HEAD")
}
