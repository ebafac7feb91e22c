package worktree

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	nixpkgsreview "github.com/nixpkgs-review/nixpkgs-review"
	"github.com/nixpkgs-review/nixpkgs-review/internal/reviewtest"
)

func mustRun(t *testing.T, dir, name string, args ...string) {
	t.Helper()
	reviewtest.MustRun(t, dir, name, args...)
}

func newRepo(t *testing.T) string {
	t.Helper()
	return reviewtest.NewRepo(t)
}

func TestMakeIsIdempotent(t *testing.T) {
	repo := newRepo(t)
	m := &Manager{RepoDir: repo}
	ctx := context.Background()

	head, err := m.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		t.Fatal(err)
	}

	wtPath := filepath.Join(t.TempDir(), "wt")
	w1, err := m.Make(ctx, wtPath, head)
	if err != nil {
		t.Fatal(err)
	}
	if w1.Sha != head {
		t.Fatalf("sha = %s, want %s", w1.Sha, head)
	}

	// Second call with the same sha must be a no-op reuse, not an error.
	w2, err := m.Make(ctx, wtPath, head)
	if err != nil {
		t.Fatal(err)
	}
	if w2.Path != w1.Path {
		t.Fatalf("path changed across idempotent Make calls")
	}

	if err := m.Drop(ctx, w2); err != nil {
		t.Fatal(err)
	}
}

func TestFetchRecordsRef(t *testing.T) {
	upstream := newRepo(t)
	repo := t.TempDir()
	mustRun(t, repo, "git", "init", "-q", "-b", "master")
	m := &Manager{RepoDir: repo}
	ctx := context.Background()

	sha, err := m.Fetch(ctx, upstream, "master", "pr-1")
	if err != nil {
		t.Fatal(err)
	}
	if got := m.LastFetchedSha("pr-1"); got != sha {
		t.Fatalf("LastFetchedSha = %q, want %q", got, sha)
	}
	if m.LastFetchedSha("pr-2") != "" {
		t.Fatal("expected empty LastFetchedSha for an id never fetched")
	}
}

func TestSnapshotWipStagedAndUnstaged(t *testing.T) {
	repo := newRepo(t)
	m := &Manager{RepoDir: repo}
	ctx := context.Background()

	head, err := m.RevParse(ctx, "HEAD")
	if err != nil {
		t.Fatal(err)
	}

	// No changes at all: both modes snapshot to HEAD itself.
	sha, err := m.SnapshotWip(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if sha != head {
		t.Fatalf("clean tree SnapshotWip = %s, want HEAD %s", sha, head)
	}

	if err := os.WriteFile(filepath.Join(repo, "pkgs", "pkg1"), []byte("unstaged"), 0644); err != nil {
		t.Fatal(err)
	}
	unstagedSha, err := m.SnapshotWip(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if unstagedSha == head {
		t.Fatal("expected a new snapshot commit for unstaged changes")
	}

	mustRun(t, repo, "git", "add", "-A")
	stagedSha, err := m.SnapshotWip(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if stagedSha == head {
		t.Fatal("expected a new snapshot commit for staged changes")
	}
}

func TestMergeIntoConflict(t *testing.T) {
	repo := newRepo(t)
	m := &Manager{RepoDir: repo}
	ctx := context.Background()

	mustRun(t, repo, "git", "checkout", "-q", "-b", "feature")
	if err := os.WriteFile(filepath.Join(repo, "pkgs", "pkg1"), []byte("v2-feature"), 0644); err != nil {
		t.Fatal(err)
	}
	mustRun(t, repo, "git", "commit", "-q", "-am", "feature change")
	headSha, err := m.git(ctx, "rev-parse", "feature")
	if err != nil {
		t.Fatal(err)
	}

	mustRun(t, repo, "git", "checkout", "-q", "master")
	if err := os.WriteFile(filepath.Join(repo, "pkgs", "pkg1"), []byte("v2-master"), 0644); err != nil {
		t.Fatal(err)
	}
	mustRun(t, repo, "git", "commit", "-q", "-am", "master change")
	baseSha, err := m.git(ctx, "rev-parse", "master")
	if err != nil {
		t.Fatal(err)
	}

	wtPath := filepath.Join(t.TempDir(), "wt")
	w, err := m.Make(ctx, wtPath, baseSha)
	if err != nil {
		t.Fatal(err)
	}

	_, err = m.MergeInto(ctx, w, "master", headSha)
	if _, ok := err.(*nixpkgsreview.MergeConflict); !ok {
		t.Fatalf("err = %v (%T), want *nixpkgsreview.MergeConflict", err, err)
	}
}
