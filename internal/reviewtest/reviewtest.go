// Package reviewtest holds git-repository test fixtures shared by
// internal/worktree, internal/changeset, and internal/review's test
// suites, so each package's tests build their throwaway repositories the
// same way instead of re-deriving the same few `git init`/`git commit`
// calls. Adapted from internal/distritest's role (a test-only helper
// package standing in for a real external dependency a test needs) but
// rebuilt around this domain's dependency: a real git repository, not a
// spawned `distri export` server.
package reviewtest

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// MustRun runs name with args in dir with a fixed git author/committer
// identity, failing the test immediately on error.
func MustRun(t *testing.T, dir, name string, args ...string) {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("%s %v: %v\n%s", name, args, err, out)
	}
}

// NewRepo returns a fresh git repository with a single commit adding
// pkgs/pkg1.
func NewRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	MustRun(t, dir, "git", "init", "-q", "-b", "master")
	if err := os.MkdirAll(filepath.Join(dir, "pkgs"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pkgs", "pkg1"), []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}
	MustRun(t, dir, "git", "add", "-A")
	MustRun(t, dir, "git", "commit", "-q", "-m", "initial")
	return dir
}

// NewRepoWithChange returns a repository with a base commit touching
// pkgs/good and pkgs/stable, and a later commit that only bumps
// pkgs/good — the minimal shape a rev/wip-mode review needs to diff.
func NewRepoWithChange(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	MustRun(t, dir, "git", "init", "-q", "-b", "master")
	if err := os.MkdirAll(filepath.Join(dir, "pkgs"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pkgs", "good"), []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pkgs", "stable"), []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}
	MustRun(t, dir, "git", "add", "-A")
	MustRun(t, dir, "git", "commit", "-q", "-m", "initial")

	if err := os.WriteFile(filepath.Join(dir, "pkgs", "good"), []byte("v2"), 0644); err != nil {
		t.Fatal(err)
	}
	MustRun(t, dir, "git", "add", "-A")
	MustRun(t, dir, "git", "commit", "-q", "-m", "bump good")
	return dir
}
