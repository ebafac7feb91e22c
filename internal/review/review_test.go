package review

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	nixpkgsreview "github.com/nixpkgs-review/nixpkgs-review"
	"github.com/nixpkgs-review/nixpkgs-review/internal/reviewtest"
	"github.com/nixpkgs-review/nixpkgs-review/internal/runner"
	"github.com/nixpkgs-review/nixpkgs-review/internal/worktree"
)

// fakeHashEvaluator resolves "pkgs.good" and "pkgs.stable" to drvPaths that
// depend only on the file content at dir/pkgs/<name>, so a real git
// checkout's content changes are what drives candidate resolution, exactly
// as the real NixEvaluator would observe a source hash change.
type fakeHashEvaluator struct{}

func (fakeHashEvaluator) ListAttrs(ctx context.Context, dir string) ([]nixpkgsreview.Attribute, error) {
	return []nixpkgsreview.Attribute{"pkgs.good", "pkgs.stable"}, nil
}

func (fakeHashEvaluator) EvalChunk(ctx context.Context, dir string, attrs []nixpkgsreview.Attribute) (map[nixpkgsreview.Attribute]string, error) {
	out := make(map[nixpkgsreview.Attribute]string, len(attrs))
	for _, a := range attrs {
		name := a.Segments()[1]
		b, err := os.ReadFile(filepath.Join(dir, "pkgs", name))
		if err != nil {
			continue
		}
		out[a] = string(b)
	}
	return out, nil
}

// fakeInvoker reports every requested attribute as existing and built,
// with a drvPath derived from the attribute and system so each system's nodes
// differ (the scheduler dedups by drvPath, which this test does not rely
// on). outPaths point under outRoot, a directory the fake build function
// populates, so the scheduler's outputsExist check passes without a real
// nix-build.
type fakeInvoker struct {
	outRoot string
}

func fakeOutPath(outRoot, drvPath string) string {
	return filepath.Join(outRoot, filepath.Base(drvPath)+".out")
}

func (f fakeInvoker) Invoke(ctx context.Context, worktreeDir string, system nixpkgsreview.System, attrsFile string, includePassthruTests bool) ([]byte, error) {
	b, err := os.ReadFile(attrsFile)
	if err != nil {
		return nil, err
	}
	var attrs []string
	if err := json.Unmarshal(b, &attrs); err != nil {
		return nil, err
	}
	entries := make(map[string]map[string]interface{}, len(attrs))
	for _, a := range attrs {
		drvPath := "/nix/store/" + a + "-" + string(system) + ".drv"
		entries[a] = map[string]interface{}{
			"exists":   true,
			"broken":   false,
			"drvPath":  drvPath,
			"outPaths": map[string]string{"out": fakeOutPath(f.outRoot, drvPath)},
		}
	}
	return json.Marshal(entries)
}

// fakeBuild stands in for scheduler.Scheduler.BuildFn: rather than shelling
// out to nix-build, it creates every output path the fake invoker promised
// for the drv named in args (the last element, per scheduler.go's build()).
func fakeBuild(outRoot string) func(ctx context.Context, name string, args []string, opts runner.Opts) (*runner.Result, error) {
	return func(ctx context.Context, name string, args []string, opts runner.Opts) (*runner.Result, error) {
		drvPath := args[len(args)-1]
		out := fakeOutPath(outRoot, drvPath)
		if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(out, []byte("built\n"), 0644); err != nil {
			return nil, err
		}
		return &runner.Result{ExitCode: 0}, nil
	}
}

func noopDepsProbe(ctx context.Context, drvPath string) ([]string, error) { return nil, nil }

func newRepoWithChange(t *testing.T) string {
	t.Helper()
	return reviewtest.NewRepoWithChange(t)
}

func newOrchestrator(t *testing.T, repo string) *Orchestrator {
	t.Helper()
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	outRoot := t.TempDir()
	return &Orchestrator{
		RepoDir:   repo,
		Manager:   &worktree.Manager{RepoDir: repo},
		Invoker:   fakeInvoker{outRoot: outRoot},
		HashEval:  fakeHashEvaluator{},
		DepsProbe: noopDepsProbe,
		BuildFn:   fakeBuild(outRoot),
		Config: nixpkgsreview.Config{
			Checkout:   nixpkgsreview.CheckoutCommit,
			Eval:       nixpkgsreview.EvalLocal,
			Systems:    []nixpkgsreview.System{"x86_64-linux"},
			BuildGraph: nixpkgsreview.BuildGraphNix,
			NoShell:    true,
		},
	}
}

func TestRunOneRevModeBuildsChangedAttr(t *testing.T) {
	repo := newRepoWithChange(t)
	o := newOrchestrator(t, repo)

	res, err := o.RunOne(context.Background(), Input{Mode: ModeRev, Rev: "HEAD"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Incomplete {
		t.Fatal("expected a complete review")
	}

	sr := res.Doc.Result.Systems["x86_64-linux"]
	built := sr.Attrs(nixpkgsreview.Built)
	foundGood := false
	for _, a := range built {
		if a == "pkgs.good" {
			foundGood = true
		}
		if a == "pkgs.stable" {
			t.Fatal("pkgs.stable did not change and should not have been a candidate")
		}
	}
	if !foundGood {
		t.Fatalf("pkgs.good not built: %v", built)
	}

	if _, err := os.Stat(filepath.Join(res.ReviewDir, "report.json")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(res.ReviewDir, "report.md")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(res.ReviewDir, "blacklist-version")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Lstat(filepath.Join(res.ReviewDir, "results", "pkgs.good")); err != nil {
		t.Fatal(err)
	}
}

func TestRunOneWipModeUnstaged(t *testing.T) {
	repo := newRepoWithChange(t)
	if err := os.WriteFile(filepath.Join(repo, "pkgs", "good"), []byte("v3-wip"), 0644); err != nil {
		t.Fatal(err)
	}
	o := newOrchestrator(t, repo)

	res, err := o.RunOne(context.Background(), Input{Mode: ModeWip})
	if err != nil {
		t.Fatal(err)
	}
	sr := res.Doc.Result.Systems["x86_64-linux"]
	found := false
	for _, a := range sr.Attrs(nixpkgsreview.Built) {
		if a == "pkgs.good" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected pkgs.good to be a build candidate from the uncommitted change")
	}
}

func TestLoadCachedResultRoundtrips(t *testing.T) {
	repo := newRepoWithChange(t)
	o := newOrchestrator(t, repo)
	res, err := o.RunOne(context.Background(), Input{Mode: ModeRev, Rev: "HEAD"})
	if err != nil {
		t.Fatal(err)
	}

	cr, err := LoadCachedResult(res.ReviewDir)
	if err != nil {
		t.Fatal(err)
	}
	if cr.AnyFailed {
		t.Fatal("expected no failed attrs in the cached result")
	}
	if cr.MarkdownBody == "" {
		t.Fatal("expected a non-empty cached markdown body")
	}
}
