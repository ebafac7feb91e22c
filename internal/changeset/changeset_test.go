package changeset

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"

	nixpkgsreview "github.com/nixpkgs-review/nixpkgs-review"
)

func writeTestArtifact(t *testing.T, rebuilds []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("changed-paths.json")
	if err != nil {
		t.Fatal(err)
	}
	body := `{"rebuilds":[`
	for i, r := range rebuilds {
		if i > 0 {
			body += ","
		}
		body += `"` + r + `"`
	}
	body += `]}`
	if _, err := w.Write([]byte(body)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestResolveFromArtifactsUnion(t *testing.T) {
	linux := writeTestArtifact(t, []string{"pkgs.foo", "pkgs.bar"})
	darwin := writeTestArtifact(t, []string{"pkgs.bar", "pkgs.baz"})
	systems := []nixpkgsreview.System{"x86_64-linux", "x86_64-darwin"}

	attrs, ok, err := ResolveFromArtifacts(context.Background(), systems, func(ctx context.Context, sys nixpkgsreview.System) ([]byte, bool, error) {
		if sys == "x86_64-linux" {
			return linux, true, nil
		}
		return darwin, true, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected ok=true when all systems have fresh artifacts")
	}
	want := []nixpkgsreview.Attribute{"pkgs.bar", "pkgs.baz", "pkgs.foo"}
	if len(attrs) != len(want) {
		t.Fatalf("attrs = %v, want %v", attrs, want)
	}
	for i := range want {
		if attrs[i] != want[i] {
			t.Fatalf("attrs = %v, want %v", attrs, want)
		}
	}
}

func TestResolveFromArtifactsStaleFallsBack(t *testing.T) {
	systems := []nixpkgsreview.System{"x86_64-linux"}
	_, ok, err := ResolveFromArtifacts(context.Background(), systems, func(ctx context.Context, sys nixpkgsreview.System) ([]byte, bool, error) {
		return nil, false, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected ok=false when an artifact is stale")
	}
}

type fakeEvaluator struct {
	listing     []nixpkgsreview.Attribute
	baseHashes  map[nixpkgsreview.Attribute]string
	mergedHashes map[nixpkgsreview.Attribute]string
	failDirs    map[string]bool
}

func (f *fakeEvaluator) ListAttrs(ctx context.Context, dir string) ([]nixpkgsreview.Attribute, error) {
	return f.listing, nil
}

func (f *fakeEvaluator) EvalChunk(ctx context.Context, dir string, attrs []nixpkgsreview.Attribute) (map[nixpkgsreview.Attribute]string, error) {
	var src map[nixpkgsreview.Attribute]string
	if dir == "base" {
		src = f.baseHashes
	} else {
		src = f.mergedHashes
	}
	out := make(map[nixpkgsreview.Attribute]string)
	for _, a := range attrs {
		if h, ok := src[a]; ok {
			out[a] = h
		}
	}
	return out, nil
}

func TestResolveLocalDetectsChangedAndNew(t *testing.T) {
	ev := &fakeEvaluator{
		listing: []nixpkgsreview.Attribute{"pkgs.foo", "pkgs.bar", "pkgs.baz"},
		baseHashes: map[nixpkgsreview.Attribute]string{
			"pkgs.foo": "hash-a",
			"pkgs.bar": "hash-b",
		},
		mergedHashes: map[nixpkgsreview.Attribute]string{
			"pkgs.foo": "hash-a",    // unchanged
			"pkgs.bar": "hash-b-v2", // changed
			"pkgs.baz": "hash-c",    // new
		},
	}
	res, err := ResolveLocal(context.Background(), ev, "base", "merged", 2)
	if err != nil {
		t.Fatal(err)
	}
	want := []nixpkgsreview.Attribute{"pkgs.bar", "pkgs.baz"}
	if len(res.CandidateAttrs) != len(want) {
		t.Fatalf("candidates = %v, want %v", res.CandidateAttrs, want)
	}
	for i := range want {
		if res.CandidateAttrs[i] != want[i] {
			t.Fatalf("candidates = %v, want %v", res.CandidateAttrs, want)
		}
	}
}

func TestApplyFiltersPackageAndBlacklist(t *testing.T) {
	candidates := []nixpkgsreview.Attribute{"pkgs.foo", "pkgs.bar", "steam"}
	cfg := nixpkgsreview.DefaultConfig()
	cfg.Package = []nixpkgsreview.Attribute{"pkgs.foo"}

	res, err := ApplyFilters(candidates, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Kept) != 1 || res.Kept[0] != "pkgs.foo" {
		t.Fatalf("kept = %v, want [pkgs.foo]", res.Kept)
	}
}

func TestApplyFiltersUnionsExplicitPackageNotInCandidates(t *testing.T) {
	candidates := []nixpkgsreview.Attribute{"pkgs.pkg1"}
	cfg := nixpkgsreview.DefaultConfig()
	cfg.Package = []nixpkgsreview.Attribute{"ghost", "pkgs.pkg1"}

	res, err := ApplyFilters(candidates, cfg)
	if err != nil {
		t.Fatal(err)
	}
	foundGhost, foundPkg1 := false, false
	for _, a := range res.Kept {
		if a == "ghost" {
			foundGhost = true
		}
		if a == "pkgs.pkg1" {
			foundPkg1 = true
		}
	}
	if !foundGhost {
		t.Fatalf("kept = %v, want ghost present so the evaluator can classify it as non-existent", res.Kept)
	}
	if !foundPkg1 {
		t.Fatalf("kept = %v, want pkgs.pkg1 present", res.Kept)
	}
}

func TestApplyFiltersSkipPackageRegexFullMatch(t *testing.T) {
	candidates := []nixpkgsreview.Attribute{"pkgs.fooTest", "pkgs.foo"}
	cfg := nixpkgsreview.DefaultConfig()
	cfg.SkipPackageRegex = []string{"pkgs\\.foo"}

	res, err := ApplyFilters(candidates, cfg)
	if err != nil {
		t.Fatal(err)
	}
	// full-match semantics: "pkgs.foo" is excluded, "pkgs.fooTest" survives
	// because the pattern does not match it in its entirety.
	if len(res.Kept) != 1 || res.Kept[0] != "pkgs.fooTest" {
		t.Fatalf("kept = %v, want [pkgs.fooTest]", res.Kept)
	}
}
