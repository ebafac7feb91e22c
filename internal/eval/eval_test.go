package eval

import (
	"context"
	"testing"

	nixpkgsreview "github.com/nixpkgs-review/nixpkgs-review"
)

type fakeInvoker struct {
	bySystem map[nixpkgsreview.System][]byte
}

func (f *fakeInvoker) Invoke(ctx context.Context, worktreeDir string, system nixpkgsreview.System, attrsFile string, includePassthruTests bool) ([]byte, error) {
	return f.bySystem[system], nil
}

func TestDispatchClassifiesOutcomes(t *testing.T) {
	cfg := nixpkgsreview.DefaultConfig()
	cfg.Systems = []nixpkgsreview.System{"x86_64-linux"}

	inv := &fakeInvoker{bySystem: map[nixpkgsreview.System][]byte{
		"x86_64-linux": []byte(`{
			"pkgs.foo": {"exists": true, "broken": false, "drvPath": "/nix/store/abc-foo.drv"},
			"pkgs.bar": {"exists": true, "broken": true},
			"pkgs.baz": {"exists": false, "broken": true},
			"pkgs.redirect": {"exists": true, "broken": false, "alias": true, "drvPath": "/nix/store/xyz.drv"}
		}`),
	}}

	out, err := Dispatch(context.Background(), cfg, "/worktree", []nixpkgsreview.Attribute{"pkgs.foo", "pkgs.bar", "pkgs.baz", "pkgs.redirect"}, inv)
	if err != nil {
		t.Fatal(err)
	}
	sys := out["x86_64-linux"]
	if len(sys) != 3 {
		t.Fatalf("got %d entries, want 3 (alias dropped): %v", len(sys), sys)
	}
	if Classify(sys["pkgs.foo"]) != nixpkgsreview.Built {
		t.Fatalf("pkgs.foo classified %v, want Built", Classify(sys["pkgs.foo"]))
	}
	if Classify(sys["pkgs.bar"]) != nixpkgsreview.Broken {
		t.Fatalf("pkgs.bar classified %v, want Broken", Classify(sys["pkgs.bar"]))
	}
	if Classify(sys["pkgs.baz"]) != nixpkgsreview.NonExistent {
		t.Fatalf("pkgs.baz classified %v, want NonExistent", Classify(sys["pkgs.baz"]))
	}
	if _, ok := sys["pkgs.redirect"]; ok {
		t.Fatal("alias hit should have been dropped from the result")
	}
}

func TestDispatchRejectsSchemaViolation(t *testing.T) {
	cfg := nixpkgsreview.DefaultConfig()
	cfg.Systems = []nixpkgsreview.System{"x86_64-linux"}

	inv := &fakeInvoker{bySystem: map[nixpkgsreview.System][]byte{
		"x86_64-linux": []byte(`{"pkgs.foo": {"exists": "yes", "broken": false}}`),
	}}

	if _, err := Dispatch(context.Background(), cfg, "/worktree", []nixpkgsreview.Attribute{"pkgs.foo"}, inv); err == nil {
		t.Fatal("expected a schema validation error")
	}
}

func TestDispatchPassthruTestClassification(t *testing.T) {
	cfg := nixpkgsreview.DefaultConfig()
	cfg.Systems = []nixpkgsreview.System{"x86_64-linux"}
	cfg.IncludePassthruTests = true

	inv := &fakeInvoker{bySystem: map[nixpkgsreview.System][]byte{
		"x86_64-linux": []byte(`{
			"pkgs.foo.passthru.tests.unit": {"exists": true, "broken": false, "drvPath": "/nix/store/test.drv"}
		}`),
	}}

	out, err := Dispatch(context.Background(), cfg, "/worktree", []nixpkgsreview.Attribute{"pkgs.foo.passthru.tests.unit"}, inv)
	if err != nil {
		t.Fatal(err)
	}
	meta := out["x86_64-linux"]["pkgs.foo.passthru.tests.unit"]
	if Classify(meta) != nixpkgsreview.Test {
		t.Fatalf("classified %v, want Test", Classify(meta))
	}
}
