package nixpkgsreview

import "testing"

func TestParseFlagValuesDefaults(t *testing.T) {
	cfg, rest, err := ParseFlagValues("pr", []string{"-system", "x86_64-linux", "1234"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Checkout != CheckoutMerge {
		t.Errorf("checkout = %q, want merge", cfg.Checkout)
	}
	if cfg.Eval != EvalAuto {
		t.Errorf("eval = %q, want auto", cfg.Eval)
	}
	if len(cfg.Systems) != 1 || cfg.Systems[0] != "x86_64-linux" {
		t.Errorf("systems = %v", cfg.Systems)
	}
	if len(rest) != 1 || rest[0] != "1234" {
		t.Errorf("rest = %v, want [1234]", rest)
	}
}

func TestParseFlagValuesRepeatedAndCommaSeparated(t *testing.T) {
	cfg, _, err := ParseFlagValues("pr", []string{
		"-system", "x86_64-linux,aarch64-linux",
		"-package", "pkgs.foo",
		"-package", "pkgs.bar",
		"-skip-package-regex", "pkgs.insecure.*",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Systems) != 2 {
		t.Fatalf("systems = %v", cfg.Systems)
	}
	if len(cfg.Package) != 2 || cfg.Package[0] != "pkgs.foo" || cfg.Package[1] != "pkgs.bar" {
		t.Fatalf("package = %v", cfg.Package)
	}
	if len(cfg.SkipPackageRegex) != 1 {
		t.Fatalf("skipPackageRegex = %v", cfg.SkipPackageRegex)
	}
}

func TestParseFlagValuesRejectsUnknownFlag(t *testing.T) {
	if _, _, err := ParseFlagValues("pr", []string{"-nonexistent-flag"}); err == nil {
		t.Fatal("expected an error for an unrecognised flag")
	} else if _, ok := err.(*UsageError); !ok {
		t.Fatalf("err = %T, want *UsageError", err)
	}
}

func TestParseFlagValuesRejectsInvalidAttribute(t *testing.T) {
	if _, _, err := ParseFlagValues("pr", []string{"-package", "not a valid attr!"}); err == nil {
		t.Fatal("expected an error for an invalid attribute")
	}
}

func TestParseFlagValuesRejectsInvalidEnum(t *testing.T) {
	if _, _, err := ParseFlagValues("pr", []string{"-checkout", "rebase"}); err == nil {
		t.Fatal("expected an error for an invalid checkout value")
	}
}
