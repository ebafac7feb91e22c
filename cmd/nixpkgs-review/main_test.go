package main

import (
	"reflect"
	"testing"

	nixpkgsreview "github.com/nixpkgs-review/nixpkgs-review"
)

func TestExtractBoolFlag(t *testing.T) {
	found, rest := extractBoolFlag([]string{"-staged", "-system", "x86_64-linux"}, "staged")
	if !found {
		t.Fatal("expected -staged to be found")
	}
	if !reflect.DeepEqual(rest, []string{"-system", "x86_64-linux"}) {
		t.Fatalf("rest = %v", rest)
	}

	found, rest = extractBoolFlag([]string{"-system", "x86_64-linux"}, "staged")
	if found {
		t.Fatal("did not expect -staged to be found")
	}
	if !reflect.DeepEqual(rest, []string{"-system", "x86_64-linux"}) {
		t.Fatalf("rest = %v", rest)
	}
}

func TestResolveTokenFromEnv(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "abc123")
	t.Setenv("GITHUB_TOKEN_CMD", "")
	tok, err := resolveToken()
	if err != nil {
		t.Fatal(err)
	}
	if tok != "abc123" {
		t.Fatalf("token = %q", tok)
	}
}

func TestResolveTokenFromCmd(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("GITHUB_TOKEN_CMD", "echo cmd-token")
	tok, err := resolveToken()
	if err != nil {
		t.Fatal(err)
	}
	if tok != "cmd-token" {
		t.Fatalf("token = %q", tok)
	}
}

func TestDefaultRemote(t *testing.T) {
	if got := defaultRemote(nixpkgsreview.Config{}); got != "origin" {
		t.Fatalf("defaultRemote(empty) = %q, want origin", got)
	}
	if got := defaultRemote(nixpkgsreview.Config{Remote: "upstream"}); got != "upstream" {
		t.Fatalf("defaultRemote(upstream) = %q, want upstream", got)
	}
}
