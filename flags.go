package nixpkgsreview

import (
	"flag"
	"strings"
)

// stringsFlag accumulates repeated occurrences of a flag (-system a -system
// b) as well as a single comma-separated occurrence (-system a,b) into one
// slice, the common shape for a "set of X" Config option.
type stringsFlag struct{ values []string }

func (f *stringsFlag) String() string { return strings.Join(f.values, ",") }

func (f *stringsFlag) Set(s string) error {
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			f.values = append(f.values, part)
		}
	}
	return nil
}

// ParseFlagValues registers every Config option from spec.md §3 onto a
// fresh FlagSet, parses args against it, and returns the resulting Config
// plus any positional arguments left over (a pr mode's PR numbers, a rev
// mode's rev-spec). fs.Parse runs in flag.ContinueOnError mode so a bad
// flag name or value surfaces as a *UsageError instead of calling
// os.Exit(2) itself, letting cmd/nixpkgs-review/main.go map every error
// class through errors.go's ExitCode uniformly.
func ParseFlagValues(name string, args []string) (Config, []string, error) {
	cfg := DefaultConfig()
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {}

	var systems, pkgs, pkgRe, skipPkgs, skipPkgRe, buildArgs stringsFlag

	checkout := fs.String("checkout", string(cfg.Checkout), "how to combine base and head: merge or commit")
	eval := fs.String("eval", string(cfg.Eval), "candidate source: auto, ofborg, or local")
	buildGraph := fs.String("build-graph", string(cfg.BuildGraph), "build funnel: nix or nom")
	fs.Var(&systems, "system", "system to build for (repeatable, or comma-separated); default: current")
	fs.Var(&pkgs, "package", "restrict the candidate set to this attribute (repeatable)")
	fs.Var(&pkgRe, "package-regex", "restrict the candidate set to attributes matching this regex (repeatable)")
	fs.Var(&skipPkgs, "skip-package", "exclude this attribute from the candidate set (repeatable)")
	fs.Var(&skipPkgRe, "skip-package-regex", "exclude attributes fully matching this regex (repeatable)")
	postResult := fs.Bool("post-result", cfg.PostResult, "post the report as a PR comment")
	printResult := fs.Bool("print-result", cfg.PrintResult, "print the report to stdout")
	approve := fs.Bool("approve", cfg.Approve, "approve the PR if every build succeeded")
	merge := fs.Bool("merge", cfg.Merge, "merge the PR if every build succeeded")
	noShell := fs.Bool("no-shell", cfg.NoShell, "skip launching an interactive shell after the build")
	runCommand := fs.String("run", cfg.RunCommand, "run this command in the merged worktree instead of a shell")
	fs.Var(&buildArgs, "build-arg", "extra argument to pass through to nix-build/nom (repeatable)")
	sandbox := fs.Bool("sandbox", cfg.Sandbox, "build with the Nix sandbox enabled")
	remote := fs.String("remote", cfg.Remote, "git remote to fetch PR heads from")
	extraNixpkgsConfig := fs.String("extra-nixpkgs-config", cfg.ExtraNixpkgsConfig, "extra config.nix expression")
	token := fs.String("token", cfg.Token, "GitHub token (defaults to $GITHUB_TOKEN/$GITHUB_TOKEN_CMD)")
	includePassthruTests := fs.Bool("include-passthru-tests", cfg.IncludePassthruTests, "also evaluate .passthru.tests.* attributes")
	allowAliases := fs.Bool("allow-aliases", cfg.AllowAliases, "recorded in the config only; the evaluator does not read it and drops alias hits either way")

	if err := fs.Parse(args); err != nil {
		return Config{}, nil, &UsageError{Msg: err.Error()}
	}

	cfg.Checkout = Checkout(*checkout)
	cfg.Eval = EvalMode(*eval)
	cfg.BuildGraph = BuildGraph(*buildGraph)
	cfg.PostResult = *postResult
	cfg.PrintResult = *printResult
	cfg.Approve = *approve
	cfg.Merge = *merge
	cfg.NoShell = *noShell
	cfg.RunCommand = *runCommand
	cfg.BuildArgs = buildArgs.values
	cfg.Sandbox = *sandbox
	cfg.Remote = *remote
	cfg.ExtraNixpkgsConfig = *extraNixpkgsConfig
	cfg.Token = *token
	cfg.IncludePassthruTests = *includePassthruTests
	cfg.AllowAliases = *allowAliases
	cfg.PackageRegex = pkgRe.values
	cfg.SkipPackageRegex = skipPkgRe.values

	if len(systems.values) == 0 {
		systems.values = []string{"current"}
	}
	resolved, err := ResolveSystems(systems.values)
	if err != nil {
		return Config{}, nil, &UsageError{Msg: err.Error()}
	}
	cfg.Systems = resolved

	for _, p := range pkgs.values {
		a, err := ParseAttribute(p)
		if err != nil {
			return Config{}, nil, &UsageError{Msg: err.Error()}
		}
		cfg.Package = append(cfg.Package, a)
	}
	for _, p := range skipPkgs.values {
		a, err := ParseAttribute(p)
		if err != nil {
			return Config{}, nil, &UsageError{Msg: err.Error()}
		}
		cfg.SkipPackage = append(cfg.SkipPackage, a)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, nil, err
	}
	return cfg, fs.Args(), nil
}
