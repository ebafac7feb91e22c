package nixpkgsreview

import "golang.org/x/xerrors"

// Checkout selects how a PR's head is combined with its base (spec.md §3).
type Checkout string

const (
	CheckoutMerge  Checkout = "merge"
	CheckoutCommit Checkout = "commit"
)

// EvalMode selects where the candidate attribute list comes from (spec.md §3/§4.C).
type EvalMode string

const (
	EvalAuto   EvalMode = "auto"
	EvalOfborg EvalMode = "ofborg"
	EvalLocal  EvalMode = "local"
)

// BuildGraph selects the build-output funnel (spec.md §4.E).
type BuildGraph string

const (
	BuildGraphNix BuildGraph = "nix"
	BuildGraphNom BuildGraph = "nom"
)

// Config is the typed, enumerated configuration record from spec.md §3. Any
// option not represented here is, by construction, not recognised: callers
// build Config from raw flags via ParseFlagValues, which reports an error
// for unknown option names instead of silently ignoring them.
type Config struct {
	Checkout   Checkout
	Eval       EvalMode
	Systems    []System
	BuildGraph BuildGraph

	Package          []Attribute
	PackageRegex     []string
	SkipPackage      []Attribute
	SkipPackageRegex []string

	PostResult  bool
	PrintResult bool
	Approve     bool
	Merge       bool
	NoShell     bool
	RunCommand  string

	BuildArgs []string
	Sandbox   bool
	Remote    string

	ExtraNixpkgsConfig string
	Token              string

	IncludePassthruTests bool
	AllowAliases         bool
}

// DefaultConfig returns the Config used when no flags override it. Matches
// spec.md's stated defaults: checkout=merge, eval=auto, sandbox enabled,
// includePassthruTests=off (Open Question #2 in DESIGN.md), allowAliases
// off.
func DefaultConfig() Config {
	return Config{
		Checkout:   CheckoutMerge,
		Eval:       EvalAuto,
		BuildGraph: BuildGraphNix,
		Sandbox:    true,
	}
}

// Validate reports a Usage-class error (see errors.go) if any enumerated
// field was set to a value outside its closed set.
func (c Config) Validate() error {
	switch c.Checkout {
	case CheckoutMerge, CheckoutCommit:
	default:
		return &UsageError{Msg: xerrors.Errorf("checkout: invalid value %q", c.Checkout).Error()}
	}
	switch c.Eval {
	case EvalAuto, EvalOfborg, EvalLocal:
	default:
		return &UsageError{Msg: xerrors.Errorf("eval: invalid value %q", c.Eval).Error()}
	}
	switch c.BuildGraph {
	case BuildGraphNix, BuildGraphNom:
	default:
		return &UsageError{Msg: xerrors.Errorf("buildGraph: invalid value %q", c.BuildGraph).Error()}
	}
	if len(c.Systems) == 0 {
		return &UsageError{Msg: "systems: must not be empty"}
	}
	return nil
}
