package nixpkgsreview

import (
	"sort"

	"golang.org/x/xerrors"
)

// System names a target triple, e.g. "x86_64-linux" or "aarch64-darwin".
type System string

// knownSystems enumerates the concrete systems understood by this tool, the
// same way archs.go's Architectures set enumerated distri's two supported
// architectures.
var knownSystems = map[System]bool{
	"x86_64-linux":   true,
	"aarch64-linux":  true,
	"x86_64-darwin":  true,
	"aarch64-darwin": true,
}

// systemAliases maps the closed alias set from spec.md §3 to concrete system
// lists.
var systemAliases = map[string][]System{
	"linux":  {"x86_64-linux", "aarch64-linux"},
	"darwin": {"x86_64-darwin", "aarch64-darwin"},
	"x64":    {"x86_64-linux", "x86_64-darwin"},
	"aarch64": {"aarch64-linux", "aarch64-darwin"},
	"all": {
		"x86_64-linux", "aarch64-linux",
		"x86_64-darwin", "aarch64-darwin",
	},
}

// ResolveSystems expands a list of system names and aliases (as accepted by
// the -system flag) into a deduplicated, sorted list of concrete System
// values. "current" resolves via currentSystem, which is overridable in
// tests.
func ResolveSystems(names []string) ([]System, error) {
	var out []System
	seen := make(map[System]bool)
	add := func(s System) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, name := range names {
		if name == "current" {
			add(currentSystem())
			continue
		}
		if alias, ok := systemAliases[name]; ok {
			for _, s := range alias {
				add(s)
			}
			continue
		}
		s := System(name)
		if !knownSystems[s] {
			return nil, xerrors.Errorf("unknown system %q", name)
		}
		add(s)
	}
	sortSystems(out)
	return out, nil
}

func sortSystems(systems []System) {
	sort.Slice(systems, func(i, j int) bool { return systems[i] < systems[j] })
}

// currentSystem is overridden in tests.
var currentSystem = func() System {
	return System(hostSystem())
}
