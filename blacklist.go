package nixpkgsreview

import "golang.org/x/mod/semver"

// blacklistVersion tags the built-in blacklist below. spec.md §9 flags that
// "blacklist content is not enumerated in a stable contract" as an open
// question; the decision recorded in DESIGN.md is to ship a versioned,
// committed list instead of an inline ad-hoc literal, so a cached
// report.json can be checked against the blacklist version that produced
// it and a stale cache can be explained rather than silently misreported.
const blacklistVersion = "v3.2.0"

func init() {
	if !semver.IsValid(blacklistVersion) {
		panic("nixpkgsreview: blacklistVersion is not a valid semver string")
	}
}

// BlacklistVersion returns the version tag of the built-in blacklist
// (see blacklistVersion).
func BlacklistVersion() string { return blacklistVersion }

// BlacklistVersionNewerThan reports whether the running binary's blacklist
// is strictly newer than the version recorded in a cached report.json,
// used by internal/review's LoadCachedResult to annotate stale caches.
func BlacklistVersionNewerThan(cached string) bool {
	if !semver.IsValid(cached) {
		return true // an unparseable cached version is treated as older
	}
	return semver.Compare(blacklistVersion, cached) > 0
}

// builtinBlacklist is the set of attributes spec.md §4.C requires be
// removed from every candidate set unconditionally: known-broken or
// user-hostile packages (binary blobs requiring manual license
// acceptance, interactive installers that cannot run unattended in CI).
//
// This list, like the blacklist in real-world nixpkgs-review, is
// maintained by hand as packages are found to need it; it is not derived
// from any other data source.
var builtinBlacklist = map[Attribute]bool{
	"steam":                  true,
	"steam-original":         true,
	"steam-runtime":          true,
	"steamPackages.steam":    true,
	"android-studio":         true,
	"google-chrome":          true,
	"google-chrome-beta":     true,
	"google-chrome-dev":      true,
	"vscode":                 true,
	"vscode-extensions.ms-vsliveshare.vsliveshare": true,
	"corefonts":              true,
	"vista-fonts":            true,
	"ventoy-bin":             true,
	"nvidia-x11":             true,
	"linux-kernel-test":      true,
}

// IsBlacklisted reports whether attr is in the built-in blacklist.
func IsBlacklisted(attr Attribute) bool {
	return builtinBlacklist[attr]
}

// ApplyBlacklist removes blacklisted attributes from candidates and returns
// the surviving set plus the removed set (spec.md §4.C: "removed attributes
// are recorded as Blacklisted in the final result if they appeared in the
// original candidate set").
func ApplyBlacklist(candidates []Attribute) (kept, removed []Attribute) {
	for _, a := range candidates {
		if IsBlacklisted(a) {
			removed = append(removed, a)
		} else {
			kept = append(kept, a)
		}
	}
	return kept, removed
}
