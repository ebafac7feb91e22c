package changeset

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"

	nixpkgsreview "github.com/nixpkgs-review/nixpkgs-review"
	"golang.org/x/xerrors"
)

// changedPaths is the shape of the changed-paths.json file a CI artifact
// zip must contain for spec.md §4.C's CI artifact path: "A successful
// artifact is a zip containing changed-paths.json with a rebuilds array."
type changedPaths struct {
	Rebuilds []string `json:"rebuilds"`
}

// ArtifactFetch fetches one system's combined or maintainer CI artifact zip
// and reports whether it is fresh (built against the current head sha).
// internal/githost implements this against the real code-host API; tests
// supply a fake.
type ArtifactFetch func(ctx context.Context, system nixpkgsreview.System) (zipData []byte, fresh bool, err error)

// parseChangedPaths extracts the rebuilds list from a changed-paths.json
// entry inside a CI artifact zip.
func parseChangedPaths(zipData []byte) ([]nixpkgsreview.Attribute, error) {
	r, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return nil, xerrors.Errorf("opening artifact zip: %w", err)
	}
	var f *zip.File
	for _, cand := range r.File {
		if cand.Name == "changed-paths.json" {
			f = cand
			break
		}
	}
	if f == nil {
		return nil, xerrors.New("artifact zip has no changed-paths.json")
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	var cp changedPaths
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, xerrors.Errorf("parsing changed-paths.json: %w", err)
	}
	attrs := make([]nixpkgsreview.Attribute, 0, len(cp.Rebuilds))
	for _, s := range cp.Rebuilds {
		a, err := nixpkgsreview.ParseAttribute(s)
		if err != nil {
			continue // CI artifacts occasionally list non-attribute markers; skip rather than fail the whole artifact
		}
		attrs = append(attrs, a)
	}
	return attrs, nil
}

// ResolveFromArtifacts implements the CI artifact path of spec.md §4.C: if
// every requested system has a fresh artifact, candidateAttrs is the union
// of their rebuilds lists. ok is false if any system lacks a fresh
// artifact, signalling the caller to fall back to ResolveLocal.
func ResolveFromArtifacts(ctx context.Context, systems []nixpkgsreview.System, fetch ArtifactFetch) (attrs []nixpkgsreview.Attribute, ok bool, err error) {
	union := make(map[nixpkgsreview.Attribute]bool)
	for _, sys := range systems {
		data, fresh, err := fetch(ctx, sys)
		if err != nil {
			return nil, false, err
		}
		if !fresh {
			return nil, false, nil
		}
		parsed, err := parseChangedPaths(data)
		if err != nil {
			return nil, false, err
		}
		for _, a := range parsed {
			union[a] = true
		}
	}
	out := make([]nixpkgsreview.Attribute, 0, len(union))
	for a := range union {
		out = append(out, a)
	}
	return nixpkgsreview.SortAttributes(out), true, nil
}
