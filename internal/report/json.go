package report

import (
	"encoding/json"
	"os"

	nixpkgsreview "github.com/nixpkgs-review/nixpkgs-review"
)

// jsonDoc mirrors report.json's schema exactly (spec.md §6): `{pr: int?,
// systems: [str], checkout: str, extraNixpkgsConfig: str?, result:
// {<system>: {built, failed, broken, blacklisted, non-existent, tests}}}`.
type jsonDoc struct {
	PR                 int                   `json:"pr,omitempty"`
	Systems            []string              `json:"systems"`
	Checkout           string                `json:"checkout"`
	ExtraNixpkgsConfig string                `json:"extraNixpkgsConfig,omitempty"`
	Result             map[string]systemJSON `json:"result"`
}

type systemJSON struct {
	Built       []string `json:"built"`
	Failed      []string `json:"failed"`
	Broken      []string `json:"broken"`
	Blacklisted []string `json:"blacklisted"`
	NonExistent []string `json:"non-existent"`
	Tests       []string `json:"tests"`
}

func marshalReportJSON(d *Document) ([]byte, error) {
	systems := make([]string, len(d.Systems))
	result := make(map[string]systemJSON, len(d.Systems))
	for i, sys := range d.Systems {
		systems[i] = string(sys)
		sr, ok := d.Result.Systems[sys]
		if !ok {
			result[string(sys)] = systemJSON{}
			continue
		}
		result[string(sys)] = systemJSON{
			Built:       attrStrings(sr.Attrs(nixpkgsreview.Built)),
			Failed:      attrStrings(sr.Attrs(nixpkgsreview.Failed)),
			Broken:      attrStrings(sr.Attrs(nixpkgsreview.Broken)),
			Blacklisted: attrStrings(sr.Attrs(nixpkgsreview.Blacklisted)),
			NonExistent: attrStrings(sr.Attrs(nixpkgsreview.NonExistent)),
			Tests:       attrStrings(sr.Attrs(nixpkgsreview.Test)),
		}
	}

	doc := jsonDoc{
		PR:                 d.PR,
		Systems:            systems,
		Checkout:           string(d.Checkout),
		ExtraNixpkgsConfig: d.ExtraNixpkgsConfig,
		Result:             result,
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Summary is the minimal information the `post-result`/`approve`/`merge`
// standalone subcommands need from a cached report.json (SUPPLEMENTED
// FEATURES #2): they act on a review's outcome without re-running it, so
// they need the PR number the report was written for and whether it
// recorded any Failed attribute on any system, not the full ReviewResult.
type Summary struct {
	PR        int
	AnyFailed bool
}

// LoadSummary reads back a report.json previously written by
// Document.WriteJSON.
func LoadSummary(path string) (*Summary, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &nixpkgsreview.InternalError{Err: err}
	}
	var doc jsonDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, &nixpkgsreview.InternalError{Err: err}
	}
	s := &Summary{PR: doc.PR}
	for _, sys := range doc.Result {
		if len(sys.Failed) > 0 {
			s.AnyFailed = true
		}
	}
	return s, nil
}

func attrStrings(attrs []nixpkgsreview.Attribute) []string {
	out := make([]string, len(attrs))
	for i, a := range attrs {
		out[i] = string(a)
	}
	return out
}
