package nixpkgsreview

import "golang.org/x/xerrors"

// DerivationMeta is the resolved evaluation result for one (attribute,
// system) pair. See spec.md §3 for the field invariants.
type DerivationMeta struct {
	Exists   bool              `json:"exists"`
	Broken   bool              `json:"broken"`
	DrvPath  string            `json:"drvPath,omitempty"`
	OutPaths map[string]string `json:"outPaths,omitempty"`

	// IsTest marks a derivation synthesised from
	// <attr>.passthru.tests.<name> when Config.IncludePassthruTests is set
	// (spec.md §4.D). It is not part of the evaluator's wire schema; the
	// Evaluator Dispatcher sets it after validating the raw response.
	IsTest bool `json:"-"`
}

// Validate checks the invariants spec.md §3 states for DerivationMeta:
//
//	broken ⇒ drvPath absent
//	¬broken ⇒ drvPath present
//	exists = false ⇒ broken
func (d DerivationMeta) Validate() error {
	if !d.Exists && !d.Broken {
		return xerrors.New("derivation: exists=false requires broken=true")
	}
	if d.Broken && d.DrvPath != "" {
		return xerrors.New("derivation: broken=true requires drvPath absent")
	}
	if !d.Broken && d.DrvPath == "" {
		return xerrors.New("derivation: broken=false requires drvPath present")
	}
	return nil
}
