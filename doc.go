// Package nixpkgsreview implements a review pipeline for a package-set
// repository: materialising before/after worktrees, resolving the set of
// attributes whose derivation output would change, evaluating and
// building them, and producing a structured report.
//
// Subpackages under internal/ implement the individual pipeline stages;
// this package holds the shared data model (Attribute, System, Outcome,
// DerivationMeta, ReviewResult, Config) and process-wide plumbing
// (InterruptibleContext) used across all of them.
package nixpkgsreview
