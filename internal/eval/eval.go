// Package eval implements the Evaluator Dispatcher (component D): it
// writes the candidate attribute list to a temporary JSON file, invokes an
// external evaluator per system, strictly validates the JSON response
// against the DerivationMeta schema, and classifies every attribute into
// one of spec.md §3's outcomes, per spec.md §4.D.
package eval

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"runtime"
	"strings"

	nixpkgsreview "github.com/nixpkgs-review/nixpkgs-review"
	"github.com/nixpkgs-review/nixpkgs-review/internal/runner"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"
)

// rawEntry is the per-attribute shape the evaluator's JSON response must
// conform to (see schema.go). The built-in expression sets Alias for every
// attribute whose value is not a derivation (it has no drvPath), attribute
// sets included; the children of such a value are not walked. Per the
// allowAliases Open Question decision (DESIGN.md), these attributes are
// dropped from the result entirely rather than reported Built, regardless
// of Config.AllowAliases.
type rawEntry struct {
	Exists   bool              `json:"exists"`
	Broken   bool              `json:"broken"`
	Alias    bool              `json:"alias"`
	DrvPath  string            `json:"drvPath"`
	OutPaths map[string]string `json:"outPaths"`
}

// Invoker runs the evaluator expression against one system and returns its
// raw (unvalidated) JSON response. NixInvoker below is the concrete
// implementation that shells out via internal/runner (cmd/nixpkgs-review
// wires it in); tests supply a fake.
type Invoker interface {
	Invoke(ctx context.Context, worktreeDir string, system nixpkgsreview.System, attrsFile string, includePassthruTests bool) ([]byte, error)
}

// NixInvoker is the Invoker backed by nix-instantiate, grounded the same
// way internal/changeset.NixEvaluator is: external tool invocation via
// internal/runner rather than a Go Nix binding.
type NixInvoker struct {
	// ExprFile is the fixed evaluator expression spec.md §4.D calls
	// "evalAttrs". Empty means the package's built-in expression is used.
	ExprFile string
}

func (n *NixInvoker) Invoke(ctx context.Context, worktreeDir string, system nixpkgsreview.System, attrsFile string, includePassthruTests bool) ([]byte, error) {
	expr := n.ExprFile
	if expr == "" {
		expr = builtinEvalAttrsExpr
	}
	var out strings.Builder
	args := []string{
		"--eval", "--json", "--strict",
		"--arg", "nixpkgsPath", worktreeDir,
		"--argstr", "attrsFile", attrsFile,
		"--argstr", "system", string(system),
		"--arg", "includePassthruTests", boolLiteral(includePassthruTests),
	}
	if n.ExprFile != "" {
		args = append(args, expr)
	} else {
		args = append(args, "--expr", expr)
	}
	res, err := runner.Run(ctx, "nix-instantiate", args, runner.Opts{
		Dir:        worktreeDir,
		StdoutSink: func(line string) { out.WriteString(line) },
	})
	if err != nil {
		return nil, &nixpkgsreview.EvalFailure{Err: err}
	}
	if res.ExitCode != 0 {
		return nil, &nixpkgsreview.EvalFailure{Err: xerrors.Errorf("nix-instantiate: exit status %d", res.ExitCode)}
	}
	return []byte(out.String()), nil
}

func boolLiteral(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// builtinEvalAttrsExpr is the fixed expression the algorithm in spec.md
// §4.D describes: per attribute path, walk the tree, classify leaves, and
// (when includePassthruTests) additionally emit passthru test derivations.
const builtinEvalAttrsExpr = `
{ nixpkgsPath, attrsFile, system, includePassthruTests }:
let
  pkgs = import nixpkgsPath { inherit system; };
  attrs = builtins.fromJSON (builtins.readFile attrsFile);
  segmentsOf = attr: builtins.filter (s: s != "") (builtins.split "\\." attr);
  walk = node: segs:
    if segs == [] then node
    else walk (node.${builtins.head segs} or null) (builtins.tail segs);
  classifyDrv = v:
    let d = builtins.tryEval (builtins.seq v.drvPath true); in
    if d.success then {
      exists = true; broken = false;
      drvPath = v.drvPath;
      outPaths = builtins.listToAttrs (map (o: { name = o; value = v.${o}.outPath; }) (v.outputs or [ "out" ]));
    } else { exists = true; broken = true; };
  # expand classifies attr itself and, when includePassthruTests is set and
  # the derivation exposes passthru.tests, additionally emits one entry per
  # test named "<attr>.passthru.tests.<name>", per spec.md §4.D.
  expand = attr:
    let r = builtins.tryEval (walk pkgs (segmentsOf attr)); in
    if !r.success || r.value == null then
      [ { name = attr; value = { exists = false; broken = true; }; } ]
    else
      let
        base =
          if r.value ? drvPath then classifyDrv r.value
          else { exists = true; broken = false; alias = true; };
        tests =
          if includePassthruTests && r.value ? passthru.tests then
            builtins.attrValues (builtins.mapAttrs
              (testName: testDrv: {
                name = attr + ".passthru.tests." + testName;
                value = classifyDrv testDrv;
              })
              r.value.passthru.tests)
          else [];
      in
        [ { name = attr; value = base; } ] ++ tests;
in
  builtins.listToAttrs (builtins.concatMap expand attrs)
`

// Dispatch writes candidates to a temp JSON file, invokes inv once per
// system (bounded to 4×CPU concurrent invocations, the same tail-latency
// rationale spec.md §4.C gives for chunk count), validates every response
// against the DerivationMeta schema, and returns the per-system
// classification map.
func Dispatch(ctx context.Context, cfg nixpkgsreview.Config, worktreeDir string, candidates []nixpkgsreview.Attribute, inv Invoker) (map[nixpkgsreview.System]map[nixpkgsreview.Attribute]nixpkgsreview.DerivationMeta, error) {
	attrsFile, cleanup, err := writeAttrsFile(candidates)
	if err != nil {
		return nil, &nixpkgsreview.InternalError{Err: err}
	}
	defer cleanup()

	schema, err := compiledResponseSchema()
	if err != nil {
		return nil, &nixpkgsreview.InternalError{Err: err}
	}

	concurrency := 4 * runtime.NumCPU()
	if concurrency > len(cfg.Systems) {
		concurrency = len(cfg.Systems)
	}
	if concurrency < 1 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(int64(concurrency))
	g, gctx := errgroup.WithContext(ctx)

	results := make([]map[nixpkgsreview.Attribute]nixpkgsreview.DerivationMeta, len(cfg.Systems))

	for i, sys := range cfg.Systems {
		i, sys := i, sys
		if err := sem.Acquire(gctx, 1); err != nil {
			return nil, &nixpkgsreview.CancelledError{}
		}
		g.Go(func() error {
			defer sem.Release(1)
			raw, err := inv.Invoke(gctx, worktreeDir, sys, attrsFile, cfg.IncludePassthruTests)
			if err != nil {
				return err
			}
			classified, err := validateAndClassify(raw, schema)
			if err != nil {
				return xerrors.Errorf("system %s: %w", sys, err)
			}
			results[i] = classified
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if _, ok := err.(*nixpkgsreview.EvalFailure); ok {
			return nil, err
		}
		return nil, &nixpkgsreview.EvalFailure{Err: err}
	}

	out := make(map[nixpkgsreview.System]map[nixpkgsreview.Attribute]nixpkgsreview.DerivationMeta, len(cfg.Systems))
	for i, sys := range cfg.Systems {
		out[sys] = results[i]
	}
	return out, nil
}

// validateAndClassify validates raw against schema, then decodes it into
// per-attribute DerivationMeta, dropping alias hits per the allowAliases
// Open Question decision and checking DerivationMeta's own invariants.
func validateAndClassify(raw []byte, schema interface {
	Validate(v interface{}) error
}) (map[nixpkgsreview.Attribute]nixpkgsreview.DerivationMeta, error) {
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, &nixpkgsreview.EvalFailure{Err: xerrors.Errorf("decoding evaluator response: %w", err)}
	}
	if err := schema.Validate(generic); err != nil {
		return nil, &nixpkgsreview.EvalFailure{Err: xerrors.Errorf("evaluator response failed schema validation: %w", err)}
	}

	var entries map[string]rawEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, &nixpkgsreview.EvalFailure{Err: xerrors.Errorf("re-decoding validated evaluator response: %w", err)}
	}

	out := make(map[nixpkgsreview.Attribute]nixpkgsreview.DerivationMeta, len(entries))
	for name, e := range entries {
		if e.Alias {
			continue // dropped per the allowAliases Open Question decision
		}
		attr, err := nixpkgsreview.ParseAttribute(name)
		if err != nil {
			return nil, &nixpkgsreview.EvalFailure{Err: xerrors.Errorf("evaluator returned invalid attribute %q: %w", name, err)}
		}
		meta := nixpkgsreview.DerivationMeta{
			Exists:   e.Exists,
			Broken:   e.Broken,
			DrvPath:  e.DrvPath,
			OutPaths: e.OutPaths,
			IsTest:   strings.Contains(name, ".passthru.tests."),
		}
		if err := meta.Validate(); err != nil {
			return nil, &nixpkgsreview.EvalFailure{Err: xerrors.Errorf("attribute %q: %w", name, err)}
		}
		out[attr] = meta
	}
	return out, nil
}

// Classify maps a validated DerivationMeta to its terminal Outcome, per
// spec.md §3/§4.D.
func Classify(meta nixpkgsreview.DerivationMeta) nixpkgsreview.Outcome {
	switch {
	case !meta.Exists:
		return nixpkgsreview.NonExistent
	case meta.Broken:
		return nixpkgsreview.Broken
	case meta.IsTest:
		return nixpkgsreview.Test
	default:
		return nixpkgsreview.Built
	}
}

func writeAttrsFile(attrs []nixpkgsreview.Attribute) (path string, cleanup func(), err error) {
	f, err := os.CreateTemp("", "nixpkgs-review-dispatch-*.json")
	if err != nil {
		return "", nil, err
	}
	names := make([]string, len(attrs))
	for i, a := range attrs {
		names[i] = string(a)
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(names); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, err
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}
