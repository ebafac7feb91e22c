package changeset

import (
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

// evalAttrsExpr is the fixed evaluator expression spec.md §4.C/§4.D refer to
// as "a fixed expression file" — here it is a .nix expression string rather
// than a separate file on disk, since the module has no assets directory to
// ship one in. It is invoked with nix-instantiate, given an attrs-file and a
// nixpkgs path, and prints a JSON object mapping each requested attribute
// that resolves to a derivation to its drvPath (used as a stand-in for the
// "outputHash" spec.md's design notes describe: two evaluations of the same
// attribute produce the same drvPath iff nothing observable to the
// evaluator changed).
const evalAttrsExpr = `
{ nixpkgsPath, attrsFile }:
let
  pkgs = import nixpkgsPath {};
  attrs = builtins.fromJSON (builtins.readFile attrsFile);
  lookup = attr:
    let
      segs = builtins.filter (s: s != "") (builtins.split "\\." attr);
      walk = acc: path: if path == [] then acc else walk (acc.${builtins.head path} or null) (builtins.tail path);
    in
      builtins.tryEval (walk pkgs (builtins.filter builtins.isString (builtins.split "\\." attr)));
in
  builtins.listToAttrs (map (a: {
    name = a;
    value =
      let r = lookup a; in
      if !r.success then null
      else if r.value ? drvPath then r.value.drvPath
      else null;
  }) attrs)
`

// HashEvaluator evaluates a chunk of attributes against a worktree
// directory, returning the resolved attributes' drvPaths. Attributes absent
// from the returned map either do not exist or failed to evaluate; callers
// distinguish those cases via a second pass in component D, not here.
type HashEvaluator interface {
	EvalChunk(ctx context.Context, dir string, attrs []nixpkgsreview.Attribute) (map[nixpkgsreview.Attribute]string, error)

	// ListAttrs enumerates every leaf attribute under the package set's
	// top-level attrset in dir, used to drive the diff in ResolveLocal.
	ListAttrs(ctx context.Context, dir string) ([]nixpkgsreview.Attribute, error)
}

// NixEvaluator is the HashEvaluator backed by nix-instantiate, grounded on
// how cmd/autobuilder/autobuilder.go shells out to external build tools via
// internal/runner rather than a Go Nix binding (none exists in the stack).
type NixEvaluator struct {
	NixpkgsAttr string // e.g. "default"; not read by EvalChunk or ListAttrs, which use the whole package set at dir
}

func (e *NixEvaluator) EvalChunk(ctx context.Context, dir string, attrs []nixpkgsreview.Attribute) (map[nixpkgsreview.Attribute]string, error) {
	attrsFile, cleanup, err := writeAttrsJSON(attrs)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	var out strings.Builder
	res, err := runner.Run(ctx, "nix-instantiate", []string{
		"--eval", "--json", "--strict",
		"--arg", "nixpkgsPath", dir,
		"--argstr", "attrsFile", attrsFile,
		"--expr", evalAttrsExpr,
	}, runner.Opts{
		StdoutSink: func(line string) { out.WriteString(line) },
	})
	if err != nil {
		return nil, &nixpkgsreview.EvalFailure{Err: err}
	}
	if res.ExitCode != 0 {
		return nil, &nixpkgsreview.EvalFailure{Err: xerrors.Errorf("nix-instantiate: exit status %d", res.ExitCode)}
	}

	var raw map[string]*string
	if err := json.Unmarshal([]byte(out.String()), &raw); err != nil {
		return nil, &nixpkgsreview.EvalFailure{Err: xerrors.Errorf("parsing nix-instantiate output: %w", err)}
	}
	hashes := make(map[nixpkgsreview.Attribute]string, len(raw))
	for k, v := range raw {
		if v != nil {
			hashes[nixpkgsreview.Attribute(k)] = *v
		}
	}
	return hashes, nil
}

func (e *NixEvaluator) ListAttrs(ctx context.Context, dir string) ([]nixpkgsreview.Attribute, error) {
	var out strings.Builder
	res, err := runner.Run(ctx, "nix-env", []string{
		"-qaP", "--json", "-f", dir,
	}, runner.Opts{
		StdoutSink: func(line string) { out.WriteString(line) },
	})
	if err != nil {
		return nil, &nixpkgsreview.EvalFailure{Err: err}
	}
	if res.ExitCode != 0 {
		return nil, &nixpkgsreview.EvalFailure{Err: xerrors.Errorf("nix-env -qaP: exit status %d", res.ExitCode)}
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(out.String()), &raw); err != nil {
		return nil, &nixpkgsreview.EvalFailure{Err: xerrors.Errorf("parsing nix-env output: %w", err)}
	}
	attrs := make([]nixpkgsreview.Attribute, 0, len(raw))
	for k := range raw {
		a, err := nixpkgsreview.ParseAttribute(k)
		if err != nil {
			continue // non-package pseudo-attrs nix-env sometimes reports
		}
		attrs = append(attrs, a)
	}
	return nixpkgsreview.SortAttributes(attrs), nil
}

func writeAttrsJSON(attrs []nixpkgsreview.Attribute) (path string, cleanup func(), err error) {
	f, err := os.CreateTemp("", "nixpkgs-review-attrs-*.json")
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

// chunkAttrs splits attrs into up to n nearly-equal, order-preserving
// chunks. Empty chunks are omitted, so the returned slice may have fewer
// than n elements when len(attrs) < n.
func chunkAttrs(attrs []nixpkgsreview.Attribute, n int) [][]nixpkgsreview.Attribute {
	if n < 1 {
		n = 1
	}
	if len(attrs) == 0 {
		return nil
	}
	size := (len(attrs) + n - 1) / n
	var chunks [][]nixpkgsreview.Attribute
	for i := 0; i < len(attrs); i += size {
		end := i + size
		if end > len(attrs) {
			end = len(attrs)
		}
		chunks = append(chunks, attrs[i:end])
	}
	return chunks
}

// evalChunkWithRetry evaluates attrs as one chunk; on failure it halves the
// chunk once and evaluates each half independently, per spec.md §4.C ("a
// chunk that fails to evaluate is retried once with its own subchunks
// halved; persistent failure surfaces per-attribute as Broken"). It does
// not recurse past that single halving.
func evalChunkWithRetry(ctx context.Context, eval HashEvaluator, dir string, attrs []nixpkgsreview.Attribute) (map[nixpkgsreview.Attribute]string, []nixpkgsreview.Attribute) {
	if hashes, err := eval.EvalChunk(ctx, dir, attrs); err == nil {
		return hashes, nil
	}
	if len(attrs) <= 1 {
		return nil, attrs
	}
	mid := len(attrs) / 2
	merged := make(map[nixpkgsreview.Attribute]string)
	var broken []nixpkgsreview.Attribute
	for _, sub := range [][]nixpkgsreview.Attribute{attrs[:mid], attrs[mid:]} {
		h, err := eval.EvalChunk(ctx, dir, sub)
		if err != nil {
			broken = append(broken, sub...)
			continue
		}
		for k, v := range h {
			merged[k] = v
		}
	}
	return merged, broken
}

// evalTree evaluates attrs against dir, sharded into chunkCount chunks (4×
// CPU count per spec.md §4.C) and run with at most concurrency chunks in
// flight at once, bounded via a weighted semaphore (internal/scheduler
// bounds build parallelism with a fixed worker pool instead).
func evalTree(ctx context.Context, eval HashEvaluator, dir string, attrs []nixpkgsreview.Attribute, chunkCount, concurrency int) (map[nixpkgsreview.Attribute]string, []nixpkgsreview.Attribute, error) {
	chunks := chunkAttrs(attrs, chunkCount)
	if len(chunks) == 0 {
		return map[nixpkgsreview.Attribute]string{}, nil, nil
	}

	sem := semaphore.NewWeighted(int64(concurrency))
	g, ctx := errgroup.WithContext(ctx)

	results := make([]map[nixpkgsreview.Attribute]string, len(chunks))
	brokens := make([][]nixpkgsreview.Attribute, len(chunks))

	for i, chunk := range chunks {
		i, chunk := i, chunk
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, nil, err
		}
		g.Go(func() error {
			defer sem.Release(1)
			hashes, broken := evalChunkWithRetry(ctx, eval, dir, chunk)
			results[i] = hashes
			brokens[i] = broken
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	merged := make(map[nixpkgsreview.Attribute]string, len(attrs))
	var broken []nixpkgsreview.Attribute
	for i := range chunks {
		for k, v := range results[i] {
			merged[k] = v
		}
		broken = append(broken, brokens[i]...)
	}
	return merged, broken, nil
}

// ChunkCountForCPUs returns the chunk count spec.md §4.C prescribes: 4×CPU
// count, to bound tail latency from a single slow chunk.
func ChunkCountForCPUs() int {
	return 4 * runtime.NumCPU()
}

// LocalResult is the outcome of a two-pass local evaluation.
type LocalResult struct {
	CandidateAttrs []nixpkgsreview.Attribute
	Broken         []nixpkgsreview.Attribute
}

// ResolveLocal implements the local-eval path of spec.md §4.C: list the
// merged worktree's attribute tree, evaluate it in both the base and merged
// worktrees, and report any attribute absent from base or whose hash
// differs as a candidate. dir arguments are worktree paths, not repo roots.
func ResolveLocal(ctx context.Context, eval HashEvaluator, baseDir, mergedDir string, concurrency int) (*LocalResult, error) {
	attrs, err := eval.ListAttrs(ctx, mergedDir)
	if err != nil {
		return nil, err
	}
	chunkCount := ChunkCountForCPUs()

	mergedHashes, mergedBroken, err := evalTree(ctx, eval, mergedDir, attrs, chunkCount, concurrency)
	if err != nil {
		return nil, err
	}
	baseHashes, baseBroken, err := evalTree(ctx, eval, baseDir, attrs, chunkCount, concurrency)
	if err != nil {
		return nil, err
	}

	brokenSet := make(map[nixpkgsreview.Attribute]bool)
	for _, a := range mergedBroken {
		brokenSet[a] = true
	}
	for _, a := range baseBroken {
		brokenSet[a] = true
	}

	var candidates []nixpkgsreview.Attribute
	for _, a := range attrs {
		if brokenSet[a] {
			continue
		}
		mh, inMerged := mergedHashes[a]
		bh, inBase := baseHashes[a]
		if !inMerged {
			continue // doesn't resolve in the merged tree; not a rebuild candidate
		}
		if !inBase || mh != bh {
			candidates = append(candidates, a)
		}
	}

	broken := make([]nixpkgsreview.Attribute, 0, len(brokenSet))
	for a := range brokenSet {
		broken = append(broken, a)
	}

	return &LocalResult{
		CandidateAttrs: nixpkgsreview.SortAttributes(candidates),
		Broken:         nixpkgsreview.SortAttributes(broken),
	}, nil
}
