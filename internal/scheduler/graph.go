// Package scheduler implements the Build Scheduler (component E): building
// the deduplicated set of derivations a review's candidate attributes
// resolve to, in parallel, with bounded concurrency, per-attribute log
// capture, and outcome classification, per spec.md §4.E.
package scheduler

import (
	"context"
	"sort"
	"strings"

	nixpkgsreview "github.com/nixpkgs-review/nixpkgs-review"
	"github.com/nixpkgs-review/nixpkgs-review/internal/runner"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Target names one (system, attribute) pair whose DerivationMeta resolved
// to a given drv.
type Target struct {
	System nixpkgsreview.System
	Attr   nixpkgsreview.Attribute
}

// drvNode is one node of the build DAG: a single drvPath, plus every
// (system, attribute) that resolved to it. Two attributes (or the same
// attribute across two systems) sharing a drvPath are built exactly once,
// the same dedup the teacher's scheduler does by fullname.
type drvNode struct {
	id      int64
	drvPath string
	targets []Target
	meta    nixpkgsreview.DerivationMeta
}

func (n *drvNode) ID() int64 { return n.id }

// DepsProbe returns the drv-path dependencies of drvPath, used only to
// order dispatch; nix-build's own `--keep-going` resolution is what
// actually enforces correctness, per spec.md §4.E ("the external builder
// handles the dependency ordering; the scheduler only rate-limits"). A
// probe failure is non-fatal: the node is simply treated as having no
// known dependencies within the candidate set, so it is scheduled eagerly
// and nix-build sorts it out.
type DepsProbe func(ctx context.Context, drvPath string) ([]string, error)

// NixStoreDepsProbe is the DepsProbe backed by `nix-store --query
// --references`, grounded the same way internal/changeset and
// internal/eval shell out to nix tooling via internal/runner.
func NixStoreDepsProbe(ctx context.Context, drvPath string) ([]string, error) {
	var lines []string
	res, err := runner.Run(ctx, "nix-store", []string{"--query", "--references", drvPath}, runner.Opts{
		StdoutSink: func(line string) { lines = append(lines, line) },
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, xerrors.Errorf("nix-store --query --references %s: exit status %d", drvPath, res.ExitCode)
	}
	var drvs []string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if strings.HasSuffix(l, ".drv") {
			drvs = append(drvs, l)
		}
	}
	return drvs, nil
}

// Plan builds the dedup'd drv DAG from a dispatcher result: one node per
// distinct drvPath among the non-broken, existing entries, edges recording
// "depends on" relationships discovered via probe (restricted to other
// nodes in this same build), and cycle-breaking identical in shape to
// internal/batch/batch.go's topo.Sort/topo.Unorderable handling.
func Plan(ctx context.Context, meta map[nixpkgsreview.System]map[nixpkgsreview.Attribute]nixpkgsreview.DerivationMeta, probe DepsProbe, warn func(string)) (*Scheduler, error) {
	g := simple.NewDirectedGraph()
	byDrv := make(map[string]*drvNode)

	systems := make([]nixpkgsreview.System, 0, len(meta))
	for s := range meta {
		systems = append(systems, s)
	}
	sort.Slice(systems, func(i, j int) bool { return systems[i] < systems[j] })

	var nextID int64
	for _, sys := range systems {
		attrs := make([]nixpkgsreview.Attribute, 0, len(meta[sys]))
		for a := range meta[sys] {
			attrs = append(attrs, a)
		}
		attrs = nixpkgsreview.SortAttributes(attrs)
		for _, attr := range attrs {
			m := meta[sys][attr]
			if !m.Exists || m.Broken || m.IsTest {
				continue // already terminal (NonExistent/Broken/Test); nothing to build
			}
			n, ok := byDrv[m.DrvPath]
			if !ok {
				n = &drvNode{id: nextID, drvPath: m.DrvPath, meta: m}
				nextID++
				byDrv[m.DrvPath] = n
				g.AddNode(n)
			}
			n.targets = append(n.targets, Target{System: sys, Attr: attr})
		}
	}

	if probe != nil {
		for _, n := range byDrv {
			deps, err := probe(ctx, n.drvPath)
			if err != nil {
				if warn != nil {
					warn(xerrors.Errorf("deps probe for %s: %w", n.drvPath, err).Error())
				}
				continue
			}
			for _, dep := range deps {
				if d, ok := byDrv[dep]; ok && d != n {
					g.SetEdge(g.NewEdge(n, d))
				}
			}
		}
	}

	breakCycles(g, warn)

	return &Scheduler{
		g:     g,
		byDrv: byDrv,
		built: make(map[string]error),
	}, nil
}

// breakCycles mirrors internal/batch/batch.go's cycle-breaking: any
// strongly-connected component topo.Sort rejects has its outgoing edges
// stripped, trading correctness of that one ordering hint for forward
// progress — nix-build's own dependency resolution is authoritative, this
// only affects scheduling order.
func breakCycles(g *simple.DirectedGraph, warn func(string)) {
	if _, err := topo.Sort(g); err == nil {
		return
	} else if uo, ok := err.(topo.Unorderable); ok {
		for _, component := range uo {
			for _, n := range component {
				if warn != nil {
					warn("breaking dependency cycle at " + n.(*drvNode).drvPath)
				}
				from := g.From(n.ID())
				for from.Next() {
					g.RemoveEdge(n.ID(), from.Node().ID())
				}
			}
		}
	}
}

var _ graph.Directed = (*simple.DirectedGraph)(nil)
