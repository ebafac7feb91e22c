package scheduler

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	nixpkgsreview "github.com/nixpkgs-review/nixpkgs-review"
	"github.com/nixpkgs-review/nixpkgs-review/internal/runner"
	"github.com/nixpkgs-review/nixpkgs-review/internal/trace"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
)

// Scheduler builds the drv DAG Plan produced, respecting maxJobs bounded
// parallelism. It is single-use: call Run once.
type Scheduler struct {
	g     *simple.DirectedGraph
	byDrv map[string]*drvNode
	built map[string]error // drvPath -> nil (success) or build error

	LogDir     string
	MaxJobs    int
	BuildArgs  []string
	BuildGraph nixpkgsreview.BuildGraph

	// BuildFn, when set, replaces the nix-build invocation build() would
	// otherwise make. Callers outside this package (internal/review's
	// tests) use this to exercise the scheduler without an actual
	// nix-build binary; it defaults to runner.Run, the same function
	// runBuildFn overrides for this package's own tests.
	BuildFn func(ctx context.Context, name string, args []string, opts runner.Opts) (*runner.Result, error)

	// TracePath, if set, writes a Chrome-trace-format event log of every
	// build's begin/end to this path, the same format
	// cmd/autobuilder/autobuilder.go's build step produces via
	// internal/trace — repurposed here from per-package-build events to
	// per-drv-build events.
	TracePath string
}

type buildResult struct {
	node *drvNode
	err  error
}

// Report is the final outcome of a Run: per (system, attribute) Built or
// Failed classification, plus the last 30 non-blank log lines for any
// attribute whose drv failed, per spec.md §4.E.
type Report struct {
	Outcomes    map[nixpkgsreview.System]map[nixpkgsreview.Attribute]nixpkgsreview.Outcome
	FailureTail map[nixpkgsreview.System]map[nixpkgsreview.Attribute][]string
	Incomplete  bool
}

func newReport() *Report {
	return &Report{
		Outcomes:    make(map[nixpkgsreview.System]map[nixpkgsreview.Attribute]nixpkgsreview.Outcome),
		FailureTail: make(map[nixpkgsreview.System]map[nixpkgsreview.Attribute][]string),
	}
}

func (r *Report) set(t Target, o nixpkgsreview.Outcome) {
	m, ok := r.Outcomes[t.System]
	if !ok {
		m = make(map[nixpkgsreview.Attribute]nixpkgsreview.Outcome)
		r.Outcomes[t.System] = m
	}
	m[t.Attr] = o
}

func (r *Report) setTail(t Target, lines []string) {
	m, ok := r.FailureTail[t.System]
	if !ok {
		m = make(map[nixpkgsreview.Attribute][]string)
		r.FailureTail[t.System] = m
	}
	m[t.Attr] = lines
}

// Run builds every node in the DAG, respecting bounded parallelism
// (MaxJobs, default CPU count is the caller's job to set), and returns the
// classified per-target outcomes. On context cancellation, Run stops
// dispatching new builds, gives in-flight ones up to 10s to exit, and
// returns a Report marked Incomplete — spec.md §4.E's cancellation
// behaviour.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	if err := os.MkdirAll(s.LogDir, 0755); err != nil {
		return nil, &nixpkgsreview.InternalError{Err: err}
	}
	if s.TracePath != "" {
		f, err := os.Create(s.TracePath)
		if err != nil {
			return nil, &nixpkgsreview.InternalError{Err: err}
		}
		defer f.Close()
		trace.Sink(f)
	}
	maxJobs := s.MaxJobs
	if maxJobs < 1 {
		maxJobs = 1
	}

	numNodes := s.g.Nodes().Len()
	report := newReport()
	if numNodes == 0 {
		return report, nil
	}

	board := newStatusBoard(maxJobs)
	work := make(chan *drvNode, numNodes)
	done := make(chan buildResult)

	eg, egctx := errgroup.WithContext(ctx)

	for i := 0; i < maxJobs; i++ {
		worker := i
		eg.Go(func() error {
			for n := range work {
				if err := egctx.Err(); err != nil {
					return nil // cancelled: stop taking new work, let drain below handle the rest
				}
				board.update(worker+1, "building "+primaryName(n))
				start := time.Now()
				{
					ev := trace.Event("build "+primaryName(n), worker)
					ev.Type = "B"
					ev.Done()
				}
				errCh := make(chan error, 1)
				go func() { errCh <- s.build(egctx, n) }()

				ticker := time.NewTicker(time.Second)
			waitBuild:
				for {
					select {
					case err := <-errCh:
						ticker.Stop()
						select {
						case done <- buildResult{node: n, err: err}:
						case <-egctx.Done():
						}
						break waitBuild
					case <-ticker.C:
						board.update(worker+1, fmt.Sprintf("building %s since %v", primaryName(n), time.Since(start).Round(time.Second)))
					}
				}
				{
					ev := trace.Event("build "+primaryName(n), worker)
					ev.Type = "E"
					ev.Done()
				}
				board.update(worker+1, "idle")
			}
			return nil
		})
	}

	// Seed the queue with nodes that have no unbuilt dependency.
	for nodes := s.g.Nodes(); nodes.Next(); {
		n := nodes.Node().(*drvNode)
		if s.g.From(n.ID()).Len() == 0 {
			work <- n
		}
	}

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		defer close(work)
		succeeded, failed := 0, 0
		for len(s.built) < numNodes {
			select {
			case result := <-done:
				s.built[result.node.drvPath] = result.err
				board.update(0, fmt.Sprintf("%d of %d drvs: %d built, %d failed", len(s.built), numNodes, succeeded, failed))
				classifyNode(report, result.node, result.err, s.LogDir)
				if result.err == nil {
					succeeded++
					for to := s.g.To(result.node.ID()); to.Next(); {
						if candidate, ok := to.Node().(*drvNode); ok && s.canBuild(candidate) {
							work <- candidate
						}
					}
				} else {
					failed += 1 + s.markFailed(report, result.node)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	select {
	case <-dispatcherDone:
	case <-ctx.Done():
		report.Incomplete = true
		select {
		case <-dispatcherDone:
		case <-time.After(10 * time.Second):
		}
	}

	if err := eg.Wait(); err != nil && ctx.Err() == nil {
		return report, err
	}
	return report, nil
}

func primaryName(n *drvNode) string {
	if len(n.targets) == 0 {
		return n.drvPath
	}
	return string(n.targets[0].Attr)
}

// runBuildFn is overridden in tests to avoid shelling out to a real
// nix-build binary, the same way system.go's currentSystem is overridden.
var runBuildFn = runner.Run

// build runs nix-build (or nom, when configured and available) for n,
// teeing output to one log file per target attribute under LogDir, per
// spec.md §4.E.
func (s *Scheduler) build(ctx context.Context, n *drvNode) error {
	binary := "nix-build"
	if s.BuildGraph == nixpkgsreview.BuildGraphNom {
		if path, err := exec.LookPath("nom"); err == nil {
			binary = path
		}
	}
	args := append([]string{"--no-link", "--keep-going"}, s.BuildArgs...)
	args = append(args, n.drvPath)

	logFiles := make([]*os.File, 0, len(n.targets))
	var writers []io.Writer
	for _, t := range n.targets {
		dir := filepath.Join(s.LogDir, string(t.System))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		f, err := os.Create(filepath.Join(dir, string(t.Attr)+".log"))
		if err != nil {
			return err
		}
		logFiles = append(logFiles, f)
		writers = append(writers, f)
	}
	defer func() {
		for _, f := range logFiles {
			f.Close()
		}
	}()

	buildFn := s.BuildFn
	if buildFn == nil {
		buildFn = runBuildFn
	}
	tee := io.MultiWriter(writers...)
	res, err := buildFn(ctx, binary, args, runner.Opts{
		TeeStdout: tee,
		TeeStderr: tee,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s %v: exit status %d", binary, args, res.ExitCode)
	}
	if !outputsExist(n.meta.OutPaths) {
		return fmt.Errorf("%s: expected output paths missing from the store", n.drvPath)
	}
	return nil
}

func outputsExist(outPaths map[string]string) bool {
	if len(outPaths) == 0 {
		return false
	}
	for _, p := range outPaths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func classifyNode(report *Report, n *drvNode, buildErr error, logDir string) {
	outcome := nixpkgsreview.Built
	if buildErr != nil {
		outcome = nixpkgsreview.Failed
	}
	for _, t := range n.targets {
		report.set(t, outcome)
		if buildErr != nil {
			path := filepath.Join(logDir, string(t.System), string(t.Attr)+".log")
			report.setTail(t, failureTail(path, 30))
		}
	}
}

// failureTail reads the last n non-blank lines of the log file at path,
// per spec.md §4.E ("the last 30 non-blank lines are extracted for the
// markdown report").
func failureTail(path string, n int) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var all []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t")
		if line == "" {
			continue
		}
		all = append(all, line)
	}
	if len(all) <= n {
		return all
	}
	return all[len(all)-n:]
}

// markFailed propagates a build failure to every node that (transitively)
// depends on n, mirroring internal/batch/batch.go's markFailed.
func (s *Scheduler) markFailed(report *Report, n *drvNode) int {
	count := 0
	for to := s.g.To(n.ID()); to.Next(); {
		d := to.Node().(*drvNode)
		if _, already := s.built[d.drvPath]; already {
			continue
		}
		err := fmt.Errorf("dependency %s failed", n.drvPath)
		s.built[d.drvPath] = err
		classifyNode(report, d, err, s.LogDir)
		count++
		count += s.markFailed(report, d)
	}
	return count
}

// canBuild reports whether every dependency of candidate has already built
// successfully.
func (s *Scheduler) canBuild(candidate *drvNode) bool {
	for from := s.g.From(candidate.ID()); from.Next(); {
		d := from.Node().(*drvNode)
		if err, ok := s.built[d.drvPath]; !ok || err != nil {
			return false
		}
	}
	return true
}

var _ graph.Node = (*drvNode)(nil)
