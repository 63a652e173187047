// Package propagate keeps every node's output fields and executable flag
// consistent with its formula chain and the current outputs of its sources.
package propagate

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/leapstack-labs/leapfuse/internal/field"
	"github.com/leapstack-labs/leapfuse/internal/pipeline"
)

// SampleScheduler is notified when a node that needs example data settles in
// an executable state, whether or not its own fields changed: an upstream
// edit can change its rows without changing its schema. Implementations skip
// samples that are already current, must not block and must not mutate g.
type SampleScheduler interface {
	ScheduleSample(g *pipeline.Graph, nodeID string)
}

// Engine recomputes derived node state.
type Engine struct {
	registry *field.Registry
	sampler  SampleScheduler
	logger   *slog.Logger
}

// Config holds engine configuration.
type Config struct {
	// Registry resolves field identity. Required.
	Registry *field.Registry
	// Sampler receives example-data requests (optional).
	Sampler SampleScheduler
	// Logger is the structured logger (optional, uses discard if nil)
	Logger *slog.Logger
}

// New creates a propagation engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	registry := cfg.Registry
	if registry == nil {
		registry = field.NewRegistry()
	}
	return &Engine{registry: registry, sampler: cfg.Sampler, logger: logger}
}

// Registry returns the field registry the engine resolves against.
func (e *Engine) Registry() *field.Registry {
	return e.registry
}

// SetSampler replaces the sample scheduler.
func (e *Engine) SetSampler(s SampleScheduler) {
	e.sampler = s
}

// Result summarizes one recompute batch.
type Result struct {
	// Visited lists recomputed nodes in the order they settled.
	Visited []string
	// Changed lists nodes whose outputs, executable flag or problems changed.
	Changed []string
}

// RecomputeAll recomputes every node of g.
func (e *Engine) RecomputeAll(g *pipeline.Graph) Result {
	ids := make([]string, 0, g.NodeCount())
	for _, n := range g.Nodes() {
		ids = append(ids, n.ID)
	}
	return e.Recompute(g, ids...)
}

// Recompute recomputes the changed nodes and everything downstream of them.
// Each node is visited at most once per batch, after all of its sources.
func (e *Engine) Recompute(g *pipeline.Graph, changed ...string) Result {
	batch := make(map[string]bool)
	for _, id := range changed {
		if _, ok := g.Node(id); !ok || batch[id] {
			continue
		}
		batch[id] = true
		for _, d := range g.Descendants(id) {
			batch[d] = true
		}
	}
	if len(batch) == 0 {
		return Result{}
	}

	ids := make([]string, 0, len(batch))
	for _, n := range g.Nodes() {
		if batch[n.ID] {
			ids = append(ids, n.ID)
		}
	}

	order, err := g.TopologicalSort(ids...)
	if err != nil {
		// Only tampered data gets here; settle what we can in insertion order.
		e.logger.Warn("recompute over cyclic graph", "error", err)
		order = ids
	}

	var result Result
	visited := make(map[string]bool, len(order))
	for _, id := range order {
		if visited[id] {
			continue
		}
		visited[id] = true
		n, _ := g.Node(id)

		if e.recomputeNode(g, n) {
			result.Changed = append(result.Changed, id)
		}
		result.Visited = append(result.Visited, id)

		if n.Executable && n.NeedsSample && e.sampler != nil {
			e.sampler.ScheduleSample(g, id)
		}
	}

	e.logger.Debug("propagation settled", "visited", len(result.Visited), "changed", len(result.Changed))
	return result
}

// recomputeNode rebuilds the derived state of n and reports whether it changed.
func (e *Engine) recomputeNode(g *pipeline.Graph, n *pipeline.Node) bool {
	prevFields := n.OutputFields
	prevExec := n.Executable
	prevProblems := n.Problems

	var problems []string
	branches := make([]pipeline.Branch, 0, len(n.Sources))
	for _, srcID := range n.Sources {
		src, ok := g.Node(srcID)
		if !ok {
			problems = append(problems, fmt.Sprintf("source %s does not exist", srcID))
			continue
		}
		if !src.Executable {
			problems = append(problems, fmt.Sprintf("upstream node %q is not executable", src.Name))
		}
		branches = append(branches, pipeline.Branch{
			SourceID: srcID,
			Fields:   e.registry.ResolveAll(src.OutputFields),
		})
	}

	if len(n.Formulas) == 0 {
		problems = append(problems, "node has no formulas")
		n.OutputFields = nil
	} else {
		problems = append(problems, arityProblem(n.Kind(), len(n.Sources))...)
		problems = append(problems, pipeline.ChainProblems(n.Formulas)...)

		var current []field.Field
		for i, f := range n.Formulas {
			problems = append(problems, f.ConfigProblems()...)
			d := &deriver{registry: e.registry, node: n, formula: f}
			if i == 0 {
				current = d.head(branches)
			} else {
				current = d.step(current)
			}
			problems = append(problems, d.problems...)
			f.OutputFields = current
		}
		n.OutputFields = n.Tail().OutputFields
	}

	n.Problems = dedupe(problems)
	n.Executable = len(n.Problems) == 0

	return prevExec != n.Executable ||
		!slices.Equal(prevFields, n.OutputFields) ||
		!slices.Equal(prevProblems, n.Problems)
}

func arityProblem(kind pipeline.OperatorType, inputs int) []string {
	minInputs, maxInputs := kind.Arity()
	switch {
	case inputs < minInputs:
		return []string{fmt.Sprintf("%s needs at least %d input(s), has %d", kind, minInputs, inputs)}
	case maxInputs != pipeline.Unlimited && inputs > maxInputs:
		return []string{fmt.Sprintf("%s accepts at most %d input(s), has %d", kind, maxInputs, inputs)}
	}
	return nil
}

func dedupe(problems []string) []string {
	if len(problems) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(problems))
	out := problems[:0]
	for _, p := range problems {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
