// Package pipeline schedules release stages as a dependency graph.
package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/sahilm/fuzzy"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	rperrors "github.com/relicta-tech/shipyard/internal/errors"
)

// StageFunc executes one stage. A nil error means the stage succeeded.
type StageFunc func(ctx context.Context) Result

// Result is what a stage reports back to the scheduler.
type Result struct {
	Attempts  int
	Artifacts []string
	Err       error
}

// Stage is one node of the release graph.
type Stage struct {
	Name  string
	Kind  domain.StageKind
	Needs []string
	// Enabled is the evaluated gate. Disabled stages finish as skipped
	// without running.
	Enabled    bool
	SkipReason string
	Run        StageFunc
}

// Graph is an immutable, validated stage DAG.
type Graph struct {
	stages     map[string]*Stage
	order      []string
	dependents map[string][]string
	depth      map[string]int
}

// NewGraph builds and validates a graph. It rejects empty or duplicate
// names, needs on unknown stages, duplicate needs, self-loops and cycles.
func NewGraph(stages []Stage) (*Graph, error) {
	if len(stages) == 0 {
		return nil, invalidf("no stages")
	}

	g := &Graph{
		stages:     make(map[string]*Stage, len(stages)),
		dependents: make(map[string][]string, len(stages)),
		depth:      make(map[string]int, len(stages)),
	}
	for i := range stages {
		s := stages[i]
		if s.Name == "" {
			return nil, invalidf("stage name is required")
		}
		if _, dup := g.stages[s.Name]; dup {
			return nil, invalidf("duplicate stage name: %q", s.Name)
		}
		s.Needs = append([]string(nil), s.Needs...)
		g.stages[s.Name] = &s
	}

	for _, s := range g.stages {
		seen := make(map[string]bool, len(s.Needs))
		for _, need := range s.Needs {
			if need == s.Name {
				return nil, invalidf("self-loop: %q needs itself", s.Name)
			}
			if _, ok := g.stages[need]; !ok {
				return nil, invalidf("stage %q needs unknown stage %q", s.Name, need)
			}
			if seen[need] {
				return nil, invalidf("stage %q lists need %q twice", s.Name, need)
			}
			seen[need] = true
			g.dependents[need] = append(g.dependents[need], s.Name)
		}
	}
	for k := range g.dependents {
		sort.Strings(g.dependents[k])
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// topoSort runs Kahn's algorithm, computing depth as the longest path from
// a root, and orders stages by (depth, name).
func (g *Graph) topoSort() ([]string, error) {
	indeg := make(map[string]int, len(g.stages))
	for name, s := range g.stages {
		indeg[name] = len(s.Needs)
	}

	var frontier []string
	for name, d := range indeg {
		if d == 0 {
			frontier = append(frontier, name)
		}
	}
	sort.Strings(frontier)

	visited := 0
	for len(frontier) > 0 {
		u := frontier[0]
		frontier = frontier[1:]
		visited++
		for _, v := range g.dependents[u] {
			if d := g.depth[u] + 1; d > g.depth[v] {
				g.depth[v] = d
			}
			indeg[v]--
			if indeg[v] == 0 {
				frontier = append(frontier, v)
				sort.Strings(frontier)
			}
		}
	}
	if visited != len(g.stages) {
		var stuck []string
		for name, d := range indeg {
			if d > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, invalidf("cycle detected among stages %v", stuck)
	}

	order := make([]string, 0, len(g.stages))
	for name := range g.stages {
		order = append(order, name)
	}
	g.sortByDepth(order)
	return order, nil
}

func (g *Graph) sortByDepth(names []string) {
	sort.Slice(names, func(i, j int) bool {
		a, b := names[i], names[j]
		if g.depth[a] != g.depth[b] {
			return g.depth[a] < g.depth[b]
		}
		return a < b
	})
}

// Len returns the number of stages.
func (g *Graph) Len() int { return len(g.stages) }

// Order returns stage names in deterministic topological order.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Stage returns a stage by name.
func (g *Graph) Stage(name string) (Stage, bool) {
	s, ok := g.stages[name]
	if !ok {
		return Stage{}, false
	}
	return *s, true
}

// Depth returns the longest path from any root to the named stage.
func (g *Graph) Depth(name string) (int, bool) {
	if _, ok := g.stages[name]; !ok {
		return 0, false
	}
	return g.depth[name], true
}

// Dependents returns the stages that directly need name.
func (g *Graph) Dependents(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

// Specs returns name and kind of every stage in topological order.
func (g *Graph) Specs() []domain.StageSpec {
	out := make([]domain.StageSpec, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, domain.StageSpec{Name: name, Kind: g.stages[name].Kind})
	}
	return out
}

// Subset returns a graph restricted to the named stages plus everything
// they transitively need. Unknown names fail with a suggestion.
func (g *Graph) Subset(names []string) (*Graph, error) {
	keep := make(map[string]bool)
	var visit func(string)
	visit = func(name string) {
		if keep[name] {
			return
		}
		keep[name] = true
		for _, need := range g.stages[name].Needs {
			visit(need)
		}
	}
	for _, name := range names {
		if _, ok := g.stages[name]; !ok {
			return nil, g.unknownStage(name)
		}
		visit(name)
	}

	stages := make([]Stage, 0, len(keep))
	for _, name := range g.order {
		if keep[name] {
			stages = append(stages, *g.stages[name])
		}
	}
	return NewGraph(stages)
}

func (g *Graph) unknownStage(name string) error {
	msg := fmt.Sprintf("unknown stage %q", name)
	s := Suggest(name, g.order)
	if s != "" {
		msg += fmt.Sprintf(" (did you mean %q?)", s)
	}
	return rperrors.NotFound("pipeline.Subset", msg).WithDetail("suggestion", s)
}

// Suggest returns the closest candidate to name, or "".
func Suggest(name string, candidates []string) string {
	matches := fuzzy.Find(name, candidates)
	if len(matches) == 0 {
		return ""
	}
	return matches[0].Str
}

func invalidf(format string, args ...any) error {
	return rperrors.Validation("pipeline.NewGraph", fmt.Sprintf(format, args...))
}
