package batch

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"symrun/internal/config"
)

var errNilManifest = errors.New("cannot build graph from a nil manifest")

// Graph represents the needs relationships between manifest tasks.
type Graph struct {
	tasks      map[string]*config.TaskSpec
	needs      map[string][]string
	dependents map[string][]string
	order      []string
}

// BuildGraph constructs the task graph and validates acyclicity.
func BuildGraph(m *config.Manifest) (*Graph, error) {
	if m == nil {
		return nil, errNilManifest
	}

	g := &Graph{
		tasks:      make(map[string]*config.TaskSpec, len(m.Tasks)),
		needs:      make(map[string][]string, len(m.Tasks)),
		dependents: make(map[string][]string, len(m.Tasks)),
	}
	for name, task := range m.Tasks {
		g.tasks[name] = task
		if _, ok := g.needs[name]; !ok {
			g.needs[name] = nil
		}
		for _, need := range task.Needs {
			g.needs[name] = append(g.needs[name], need)
			g.dependents[need] = append(g.dependents[need], name)
			if _, ok := g.needs[need]; !ok {
				g.needs[need] = nil
			}
		}
	}

	// Dependent lists inherit map iteration order; sort them so scheduling
	// and skip propagation stay stable across runs.
	for name := range g.dependents {
		sort.Strings(g.dependents[name])
	}

	order, err := topoSort(g.needs, g.dependents)
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// Tasks returns task names in execution order: every task appears after all
// of its needs.
func (g *Graph) Tasks() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Task returns the spec registered under name, or nil for unknown tasks.
func (g *Graph) Task(name string) *config.TaskSpec {
	return g.tasks[name]
}

// Needs returns the direct needs of the named task.
func (g *Graph) Needs(name string) []string {
	needs := g.needs[name]
	out := make([]string, len(needs))
	copy(out, needs)
	return out
}

// Dependents returns tasks that list the named task in their needs.
func (g *Graph) Dependents(name string) []string {
	deps := g.dependents[name]
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}

// Closure expands roots to include every transitive need and returns the
// combined set in execution order.
func (g *Graph) Closure(roots []string) ([]string, error) {
	include := make(map[string]bool, len(roots))
	queue := make([]string, 0, len(roots))
	for _, root := range roots {
		if _, ok := g.tasks[root]; !ok {
			return nil, fmt.Errorf("unknown task %q", root)
		}
		if include[root] {
			continue
		}
		include[root] = true
		queue = append(queue, root)
	}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, need := range g.needs[node] {
			if include[need] {
				continue
			}
			include[need] = true
			queue = append(queue, need)
		}
	}

	out := make([]string, 0, len(include))
	for _, name := range g.order {
		if include[name] {
			out = append(out, name)
		}
	}
	return out, nil
}

// topoSort orders tasks so that each task's needs precede it. Ties break by
// name to keep scheduling deterministic.
func topoSort(needs, dependents map[string][]string) ([]string, error) {
	indegree := make(map[string]int, len(needs))
	for node, deps := range needs {
		indegree[node] = len(deps)
	}
	queue := make([]string, 0, len(indegree))
	for node, deg := range indegree {
		if deg == 0 {
			queue = append(queue, node)
		}
	}
	sort.Strings(queue)
	order := make([]string, 0, len(indegree))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)
		released := make([]string, 0, len(dependents[node]))
		for _, dep := range dependents[node] {
			indegree[dep]--
			if indegree[dep] == 0 {
				released = append(released, dep)
			}
		}
		sort.Strings(released)
		queue = append(queue, released...)
	}
	if len(order) != len(indegree) {
		cycle := detectCycle(needs)
		return nil, fmt.Errorf("needs cycle detected: %s", strings.Join(cycle, " -> "))
	}
	return order, nil
}

func detectCycle(edges map[string][]string) []string {
	visited := make(map[string]bool)
	stack := make([]string, 0)

	var dfs func(string) []string
	dfs = func(node string) []string {
		visited[node] = true
		stack = append(stack, node)
		for _, next := range edges[node] {
			onStack := false
			for _, cur := range stack {
				if cur == next {
					onStack = true
					break
				}
			}
			if onStack {
				return appendStack(stack, next)
			}
			if !visited[next] {
				if cycle := dfs(next); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		return nil
	}

	for node := range edges {
		if !visited[node] {
			if cycle := dfs(node); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func appendStack(stack []string, target string) []string {
	idx := -1
	for i, node := range stack {
		if node == target {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil
	}
	out := make([]string, 0, len(stack)-idx+1)
	for i := idx; i < len(stack); i++ {
		out = append(out, stack[i])
	}
	out = append(out, target)
	return out
}
