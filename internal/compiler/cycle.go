package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/questflow/internal/stepgraph"
)

// CycleWarning describes branch rules that can route back to a step
// already visited.
//
// Cycles are warnings, not errors: whether a loop is taken depends on the
// answers, and a questionnaire may intend a "review and change" loop. At
// run time Path stops at the first repeat.
type CycleWarning struct {
	Questionnaire string   `json:"questionnaire"`
	Path          []string `json:"path"`    // ["a", "b", "a"]
	Message       string   `json:"message"` // human-readable description
	Level         string   `json:"level"`   // "warning"
}

// AnalyzeCycles performs static cycle analysis on a questionnaire's flow.
//
// The algorithm:
//  1. Build step -> possible successor edges from branch rules and default
//     ordering (stepgraph.Graph.Successors)
//  2. Use Tarjan's algorithm to find strongly connected components
//  3. Report each SCC with size > 1 or a self-loop as a potential cycle
//
// Default edges only point forward, so every reported cycle contains at
// least one backward branch rule. A questionnaire without one returns an
// empty list.
func AnalyzeCycles(q *Questionnaire) []CycleWarning {
	graph := buildDependencyGraph(q.Graph)

	var warnings []CycleWarning
	for _, scc := range tarjanSCC(graph, q.Graph.Steps()) {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], graph)) {
			w := cycleSCCToWarning(scc, graph)
			w.Questionnaire = q.Name
			warnings = append(warnings, w)
		}
	}
	if warnings == nil {
		return []CycleWarning{}
	}
	return warnings
}

// dependencyGraph maps step id -> steps Next may resolve to.
type dependencyGraph map[string][]string

func buildDependencyGraph(g *stepgraph.Graph) dependencyGraph {
	graph := make(dependencyGraph)
	for _, id := range g.Steps() {
		succ := g.Successors(id)
		edges := make([]string, len(succ))
		for i, s := range succ {
			edges[i] = string(s)
		}
		graph[string(id)] = edges
	}
	return graph
}

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node string, graph dependencyGraph) bool {
	for _, neighbor := range graph[node] {
		if neighbor == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Nodes are visited in the given order so results are deterministic.
//
// Single-node SCCs without self-loops are NOT cycles.
func tarjanSCC(graph dependencyGraph, order []stepgraph.StepID) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is a root node: pop the stack and emit an SCC
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, id := range order {
		if _, visited := indices[string(id)]; !visited {
			strongConnect(string(id))
		}
	}

	return sccs
}

// cycleSCCToWarning converts an SCC to a CycleWarning. The path starts at
// the earliest declared step of the SCC.
func cycleSCCToWarning(scc []string, graph dependencyGraph) CycleWarning {
	if len(scc) == 1 {
		id := scc[0]
		return CycleWarning{
			Path:    []string{id, id},
			Message: fmt.Sprintf("step %s can route to itself", id),
			Level:   "warning",
		}
	}

	path := reconstructCyclePath(scc, graph)
	return CycleWarning{
		Path:    path,
		Message: fmt.Sprintf("potential cycle: %s", strings.Join(path, " → ")),
		Level:   "warning",
	}
}

// reconstructCyclePath follows edges within the SCC from its first node
// until it returns to the start.
func reconstructCyclePath(scc []string, graph dependencyGraph) []string {
	if len(scc) == 0 {
		return []string{}
	}

	sccSet := make(map[string]bool, len(scc))
	for _, node := range scc {
		sccSet[node] = true
	}

	// Tarjan pops in reverse discovery order; the last node popped was
	// discovered first.
	start := scc[len(scc)-1]

	current := start
	path := []string{current}
	visited := make(map[string]bool)
	for {
		visited[current] = true

		var next string
		for _, neighbor := range graph[current] {
			if sccSet[neighbor] && (!visited[neighbor] || neighbor == start) {
				next = neighbor
				break
			}
		}
		if next == "" {
			break
		}

		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}

	return path
}
