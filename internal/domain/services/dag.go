package services

import (
	"fmt"
	"sort"
)

// DAG is a generic directed acyclic graph keyed by opaque node id. An edge
// from→to means "to depends on from". Not safe for concurrent use; callers
// own synchronization.
type DAG struct {
	nodes    map[string]interface{}
	outgoing map[string]map[string]bool // from -> set of to (dependents)
	incoming map[string]map[string]bool // to -> set of from (dependencies)
}

// NewDAG creates an empty graph
func NewDAG() *DAG {
	return &DAG{
		nodes:    make(map[string]interface{}),
		outgoing: make(map[string]map[string]bool),
		incoming: make(map[string]map[string]bool),
	}
}

// AddNode inserts a node with its payload, replacing any existing payload
func (g *DAG) AddNode(id string, payload interface{}) {
	g.nodes[id] = payload
	if g.outgoing[id] == nil {
		g.outgoing[id] = make(map[string]bool)
	}
	if g.incoming[id] == nil {
		g.incoming[id] = make(map[string]bool)
	}
}

// RemoveNode deletes a node and detaches all incident edges
func (g *DAG) RemoveNode(id string) bool {
	if _, ok := g.nodes[id]; !ok {
		return false
	}
	for to := range g.outgoing[id] {
		delete(g.incoming[to], id)
	}
	for from := range g.incoming[id] {
		delete(g.outgoing[from], id)
	}
	delete(g.nodes, id)
	delete(g.outgoing, id)
	delete(g.incoming, id)
	return true
}

// HasNode reports whether the node exists
func (g *DAG) HasNode(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// GetNode returns a node's payload
func (g *DAG) GetNode(id string) (interface{}, bool) {
	payload, ok := g.nodes[id]
	return payload, ok
}

// Size returns the node count
func (g *DAG) Size() int {
	return len(g.nodes)
}

// AddEdge inserts an edge from→to; both endpoints must exist
func (g *DAG) AddEdge(from, to string) error {
	if !g.HasNode(from) {
		return fmt.Errorf("edge source %q not in graph", from)
	}
	if !g.HasNode(to) {
		return fmt.Errorf("edge target %q not in graph", to)
	}
	g.outgoing[from][to] = true
	g.incoming[to][from] = true
	return nil
}

// RemoveEdge deletes an edge
func (g *DAG) RemoveEdge(from, to string) {
	if set, ok := g.outgoing[from]; ok {
		delete(set, to)
	}
	if set, ok := g.incoming[to]; ok {
		delete(set, from)
	}
}

// GetDependencies returns the direct dependencies of a node (edges pointing in)
func (g *DAG) GetDependencies(id string) []string {
	return sortedKeys(g.incoming[id])
}

// GetDependents returns the direct dependents of a node (edges pointing out)
func (g *DAG) GetDependents(id string) []string {
	return sortedKeys(g.outgoing[id])
}

// GetAllDependencies returns the transitive dependency closure of a node
func (g *DAG) GetAllDependencies(id string) []string {
	return g.closure(id, g.incoming)
}

// GetAllDependents returns the transitive dependent closure of a node
func (g *DAG) GetAllDependents(id string) []string {
	return g.closure(id, g.outgoing)
}

func (g *DAG) closure(id string, adjacency map[string]map[string]bool) []string {
	visited := make(map[string]bool)
	stack := []string{id}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range adjacency[current] {
			if !visited[next] {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	return sortedKeys(visited)
}

// DependsOn reports whether node depends (transitively) on target
func (g *DAG) DependsOn(node, target string) bool {
	for _, dep := range g.GetAllDependencies(node) {
		if dep == target {
			return true
		}
	}
	return false
}

// GetRoots returns all nodes with no dependencies
func (g *DAG) GetRoots() []string {
	roots := make([]string, 0)
	for id := range g.nodes {
		if len(g.incoming[id]) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// GetLeaves returns all nodes with no dependents
func (g *DAG) GetLeaves() []string {
	leaves := make([]string, 0)
	for id := range g.nodes {
		if len(g.outgoing[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	sort.Strings(leaves)
	return leaves
}

// TopologicalSort returns the nodes in dependency order using Kahn's algorithm.
// Fails if the graph contains a cycle.
func (g *DAG) TopologicalSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = len(g.incoming[id])
	}

	queue := make([]string, 0)
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		next := make([]string, 0)
		for dependent := range g.outgoing[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				next = append(next, dependent)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}

	if len(order) != len(g.nodes) {
		return nil, fmt.Errorf("graph contains a cycle; sorted %d of %d nodes", len(order), len(g.nodes))
	}
	return order, nil
}

// GetExecutionLevels groups nodes into levels: level 0 holds every node with
// zero in-degree, and each subsequent level holds the nodes whose dependencies
// all live in earlier levels. Fails on a cycle.
func (g *DAG) GetExecutionLevels() ([][]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = len(g.incoming[id])
	}

	current := make([]string, 0)
	for id, degree := range inDegree {
		if degree == 0 {
			current = append(current, id)
		}
	}
	sort.Strings(current)

	levels := make([][]string, 0)
	seen := 0
	for len(current) > 0 {
		levels = append(levels, current)
		seen += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for dependent := range g.outgoing[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if seen != len(g.nodes) {
		return nil, fmt.Errorf("graph contains a cycle; levelled %d of %d nodes", seen, len(g.nodes))
	}
	return levels, nil
}

// DetectCycle returns one example cycle as a node path, or nil when acyclic.
// Uses DFS coloring: white (unvisited), gray (on stack), black (done).
func (g *DAG) DetectCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	parent := make(map[string]string)

	var cycle []string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for next := range g.outgoing[id] {
			if color[next] == gray {
				// unwind the gray chain back to next, then close the loop
				chain := []string{}
				for at := id; at != next; at = parent[at] {
					chain = append(chain, at)
				}
				chain = append(chain, next)
				for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
					chain[i], chain[j] = chain[j], chain[i]
				}
				cycle = append(chain, next)
				return true
			}
			if color[next] == white {
				parent[next] = id
				if visit(next) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	ids := sortedKeys(g.nodes)
	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// HasCycle reports whether the graph contains any cycle
func (g *DAG) HasCycle() bool {
	return g.DetectCycle() != nil
}

// GetCriticalPath returns the longest path through the graph by node count
func (g *DAG) GetCriticalPath() []string {
	order, err := g.TopologicalSort()
	if err != nil {
		return nil
	}

	longest := make(map[string]int, len(g.nodes))
	prev := make(map[string]string, len(g.nodes))
	for _, id := range order {
		longest[id] = 1
		for dep := range g.incoming[id] {
			if longest[dep]+1 > longest[id] {
				longest[id] = longest[dep] + 1
				prev[id] = dep
			}
		}
	}

	end, best := "", 0
	for _, id := range order {
		if longest[id] > best {
			end, best = id, longest[id]
		}
	}
	if end == "" {
		return []string{}
	}

	path := make([]string, 0, best)
	for at := end; ; {
		path = append(path, at)
		next, ok := prev[at]
		if !ok {
			break
		}
		at = next
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Clone returns a deep copy of the graph structure; payloads are shared
func (g *DAG) Clone() *DAG {
	clone := NewDAG()
	for id, payload := range g.nodes {
		clone.AddNode(id, payload)
	}
	for from, targets := range g.outgoing {
		for to := range targets {
			clone.AddEdge(from, to) //nolint:errcheck // endpoints exist by construction
		}
	}
	return clone
}

// Clear removes every node and edge
func (g *DAG) Clear() {
	g.nodes = make(map[string]interface{})
	g.outgoing = make(map[string]map[string]bool)
	g.incoming = make(map[string]map[string]bool)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
