// Package dag provides the directed acyclic graph that owns derived-table nodes.
// It supports definition-time cycle detection, topological ordering, execution
// levels, and downstream change propagation.
package dag

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCycle is returned when adding an edge would close a cycle.
var ErrCycle = errors.New("cycle detected")

// ErrNodeNotFound is returned for operations on unknown node IDs.
var ErrNodeNotFound = errors.New("node not found")

// Node is a graph vertex. The graph owns the node; edges refer to nodes by ID.
type Node[T any] struct {
	ID   string
	Data T
}

// Graph is a directed acyclic graph. Edges point from a parent (input) to a
// child (dependent). Graph is not safe for concurrent mutation; callers guard it.
type Graph[T any] struct {
	nodes   map[string]*Node[T]
	edges   map[string][]string // parent -> children (dependents)
	parents map[string][]string // child -> parents (dependencies)
}

// NewGraph creates a new empty graph.
func NewGraph[T any]() *Graph[T] {
	return &Graph[T]{
		nodes:   make(map[string]*Node[T]),
		edges:   make(map[string][]string),
		parents: make(map[string][]string),
	}
}

// AddNode adds a node, or replaces the data of an existing node.
func (g *Graph[T]) AddNode(id string, data T) {
	if n, exists := g.nodes[id]; exists {
		n.Data = data
		return
	}
	g.nodes[id] = &Node[T]{ID: id, Data: data}
	g.edges[id] = []string{}
	g.parents[id] = []string{}
}

// RemoveNode removes a node and every edge touching it.
func (g *Graph[T]) RemoveNode(id string) error {
	if _, exists := g.nodes[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	for _, p := range g.parents[id] {
		g.edges[p] = without(g.edges[p], id)
	}
	for _, c := range g.edges[id] {
		g.parents[c] = without(g.parents[c], id)
	}
	delete(g.nodes, id)
	delete(g.edges, id)
	delete(g.parents, id)
	return nil
}

// AddEdge adds a directed edge from parent to child (child depends on parent).
// The edge is rejected with ErrCycle if child already reaches parent.
func (g *Graph[T]) AddEdge(parentID, childID string) error {
	if _, exists := g.nodes[parentID]; !exists {
		return fmt.Errorf("parent %w: %s", ErrNodeNotFound, parentID)
	}
	if _, exists := g.nodes[childID]; !exists {
		return fmt.Errorf("child %w: %s", ErrNodeNotFound, childID)
	}
	if parentID == childID {
		return fmt.Errorf("%w: self-loop on %s", ErrCycle, parentID)
	}
	if path := g.pathBetween(childID, parentID); path != nil {
		cycle := append(path, childID)
		return fmt.Errorf("%w: %s", ErrCycle, strings.Join(cycle, " -> "))
	}

	if !contains(g.edges[parentID], childID) {
		g.edges[parentID] = append(g.edges[parentID], childID)
	}
	if !contains(g.parents[childID], parentID) {
		g.parents[childID] = append(g.parents[childID], parentID)
	}
	return nil
}

// pathBetween returns a path of IDs from -> ... -> to, or nil if unreachable.
func (g *Graph[T]) pathBetween(from, to string) []string {
	prev := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			var path []string
			for n := to; n != ""; n = prev[n] {
				path = append([]string{n}, path...)
			}
			return path
		}
		for _, next := range g.edges[cur] {
			if _, seen := prev[next]; !seen {
				prev[next] = cur
				queue = append(queue, next)
			}
		}
	}
	return nil
}

// GetNode returns a node by ID.
func (g *Graph[T]) GetNode(id string) (*Node[T], bool) {
	node, exists := g.nodes[id]
	return node, exists
}

// HasNode reports whether the graph contains id.
func (g *Graph[T]) HasNode(id string) bool {
	_, exists := g.nodes[id]
	return exists
}

// GetParents returns the parents (dependencies) of a node.
func (g *Graph[T]) GetParents(id string) []string {
	return append([]string(nil), g.parents[id]...)
}

// GetChildren returns the children (dependents) of a node.
func (g *Graph[T]) GetChildren(id string) []string {
	return append([]string(nil), g.edges[id]...)
}

// GetAllNodes returns all nodes sorted by ID.
func (g *Graph[T]) GetAllNodes() []*Node[T] {
	nodes := make([]*Node[T], 0, len(g.nodes))
	for _, node := range g.nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].ID < nodes[j].ID
	})
	return nodes
}

// NodeCount returns the number of nodes in the graph.
func (g *Graph[T]) NodeCount() int {
	return len(g.nodes)
}

// EdgeCount returns the number of edges in the graph.
func (g *Graph[T]) EdgeCount() int {
	count := 0
	for _, children := range g.edges {
		count += len(children)
	}
	return count
}

// HasCycle returns true if the graph contains a cycle, along with the cycle path.
// AddEdge keeps the graph acyclic; this is the verification pass run before
// any traversal that relies on acyclicity.
func (g *Graph[T]) HasCycle() (bool, []string) {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, child := range g.edges[id] {
			switch color[child] {
			case grey:
				for i, s := range stack {
					if s == child {
						cycle = append(append([]string{}, stack[i:]...), child)
						break
					}
				}
				return true
			case white:
				if dfs(child) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range g.sortedIDs() {
		if color[id] == white && dfs(id) {
			return true, cycle
		}
	}
	return false, nil
}

// TopologicalSort returns nodes in topological order (dependencies before dependents).
func (g *Graph[T]) TopologicalSort() ([]*Node[T], error) {
	if hasCycle, cyclePath := g.HasCycle(); hasCycle {
		return nil, fmt.Errorf("%w: %v", ErrCycle, cyclePath)
	}

	visited := make(map[string]bool)
	var result []*Node[T]

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		parents := append([]string(nil), g.parents[id]...)
		sort.Strings(parents)
		for _, parentID := range parents {
			visit(parentID)
		}
		result = append(result, g.nodes[id])
	}

	for _, id := range g.sortedIDs() {
		visit(id)
	}
	return result, nil
}

// GetExecutionLevels returns node IDs grouped by execution level.
// Nodes at level N can run in parallel after level N-1 completes.
// Level 0 contains nodes with no dependencies.
func (g *Graph[T]) GetExecutionLevels() ([][]string, error) {
	if hasCycle, cyclePath := g.HasCycle(); hasCycle {
		return nil, fmt.Errorf("%w: %v", ErrCycle, cyclePath)
	}

	assigned := make(map[string]int, len(g.nodes))
	var getLevel func(id string) int
	getLevel = func(id string) int {
		if level, ok := assigned[id]; ok {
			return level
		}
		level := 0
		for _, parentID := range g.parents[id] {
			if l := getLevel(parentID) + 1; l > level {
				level = l
			}
		}
		assigned[id] = level
		return level
	}

	maxLevel := -1
	for id := range g.nodes {
		if level := getLevel(id); level > maxLevel {
			maxLevel = level
		}
	}

	levels := make([][]string, maxLevel+1)
	for id, level := range assigned {
		levels[level] = append(levels[level], id)
	}
	for i := range levels {
		sort.Strings(levels[i])
	}
	return levels, nil
}

// GetAffectedNodes returns the given nodes plus all their downstream dependents.
func (g *Graph[T]) GetAffectedNodes(changedIDs []string) []string {
	affected := make(map[string]bool)

	var markAffected func(id string)
	markAffected = func(id string) {
		if affected[id] {
			return
		}
		affected[id] = true
		for _, childID := range g.edges[id] {
			markAffected(childID)
		}
	}

	for _, id := range changedIDs {
		if _, exists := g.nodes[id]; exists {
			markAffected(id)
		}
	}
	return sortedKeys(affected)
}

// GetUpstreamNodes returns all transitive dependencies of a node.
func (g *Graph[T]) GetUpstreamNodes(id string) []string {
	upstream := make(map[string]bool)

	var markUpstream func(nodeID string)
	markUpstream = func(nodeID string) {
		for _, parentID := range g.parents[nodeID] {
			if !upstream[parentID] {
				upstream[parentID] = true
				markUpstream(parentID)
			}
		}
	}

	markUpstream(id)
	return sortedKeys(upstream)
}

// GetRoots returns nodes with no parents.
func (g *Graph[T]) GetRoots() []string {
	var roots []string
	for _, id := range g.sortedIDs() {
		if len(g.parents[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// GetLeaves returns nodes with no children.
func (g *Graph[T]) GetLeaves() []string {
	var leaves []string
	for _, id := range g.sortedIDs() {
		if len(g.edges[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	return leaves
}

// Subgraph returns a new graph containing only the specified nodes and the
// edges between them.
func (g *Graph[T]) Subgraph(nodeIDs []string) *Graph[T] {
	sub := NewGraph[T]()
	nodeSet := make(map[string]bool, len(nodeIDs))

	for _, id := range nodeIDs {
		if node, exists := g.nodes[id]; exists {
			nodeSet[id] = true
			sub.AddNode(id, node.Data)
		}
	}
	for id := range nodeSet {
		for _, childID := range g.edges[id] {
			if nodeSet[childID] {
				_ = sub.AddEdge(id, childID)
			}
		}
	}
	return sub
}

func (g *Graph[T]) sortedIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func contains(slice []string, str string) bool {
	for _, s := range slice {
		if s == str {
			return true
		}
	}
	return false
}

func without(slice []string, str string) []string {
	out := slice[:0]
	for _, s := range slice {
		if s != str {
			out = append(out, s)
		}
	}
	return out
}
