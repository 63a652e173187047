// Package pipeline provides the in-memory model of a data-fusion pipeline:
// an arena of nodes keyed by stable ids whose relations (edges, ancestors,
// descendants) are computed from each node's Sources list.
//
// A Graph is not safe for concurrent mutation. Callers serialize edits, and
// every structural mutation completes before the next begins.
package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Sentinel errors returned by structural mutations.
var (
	ErrNodeNotFound = errors.New("node not found")
	ErrEdgeNotFound = errors.New("edge not found")
	ErrSelfLoop     = errors.New("self-loop")
	ErrDuplicate    = errors.New("already exists")
	ErrNameTaken    = errors.New("node name already in use")
)

// Edge is a directed data-flow connection from Source to Target.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

const edgeSep = "->"

// EdgeID returns the id of the edge source -> target.
func EdgeID(source, target string) string {
	return source + edgeSep + target
}

// ParseEdgeID splits an edge id into its endpoints.
func ParseEdgeID(id string) (source, target string, ok bool) {
	source, target, ok = strings.Cut(id, edgeSep)
	if !ok || source == "" || target == "" {
		return "", "", false
	}
	return source, target, true
}

// Reader is the read-only view of a graph used by validation and query
// generation.
type Reader interface {
	Node(id string) (*Node, bool)
	Nodes() []*Node
	Children(id string) []string
	Ancestors(id string) []string
	Descendants(id string) []string
	WouldCycle(sourceID, targetID string) (bool, []string)
}

// Graph is the set of nodes of one pipeline.
type Graph struct {
	nodes map[string]*Node
	// order is the insertion order, used to keep every listing deterministic.
	order []string
	newID func() string
}

var _ Reader = (*Graph)(nil)

// NewGraph creates a new empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[string]*Node),
		newID: func() string { return ulid.Make().String() },
	}
}

// NewID mints an id for a node or formula.
func (g *Graph) NewID() string {
	return g.newID()
}

// AddNode creates a node from seed at pos and returns it. Formulas without an
// id receive one; the name is made unique among the graph's nodes.
func (g *Graph) AddNode(seed Seed, pos Position) (*Node, error) {
	for _, f := range seed.Formulas {
		if f == nil {
			return nil, fmt.Errorf("seed contains a nil formula")
		}
	}

	n := &Node{
		ID:          g.newID(),
		Shape:       seed.Shape,
		Position:    pos,
		Expanded:    true,
		NeedsSample: seed.NeedsSample,
		Formulas:    seed.Formulas,
	}
	for _, f := range n.Formulas {
		if f.ID == "" {
			f.ID = g.newID()
		}
	}
	if n.Shape == "" {
		n.Shape = n.Kind().Shape()
	}

	base := seed.Name
	if base == "" {
		base = strings.ToLower(string(n.Kind()))
		if base == "" {
			base = "node"
		}
	}
	n.Name = g.uniqueName(base, seed.Name != "")

	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
	return n, nil
}

func (g *Graph) uniqueName(base string, tryBare bool) string {
	if tryBare {
		if _, taken := g.NodeByName(base); !taken {
			return base
		}
	}
	for i := 1; ; i++ {
		candidate := base + "_" + strconv.Itoa(i)
		if _, taken := g.NodeByName(candidate); !taken {
			return candidate
		}
	}
}

// InsertNode adds a fully formed node, keeping its id. Used when hydrating a
// persisted pipeline.
func (g *Graph) InsertNode(n *Node) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("node id is required")
	}
	if _, exists := g.nodes[n.ID]; exists {
		return fmt.Errorf("node %q: %w", n.ID, ErrDuplicate)
	}
	if n.Name == "" {
		n.Name = g.uniqueName("node", false)
	} else if other, taken := g.NodeByName(n.Name); taken && other.ID != n.ID {
		n.Name = g.uniqueName(n.Name, false)
	}
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
	return nil
}

// RemoveNode deletes a node together with every edge touching it. It returns
// the former targets, whose Sources no longer mention the removed node.
func (g *Graph) RemoveNode(id string) ([]string, error) {
	if _, exists := g.nodes[id]; !exists {
		return nil, fmt.Errorf("node %q: %w", id, ErrNodeNotFound)
	}

	targets := g.Children(id)
	for _, targetID := range targets {
		target := g.nodes[targetID]
		target.Sources = removeString(target.Sources, id)
	}

	delete(g.nodes, id)
	g.order = removeString(g.order, id)
	return targets, nil
}

// AddEdge connects source to target by appending source to target's Sources.
// It performs no policy checks beyond existence, self-loops and duplicates;
// callers gate it with the connection validator.
func (g *Graph) AddEdge(sourceID, targetID string) (Edge, error) {
	if _, exists := g.nodes[sourceID]; !exists {
		return Edge{}, fmt.Errorf("source node %q: %w", sourceID, ErrNodeNotFound)
	}
	target, exists := g.nodes[targetID]
	if !exists {
		return Edge{}, fmt.Errorf("target node %q: %w", targetID, ErrNodeNotFound)
	}
	if sourceID == targetID {
		return Edge{}, fmt.Errorf("%s: %w", sourceID, ErrSelfLoop)
	}
	if target.HasSource(sourceID) {
		return Edge{}, fmt.Errorf("edge %s: %w", EdgeID(sourceID, targetID), ErrDuplicate)
	}

	target.Sources = append(target.Sources, sourceID)
	return Edge{ID: EdgeID(sourceID, targetID), Source: sourceID, Target: targetID}, nil
}

// RemoveEdge deletes the edge with the given id.
func (g *Graph) RemoveEdge(edgeID string) (Edge, error) {
	sourceID, targetID, ok := ParseEdgeID(edgeID)
	if !ok {
		return Edge{}, fmt.Errorf("malformed edge id %q: %w", edgeID, ErrEdgeNotFound)
	}
	target, exists := g.nodes[targetID]
	if !exists || !target.HasSource(sourceID) {
		return Edge{}, fmt.Errorf("edge %q: %w", edgeID, ErrEdgeNotFound)
	}

	target.Sources = removeString(target.Sources, sourceID)
	return Edge{ID: edgeID, Source: sourceID, Target: targetID}, nil
}

// Node returns a node by id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeByName returns the node with the given name.
func (g *Graph) NodeByName(name string) (*Node, bool) {
	for _, id := range g.order {
		if n := g.nodes[id]; n.Name == name {
			return n, true
		}
	}
	return nil, false
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		nodes = append(nodes, g.nodes[id])
	}
	return nodes
}

// NodeCount returns the number of nodes in the graph.
func (g *Graph) NodeCount() int {
	return len(g.nodes)
}

// Edges returns every edge, derived from the nodes' Sources, ordered by
// target insertion order and then by source position.
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for _, id := range g.order {
		for _, src := range g.nodes[id].Sources {
			edges = append(edges, Edge{ID: EdgeID(src, id), Source: src, Target: id})
		}
	}
	return edges
}

// EdgeCount returns the number of edges in the graph.
func (g *Graph) EdgeCount() int {
	count := 0
	for _, n := range g.nodes {
		count += len(n.Sources)
	}
	return count
}

// Children returns the nodes fed by id, in insertion order.
func (g *Graph) Children(id string) []string {
	var children []string
	for _, candidate := range g.order {
		if g.nodes[candidate].HasSource(id) {
			children = append(children, candidate)
		}
	}
	return children
}

func (g *Graph) childIndex() map[string][]string {
	index := make(map[string][]string, len(g.nodes))
	for _, id := range g.order {
		for _, src := range g.nodes[id].Sources {
			index[src] = append(index[src], id)
		}
	}
	return index
}

// Ancestors returns every node reachable by following Sources transitively,
// sorted by id. Traversal is bounded by a visited set, so corrupted data with
// a ring terminates; in that case id itself shows up in its own ancestors.
func (g *Graph) Ancestors(id string) []string {
	visited := make(map[string]bool)
	stack := []string{id}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, ok := g.nodes[current]
		if !ok {
			continue
		}
		for _, parentID := range n.Sources {
			if !visited[parentID] {
				visited[parentID] = true
				stack = append(stack, parentID)
			}
		}
	}
	return sortedKeys(visited)
}

// Descendants returns every node downstream of id, sorted by id.
func (g *Graph) Descendants(id string) []string {
	index := g.childIndex()
	visited := make(map[string]bool)
	stack := []string{id}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, childID := range index[current] {
			if !visited[childID] {
				visited[childID] = true
				stack = append(stack, childID)
			}
		}
	}
	return sortedKeys(visited)
}

// HasCycle returns true if the graph contains a cycle, along with the cycle path.
func (g *Graph) HasCycle() (bool, []string) {
	return findCycle(g.order, g.childIndex())
}

// findCycle runs a DFS over children adjacency and reports the first ring.
func findCycle(order []string, children map[string][]string) (bool, []string) {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make(map[string]string)

	var cyclePath []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		visited[id] = true
		recStack[id] = true

		for _, childID := range children[id] {
			if !visited[childID] {
				path[childID] = id
				if dfs(childID) {
					return true
				}
			} else if recStack[childID] {
				cyclePath = []string{childID}
				for curr := id; curr != childID; curr = path[curr] {
					cyclePath = append([]string{curr}, cyclePath...)
				}
				cyclePath = append([]string{childID}, cyclePath...)
				return true
			}
		}

		recStack[id] = false
		return false
	}

	for _, id := range order {
		if !visited[id] {
			if dfs(id) {
				return true, cyclePath
			}
		}
	}
	return false, nil
}

// WouldCycle reports whether adding source -> target would close a ring
// anywhere in the graph, simulating the edge over the whole child relation.
func (g *Graph) WouldCycle(sourceID, targetID string) (bool, []string) {
	if sourceID == targetID {
		return true, []string{sourceID, sourceID}
	}
	children := g.childIndex()
	children[sourceID] = append(append([]string(nil), children[sourceID]...), targetID)
	return findCycle(g.order, children)
}

// TopologicalSort orders the given node ids (all nodes when none are given)
// so that every node comes after its sources. Ties keep insertion order.
// Returns an error if the selection contains a cycle.
func (g *Graph) TopologicalSort(ids ...string) ([]string, error) {
	selected := make(map[string]bool)
	if len(ids) == 0 {
		for _, id := range g.order {
			selected[id] = true
		}
	} else {
		for _, id := range ids {
			if _, ok := g.nodes[id]; !ok {
				return nil, fmt.Errorf("node %q: %w", id, ErrNodeNotFound)
			}
			selected[id] = true
		}
	}

	indegree := make(map[string]int, len(selected))
	for id := range selected {
		for _, src := range g.nodes[id].Sources {
			if selected[src] {
				indegree[id]++
			}
		}
	}
	index := g.childIndex()

	result := make([]string, 0, len(selected))
	done := make(map[string]bool, len(selected))
	for len(result) < len(selected) {
		progressed := false
		for _, id := range g.order {
			if !selected[id] || done[id] || indegree[id] > 0 {
				continue
			}
			done[id] = true
			result = append(result, id)
			progressed = true
			for _, childID := range index[id] {
				if selected[childID] {
					indegree[childID]--
				}
			}
		}
		if !progressed {
			var stuck []string
			for _, id := range g.order {
				if selected[id] && !done[id] {
					stuck = append(stuck, id)
				}
			}
			return nil, fmt.Errorf("cycle detected among: %v", stuck)
		}
	}
	return result, nil
}

// Roots returns nodes with no sources.
func (g *Graph) Roots() []string {
	var roots []string
	for _, id := range g.order {
		if len(g.nodes[id].Sources) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Leaves returns nodes that feed no other node.
func (g *Graph) Leaves() []string {
	index := g.childIndex()
	var leaves []string
	for _, id := range g.order {
		if len(index[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	return leaves
}

// Rename changes a node's name, keeping names unique.
func (g *Graph) Rename(id, name string) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("node %q: %w", id, ErrNodeNotFound)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("node name must not be empty")
	}
	if other, taken := g.NodeByName(name); taken && other.ID != id {
		return fmt.Errorf("%q: %w", name, ErrNameTaken)
	}
	n.Name = name
	return nil
}

// Move sets a node's canvas position.
func (g *Graph) Move(id string, pos Position) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("node %q: %w", id, ErrNodeNotFound)
	}
	n.Position = pos
	return nil
}

// SetFormulas replaces a node's formula chain. Formulas without an id get one.
func (g *Graph) SetFormulas(id string, formulas []*Formula) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("node %q: %w", id, ErrNodeNotFound)
	}
	for _, f := range formulas {
		if f == nil {
			return fmt.Errorf("node %q: nil formula", id)
		}
		if f.ID == "" {
			f.ID = g.newID()
		}
	}
	n.Formulas = formulas
	return nil
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		nodes: make(map[string]*Node, len(g.nodes)),
		order: append([]string(nil), g.order...),
		newID: g.newID,
	}
	for id, n := range g.nodes {
		c.nodes[id] = n.Clone()
	}
	return c
}

func removeString(slice []string, s string) []string {
	out := slice[:0]
	for _, v := range slice {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	result := make([]string, 0, len(set))
	for id := range set {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}
