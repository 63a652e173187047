package pipeline

import (
	"slices"

	"github.com/leapstack-labs/leapfuse/internal/field"
)

// Position is the canvas location of a node. It carries no logic.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one pipeline stage: an ordered chain of formulas fed by Sources.
type Node struct {
	// ID is the stable identity; ids are never reused within a graph.
	ID string
	// Name is user-editable and unique within the graph.
	Name string

	// Layout-only attributes.
	Shape    string
	Position Position
	Expanded bool

	// NeedsSample requests example data whenever the node becomes executable.
	NeedsSample bool

	// Sources lists upstream node ids in input order.
	Sources  []string
	Formulas []*Formula

	// Derived by the propagation engine; never authored directly.
	OutputFields []field.Field
	Executable   bool
	Problems     []string
}

// Kind is the type of the head formula, which decides how the node consumes
// its sources. Empty for a node without formulas.
func (n *Node) Kind() OperatorType {
	if len(n.Formulas) == 0 {
		return ""
	}
	return n.Formulas[0].Type
}

// Tail returns the last formula of the chain.
func (n *Node) Tail() *Formula {
	if len(n.Formulas) == 0 {
		return nil
	}
	return n.Formulas[len(n.Formulas)-1]
}

// Contains reports whether any formula of the chain has type t.
func (n *Node) Contains(t OperatorType) bool {
	for _, f := range n.Formulas {
		if f.Type == t {
			return true
		}
	}
	return false
}

// HasSource reports whether id feeds this node.
func (n *Node) HasSource(id string) bool {
	return slices.Contains(n.Sources, id)
}

// Formula returns the formula with the given id.
func (n *Node) Formula(id string) (*Formula, bool) {
	for _, f := range n.Formulas {
		if f.ID == id {
			return f, true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	c := *n
	c.Sources = cloneSlice(n.Sources)
	c.Problems = cloneSlice(n.Problems)
	c.OutputFields = field.Clone(n.OutputFields)
	if n.Formulas != nil {
		c.Formulas = make([]*Formula, len(n.Formulas))
		for i, f := range n.Formulas {
			c.Formulas[i] = f.Clone()
		}
	}
	return &c
}

// Seed describes a node to add.
type Seed struct {
	Name        string
	Shape       string
	NeedsSample bool
	Formulas    []*Formula
}
