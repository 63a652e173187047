package testutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapfuse/internal/field"
	"github.com/leapstack-labs/leapfuse/internal/pipeline"
)

// Pipeline builds pipeline graphs by node name for tests.
type Pipeline struct {
	t        testing.TB
	Graph    *pipeline.Graph
	Registry *field.Registry
}

// NewPipeline returns an empty pipeline fixture with its own registry.
func NewPipeline(t testing.TB) *Pipeline {
	t.Helper()
	return &Pipeline{t: t, Graph: pipeline.NewGraph(), Registry: field.NewRegistry()}
}

// Columns parses "name:type" specs; the type defaults to string.
func Columns(specs ...string) []field.Field {
	fields := make([]field.Field, 0, len(specs))
	for _, spec := range specs {
		name, dt, _ := strings.Cut(spec, ":")
		if dt == "" {
			dt = string(field.TypeString)
		}
		fields = append(fields, field.Field{TechnicalName: name, DataType: field.DataType(dt)})
	}
	return fields
}

// Source adds a SOURCE_TABLE node reading table with the given column specs.
func (p *Pipeline) Source(name, table string, columns ...string) *pipeline.Node {
	p.t.Helper()
	return p.Node(name, &pipeline.Formula{
		Type:   pipeline.OpSourceTable,
		Source: &pipeline.SourceConfig{Table: table, Fields: Columns(columns...)},
	})
}

// Node adds a node with the given formula chain.
func (p *Pipeline) Node(name string, formulas ...*pipeline.Formula) *pipeline.Node {
	p.t.Helper()
	n, err := p.Graph.AddNode(pipeline.Seed{Name: name, Formulas: formulas}, pipeline.Position{
		X: float64(p.Graph.NodeCount() * 200),
		Y: 100,
	})
	require.NoError(p.t, err)
	require.Equal(p.t, name, n.Name, "fixture node names must be unique")
	return n
}

// Connect adds edges between named nodes, in order: Connect("a", "b", "c")
// wires a -> b -> c.
func (p *Pipeline) Connect(names ...string) {
	p.t.Helper()
	for i := 0; i+1 < len(names); i++ {
		_, err := p.Graph.AddEdge(p.Get(names[i]).ID, p.Get(names[i+1]).ID)
		require.NoError(p.t, err)
	}
}

// Get returns the node with the given name.
func (p *Pipeline) Get(name string) *pipeline.Node {
	p.t.Helper()
	n, ok := p.Graph.NodeByName(name)
	require.True(p.t, ok, "no node named %q", name)
	return n
}

// FieldID returns the id of column in the current output of the named node.
func (p *Pipeline) FieldID(node, column string) string {
	p.t.Helper()
	f, ok := field.FindByName(p.Get(node).OutputFields, column)
	require.True(p.t, ok, "node %q has no output column %q", node, column)
	return f.ID
}

// JoinScenario builds customers(id, name) and orders(id, amount) joined on
// id in "joined", published by the output view "report". Join keys are set
// by settle, which must run propagation over the graph.
func (p *Pipeline) JoinScenario(settle func(*pipeline.Graph)) {
	p.t.Helper()
	p.Source("customers", "crm.customers", "id:int", "name:string")
	p.Source("orders", "sales.orders", "id:int", "amount:decimal")
	p.Node("joined", &pipeline.Formula{Type: pipeline.OpJoin})
	p.Node("report", &pipeline.Formula{
		Type:   pipeline.OpOutputView,
		Output: &pipeline.OutputConfig{ViewName: "customer_orders"},
	})
	p.Connect("customers", "joined", "report")
	p.Connect("orders", "joined")
	settle(p.Graph)

	p.Get("joined").Formulas[0].Join = &pipeline.JoinConfig{
		Kind: pipeline.JoinInner,
		Keys: []pipeline.JoinKey{{
			LeftFieldID:  p.FieldID("customers", "id"),
			RightFieldID: p.FieldID("orders", "id"),
		}},
	}
	settle(p.Graph)
}
