package codec

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapfuse/internal/field"
	"github.com/leapstack-labs/leapfuse/internal/pipeline"
	"github.com/leapstack-labs/leapfuse/internal/propagate"
	"github.com/leapstack-labs/leapfuse/internal/testutil"
)

func settled(t *testing.T) *testutil.Pipeline {
	p := testutil.NewPipeline(t)
	eng := propagate.New(propagate.Config{Registry: p.Registry, Logger: testutil.NewTestLogger(t)})
	p.JoinScenario(func(g *pipeline.Graph) { eng.RecomputeAll(g) })

	p.Node("recent", &pipeline.Formula{Type: pipeline.OpFilter, Filter: &pipeline.FilterConfig{
		Conditions: []pipeline.Condition{{FieldID: p.FieldID("orders", "amount"), Op: pipeline.CondGt, Value: "100"}},
	}})
	p.Connect("orders", "recent")
	p.Get("recent").NeedsSample = true
	require.NoError(t, p.Graph.Move(p.Get("recent").ID, pipeline.Position{X: 12.5, Y: -3}))
	eng.RecomputeAll(p.Graph)
	return p
}

func TestEncode_Shapes(t *testing.T) {
	p := settled(t)
	docs, err := Encode(p.Graph)
	require.NoError(t, err)

	require.Len(t, docs.Canvas, 5)
	require.Len(t, docs.Config, 5)

	joined := p.Get("joined")
	var rec ConfigRecord
	for _, r := range docs.Config {
		if r.ID == joined.ID {
			rec = r
		}
	}
	assert.Equal(t, "joined", rec.Name)
	assert.Equal(t, joined.Sources, rec.Sources)
	require.Len(t, rec.Formula, 1)
	assert.Equal(t, pipeline.OpJoin, rec.Formula[0].Type)
	assert.JSONEq(t, `{"kind":"INNER","keys":[{"left_field_id":"`+p.FieldID("customers", "id")+`","right_field_id":"`+p.FieldID("orders", "id")+`"}]}`,
		string(rec.Formula[0].Config))

	canvas, _, err := EncodeJSON(p.Graph)
	require.NoError(t, err)
	var raw []map[string]any
	require.NoError(t, json.Unmarshal(canvas, &raw))
	assert.ElementsMatch(t, []string{"id", "shape", "position", "data"}, keys(raw[0]))
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	p := settled(t)
	canvas, config, err := EncodeJSON(p.Graph)
	require.NoError(t, err)

	reg := field.NewRegistry()
	g, issues := DecodeJSON(canvas, config, reg)
	assert.Empty(t, issues)
	propagate.New(propagate.Config{Registry: reg}).RecomputeAll(g)

	require.Equal(t, p.Graph.NodeCount(), g.NodeCount())
	for _, want := range p.Graph.Nodes() {
		got, ok := g.Node(want.ID)
		require.True(t, ok)
		assert.Equal(t, want.Name, got.Name)
		assert.Equal(t, want.Sources, got.Sources)
		assert.Equal(t, want.Position, got.Position)
		assert.Equal(t, want.Executable, got.Executable)
		assert.Empty(t, cmp.Diff(want.Formulas, got.Formulas))
	}
	assert.Equal(t, p.Graph.Edges(), g.Edges())

	canvas2, config2, err := EncodeJSON(g)
	require.NoError(t, err)
	assert.Equal(t, string(canvas), string(canvas2))
	assert.Equal(t, string(config), string(config2))
}

func TestDecode_RegistryWinsOverStaleSnapshot(t *testing.T) {
	p := settled(t)
	docs, err := Encode(p.Graph)
	require.NoError(t, err)

	nameID := p.FieldID("customers", "name")
	require.NoError(t, p.Registry.Rename(nameID, "Customer Name (renamed)"))

	g, _ := Decode(docs, p.Registry)
	report, _ := g.NodeByName("report")
	f, ok := field.Find(report.OutputFields, nameID)
	require.True(t, ok)
	assert.Equal(t, "Customer Name (renamed)", f.DisplayName)
}

func TestRoundTrip_KeepsDerivedFieldRename(t *testing.T) {
	p := testutil.NewPipeline(t)
	eng := propagate.New(propagate.Config{Registry: p.Registry})
	p.Source("s2023", "sales.y2023", "amount:decimal")
	p.Source("s2024", "sales.y2024", "amount:decimal")
	p.Node("all", &pipeline.Formula{Type: pipeline.OpMerge})
	p.Connect("s2023", "all")
	p.Connect("s2024", "all")
	eng.RecomputeAll(p.Graph)

	merged := p.FieldID("all", "amount")
	require.NoError(t, p.Registry.Rename(merged, "Total Revenue"))
	eng.RecomputeAll(p.Graph)

	canvas, config, err := EncodeJSON(p.Graph)
	require.NoError(t, err)

	reg := field.NewRegistry()
	g, issues := DecodeJSON(canvas, config, reg)
	require.Empty(t, issues)
	propagate.New(propagate.Config{Registry: reg}).RecomputeAll(g)

	all, ok := g.NodeByName("all")
	require.True(t, ok)
	f, ok := field.Find(all.OutputFields, merged)
	require.True(t, ok, "derived id survives the reload")
	assert.Equal(t, "Total Revenue", f.DisplayName)
	assert.True(t, f.Renamed)

	src, _ := g.NodeByName("s2023")
	assert.Equal(t, "Amount", src.OutputFields[0].DisplayName, "inputs keep their own names")
}

func TestDecode_PartialRecords(t *testing.T) {
	docs := Documents{
		Canvas: []CanvasRecord{
			{ID: "only-canvas", Shape: "filter-node", Position: pipeline.Position{X: 5, Y: 6}, Data: CanvasData{Expand: true}},
			{ID: ""},
		},
		Config: []ConfigRecord{
			{ID: "only-config", Name: "orders", Formula: []FormulaRecord{{ID: "f1", Type: pipeline.OpSourceTable, Config: json.RawMessage(`{"table":"orders","fields":[]}`)}}},
			{ID: "only-config", Name: "dup"},
		},
	}

	g, issues := Decode(docs, nil)
	require.Equal(t, 2, g.NodeCount())

	placeholder, ok := g.Node("only-canvas")
	require.True(t, ok)
	assert.Empty(t, placeholder.Formulas)
	assert.Equal(t, pipeline.Position{X: 5, Y: 6}, placeholder.Position)
	assert.NotEmpty(t, placeholder.Name)

	cfgOnly, ok := g.Node("only-config")
	require.True(t, ok)
	assert.Equal(t, "source-table-node", cfgOnly.Shape)
	assert.True(t, cfgOnly.Expanded)
	require.NotNil(t, cfgOnly.Formulas[0].Source)
	assert.Equal(t, "orders", cfgOnly.Formulas[0].Source.Table)

	assert.Len(t, issues, 3, "missing id, duplicate config, placeholder: %v", issues)
}

func TestDecode_RepairsSourcesAndCycles(t *testing.T) {
	docs := Documents{Config: []ConfigRecord{
		{ID: "a", Name: "a", Sources: []string{"c", "a", "ghost"}},
		{ID: "b", Name: "b", Sources: []string{"a", "a"}},
		{ID: "c", Name: "c", Sources: []string{"b"}},
	}}

	g, issues := Decode(docs, nil)
	hasCycle, _ := g.HasCycle()
	assert.False(t, hasCycle)

	a, _ := g.Node("a")
	b, _ := g.Node("b")
	assert.NotContains(t, a.Sources, "a")
	assert.NotContains(t, a.Sources, "ghost")
	assert.Equal(t, []string{"a"}, b.Sources)
	assert.Equal(t, 2, g.EdgeCount(), "one edge of the ring is gone")

	var msgs []string
	for _, is := range issues {
		msgs = append(msgs, is.Message)
	}
	assert.Contains(t, msgs, "self reference removed from sources")
	assert.Contains(t, msgs, "dangling source ghost removed")
	assert.Contains(t, msgs, "repeated source a removed")
}

func TestDecodeJSON_Malformed(t *testing.T) {
	tests := []struct {
		name      string
		canvas    string
		config    string
		wantNodes int
	}{
		{"garbage", `not json`, `{{{`, 0},
		{"object instead of array", `{"id":"x"}`, `[]`, 0},
		{"bad record salvaged", `[{"id":"n1","position":"left"}]`, `[{"id":"n1","name":"keep","sources":["zz"],"formula":"oops"}]`, 1},
		{"bad formula dropped", ``, `[{"id":"n2","name":"n2","formula":[{"id":"f","type":"FILTER","config":{"conditions":"x"}},{"id":7}]}]`, 1},
		{"non-object element", `[1,2]`, `[null]`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var g *pipeline.Graph
			var issues []Issue
			require.NotPanics(t, func() {
				g, issues = DecodeJSON([]byte(tt.canvas), []byte(tt.config), nil)
			})
			assert.Equal(t, tt.wantNodes, g.NodeCount())
			if tt.canvas != "" || tt.wantNodes > 0 {
				assert.NotEmpty(t, issues)
			}
		})
	}
}

func TestDecodeJSON_SalvagedRecordKeepsIdentity(t *testing.T) {
	g, _ := DecodeJSON(nil, []byte(`[{"id":"n1","name":"keep","sources":[],"formula":"oops"}]`), nil)
	n, ok := g.Node("n1")
	require.True(t, ok)
	assert.Equal(t, "keep", n.Name)
	assert.Empty(t, n.Formulas)
}

func TestDecodeBundle(t *testing.T) {
	p := settled(t)
	data, err := EncodeBundle(p.Graph)
	require.NoError(t, err)

	g, issues := DecodeBundle(data, field.NewRegistry())
	assert.Empty(t, issues)
	assert.Equal(t, p.Graph.NodeCount(), g.NodeCount())
	assert.Equal(t, p.Graph.Edges(), g.Edges())
}
