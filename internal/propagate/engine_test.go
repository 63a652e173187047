package propagate

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapfuse/internal/field"
	"github.com/leapstack-labs/leapfuse/internal/pipeline"
	"github.com/leapstack-labs/leapfuse/internal/testutil"
)

type harness struct {
	t   *testing.T
	g   *pipeline.Graph
	reg *field.Registry
	eng *Engine
}

func newHarness(t *testing.T) *harness {
	reg := field.NewRegistry()
	return &harness{
		t:   t,
		g:   pipeline.NewGraph(),
		reg: reg,
		eng: New(Config{Registry: reg, Logger: testutil.NewTestLogger(t)}),
	}
}

func (h *harness) add(name string, formulas ...*pipeline.Formula) *pipeline.Node {
	h.t.Helper()
	n, err := h.g.AddNode(pipeline.Seed{Name: name, Formulas: formulas}, pipeline.Position{})
	require.NoError(h.t, err)
	return n
}

func (h *harness) source(name, table string, cols ...field.Field) *pipeline.Node {
	return h.add(name, &pipeline.Formula{
		Type:   pipeline.OpSourceTable,
		Source: &pipeline.SourceConfig{Table: table, Fields: cols},
	})
}

func (h *harness) connect(src, tgt *pipeline.Node) {
	h.t.Helper()
	_, err := h.g.AddEdge(src.ID, tgt.ID)
	require.NoError(h.t, err)
}

func col(name string, dt field.DataType) field.Field {
	return field.Field{TechnicalName: name, DataType: dt}
}

func idOf(t *testing.T, fields []field.Field, name string) string {
	t.Helper()
	f, ok := field.FindByName(fields, name)
	require.True(t, ok, "field %q not found in %v", name, fields)
	return f.ID
}

// A(id, name) and C(id, amount) join into B, which feeds output D.
func joinPipeline(t *testing.T) (*harness, map[string]*pipeline.Node) {
	h := newHarness(t)
	a := h.source("A", "customers", col("id", field.TypeInt), col("name", field.TypeString))
	c := h.source("C", "orders", col("id", field.TypeInt), col("amount", field.TypeDecimal))
	b := h.add("B", &pipeline.Formula{Type: pipeline.OpJoin})
	d := h.add("D", &pipeline.Formula{Type: pipeline.OpOutputView, Output: &pipeline.OutputConfig{ViewName: "customer_orders"}})
	h.connect(a, b)
	h.connect(c, b)
	h.connect(b, d)
	h.eng.RecomputeAll(h.g)

	b.Formulas[0].Join = &pipeline.JoinConfig{Kind: pipeline.JoinInner, Keys: []pipeline.JoinKey{{
		LeftFieldID:  idOf(t, a.OutputFields, "id"),
		RightFieldID: idOf(t, c.OutputFields, "id"),
	}}}
	h.eng.Recompute(h.g, b.ID)
	return h, map[string]*pipeline.Node{"A": a, "B": b, "C": c, "D": d}
}

func TestRecompute_JoinPipeline(t *testing.T) {
	h, n := joinPipeline(t)

	for _, name := range []string{"A", "B", "C", "D"} {
		assert.True(t, n[name].Executable, "%s: %v", name, n[name].Problems)
	}

	names := make([]string, 0, len(n["D"].OutputFields))
	for _, f := range n["D"].OutputFields {
		names = append(names, f.TechnicalName)
	}
	assert.Equal(t, []string{"id", "name", "id_2", "amount"}, names)

	collided := n["D"].OutputFields[2]
	assert.Equal(t, idOf(t, n["C"].OutputFields, "id"), collided.Origin.FieldID)
	assert.NotEqual(t, idOf(t, n["C"].OutputFields, "id"), collided.ID)
	assert.Equal(t, field.TypeInt, collided.DataType)

	assert.NotEmpty(t, n["A"].Formulas[0].Source.Fields[0].ID, "source config keeps interned ids")
	assert.Equal(t, 5, h.reg.Len(), "four physical columns plus one derived collision")
}

func TestRecompute_Idempotent(t *testing.T) {
	h, n := joinPipeline(t)

	snapshot := func() map[string]any {
		out := make(map[string]any)
		for _, node := range h.g.Nodes() {
			out[node.Name] = struct {
				Fields     []field.Field
				Executable bool
				Problems   []string
			}{node.OutputFields, node.Executable, node.Problems}
		}
		return out
	}

	first := snapshot()
	res := h.eng.RecomputeAll(h.g)
	second := snapshot()

	assert.Empty(t, cmp.Diff(first, second))
	assert.Empty(t, res.Changed)
	assert.Len(t, res.Visited, 4)
	assert.True(t, n["D"].Executable)
}

func TestRecompute_RenameKeepsIDsDownstream(t *testing.T) {
	h, n := joinPipeline(t)
	nameID := idOf(t, n["A"].OutputFields, "name")

	require.NoError(t, h.reg.Rename(nameID, "Customer"))
	h.eng.RecomputeAll(h.g)

	f, ok := field.Find(n["D"].OutputFields, nameID)
	require.True(t, ok, "id survives the rename")
	assert.Equal(t, "Customer", f.DisplayName)
}

func TestRecompute_NonExecutablePropagatesOnce(t *testing.T) {
	h := newHarness(t)
	a := h.source("A", "t", col("id", field.TypeInt))
	flt := h.add("flt", &pipeline.Formula{Type: pipeline.OpFilter, Filter: &pipeline.FilterConfig{
		Conditions: []pipeline.Condition{{FieldID: "missing", Op: pipeline.CondEq, Value: "1"}},
	}})
	sel := h.add("sel", &pipeline.Formula{Type: pipeline.OpDistinct})
	out := h.add("out", &pipeline.Formula{Type: pipeline.OpOutputView, Output: &pipeline.OutputConfig{ViewName: "v"}})
	h.connect(a, flt)
	h.connect(flt, sel)
	h.connect(sel, out)

	res := h.eng.RecomputeAll(h.g)

	assert.True(t, a.Executable)
	assert.False(t, flt.Executable)
	assert.Contains(t, flt.Problems, "filter references unknown field missing")
	assert.False(t, sel.Executable)
	assert.Equal(t, []string{`upstream node "flt" is not executable`}, sel.Problems)
	assert.False(t, out.Executable)
	assert.Equal(t, []string{a.ID, flt.ID, sel.ID, out.ID}, res.Visited)

	flt.Formulas[0].Filter.Conditions[0].FieldID = a.OutputFields[0].ID
	res = h.eng.Recompute(h.g, flt.ID)
	assert.Equal(t, []string{flt.ID, sel.ID, out.ID}, res.Visited)
	assert.True(t, out.Executable)
}

func TestRecompute_DiamondVisitsOnce(t *testing.T) {
	h := newHarness(t)
	a := h.source("A", "t", col("id", field.TypeInt), col("v", field.TypeDouble))
	b := h.add("B", &pipeline.Formula{Type: pipeline.OpDistinct})
	c := h.add("C", &pipeline.Formula{Type: pipeline.OpDistinct})
	m := h.add("M", &pipeline.Formula{Type: pipeline.OpMerge})
	h.connect(a, b)
	h.connect(a, c)
	h.connect(b, m)
	h.connect(c, m)

	res := h.eng.Recompute(h.g, a.ID)
	assert.Len(t, res.Visited, 4)
	assert.Equal(t, m.ID, res.Visited[3])
	assert.True(t, m.Executable, "%v", m.Problems)
	assert.Len(t, m.OutputFields, 2)
}

func TestRecompute_MergeKeepsIDsAcrossRename(t *testing.T) {
	h := newHarness(t)
	a := h.source("A", "sales_2023", col("amount", field.TypeInt))
	b := h.source("B", "sales_2024", col("amount", field.TypeDouble))
	m := h.add("M", &pipeline.Formula{Type: pipeline.OpMerge, Merge: &pipeline.MergeConfig{Distinct: true}})
	h.connect(a, m)
	h.connect(b, m)
	h.eng.RecomputeAll(h.g)

	require.True(t, m.Executable, "%v", m.Problems)
	require.Len(t, m.OutputFields, 1)
	merged := m.OutputFields[0]
	assert.Equal(t, field.TypeDouble, merged.DataType, "int and double unify to double")

	require.NoError(t, h.reg.Rename(a.OutputFields[0].ID, "Revenue"))
	h.eng.RecomputeAll(h.g)
	assert.Equal(t, merged.ID, m.OutputFields[0].ID)
	assert.Equal(t, "Revenue", m.OutputFields[0].DisplayName)
}

func TestRecompute_MergeExplicitColumns(t *testing.T) {
	h := newHarness(t)
	a := h.source("A", "t1", col("amt", field.TypeInt))
	b := h.source("B", "t2", col("amount", field.TypeInt))
	m := h.add("M", &pipeline.Formula{Type: pipeline.OpMerge})
	h.connect(a, m)
	h.connect(b, m)
	h.eng.RecomputeAll(h.g)
	assert.False(t, m.Executable, "auto-align finds no shared column")

	m.Formulas[0].Merge = &pipeline.MergeConfig{Columns: []pipeline.MergeColumn{{
		Name:   "value",
		Inputs: map[string]string{a.ID: a.OutputFields[0].ID, b.ID: b.OutputFields[0].ID},
	}}}
	h.eng.Recompute(h.g, m.ID)
	assert.True(t, m.Executable, "%v", m.Problems)
	assert.Equal(t, "value", m.OutputFields[0].TechnicalName)
}

func TestRecompute_SelectIndicatorAndChain(t *testing.T) {
	h := newHarness(t)
	a := h.source("A", "orders", col("region", field.TypeString), col("amount", field.TypeDecimal))
	h.eng.RecomputeAll(h.g)
	region := idOf(t, a.OutputFields, "region")
	amount := idOf(t, a.OutputFields, "amount")

	agg := h.add("agg",
		&pipeline.Formula{Type: pipeline.OpSelect, Select: &pipeline.SelectConfig{Columns: []pipeline.SelectColumn{
			{FieldID: region},
			{FieldID: amount, Alias: "revenue", DisplayName: "Revenue"},
		}}},
		&pipeline.Formula{Type: pipeline.OpIndicator},
	)
	h.connect(a, agg)
	h.eng.Recompute(h.g, agg.ID)
	assert.False(t, agg.Executable)
	assert.Contains(t, agg.Problems, "INDICATOR is not configured")

	selected := agg.Formulas[0].OutputFields
	require.Len(t, selected, 2)
	assert.Equal(t, region, selected[0].ID, "plain projection keeps identity")
	revenue := selected[1]
	assert.NotEqual(t, amount, revenue.ID)
	assert.Equal(t, "Revenue", revenue.DisplayName)
	assert.Equal(t, amount, revenue.Origin.FieldID)

	agg.Formulas[1].Indicator = &pipeline.IndicatorConfig{
		GroupBy: []string{region},
		Metrics: []pipeline.Metric{
			{Name: "total", Func: pipeline.AggSum, FieldID: revenue.ID},
			{Name: "orders", Func: pipeline.AggCount},
		},
	}
	h.eng.Recompute(h.g, agg.ID)
	require.True(t, agg.Executable, "%v", agg.Problems)
	require.Len(t, agg.OutputFields, 3)
	assert.Equal(t, field.TypeDecimal, agg.OutputFields[1].DataType)
	assert.Equal(t, field.TypeBigInt, agg.OutputFields[2].DataType)

	require.NoError(t, h.g.SetFormulas(agg.ID, append(agg.Formulas, &pipeline.Formula{
		Type: pipeline.OpSourceTable, Source: &pipeline.SourceConfig{Table: "x", Fields: []field.Field{col("a", field.TypeInt)}},
	})))
	h.eng.Recompute(h.g, agg.ID)
	assert.False(t, agg.Executable)
	assert.Contains(t, agg.Problems, "SOURCE_TABLE must be the first formula of a node")
}

func TestRecompute_RawSQLRestoresPersistedIDs(t *testing.T) {
	h := newHarness(t)
	a := h.source("A", "t", col("id", field.TypeInt))
	sql := h.add("S", &pipeline.Formula{
		ID:           "F-SQL",
		Type:         pipeline.OpRawSQL,
		SQL:          &pipeline.SQLConfig{Text: "SELECT count(*) AS n FROM {{A}}", Fields: []field.Field{col("n", "BIGINT")}},
		OutputFields: []field.Field{{ID: "PERSISTED", TechnicalName: "n", DataType: field.TypeBigInt}},
	})
	h.connect(a, sql)
	h.eng.RecomputeAll(h.g)

	require.True(t, sql.Executable, "%v", sql.Problems)
	require.Len(t, sql.OutputFields, 1)
	assert.Equal(t, "PERSISTED", sql.OutputFields[0].ID)
	assert.Equal(t, field.TypeBigInt, sql.OutputFields[0].DataType)
}

func TestRecompute_ArityAndEmptyNodes(t *testing.T) {
	h := newHarness(t)
	j := h.add("J", &pipeline.Formula{Type: pipeline.OpJoin, Join: &pipeline.JoinConfig{Keys: []pipeline.JoinKey{{LeftFieldID: "x", RightFieldID: "y"}}}})
	e := h.add("E")
	h.eng.RecomputeAll(h.g)

	assert.False(t, j.Executable)
	assert.Contains(t, j.Problems, "JOIN needs at least 2 input(s), has 0")
	assert.Equal(t, []string{"node has no formulas"}, e.Problems)
}

type recordingSampler struct {
	scheduled []string
}

func (r *recordingSampler) ScheduleSample(_ *pipeline.Graph, nodeID string) {
	r.scheduled = append(r.scheduled, nodeID)
}

func TestRecompute_SchedulesSamples(t *testing.T) {
	h := newHarness(t)
	sampler := &recordingSampler{}
	h.eng.SetSampler(sampler)

	a, err := h.g.AddNode(pipeline.Seed{NeedsSample: true, Formulas: []*pipeline.Formula{{
		Type: pipeline.OpSourceTable, Source: &pipeline.SourceConfig{Table: "t", Fields: []field.Field{col("id", field.TypeInt)}},
	}}}, pipeline.Position{})
	require.NoError(t, err)
	broken, err := h.g.AddNode(pipeline.Seed{NeedsSample: true, Formulas: []*pipeline.Formula{{Type: pipeline.OpFilter}}}, pipeline.Position{})
	require.NoError(t, err)
	h.add("quiet", &pipeline.Formula{Type: pipeline.OpDistinct})
	h.connect(a, broken)

	h.eng.RecomputeAll(h.g)
	assert.Equal(t, []string{a.ID}, sampler.scheduled, "only executable nodes that asked for samples")
}
