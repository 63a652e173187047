package querygen

import (
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapfuse/internal/field"
	"github.com/leapstack-labs/leapfuse/internal/pipeline"
	"github.com/leapstack-labs/leapfuse/internal/propagate"
	"github.com/leapstack-labs/leapfuse/internal/testutil"
)

type fixture struct {
	*testutil.Pipeline
	eng *propagate.Engine
}

func newFixture(t *testing.T) *fixture {
	p := testutil.NewPipeline(t)
	return &fixture{Pipeline: p, eng: propagate.New(propagate.Config{Registry: p.Registry})}
}

func (f *fixture) settle() {
	f.eng.RecomputeAll(f.Graph)
}

func joinFixture(t *testing.T) *fixture {
	f := newFixture(t)
	f.JoinScenario(func(g *pipeline.Graph) { f.eng.RecomputeAll(g) })
	return f
}

func TestGenerate_JoinScenario(t *testing.T) {
	f := joinFixture(t)
	report := f.Get("report")

	q, err := Generate(f.Graph, report.ID, Options{Dialect: DuckDB})
	require.NoError(t, err)

	customers := CTEName(f.Get("customers").ID)
	orders := CTEName(f.Get("orders").ID)
	joined := CTEName(f.Get("joined").ID)

	assert.True(t, strings.HasPrefix(q.SQL, "WITH "+customers+" AS ("))
	assert.Contains(t, q.SQL, `SELECT "id", "name" FROM "crm"."customers"`)
	assert.Contains(t, q.SQL, `SELECT l."id", l."name", r."id" AS "id_2", r."amount" FROM `+customers+` AS l INNER JOIN `+orders+` AS r ON l."id" = r."id"`)
	assert.True(t, strings.HasSuffix(q.SQL, `SELECT "id", "name", "id_2", "amount" FROM `+CTEName(report.ID)))
	assert.Less(t, strings.Index(q.SQL, orders+" AS"), strings.Index(q.SQL, joined+" AS"))

	require.Len(t, q.Fragments, 4)
	assert.Equal(t, report.ID, q.Fragments[3].NodeID)
	assert.Equal(t, "report", q.Fragments[3].Name)
	assert.Len(t, q.Columns, 4)
}

func TestGenerate_ClosureOnly(t *testing.T) {
	f := joinFixture(t)
	f.Source("unrelated", "misc.things", "x:int")
	f.settle()

	q, err := Generate(f.Graph, f.Get("orders").ID, Options{})
	require.NoError(t, err)
	assert.Len(t, q.Fragments, 1)
	assert.NotContains(t, q.SQL, "misc")
}

func TestGenerate_RawSQLReferences(t *testing.T) {
	f := newFixture(t)
	f.Source("customers", "crm.customers", "id:int")
	f.Source("orders", "sales.orders", "id:int")
	sql := f.Node("sql", &pipeline.Formula{Type: pipeline.OpRawSQL, SQL: &pipeline.SQLConfig{
		Text:   "SELECT count(*) AS n FROM {{ customers }};",
		Fields: testutil.Columns("n:int"),
	}})
	f.Connect("customers", "sql")
	f.settle()
	require.True(t, sql.Executable, "%v", sql.Problems)

	q, err := Generate(f.Graph, sql.ID, Options{})
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "SELECT count(*) AS n FROM "+CTEName(f.Get("customers").ID)+"\n")

	tests := []struct {
		name    string
		text    string
		wantErr error
	}{
		{"non-ancestor", "SELECT * FROM {{orders}}", ErrNonAncestorRef},
		{"unknown node", "SELECT * FROM {{nobody}}", ErrNonAncestorRef},
		{"self", "SELECT * FROM {{sql}}", ErrSelfRef},
		{"empty body", " ; ", ErrEmptyQuery},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql.Formulas[0].SQL.Text = tt.text
			f.settle()

			q, err := Generate(f.Graph, sql.ID, Options{})
			assert.Nil(t, q)
			assert.ErrorIs(t, err, tt.wantErr)

			var gerr *Error
			require.True(t, errors.As(err, &gerr))
			assert.Equal(t, "sql", gerr.NodeName)
		})
	}
}

func TestGenerate_NotExecutable(t *testing.T) {
	f := newFixture(t)
	f.Source("a", "t", "id:int")
	f.Node("flt", &pipeline.Formula{Type: pipeline.OpFilter, Filter: &pipeline.FilterConfig{
		Conditions: []pipeline.Condition{{FieldID: "nope", Op: "="}},
	}})
	f.Node("out", &pipeline.Formula{Type: pipeline.OpOutputView, Output: &pipeline.OutputConfig{ViewName: "v"}})
	f.Connect("a", "flt", "out")
	f.settle()

	_, err := Generate(f.Graph, f.Get("out").ID, Options{})
	assert.ErrorIs(t, err, ErrNotExecutable)
	var gerr *Error
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, "flt", gerr.NodeName, "the first broken node in the closure is reported")

	_, err = Generate(f.Graph, "missing", Options{})
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestGenerate_ChainMergeIndicator(t *testing.T) {
	f := newFixture(t)
	f.Source("s2023", "sales.y2023", "region:string", "amount:decimal")
	f.Source("s2024", "sales.y2024", "region:string", "amount:decimal")
	f.Node("all", &pipeline.Formula{Type: pipeline.OpMerge, Merge: &pipeline.MergeConfig{Distinct: true}})
	f.Connect("s2023", "all")
	f.Connect("s2024", "all")
	f.settle()

	region := f.FieldID("all", "region")
	amount := f.FieldID("all", "amount")
	f.Node("by_region",
		&pipeline.Formula{Type: pipeline.OpFilter, Filter: &pipeline.FilterConfig{Logic: "or", Conditions: []pipeline.Condition{
			{FieldID: amount, Op: ">", Value: "10"},
			{FieldID: region, Op: pipeline.CondIn, Values: []string{"north", "o'hare"}},
		}}},
		&pipeline.Formula{Type: pipeline.OpIndicator, Indicator: &pipeline.IndicatorConfig{
			GroupBy: []string{region},
			Metrics: []pipeline.Metric{
				{Name: "total", Func: pipeline.AggSum, FieldID: amount},
				{Name: "rows", Func: pipeline.AggCount},
			},
		}},
	)
	f.Connect("all", "by_region")
	f.settle()
	target := f.Get("by_region")
	require.True(t, target.Executable, "%v", target.Problems)

	q, err := Generate(f.Graph, target.ID, Options{})
	require.NoError(t, err)

	all := CTEName(f.Get("all").ID)
	assert.Contains(t, q.SQL, `SELECT "region", "amount" FROM `+CTEName(f.Get("s2023").ID)+"\n  UNION\n")
	step := stepName(CTEName(target.ID), 1)
	assert.Contains(t, q.SQL, step+" AS (")
	assert.Contains(t, q.SQL, `FROM `+all+` WHERE "amount" > 10 OR "region" IN ('north', 'o''hare')`)
	assert.Contains(t, q.SQL, `SELECT "region", SUM("amount") AS "total", COUNT(*) AS "rows" FROM `+step+` GROUP BY "region"`)
	assert.True(t, strings.HasSuffix(q.SQL, `SELECT "region", "total", "rows" FROM `+CTEName(target.ID)))
}

func TestGenerate_SelectAndDistinct(t *testing.T) {
	f := newFixture(t)
	f.Source("a", "t", "id:int", "name:string")
	f.settle()
	id, name := f.FieldID("a", "id"), f.FieldID("a", "name")
	f.Node("proj",
		&pipeline.Formula{Type: pipeline.OpSelect, Select: &pipeline.SelectConfig{Columns: []pipeline.SelectColumn{
			{FieldID: name, Alias: "customer"},
			{FieldID: id},
		}}},
		&pipeline.Formula{Type: pipeline.OpDistinct, Distinct: &pipeline.DistinctConfig{FieldIDs: []string{id}}},
	)
	f.Connect("a", "proj")
	f.settle()

	q, err := Generate(f.Graph, f.Get("proj").ID, Options{})
	require.NoError(t, err)
	assert.Contains(t, q.SQL, `SELECT "name" AS "customer", "id" FROM `)
	assert.Contains(t, q.SQL, `ROW_NUMBER() OVER (PARTITION BY "id") AS "__rn"`)
}

func TestGenerate_RelationNamesUnique(t *testing.T) {
	p := testutil.NewPipeline(t)
	insert := func(id string, formulas ...*pipeline.Formula) {
		for i, f := range formulas {
			f.ID = id + "_f" + string(rune('a'+i))
		}
		require.NoError(t, p.Graph.InsertNode(&pipeline.Node{ID: id, Name: id, Formulas: formulas}))
	}
	source := func(table string) *pipeline.Formula {
		return &pipeline.Formula{Type: pipeline.OpSourceTable, Source: &pipeline.SourceConfig{
			Table: table, Fields: testutil.Columns("id:int"),
		}}
	}
	insert("orders", source("s.orders"), &pipeline.Formula{Type: pipeline.OpDistinct, Distinct: &pipeline.DistinctConfig{}})
	insert("orders_1", source("s.other"))
	insert("Orders_1", source("s.third"))
	insert("all", &pipeline.Formula{Type: pipeline.OpMerge, Merge: &pipeline.MergeConfig{}})
	for _, src := range []string{"orders", "orders_1", "Orders_1"} {
		_, err := p.Graph.AddEdge(src, "all")
		require.NoError(t, err)
	}
	propagate.New(propagate.Config{Registry: p.Registry}).RecomputeAll(p.Graph)
	target := p.Get("all")
	require.True(t, target.Executable, "%v", target.Problems)

	q, err := Generate(p.Graph, "all", Options{})
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, m := range regexp.MustCompile(`(?m)^(?:WITH )?(\w+) AS \(`).FindAllStringSubmatch(q.SQL, -1) {
		assert.False(t, names[m[1]], "relation %s defined twice in\n%s", m[1], q.SQL)
		names[m[1]] = true
	}
	assert.Len(t, names, 5)

	ctes := make(map[string]string)
	for _, frag := range q.Fragments {
		ctes[frag.NodeID] = frag.CTE
	}
	assert.Equal(t, "n_orders", ctes["orders"])
	assert.Equal(t, "n_orders_1", ctes["orders_1"])
	assert.Equal(t, "n_orders_1_2", ctes["Orders_1"])
	assert.Contains(t, q.SQL, "SELECT \"id\" FROM n_orders_1_2")
}

func TestPredicateLiterals(t *testing.T) {
	gen := &generator{d: ANSI}
	num := field.Field{TechnicalName: "n", DataType: field.TypeInt}
	str := field.Field{TechnicalName: "s", DataType: field.TypeString}
	flag := field.Field{TechnicalName: "b", DataType: field.TypeBoolean}

	tests := []struct {
		f    field.Field
		c    pipeline.Condition
		want string
	}{
		{num, pipeline.Condition{Op: "=", Value: "5"}, `"n" = 5`},
		{num, pipeline.Condition{Op: "=", Value: "5; DROP"}, `"n" = '5; DROP'`},
		{str, pipeline.Condition{Op: "!=", Value: "it's"}, `"s" != 'it''s'`},
		{str, pipeline.Condition{Op: "like", Value: "a%"}, `"s" LIKE 'a%'`},
		{str, pipeline.Condition{Op: pipeline.CondIsNull}, `"s" IS NULL`},
		{str, pipeline.Condition{Op: pipeline.CondNotNull}, `"s" IS NOT NULL`},
		{num, pipeline.Condition{Op: pipeline.CondIn, Value: "1, 2"}, `"n" IN (1, 2)`},
		{num, pipeline.Condition{Op: pipeline.CondIn}, `1 = 0`},
		{flag, pipeline.Condition{Op: "=", Value: "true"}, `"b" = TRUE`},
		{num, pipeline.Condition{Op: ">", Value: "-2.5e3"}, `"n" > -2.5e3`},
		{num, pipeline.Condition{Op: ">", Value: "NaN"}, `"n" > 'NaN'`},
		{num, pipeline.Condition{Op: ">", Value: "+Inf"}, `"n" > '+Inf'`},
		{num, pipeline.Condition{Op: "=", Value: "0x1p3"}, `"n" = '0x1p3'`},
		{num, pipeline.Condition{Op: "=", Value: "1_000"}, `"n" = '1_000'`},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, gen.predicate(tt.f, tt.c))
		})
	}
}

func TestCompileViews(t *testing.T) {
	f := joinFixture(t)
	f.Get("report").Formulas[0].Output.Description = "Orders per customer"

	text, errs := CompileViews(f.Graph, Options{})
	assert.Empty(t, errs)
	assert.True(t, strings.HasPrefix(text, "-- Orders per customer\nCREATE OR REPLACE VIEW \"customer_orders\" AS\nWITH "))
	assert.True(t, strings.HasSuffix(text, ";"))
}

func TestDialect(t *testing.T) {
	assert.Equal(t, `"we""ird"`, Postgres.QuoteIdentifier(`we"ird`))
	assert.Equal(t, `"a"."b"`, DuckDB.QuoteQualified("a.b"))
	assert.Same(t, Postgres, DialectFor("PostgreSQL"))
	assert.Same(t, ANSI, DialectFor("oracle"))
	assert.Equal(t, "n_01abc_x", CTEName("01ABC-x"))
}
