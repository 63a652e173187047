// Package querygen compiles the ancestor closure of a pipeline node into a
// single executable SQL query: one common table expression per formula step.
package querygen

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/leapstack-labs/leapfuse/internal/field"
	"github.com/leapstack-labs/leapfuse/internal/pipeline"
)

// Sentinel errors wrapped by *Error.
var (
	ErrNodeNotFound    = errors.New("node not found")
	ErrNotExecutable   = errors.New("node is not executable")
	ErrNonAncestorRef  = errors.New("reference to a node that is not an ancestor")
	ErrSelfRef         = errors.New("reference to the node itself")
	ErrEmptyQuery      = errors.New("query body is empty")
	ErrUnsupportedJoin = errors.New("join kind not supported by dialect")
)

// Error is a query-generation failure attributed to one node.
type Error struct {
	NodeID   string
	NodeName string
	Err      error
	Detail   string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("node %q: %v", e.NodeName, e.Err)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Options configures generation.
type Options struct {
	// Dialect controls identifier quoting (default ANSI).
	Dialect *Dialect
}

// Fragment is the SQL of one node, named by its CTE.
type Fragment struct {
	NodeID string `json:"id"`
	Name   string `json:"name"`
	CTE    string `json:"cte"`
	SQL    string `json:"sql"`
}

// Query is the compiled closure of a target node.
type Query struct {
	Target    string        `json:"target"`
	SQL       string        `json:"sql"`
	Fragments []Fragment    `json:"fragments"`
	Columns   []field.Field `json:"columns"`
}

// CTEName returns the preferred name of the relation holding a node's final
// result. Generate keeps it unless another node in the same query already
// claimed it, in which case a numeric suffix is added.
func CTEName(nodeID string) string {
	return "n_" + sanitize(nodeID)
}

// stepName names an intermediate step of the node whose final relation is
// rel. Steps use the s_ prefix so they never match a final name, and the
// trailing step number keeps them distinct across nodes.
func stepName(rel string, step int) string {
	return "s" + strings.TrimPrefix(rel, "n") + "_" + strconv.Itoa(step)
}

func sanitize(id string) string {
	var b strings.Builder
	for _, r := range id {
		if r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return strings.ToLower(b.String())
}

// Generate compiles target and its ancestors in topological order.
func Generate(g pipeline.Reader, targetID string, opts Options) (*Query, error) {
	d := opts.Dialect
	if d == nil {
		d = ANSI
	}
	target, ok := g.Node(targetID)
	if !ok {
		return nil, &Error{NodeID: targetID, NodeName: targetID, Err: ErrNodeNotFound}
	}

	closure := append(g.Ancestors(targetID), targetID)
	order, err := topoOrder(g, closure)
	if err != nil {
		return nil, &Error{NodeID: targetID, NodeName: target.Name, Err: ErrNotExecutable, Detail: err.Error()}
	}

	gen := &generator{g: g, d: d, names: make(map[string]string, len(order)), taken: make(map[string]bool, len(order))}
	for _, id := range order {
		n, _ := g.Node(id)
		if !n.Executable {
			detail := strings.Join(n.Problems, "; ")
			if detail == "" {
				detail = "not yet propagated"
			}
			return nil, &Error{NodeID: n.ID, NodeName: n.Name, Err: ErrNotExecutable, Detail: detail}
		}
		if err := gen.node(n); err != nil {
			return nil, err
		}
	}

	if len(target.OutputFields) == 0 {
		return nil, &Error{NodeID: target.ID, NodeName: target.Name, Err: ErrEmptyQuery, Detail: "node has no output columns"}
	}

	var sb strings.Builder
	sb.WriteString("WITH ")
	for i, c := range gen.ctes {
		if i > 0 {
			sb.WriteString(",\n")
		}
		sb.WriteString(c.name)
		sb.WriteString(" AS (\n")
		sb.WriteString(indent(c.sql))
		sb.WriteString("\n)")
	}
	sb.WriteString("\nSELECT ")
	sb.WriteString(gen.columnList(target.OutputFields))
	sb.WriteString(" FROM ")
	sb.WriteString(gen.rel(target.ID))

	return &Query{
		Target:    targetID,
		SQL:       sb.String(),
		Fragments: gen.fragments,
		Columns:   field.Clone(target.OutputFields),
	}, nil
}

// topoOrder orders ids so that sources come first, using only the Reader.
func topoOrder(g pipeline.Reader, ids []string) ([]string, error) {
	selected := make(map[string]bool, len(ids))
	for _, id := range ids {
		selected[id] = true
	}
	done := make(map[string]bool, len(ids))
	visiting := make(map[string]bool)
	var order []string

	var visit func(id string) error
	visit = func(id string) error {
		if done[id] {
			return nil
		}
		if visiting[id] {
			return fmt.Errorf("cycle through %s", id)
		}
		visiting[id] = true
		n, ok := g.Node(id)
		if !ok {
			return fmt.Errorf("missing node %s", id)
		}
		for _, src := range n.Sources {
			if selected[src] {
				if err := visit(src); err != nil {
					return err
				}
			}
		}
		visiting[id] = false
		done[id] = true
		order = append(order, id)
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

type cte struct {
	name string
	sql  string
}

type generator struct {
	g         pipeline.Reader
	d         *Dialect
	ctes      []cte
	fragments []Fragment

	// names maps node ids to their final relation; taken holds every
	// assigned final name.
	names map[string]string
	taken map[string]bool
}

// rel returns the final relation name of a node, assigning a unique one on
// first use. Distinct ids may sanitize to the same name ("A" and "a").
func (gen *generator) rel(nodeID string) string {
	if name, ok := gen.names[nodeID]; ok {
		return name
	}
	base := CTEName(nodeID)
	name := base
	for i := 2; gen.taken[name]; i++ {
		name = base + "_" + strconv.Itoa(i)
	}
	gen.names[nodeID] = name
	gen.taken[name] = true
	return name
}

func (gen *generator) node(n *pipeline.Node) error {
	var input []field.Field
	var inputRel string
	var parts []string

	final := gen.rel(n.ID)
	for i, f := range n.Formulas {
		name := stepName(final, i+1)
		if i == len(n.Formulas)-1 {
			name = final
		}

		var body string
		var err error
		if i == 0 {
			body, err = gen.head(n, f)
		} else {
			body, err = gen.step(n, f, input, inputRel)
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(body) == "" {
			return &Error{NodeID: n.ID, NodeName: n.Name, Err: ErrEmptyQuery, Detail: fmt.Sprintf("formula %s produced no SQL", f.ID)}
		}

		gen.ctes = append(gen.ctes, cte{name: name, sql: body})
		parts = append(parts, name+" AS (\n"+indent(body)+"\n)")
		input, inputRel = f.OutputFields, name
	}

	gen.fragments = append(gen.fragments, Fragment{
		NodeID: n.ID,
		Name:   n.Name,
		CTE:    final,
		SQL:    strings.Join(parts, ",\n"),
	})
	return nil
}

func (gen *generator) source(id string) (*pipeline.Node, string) {
	n, _ := gen.g.Node(id)
	return n, gen.rel(id)
}

func (gen *generator) head(n *pipeline.Node, f *pipeline.Formula) (string, error) {
	switch f.Type {
	case pipeline.OpSourceTable:
		return gen.sourceTable(f), nil
	case pipeline.OpJoin:
		return gen.join(n, f)
	case pipeline.OpMerge:
		return gen.merge(n, f)
	case pipeline.OpRawSQL:
		return gen.rawSQL(n, f)
	}
	src, rel := gen.source(n.Sources[0])
	return gen.step(n, f, src.OutputFields, rel)
}

func (gen *generator) step(n *pipeline.Node, f *pipeline.Formula, input []field.Field, rel string) (string, error) {
	switch f.Type {
	case pipeline.OpFilter:
		return gen.filter(n, f, input, rel)
	case pipeline.OpSelect:
		return gen.selectColumns(f, input, rel), nil
	case pipeline.OpDistinct:
		return gen.distinct(f, input, rel), nil
	case pipeline.OpIndicator:
		return gen.indicator(f, input, rel), nil
	case pipeline.OpRawSQL:
		return gen.rawSQL(n, f)
	}
	// OUTPUT_VIEW and anything else pass their input through.
	return "SELECT " + gen.columnList(input) + " FROM " + rel, nil
}

func (gen *generator) col(name string) string {
	return gen.d.QuoteIdentifier(name)
}

func (gen *generator) columnList(fields []field.Field) string {
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = gen.col(f.TechnicalName)
	}
	return strings.Join(cols, ", ")
}

func (gen *generator) sourceTable(f *pipeline.Formula) string {
	return "SELECT " + gen.columnList(f.OutputFields) + " FROM " + gen.d.QuoteQualified(f.Source.QualifiedTable())
}

func (gen *generator) filter(n *pipeline.Node, f *pipeline.Formula, input []field.Field, rel string) (string, error) {
	cfg := f.Filter
	preds := make([]string, 0, len(cfg.Conditions))
	for _, c := range cfg.Conditions {
		in, ok := field.Find(input, c.FieldID)
		if !ok {
			return "", &Error{NodeID: n.ID, NodeName: n.Name, Err: ErrNotExecutable, Detail: "filter field " + c.FieldID + " is not in the input"}
		}
		preds = append(preds, gen.predicate(in, c))
	}
	logic := " AND "
	if strings.EqualFold(cfg.Logic, "OR") {
		logic = " OR "
	}
	return "SELECT " + gen.columnList(input) + " FROM " + rel + " WHERE " + strings.Join(preds, logic), nil
}

func (gen *generator) predicate(f field.Field, c pipeline.Condition) string {
	col := gen.col(f.TechnicalName)
	switch strings.ToUpper(c.Op) {
	case pipeline.CondIsNull:
		return col + " IS NULL"
	case pipeline.CondNotNull:
		return col + " IS NOT NULL"
	case pipeline.CondIn:
		values := c.Values
		if len(values) == 0 && c.Value != "" {
			values = strings.Split(c.Value, ",")
		}
		lits := make([]string, len(values))
		for i, v := range values {
			lits[i] = gen.literal(f, strings.TrimSpace(v))
		}
		if len(lits) == 0 {
			return "1 = 0"
		}
		return col + " IN (" + strings.Join(lits, ", ") + ")"
	case pipeline.CondLike:
		return col + " LIKE " + gen.d.QuoteString(c.Value)
	}
	return col + " " + c.Op + " " + gen.literal(f, c.Value)
}

// numberPattern accepts plain decimal literals only. NaN, Inf and hex
// floats would otherwise be spliced in unquoted.
var numberPattern = regexp.MustCompile(`^[+-]?[0-9]+(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)

// literal renders v as a number for numeric fields when it is a plain
// decimal, otherwise as a string literal.
func (gen *generator) literal(f field.Field, v string) string {
	if f.DataType.IsNumeric() && numberPattern.MatchString(v) {
		return v
	}
	if f.DataType == field.TypeBoolean {
		switch strings.ToLower(v) {
		case "true", "false":
			return strings.ToUpper(v)
		}
	}
	return gen.d.QuoteString(v)
}

func (gen *generator) selectColumns(f *pipeline.Formula, input []field.Field, rel string) string {
	cols := make([]string, 0, len(f.Select.Columns))
	for i, sc := range f.Select.Columns {
		if i >= len(f.OutputFields) {
			break
		}
		in, _ := field.Find(input, sc.FieldID)
		out := f.OutputFields[i]
		expr := gen.col(in.TechnicalName)
		if out.TechnicalName != in.TechnicalName {
			expr += " AS " + gen.col(out.TechnicalName)
		}
		cols = append(cols, expr)
	}
	return "SELECT " + strings.Join(cols, ", ") + " FROM " + rel
}

func (gen *generator) distinct(f *pipeline.Formula, input []field.Field, rel string) string {
	if f.Distinct == nil || len(f.Distinct.FieldIDs) == 0 {
		return "SELECT DISTINCT " + gen.columnList(input) + " FROM " + rel
	}
	keys := make([]string, 0, len(f.Distinct.FieldIDs))
	for _, id := range f.Distinct.FieldIDs {
		if in, ok := field.Find(input, id); ok {
			keys = append(keys, gen.col(in.TechnicalName))
		}
	}
	cols := gen.columnList(input)
	return "SELECT " + cols + " FROM (SELECT " + cols + ", ROW_NUMBER() OVER (PARTITION BY " +
		strings.Join(keys, ", ") + ") AS " + gen.col("__rn") + " FROM " + rel + ") AS d WHERE " + gen.col("__rn") + " = 1"
}

var joinKinds = map[string]string{
	"":                 "INNER JOIN",
	pipeline.JoinInner: "INNER JOIN",
	pipeline.JoinLeft:  "LEFT JOIN",
	pipeline.JoinRight: "RIGHT JOIN",
	pipeline.JoinFull:  "FULL OUTER JOIN",
}

func (gen *generator) join(n *pipeline.Node, f *pipeline.Formula) (string, error) {
	left, leftRel := gen.source(n.Sources[0])
	right, rightRel := gen.source(n.Sources[1])

	kind := strings.ToUpper(f.Join.Kind)
	if kind == pipeline.JoinFull && !gen.d.SupportsFullJoin {
		return "", &Error{NodeID: n.ID, NodeName: n.Name, Err: ErrUnsupportedJoin, Detail: gen.d.Name}
	}

	cols := make([]string, 0, len(f.OutputFields))
	for i, out := range f.OutputFields {
		var alias string
		var in field.Field
		if i < len(left.OutputFields) {
			alias, in = "l", left.OutputFields[i]
		} else {
			alias, in = "r", right.OutputFields[i-len(left.OutputFields)]
		}
		expr := alias + "." + gen.col(in.TechnicalName)
		if out.TechnicalName != in.TechnicalName {
			expr += " AS " + gen.col(out.TechnicalName)
		}
		cols = append(cols, expr)
	}

	conds := make([]string, 0, len(f.Join.Keys))
	for _, k := range f.Join.Keys {
		l, _ := field.Find(left.OutputFields, k.LeftFieldID)
		r, _ := field.Find(right.OutputFields, k.RightFieldID)
		conds = append(conds, "l."+gen.col(l.TechnicalName)+" = r."+gen.col(r.TechnicalName))
	}

	return "SELECT " + strings.Join(cols, ", ") +
		" FROM " + leftRel + " AS l " + joinKinds[kind] + " " + rightRel + " AS r ON " +
		strings.Join(conds, " AND "), nil
}

func (gen *generator) merge(n *pipeline.Node, f *pipeline.Formula) (string, error) {
	branches := make([]pipeline.Branch, 0, len(n.Sources))
	for _, id := range n.Sources {
		src, _ := gen.g.Node(id)
		branches = append(branches, pipeline.Branch{SourceID: id, Fields: src.OutputFields})
	}
	columns, problems := pipeline.AlignMerge(f.Merge, branches)
	if len(problems) > 0 || len(columns) != len(f.OutputFields) {
		return "", &Error{NodeID: n.ID, NodeName: n.Name, Err: ErrNotExecutable, Detail: strings.Join(problems, "; ")}
	}

	selects := make([]string, 0, len(branches))
	for bi, b := range branches {
		cols := make([]string, len(columns))
		for ci, c := range columns {
			in := c.Inputs[bi]
			expr := gen.col(in.TechnicalName)
			if out := f.OutputFields[ci].TechnicalName; out != in.TechnicalName {
				expr += " AS " + gen.col(out)
			}
			cols[ci] = expr
		}
		selects = append(selects, "SELECT "+strings.Join(cols, ", ")+" FROM "+gen.rel(b.SourceID))
	}

	op := "\nUNION ALL\n"
	if f.Merge != nil && f.Merge.Distinct {
		op = "\nUNION\n"
	}
	return strings.Join(selects, op), nil
}

var refPattern = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// rawSQL splices {{Name}} references with the CTE of the named ancestor.
func (gen *generator) rawSQL(n *pipeline.Node, f *pipeline.Formula) (string, error) {
	ancestors := make(map[string]bool)
	for _, id := range gen.g.Ancestors(n.ID) {
		ancestors[id] = true
	}

	var refErr error
	body := refPattern.ReplaceAllStringFunc(f.SQL.Text, func(m string) string {
		if refErr != nil {
			return m
		}
		name := strings.TrimSpace(refPattern.FindStringSubmatch(m)[1])
		if name == n.Name {
			refErr = &Error{NodeID: n.ID, NodeName: n.Name, Err: ErrSelfRef, Detail: "{{" + name + "}}"}
			return m
		}
		ref, ok := nodeByName(gen.g, name)
		if !ok || !ancestors[ref.ID] {
			refErr = &Error{NodeID: n.ID, NodeName: n.Name, Err: ErrNonAncestorRef, Detail: "{{" + name + "}}"}
			return m
		}
		return gen.rel(ref.ID)
	})
	if refErr != nil {
		return "", refErr
	}

	body = strings.TrimSpace(body)
	body = strings.TrimSpace(strings.TrimSuffix(body, ";"))
	if body == "" {
		return "", &Error{NodeID: n.ID, NodeName: n.Name, Err: ErrEmptyQuery, Detail: "SQL text is empty"}
	}
	return body, nil
}

func nodeByName(g pipeline.Reader, name string) (*pipeline.Node, bool) {
	for _, n := range g.Nodes() {
		if n.Name == name {
			return n, true
		}
	}
	return nil, false
}

var aggregates = map[string]string{
	pipeline.AggSum: "SUM",
	pipeline.AggAvg: "AVG",
	pipeline.AggMin: "MIN",
	pipeline.AggMax: "MAX",
}

func (gen *generator) indicator(f *pipeline.Formula, input []field.Field, rel string) string {
	cfg := f.Indicator
	groups := make([]string, 0, len(cfg.GroupBy))
	for _, id := range cfg.GroupBy {
		if in, ok := field.Find(input, id); ok {
			groups = append(groups, gen.col(in.TechnicalName))
		}
	}

	cols := append([]string(nil), groups...)
	for _, m := range cfg.Metrics {
		in, _ := field.Find(input, m.FieldID)
		var expr string
		switch fn := strings.ToUpper(m.Func); fn {
		case pipeline.AggCount:
			expr = "COUNT(*)"
			if m.FieldID != "" {
				expr = "COUNT(" + gen.col(in.TechnicalName) + ")"
			}
		case pipeline.AggCountDistinct:
			expr = "COUNT(DISTINCT " + gen.col(in.TechnicalName) + ")"
		default:
			expr = aggregates[fn] + "(" + gen.col(in.TechnicalName) + ")"
		}
		cols = append(cols, expr+" AS "+gen.col(m.Name))
	}

	sql := "SELECT " + strings.Join(cols, ", ") + " FROM " + rel
	if len(groups) > 0 {
		sql += " GROUP BY " + strings.Join(groups, ", ")
	}
	return sql
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}
