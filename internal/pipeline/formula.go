package pipeline

import (
	"fmt"
	"maps"
	"strings"

	"github.com/leapstack-labs/leapfuse/internal/field"
)

// OperatorType identifies the transform a formula performs.
type OperatorType string

// Operator types.
const (
	OpSourceTable OperatorType = "SOURCE_TABLE"
	OpFilter      OperatorType = "FILTER"
	OpJoin        OperatorType = "JOIN"
	OpMerge       OperatorType = "MERGE"
	OpSelect      OperatorType = "SELECT"
	OpDistinct    OperatorType = "DISTINCT"
	OpRawSQL      OperatorType = "RAW_SQL"
	OpOutputView  OperatorType = "OUTPUT_VIEW"
	OpIndicator   OperatorType = "INDICATOR"
)

// Unlimited marks an open upper bound in Arity.
const Unlimited = -1

// Valid reports whether t is a known operator type.
func (t OperatorType) Valid() bool {
	switch t {
	case OpSourceTable, OpFilter, OpJoin, OpMerge, OpSelect, OpDistinct, OpRawSQL, OpOutputView, OpIndicator:
		return true
	}
	return false
}

// Arity returns how many upstream nodes a node headed by t consumes.
func (t OperatorType) Arity() (minInputs, maxInputs int) {
	switch t {
	case OpSourceTable:
		return 0, 0
	case OpJoin:
		return 2, 2
	case OpMerge:
		return 2, Unlimited
	case OpRawSQL:
		return 1, Unlimited
	default:
		return 1, 1
	}
}

// MultiInput reports whether t combines several inputs (JOIN, MERGE).
func (t OperatorType) MultiInput() bool {
	return t == OpJoin || t == OpMerge
}

// Shape returns the canvas shape used to render a node headed by t.
func (t OperatorType) Shape() string {
	if !t.Valid() {
		return "fusion-node"
	}
	return strings.ToLower(strings.ReplaceAll(string(t), "_", "-")) + "-node"
}

// Filter condition operators.
const (
	CondEq      = "="
	CondNe      = "!="
	CondGt      = ">"
	CondGte     = ">="
	CondLt      = "<"
	CondLte     = "<="
	CondLike    = "LIKE"
	CondIn      = "IN"
	CondIsNull  = "IS_NULL"
	CondNotNull = "NOT_NULL"
)

// Join kinds.
const (
	JoinInner = "INNER"
	JoinLeft  = "LEFT"
	JoinRight = "RIGHT"
	JoinFull  = "FULL"
)

// Indicator aggregate functions.
const (
	AggSum           = "SUM"
	AggCount         = "COUNT"
	AggCountDistinct = "COUNT_DISTINCT"
	AggAvg           = "AVG"
	AggMin           = "MIN"
	AggMax           = "MAX"
)

// SourceConfig reads a physical table.
type SourceConfig struct {
	Datasource string        `json:"datasource,omitempty"`
	Table      string        `json:"table"`
	Fields     []field.Field `json:"fields"`
}

// QualifiedTable returns "datasource.table" (or just the table).
func (c *SourceConfig) QualifiedTable() string {
	if c.Datasource == "" {
		return c.Table
	}
	return c.Datasource + "." + c.Table
}

// Condition is one filter predicate.
type Condition struct {
	FieldID string   `json:"field_id"`
	Op      string   `json:"op"`
	Value   string   `json:"value,omitempty"`
	Values  []string `json:"values,omitempty"`
}

// FilterConfig keeps rows matching its conditions.
type FilterConfig struct {
	Logic      string      `json:"logic,omitempty"` // AND (default) or OR
	Conditions []Condition `json:"conditions"`
}

// JoinKey pairs a field of the left input with one of the right input.
type JoinKey struct {
	LeftFieldID  string `json:"left_field_id"`
	RightFieldID string `json:"right_field_id"`
}

// JoinConfig joins sources[0] (left) with sources[1] (right).
type JoinConfig struct {
	Kind string    `json:"kind"`
	Keys []JoinKey `json:"keys"`
}

// MergeColumn maps one output column to a field of each branch.
type MergeColumn struct {
	Name   string            `json:"name"`
	Inputs map[string]string `json:"inputs"` // source node id -> field id
}

// MergeConfig stacks its branches. With no Columns, branches are aligned by
// technical name.
type MergeConfig struct {
	Distinct bool          `json:"distinct,omitempty"`
	Columns  []MergeColumn `json:"columns,omitempty"`
}

// SelectColumn projects one input field, optionally renaming it.
type SelectColumn struct {
	FieldID     string `json:"field_id"`
	Alias       string `json:"alias,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// SelectConfig projects and renames columns.
type SelectConfig struct {
	Columns []SelectColumn `json:"columns"`
}

// DistinctConfig removes duplicate rows over FieldIDs (all columns when empty).
type DistinctConfig struct {
	FieldIDs []string `json:"field_ids,omitempty"`
}

// SQLConfig is user-authored SQL. {{Name}} references splice the result of
// the named ancestor node; Fields declares the columns the SQL returns.
type SQLConfig struct {
	Text   string        `json:"text"`
	Fields []field.Field `json:"fields"`
}

// OutputConfig publishes the node's result as a named view.
type OutputConfig struct {
	ViewName    string `json:"view_name"`
	Description string `json:"description,omitempty"`
}

// Metric is one aggregate column of an indicator.
type Metric struct {
	Name    string `json:"name"`
	Func    string `json:"func"`
	FieldID string `json:"field_id,omitempty"` // optional for COUNT
}

// IndicatorConfig aggregates metrics grouped by dimensions.
type IndicatorConfig struct {
	GroupBy []string `json:"group_by,omitempty"`
	Metrics []Metric `json:"metrics"`
}

// Formula is one transform step inside a node. Exactly one config pointer,
// the one matching Type, is expected to be set.
type Formula struct {
	ID   string
	Type OperatorType

	Source    *SourceConfig
	Filter    *FilterConfig
	Join      *JoinConfig
	Merge     *MergeConfig
	Select    *SelectConfig
	Distinct  *DistinctConfig
	SQL       *SQLConfig
	Output    *OutputConfig
	Indicator *IndicatorConfig

	// OutputFields is the schema visible after this step (derived).
	OutputFields []field.Field
}

// Config returns the config pointer matching the formula type, or nil.
func (f *Formula) Config() any {
	switch f.Type {
	case OpSourceTable:
		return nilIfEmpty(f.Source)
	case OpFilter:
		return nilIfEmpty(f.Filter)
	case OpJoin:
		return nilIfEmpty(f.Join)
	case OpMerge:
		return nilIfEmpty(f.Merge)
	case OpSelect:
		return nilIfEmpty(f.Select)
	case OpDistinct:
		return nilIfEmpty(f.Distinct)
	case OpRawSQL:
		return nilIfEmpty(f.SQL)
	case OpOutputView:
		return nilIfEmpty(f.Output)
	case OpIndicator:
		return nilIfEmpty(f.Indicator)
	}
	return nil
}

func nilIfEmpty[T any](p *T) any {
	if p == nil {
		return nil
	}
	return p
}

// ConfigProblems lists the required parameters that are missing. Field
// references are checked by the propagation engine, which knows the inputs.
func (f *Formula) ConfigProblems() []string {
	if !f.Type.Valid() {
		return []string{fmt.Sprintf("unknown operator type %q", f.Type)}
	}
	if f.Config() == nil && f.Type != OpDistinct && f.Type != OpMerge {
		return []string{fmt.Sprintf("%s is not configured", f.Type)}
	}

	var problems []string
	switch f.Type {
	case OpSourceTable:
		if f.Source.Table == "" {
			problems = append(problems, "source table is not selected")
		}
		if len(f.Source.Fields) == 0 {
			problems = append(problems, "source table has no columns")
		}
	case OpFilter:
		if len(f.Filter.Conditions) == 0 {
			problems = append(problems, "filter has no conditions")
		}
		for i, c := range f.Filter.Conditions {
			if c.FieldID == "" || c.Op == "" {
				problems = append(problems, fmt.Sprintf("filter condition %d is incomplete", i+1))
			}
		}
	case OpJoin:
		if len(f.Join.Keys) == 0 {
			problems = append(problems, "join has no keys")
		}
		switch strings.ToUpper(f.Join.Kind) {
		case "", JoinInner, JoinLeft, JoinRight, JoinFull:
		default:
			problems = append(problems, fmt.Sprintf("unknown join kind %q", f.Join.Kind))
		}
	case OpSelect:
		if len(f.Select.Columns) == 0 {
			problems = append(problems, "no columns selected")
		}
	case OpRawSQL:
		if strings.TrimSpace(f.SQL.Text) == "" {
			problems = append(problems, "SQL text is empty")
		}
		if len(f.SQL.Fields) == 0 {
			problems = append(problems, "SQL output columns are not declared")
		}
	case OpOutputView:
		if f.Output.ViewName == "" {
			problems = append(problems, "output view name is empty")
		}
	case OpIndicator:
		if len(f.Indicator.Metrics) == 0 {
			problems = append(problems, "indicator has no metrics")
		}
		for _, m := range f.Indicator.Metrics {
			if m.Name == "" || m.Func == "" {
				problems = append(problems, "indicator metric is incomplete")
				break
			}
		}
	}
	return problems
}

// Clone returns a deep copy of the formula.
func (f *Formula) Clone() *Formula {
	if f == nil {
		return nil
	}
	c := &Formula{ID: f.ID, Type: f.Type, OutputFields: field.Clone(f.OutputFields)}
	if f.Source != nil {
		s := *f.Source
		s.Fields = field.Clone(f.Source.Fields)
		c.Source = &s
	}
	if f.Filter != nil {
		fl := *f.Filter
		fl.Conditions = cloneSlice(f.Filter.Conditions)
		for i := range fl.Conditions {
			fl.Conditions[i].Values = cloneSlice(fl.Conditions[i].Values)
		}
		c.Filter = &fl
	}
	if f.Join != nil {
		j := *f.Join
		j.Keys = cloneSlice(f.Join.Keys)
		c.Join = &j
	}
	if f.Merge != nil {
		m := *f.Merge
		m.Columns = cloneSlice(f.Merge.Columns)
		for i := range m.Columns {
			m.Columns[i].Inputs = maps.Clone(m.Columns[i].Inputs)
		}
		c.Merge = &m
	}
	if f.Select != nil {
		s := *f.Select
		s.Columns = cloneSlice(f.Select.Columns)
		c.Select = &s
	}
	if f.Distinct != nil {
		d := *f.Distinct
		d.FieldIDs = cloneSlice(f.Distinct.FieldIDs)
		c.Distinct = &d
	}
	if f.SQL != nil {
		s := *f.SQL
		s.Fields = field.Clone(f.SQL.Fields)
		c.SQL = &s
	}
	if f.Output != nil {
		o := *f.Output
		c.Output = &o
	}
	if f.Indicator != nil {
		in := *f.Indicator
		in.GroupBy = cloneSlice(f.Indicator.GroupBy)
		in.Metrics = cloneSlice(f.Indicator.Metrics)
		c.Indicator = &in
	}
	return c
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append(make([]T, 0, len(s)), s...)
}
