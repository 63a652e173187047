package propagate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/leapstack-labs/leapfuse/internal/field"
	"github.com/leapstack-labs/leapfuse/internal/pipeline"
)

// deriver computes the output fields of one formula.
type deriver struct {
	registry *field.Registry
	node     *pipeline.Node
	formula  *pipeline.Formula
	problems []string

	// prior maps lowercased technical names of the formula's previous output
	// to their ids, so derived ids survive a reload.
	prior map[string]string
}

func (d *deriver) problemf(format string, args ...any) {
	d.problems = append(d.problems, fmt.Sprintf(format, args...))
}

func (d *deriver) scope() string {
	if d.formula.ID != "" {
		return d.formula.ID
	}
	return d.node.ID + "/" + string(d.formula.Type)
}

// preparePrior indexes the previous output, skipping ids that also appear in
// the input: those are pass-through fields, not derivations.
func (d *deriver) preparePrior(inputs ...[]field.Field) {
	inputIDs := make(map[string]bool)
	for _, in := range inputs {
		for _, f := range in {
			inputIDs[f.ID] = true
		}
	}
	d.prior = make(map[string]string, len(d.formula.OutputFields))
	for _, f := range d.formula.OutputFields {
		if f.ID != "" && !inputIDs[f.ID] {
			d.prior[strings.ToLower(f.TechnicalName)] = f.ID
		}
	}
}

func (d *deriver) derive(key string, seed field.Field) field.Field {
	if seed.ID == "" {
		seed.ID = d.prior[strings.ToLower(seed.TechnicalName)]
	}
	return d.registry.Derive(d.scope(), key, seed)
}

// head derives the first formula of a chain from the node's sources.
func (d *deriver) head(branches []pipeline.Branch) []field.Field {
	all := make([][]field.Field, 0, len(branches))
	for _, b := range branches {
		all = append(all, b.Fields)
	}
	d.preparePrior(all...)

	switch d.formula.Type {
	case pipeline.OpSourceTable:
		return d.sourceTable()
	case pipeline.OpJoin:
		return d.join(branches)
	case pipeline.OpMerge:
		return d.merge(branches)
	case pipeline.OpRawSQL:
		return d.rawSQL()
	}

	var in []field.Field
	if len(branches) > 0 {
		in = branches[0].Fields
	}
	return d.single(in)
}

// step derives a mid-chain formula from the previous formula's output.
func (d *deriver) step(in []field.Field) []field.Field {
	d.preparePrior(in)
	switch d.formula.Type {
	case pipeline.OpSourceTable, pipeline.OpJoin, pipeline.OpMerge:
		// Misplaced; ChainProblems already reports it.
		return field.Clone(in)
	case pipeline.OpRawSQL:
		return d.rawSQL()
	}
	return d.single(in)
}

func (d *deriver) single(in []field.Field) []field.Field {
	switch d.formula.Type {
	case pipeline.OpFilter:
		return d.filter(in)
	case pipeline.OpSelect:
		return d.selectColumns(in)
	case pipeline.OpDistinct:
		return d.distinct(in)
	case pipeline.OpIndicator:
		return d.indicator(in)
	}
	return field.Clone(in)
}

func (d *deriver) sourceTable() []field.Field {
	cfg := d.formula.Source
	if cfg == nil {
		return nil
	}
	table := cfg.QualifiedTable()
	out := make([]field.Field, 0, len(cfg.Fields))
	for i, seed := range cfg.Fields {
		if seed.Origin.NodeID == "" {
			seed.Origin.NodeID = d.node.ID
		}
		interned := d.registry.Intern(table, seed)
		cfg.Fields[i] = interned
		out = append(out, interned)
	}
	return out
}

var conditionOps = map[string]bool{
	pipeline.CondEq: true, pipeline.CondNe: true, pipeline.CondGt: true, pipeline.CondGte: true,
	pipeline.CondLt: true, pipeline.CondLte: true, pipeline.CondLike: true, pipeline.CondIn: true,
	pipeline.CondIsNull: true, pipeline.CondNotNull: true,
}

func (d *deriver) filter(in []field.Field) []field.Field {
	if cfg := d.formula.Filter; cfg != nil {
		for _, c := range cfg.Conditions {
			if c.FieldID != "" {
				if _, ok := field.Find(in, c.FieldID); !ok {
					d.problemf("filter references unknown field %s", c.FieldID)
				}
			}
			if c.Op != "" && !conditionOps[strings.ToUpper(c.Op)] {
				d.problemf("unknown filter operator %q", c.Op)
			}
		}
		switch strings.ToUpper(cfg.Logic) {
		case "", "AND", "OR":
		default:
			d.problemf("unknown filter logic %q", cfg.Logic)
		}
	}
	return field.Clone(in)
}

func (d *deriver) selectColumns(in []field.Field) []field.Field {
	cfg := d.formula.Select
	if cfg == nil {
		return nil
	}
	out := make([]field.Field, 0, len(cfg.Columns))
	names := make(map[string]bool, len(cfg.Columns))
	for _, col := range cfg.Columns {
		src, ok := field.Find(in, col.FieldID)
		if !ok {
			d.problemf("select references unknown field %s", col.FieldID)
			continue
		}
		f := src
		if col.Alias != "" || col.DisplayName != "" {
			f = d.derive("select:"+col.FieldID, field.Field{
				TechnicalName: coalesce(col.Alias, src.TechnicalName),
				DisplayName:   coalesce(col.DisplayName, src.DisplayName),
				DataType:      src.DataType,
				Length:        src.Length,
				Precision:     src.Precision,
				Scale:         src.Scale,
				Origin:        field.Origin{NodeID: d.node.ID, Table: src.Origin.Table, FieldID: src.ID},
			})
		}
		name := strings.ToLower(f.TechnicalName)
		if names[name] {
			d.problemf("duplicate output column %q", f.TechnicalName)
			continue
		}
		names[name] = true
		out = append(out, f)
	}
	return out
}

func (d *deriver) distinct(in []field.Field) []field.Field {
	if cfg := d.formula.Distinct; cfg != nil {
		for _, id := range cfg.FieldIDs {
			if _, ok := field.Find(in, id); !ok {
				d.problemf("distinct references unknown field %s", id)
			}
		}
	}
	return field.Clone(in)
}

// join concatenates left and right; right columns whose name collides with a
// left column become derived fields with a numeric suffix.
func (d *deriver) join(branches []pipeline.Branch) []field.Field {
	if len(branches) == 0 {
		return nil
	}
	left := branches[0].Fields
	if len(branches) < 2 {
		return field.Clone(left)
	}
	right := branches[1]

	if cfg := d.formula.Join; cfg != nil {
		for _, k := range cfg.Keys {
			if _, ok := field.Find(left, k.LeftFieldID); !ok {
				d.problemf("join key references unknown left field %s", k.LeftFieldID)
			}
			if _, ok := field.Find(right.Fields, k.RightFieldID); !ok {
				d.problemf("join key references unknown right field %s", k.RightFieldID)
			}
		}
	}

	out := make([]field.Field, 0, len(left)+len(right.Fields))
	taken := make(map[string]bool, cap(out))
	ids := make(map[string]bool, cap(out))
	for _, f := range left {
		taken[strings.ToLower(f.TechnicalName)] = true
		ids[f.ID] = true
		out = append(out, f)
	}
	for _, f := range right.Fields {
		if taken[strings.ToLower(f.TechnicalName)] || ids[f.ID] {
			f = d.derive("join:"+f.ID, field.Field{
				TechnicalName: uniqueName(f.TechnicalName, taken),
				DisplayName:   f.DisplayName,
				DataType:      f.DataType,
				Length:        f.Length,
				Precision:     f.Precision,
				Scale:         f.Scale,
				Origin:        field.Origin{NodeID: right.SourceID, Table: f.Origin.Table, FieldID: f.ID},
			})
		}
		taken[strings.ToLower(f.TechnicalName)] = true
		ids[f.ID] = true
		out = append(out, f)
	}
	return out
}

func uniqueName(base string, taken map[string]bool) string {
	for i := 2; ; i++ {
		candidate := base + "_" + strconv.Itoa(i)
		if !taken[strings.ToLower(candidate)] {
			return candidate
		}
	}
}

func (d *deriver) merge(branches []pipeline.Branch) []field.Field {
	columns, problems := pipeline.AlignMerge(d.formula.Merge, branches)
	d.problems = append(d.problems, problems...)
	if len(branches) >= 2 && len(columns) == 0 {
		d.problemf("merge inputs share no columns")
	}

	out := make([]field.Field, 0, len(columns))
	for _, col := range columns {
		first := col.Inputs[0]
		out = append(out, d.derive("merge:"+strings.ToLower(col.Name), field.Field{
			TechnicalName: col.Name,
			DisplayName:   first.DisplayName,
			DataType:      unifyTypes(col.Inputs),
			Length:        first.Length,
			Precision:     first.Precision,
			Scale:         first.Scale,
			Origin:        field.Origin{NodeID: d.node.ID, Table: first.Origin.Table, FieldID: first.ID},
		}))
	}
	return out
}

// unifyTypes picks the column type of a MERGE: the shared type, double for
// mixed numerics, string otherwise.
func unifyTypes(fields []field.Field) field.DataType {
	dt := fields[0].DataType
	numeric := dt.IsNumeric()
	same := true
	for _, f := range fields[1:] {
		if f.DataType != dt {
			same = false
		}
		numeric = numeric && f.DataType.IsNumeric()
	}
	switch {
	case same:
		return dt
	case numeric:
		return field.TypeDouble
	default:
		return field.TypeString
	}
}

func (d *deriver) rawSQL() []field.Field {
	cfg := d.formula.SQL
	if cfg == nil {
		return nil
	}
	out := make([]field.Field, 0, len(cfg.Fields))
	names := make(map[string]bool, len(cfg.Fields))
	for _, declared := range cfg.Fields {
		name := strings.ToLower(declared.TechnicalName)
		if name == "" {
			d.problemf("SQL output column without a name")
			continue
		}
		if names[name] {
			d.problemf("duplicate SQL output column %q", declared.TechnicalName)
			continue
		}
		names[name] = true
		seed := declared
		seed.Origin = field.Origin{NodeID: d.node.ID}
		out = append(out, d.derive("sql:"+name, seed))
	}
	return out
}

var metricFuncs = map[string]bool{
	pipeline.AggSum: true, pipeline.AggCount: true, pipeline.AggCountDistinct: true,
	pipeline.AggAvg: true, pipeline.AggMin: true, pipeline.AggMax: true,
}

func (d *deriver) indicator(in []field.Field) []field.Field {
	cfg := d.formula.Indicator
	if cfg == nil {
		return nil
	}
	out := make([]field.Field, 0, len(cfg.GroupBy)+len(cfg.Metrics))
	for _, id := range cfg.GroupBy {
		f, ok := field.Find(in, id)
		if !ok {
			d.problemf("indicator groups by unknown field %s", id)
			continue
		}
		out = append(out, f)
	}

	for _, m := range cfg.Metrics {
		fn := strings.ToUpper(m.Func)
		if !metricFuncs[fn] {
			d.problemf("unknown aggregate %q", m.Func)
			continue
		}
		var src field.Field
		if m.FieldID != "" {
			var ok bool
			if src, ok = field.Find(in, m.FieldID); !ok {
				d.problemf("metric %q references unknown field %s", m.Name, m.FieldID)
				continue
			}
		} else if fn != pipeline.AggCount {
			d.problemf("metric %q needs a field", m.Name)
			continue
		}
		if (fn == pipeline.AggSum || fn == pipeline.AggAvg) && !src.DataType.IsNumeric() {
			d.problemf("%s of non-numeric field %q", fn, src.TechnicalName)
			continue
		}
		out = append(out, d.derive("metric:"+strings.ToLower(m.Name), field.Field{
			TechnicalName: m.Name,
			DataType:      metricType(fn, src.DataType),
			Origin:        field.Origin{NodeID: d.node.ID, FieldID: src.ID},
		}))
	}
	return out
}

func metricType(fn string, input field.DataType) field.DataType {
	switch fn {
	case pipeline.AggCount, pipeline.AggCountDistinct:
		return field.TypeBigInt
	case pipeline.AggAvg:
		return field.TypeDouble
	case pipeline.AggSum:
		if input == field.TypeDecimal {
			return field.TypeDecimal
		}
		if input == field.TypeDouble {
			return field.TypeDouble
		}
		return field.TypeBigInt
	}
	return input
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
