package pipeline

import (
	"fmt"

	"github.com/leapstack-labs/leapfuse/internal/field"
)

// Branch is one input of a multi-input formula.
type Branch struct {
	SourceID string
	Fields   []field.Field
}

// AlignedColumn is one MERGE output column with the contributing field of
// every branch, in branch order.
type AlignedColumn struct {
	Name   string
	Inputs []field.Field
}

// AlignMerge lines up the branches of a MERGE. Without explicit columns the
// first branch's fields are matched by technical name in every other branch.
func AlignMerge(cfg *MergeConfig, branches []Branch) ([]AlignedColumn, []string) {
	if len(branches) == 0 {
		return nil, nil
	}

	var columns []AlignedColumn
	var problems []string

	if cfg == nil || len(cfg.Columns) == 0 {
		for _, f := range branches[0].Fields {
			col := AlignedColumn{Name: f.TechnicalName, Inputs: []field.Field{f}}
			complete := true
			for _, b := range branches[1:] {
				match, ok := field.FindByName(b.Fields, f.TechnicalName)
				if !ok {
					problems = append(problems, fmt.Sprintf("merge input %s has no column %q", b.SourceID, f.TechnicalName))
					complete = false
					break
				}
				col.Inputs = append(col.Inputs, match)
			}
			if complete {
				columns = append(columns, col)
			}
		}
		return columns, problems
	}

	for _, mc := range cfg.Columns {
		col := AlignedColumn{Name: mc.Name}
		complete := true
		for _, b := range branches {
			fieldID, mapped := mc.Inputs[b.SourceID]
			if !mapped {
				problems = append(problems, fmt.Sprintf("merge column %q is not mapped for input %s", mc.Name, b.SourceID))
				complete = false
				break
			}
			f, ok := field.Find(b.Fields, fieldID)
			if !ok {
				problems = append(problems, fmt.Sprintf("merge column %q references unknown field %s", mc.Name, fieldID))
				complete = false
				break
			}
			col.Inputs = append(col.Inputs, f)
		}
		if complete {
			columns = append(columns, col)
		}
	}
	return columns, problems
}
