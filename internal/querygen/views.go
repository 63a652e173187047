package querygen

import (
	"strings"

	"github.com/leapstack-labs/leapfuse/internal/pipeline"
)

// CompileViews renders a CREATE VIEW statement for every executable node
// ending in OUTPUT_VIEW, in graph order. Nodes that fail to compile are
// skipped and their errors returned alongside the text.
func CompileViews(g pipeline.Reader, opts Options) (string, []error) {
	d := opts.Dialect
	if d == nil {
		d = ANSI
	}

	var stmts []string
	var errs []error
	for _, n := range g.Nodes() {
		tail := n.Tail()
		if tail == nil || tail.Type != pipeline.OpOutputView || tail.Output == nil {
			continue
		}
		q, err := Generate(g, n.ID, opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		stmt := "CREATE OR REPLACE VIEW " + d.QuoteQualified(tail.Output.ViewName) + " AS\n" + q.SQL + ";"
		if tail.Output.Description != "" {
			stmt = "-- " + strings.ReplaceAll(tail.Output.Description, "\n", " ") + "\n" + stmt
		}
		stmts = append(stmts, stmt)
	}
	return strings.Join(stmts, "\n\n"), errs
}
