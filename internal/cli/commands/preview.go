package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapfuse/internal/cli/output"
	"github.com/leapstack-labs/leapfuse/internal/preview"
)

// PreviewOptions holds options for the preview command.
type PreviewOptions struct {
	Offset int
	Limit  int
	Count  bool
}

// PreviewOutput is the JSON output for the preview command.
type PreviewOutput struct {
	Node      string           `json:"node"`
	Columns   []preview.Column `json:"columns"`
	Rows      [][]any          `json:"rows"`
	Offset    int              `json:"offset"`
	Count     *int64           `json:"count,omitempty"`
	ElapsedMs int64            `json:"elapsed_ms"`
}

// NewPreviewCommand creates the preview command.
func NewPreviewCommand() *cobra.Command {
	opts := &PreviewOptions{}
	cmd := &cobra.Command{
		Use:   "preview <pipeline.json> <node>",
		Short: "Show a page of a node's data",
		Long: `Run the query behind a node and show one page of its rows.

The query runs on the configured target, or on a remote execute service
when --executor remote is set.`,
		Example: `  # First page of a node
  leapfuse preview orders.json joined

  # Second page of 50 rows with the total row count
  leapfuse preview orders.json joined --offset 50 --limit 50 --count

  # Through a remote execute service
  leapfuse preview orders.json joined --executor remote --executor-url http://localhost:8787/execute`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPreview(cmd, args[0], args[1], opts)
		},
	}

	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Rows to skip")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Rows per page (default from preview.default_limit)")
	cmd.Flags().BoolVar(&opts.Count, "count", false, "Also count all rows")

	return cmd
}

func runPreview(cmd *cobra.Command, path, ref string, opts *PreviewOptions) error {
	cc, cleanup, err := NewCommandContext(cmd, NeedEngine)
	if err != nil {
		return err
	}
	defer cleanup()

	if _, err := hydrate(cc, path, cmd.InOrStdin()); err != nil {
		return err
	}
	n, err := resolveNode(cc.Session.Snapshot(), ref)
	if err != nil {
		return err
	}

	res, err := cc.Session.Preview(cmd.Context(), n.ID, preview.Page{
		Offset:    opts.Offset,
		Limit:     opts.Limit,
		NeedCount: opts.Count,
	})
	if err != nil {
		return fmt.Errorf("failed to preview %s: %w", n.Name, err)
	}

	out := &PreviewOutput{
		Node:      n.Name,
		Columns:   res.Response.Columns,
		Rows:      res.Response.Data,
		Offset:    res.Page.Offset,
		ElapsedMs: res.Elapsed.Milliseconds(),
	}
	if opts.Count {
		out.Count = &res.Response.Count
	}
	return renderPreview(cc.Renderer, out, res.Elapsed)
}

func renderPreview(r *output.Renderer, out *PreviewOutput, elapsed time.Duration) error {
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(out)
	}

	headers := make([]string, len(out.Columns))
	for i, c := range out.Columns {
		headers[i] = c.Name
	}
	rows := make([][]any, len(out.Rows))
	for i, row := range out.Rows {
		cells := make([]any, len(row))
		for j, v := range row {
			cells[j] = output.FormatValue(v)
		}
		rows[i] = cells
	}

	r.Header(1, out.Node)
	r.Table(headers, rows)

	summary := fmt.Sprintf("%d row(s) from offset %d in %s", len(out.Rows), out.Offset, elapsed.Round(time.Millisecond))
	if out.Count != nil {
		summary += fmt.Sprintf(", %d total", *out.Count)
	}
	r.Println(summary)
	return nil
}
