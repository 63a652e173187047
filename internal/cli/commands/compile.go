package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapfuse/internal/cli/output"
)

// NewCompileCommand creates the compile command.
func NewCompileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile <pipeline.json> [node]",
		Short: "Generate SQL for a pipeline",
		Long: `Generate the SQL of a pipeline.

With a node (id or name) the query of that node's ancestors is printed.
Without one, the CREATE VIEW statements of every output node are printed.`,
		Example: `  # Print the view statements of all outputs
  leapfuse compile orders.json

  # Print the query behind one node
  leapfuse compile orders.json joined

  # Query with fragments and columns as JSON
  leapfuse compile orders.json joined -o json`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			node := ""
			if len(args) > 1 {
				node = args[1]
			}
			return runCompile(cmd, args[0], node)
		},
	}
	return cmd
}

func runCompile(cmd *cobra.Command, path, ref string) error {
	cc, cleanup, err := NewCommandContext(cmd, 0)
	if err != nil {
		return err
	}
	defer cleanup()

	if _, err := hydrate(cc, path, cmd.InOrStdin()); err != nil {
		return err
	}
	r := cc.Renderer

	if ref == "" {
		views, errs := cc.Session.CompileViews()
		for _, err := range errs {
			r.Warning(err.Error())
		}
		if r.EffectiveMode() == output.ModeJSON {
			return r.JSON(map[string]any{"sql": views, "skipped": len(errs)})
		}
		if views == "" {
			return fmt.Errorf("no output views to compile")
		}
		r.Println(views)
		return nil
	}

	n, err := resolveNode(cc.Session.Snapshot(), ref)
	if err != nil {
		return err
	}
	q, err := cc.Session.Compile(n.ID)
	if err != nil {
		return fmt.Errorf("failed to compile %s: %w", n.Name, err)
	}

	switch r.EffectiveMode() {
	case output.ModeJSON:
		return r.JSON(q)
	case output.ModeMarkdown:
		r.Println("```sql")
		r.Println(q.SQL)
		r.Println("```")
	default:
		r.Println(q.SQL)
	}
	return nil
}
