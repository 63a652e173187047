package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapfuse/internal/cli/output"
	"github.com/leapstack-labs/leapfuse/internal/codec"
	"github.com/leapstack-labs/leapfuse/internal/pipeline"
)

// CheckOptions holds options for the check command.
type CheckOptions struct {
	Strict bool // Fail on lint warnings too
}

// CheckOutput is the JSON output for the check command.
type CheckOutput struct {
	Nodes    []CheckNode        `json:"nodes"`
	Edges    int                `json:"edges"`
	Issues   []codec.Issue      `json:"issues"`
	Warnings []pipeline.Warning `json:"warnings"`
}

// CheckNode summarizes one node of a checked pipeline.
type CheckNode struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	Fields     int      `json:"fields"`
	Executable bool     `json:"executable"`
	Problems   []string `json:"problems,omitempty"`
}

// NewCheckCommand creates the check command.
func NewCheckCommand() *cobra.Command {
	opts := &CheckOptions{}
	cmd := &cobra.Command{
		Use:   "check <pipeline.json>",
		Short: "Validate a pipeline file",
		Long: `Decode a pipeline bundle, settle the fields of every node and report
anything that needed repair along with structural warnings.

Output adapts to environment:
  - Terminal: Styled output with colors
  - Piped/Scripted: Markdown format
  - JSON: Machine-readable format`,
		Example: `  # Check a pipeline
  leapfuse check orders.json

  # Fail on warnings as well
  leapfuse check orders.json --strict

  # Read from stdin
  cat orders.json | leapfuse check -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, args[0], opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "Treat lint warnings as failures")

	return cmd
}

func runCheck(cmd *cobra.Command, path string, opts *CheckOptions) error {
	cc, cleanup, err := NewCommandContext(cmd, 0)
	if err != nil {
		return err
	}
	defer cleanup()

	issues, err := hydrate(cc, path, cmd.InOrStdin())
	if err != nil {
		return err
	}

	g := cc.Session.Snapshot()
	out := &CheckOutput{
		Nodes:    make([]CheckNode, 0, g.NodeCount()),
		Edges:    g.EdgeCount(),
		Issues:   issues,
		Warnings: cc.Session.Lint(),
	}
	for _, n := range g.Nodes() {
		out.Nodes = append(out.Nodes, CheckNode{
			ID:         n.ID,
			Name:       n.Name,
			Kind:       kindLabel(n),
			Fields:     len(n.OutputFields),
			Executable: n.Executable,
			Problems:   n.Problems,
		})
	}
	if out.Issues == nil {
		out.Issues = []codec.Issue{}
	}
	if out.Warnings == nil {
		out.Warnings = []pipeline.Warning{}
	}

	r := cc.Renderer
	if r.EffectiveMode() == output.ModeJSON {
		if err := r.JSON(out); err != nil {
			return err
		}
	} else {
		renderCheck(r, out)
	}

	if len(issues) > 0 || (opts.Strict && len(out.Warnings) > 0) {
		return fmt.Errorf("check found %d issue(s) and %d warning(s)", len(issues), len(out.Warnings))
	}
	return nil
}

func renderCheck(r *output.Renderer, out *CheckOutput) {
	r.Header(1, fmt.Sprintf("Pipeline (%d nodes, %d edges)", len(out.Nodes), out.Edges))

	rows := make([][]any, 0, len(out.Nodes))
	for _, n := range out.Nodes {
		ready := "yes"
		if !n.Executable {
			ready = "no"
		}
		rows = append(rows, []any{n.Name, n.Kind, n.Fields, ready})
	}
	r.Table([]string{"Node", "Kind", "Fields", "Executable"}, rows)

	for _, n := range out.Nodes {
		for _, p := range n.Problems {
			r.Printf("  %s: %s\n", n.Name, p)
		}
	}

	if len(out.Warnings) > 0 {
		r.Println("")
		r.Header(2, "Warnings")
		for _, w := range out.Warnings {
			r.Warning(w.Message)
		}
	}

	if len(out.Issues) == 0 && len(out.Warnings) == 0 {
		r.Success("No issues found")
	}
}
