package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapfuse/internal/cli/output"
)

// NewListCommand creates the list command.
func NewListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored pipelines",
		Long: `List the pipelines in the local store, most recently saved first.

Output adapts to environment:
  - Terminal: Styled table
  - Piped/Scripted: Markdown format (agent-friendly)

Use --output to override: auto, text, markdown, json`,
		Example: `  # List pipelines
  leapfuse list

  # List pipelines as JSON
  leapfuse list --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runList(cmd)
		},
	}
	return cmd
}

func runList(cmd *cobra.Command) error {
	cc, cleanup, err := NewCommandContext(cmd, NeedStore)
	if err != nil {
		return err
	}
	defer cleanup()

	summaries, err := cc.Store.List(cmd.Context())
	if err != nil {
		return err
	}

	r := cc.Renderer
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(summaries)
	}

	r.Header(1, fmt.Sprintf("Pipelines (%d total)", len(summaries)))
	if len(summaries) == 0 {
		r.Println("No pipelines saved yet.")
		return nil
	}
	rows := make([][]any, 0, len(summaries))
	for _, s := range summaries {
		rows = append(rows, []any{s.ID, s.Name, s.Version, s.Nodes, s.UpdatedAt.Local().Format(time.DateTime)})
	}
	r.Table([]string{"ID", "Name", "Version", "Nodes", "Updated"}, rows)
	return nil
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "history <id>",
		Short:   "Show the saved versions of a pipeline",
		Example: `  leapfuse history 4f1c...`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, cleanup, err := NewCommandContext(cmd, NeedStore)
			if err != nil {
				return err
			}
			defer cleanup()

			revs, err := cc.Store.Revisions(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			r := cc.Renderer
			if r.EffectiveMode() == output.ModeJSON {
				return r.JSON(revs)
			}
			rows := make([][]any, 0, len(revs))
			for _, rev := range revs {
				rows = append(rows, []any{rev.Version, rev.Nodes, rev.Hash, rev.SavedAt.Local().Format(time.DateTime)})
			}
			r.Table([]string{"Version", "Nodes", "Hash", "Saved"}, rows)
			return nil
		},
	}
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a stored pipeline and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, cleanup, err := NewCommandContext(cmd, NeedStore)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := cc.Store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			cc.Renderer.Success(fmt.Sprintf("Deleted pipeline %s", args[0]))
			return nil
		},
	}
}
