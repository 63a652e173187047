package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// LoadOptions holds options for the load command.
type LoadOptions struct {
	Out string // File to write; stdout if empty
}

// NewLoadCommand creates the load command.
func NewLoadCommand() *cobra.Command {
	opts := &LoadOptions{}
	cmd := &cobra.Command{
		Use:   "load <id>",
		Short: "Export a stored pipeline as a bundle file",
		Example: `  # Print a stored pipeline
  leapfuse load 4f1c...

  # Write it to a file
  leapfuse load 4f1c... --out orders.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.Out, "out", "", "Output file (default: stdout)")

	return cmd
}

func runLoad(cmd *cobra.Command, id string, opts *LoadOptions) error {
	cc, cleanup, err := NewCommandContext(cmd, NeedStore)
	if err != nil {
		return err
	}
	defer cleanup()

	issues, err := cc.Session.Load(cmd.Context(), id)
	if err != nil {
		return err
	}
	warnIssues(cc.Renderer, issues)

	data, err := cc.Session.ExportBundle()
	if err != nil {
		return fmt.Errorf("failed to encode pipeline: %w", err)
	}

	if opts.Out == "" {
		_, err = fmt.Fprintln(cc.Renderer.Writer(), string(data))
		return err
	}
	if err := os.WriteFile(opts.Out, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", opts.Out, err)
	}
	cc.Renderer.Success(fmt.Sprintf("Wrote %s to %s", cc.Session.Name(), opts.Out))
	return nil
}
