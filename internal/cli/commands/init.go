package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapfuse/internal/cli/output"
	intconfig "github.com/leapstack-labs/leapfuse/internal/config"
)

// NewInitCommand creates the init command.
func NewInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [directory]",
		Short: "Initialize a new LeapFuse project",
		Long: `Initialize a new LeapFuse project with a configuration file, a source
catalog and an example pipeline.

This creates:
  - leapfuse.yaml configuration file
  - catalog.yaml listing source tables
  - pipelines/customers.json example pipeline`,
		Example: `  # Initialize in current directory
  leapfuse init

  # Initialize in a new directory
  leapfuse init my-project

  # Force overwrite existing files
  leapfuse init --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}

			cfg := getConfig()
			r := output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), output.Mode(cfg.OutputFormat))
			return runInit(r, dir, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing files")

	return cmd
}

func runInit(r *output.Renderer, dir string, force bool) error {
	if dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	configPath := filepath.Join(dir, intconfig.ConfigFileName)
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("%s already exists. Use --force to overwrite", intconfig.ConfigFileName)
	}

	files, err := copyTemplate("minimal", dir, force)
	if err != nil {
		return fmt.Errorf("failed to initialize project: %w", err)
	}

	for _, f := range files {
		r.Success(f)
	}

	r.Println("")
	r.Success("LeapFuse project initialized!")
	r.Println("")
	r.Println("Next steps:")
	r.Println("  leapfuse check pipelines/customers.json     Validate the example pipeline")
	r.Println("  leapfuse compile pipelines/customers.json   Print its view statement")
	r.Println("  leapfuse save pipelines/customers.json      Store it locally")
	return nil
}
