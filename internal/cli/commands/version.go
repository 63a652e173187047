package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapfuse/internal/adapter"
)

// NewVersionCommand creates the version command.
func NewVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display LeapFuse version and the available preview engines.`,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "LeapFuse v%s\n", version)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Engines: %v\n", adapter.ListAdapters())
		},
	}
}
