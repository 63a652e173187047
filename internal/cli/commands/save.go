package commands

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapfuse/internal/cli/output"
)

// SaveOptions holds options for the save command.
type SaveOptions struct {
	ID   string // Existing pipeline to save a new version of
	Name string
}

// NewSaveCommand creates the save command.
func NewSaveCommand() *cobra.Command {
	opts := &SaveOptions{}
	cmd := &cobra.Command{
		Use:   "save <pipeline.json>",
		Short: "Save a pipeline to the local store",
		Long: `Save a pipeline bundle to the local store together with the view
statements generated for its output nodes.

Saving content identical to the stored version keeps the version number.`,
		Example: `  # Save a new pipeline named after the file
  leapfuse save orders.json

  # Save a new version of a stored pipeline
  leapfuse save orders.json --id 4f1c...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSave(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "Pipeline id to save a new version of")
	cmd.Flags().StringVar(&opts.Name, "name", "", "Pipeline name (default: file name)")

	return cmd
}

func runSave(cmd *cobra.Command, path string, opts *SaveOptions) error {
	cc, cleanup, err := NewCommandContext(cmd, NeedStore)
	if err != nil {
		return err
	}
	defer cleanup()

	s := cc.Session
	if opts.ID != "" {
		// Loading first binds the session to the stored id and name.
		if _, err := s.Load(cmd.Context(), opts.ID); err != nil {
			return err
		}
	}
	if _, err := hydrate(cc, path, cmd.InOrStdin()); err != nil {
		return err
	}

	switch {
	case opts.Name != "":
		s.SetName(opts.Name)
	case s.Name() == "" && path != "-":
		s.SetName(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	}

	res, err := s.Save(cmd.Context())
	if err != nil {
		return err
	}

	r := cc.Renderer
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(res)
	}
	if res.Unchanged {
		r.Success(fmt.Sprintf("Pipeline %s unchanged (version %d)", res.ID, res.Version))
		return nil
	}
	r.Success(fmt.Sprintf("Saved pipeline %s (version %d)", res.ID, res.Version))
	return nil
}
