package cli

import (
	"github.com/spf13/cobra"

	"github.com/loomrun/loom/internal/artifact"
	"github.com/loomrun/loom/internal/runstore"
)

// ArtifactsOptions holds flags for the artifacts subcommands.
type ArtifactsOptions struct {
	*RootOptions
	Workspace string
	RunID     string
	Type      string
}

// NewArtifactsCommand creates the artifacts command group.
func NewArtifactsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Inspect the workspace artifact index",
	}
	cmd.AddCommand(newArtifactsListCommand(rootOpts))
	return cmd
}

func newArtifactsListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ArtifactsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List indexed artifacts, optionally filtered by run and type",
		Example: `  loom artifacts list --workspace .
  loom artifacts list --workspace . --run 0190… --type gate_result.v1`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listArtifacts(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Workspace, "workspace", "", "workspace directory (required)")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "filter by run ID")
	cmd.Flags().StringVar(&opts.Type, "type", "", "filter by artifact type")
	_ = cmd.MarkFlagRequired("workspace")

	return cmd
}

func listArtifacts(opts *ArtifactsOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	index, err := artifact.OpenIndex(runstore.IndexPath(opts.Workspace))
	if err != nil {
		return WrapExitError(ExitCommandError, "open artifact index", err)
	}
	defer index.Close()

	refs, err := index.List(cmd.Context(), opts.RunID, opts.Type)
	if err != nil {
		return WrapExitError(ExitCommandError, "list artifacts", err)
	}

	if opts.Format == "json" {
		return formatter.JSON(refs)
	}
	if len(refs) == 0 {
		formatter.Textf("no artifacts")
		return nil
	}
	for _, ref := range refs {
		line := ref.ID + "  " + ref.Type + "  " + string(ref.Kind)
		if ref.Name != "" {
			line += "  " + ref.Name
		}
		formatter.Textf("%s", line)
	}
	return nil
}
