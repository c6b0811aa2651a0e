package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/loomrun/loom/internal/replay"
	"github.com/loomrun/loom/internal/runner"
	"github.com/loomrun/loom/internal/runstore"
)

// ReplaceOptions holds flags for the replace command.
type ReplaceOptions struct {
	*RootOptions
	Workspace string
	Reason    string
}

// NewReplaceCommand creates the replace command.
func NewReplaceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplaceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replace <run_id> <old_artifact_id> <new_artifact_id>",
		Short: "Substitute one artifact for another with a provenance record",
		Long: `Record an artifact replacement and rewrite any step's produced
artifact list from the old ID to the new one. When exactly one step
produced the old artifact, that step and its dependents are reset so
the substitution propagates on the next run. Nothing is deleted.`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return replaceArtifact(opts, args[0], args[1], args[2], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Workspace, "workspace", "", "workspace directory (required)")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "why the artifact is being replaced (required)")
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("reason")

	return cmd
}

func replaceArtifact(opts *ReplaceOptions, runID, oldID, newID string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	run, _, err := runstore.Resume(opts.Workspace, runID)
	if err != nil {
		return WrapExitError(ExitCommandError, "resume run", err)
	}
	g, err := loadSavedGraph(run)
	if err != nil {
		return WrapExitError(ExitCommandError, "replace", err)
	}
	state, err := runner.LoadState(run.Root, time.Now())
	if err != nil {
		return WrapExitError(ExitCommandError, "replace", err)
	}
	store, closeStore, err := openStore(opts.Workspace, run)
	if err != nil {
		return WrapExitError(ExitCommandError, "open artifact index", err)
	}
	defer closeStore()

	ref, reset, err := replay.ReplaceArtifact(cmd.Context(), state, g, store, oldID, newID, opts.Reason, time.Now())
	if err != nil {
		return WrapExitError(ExitCommandError, "replace", err)
	}
	if err := state.Persist(run.Root, time.Now()); err != nil {
		return WrapExitError(ExitCommandError, "replace", err)
	}

	if opts.Format == "json" {
		return formatter.JSON(map[string]any{
			"replacement_artifact": ref.ID,
			"reset":                reset,
		})
	}
	formatter.Textf("replacement recorded: %s", ref.ID)
	for _, id := range reset {
		formatter.Textf("reset %s", id)
	}
	return nil
}
