package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/loomrun/loom/internal/runner"
	"github.com/loomrun/loom/internal/runstore"
)

// ResumeOptions holds flags for the resume command.
type ResumeOptions struct {
	*RootOptions
	Workspace string
	Policy    string
	Packs     []string
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResumeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resume <run_id>",
		Short: "Resume an existing run from its persisted state",
		Long: `Re-open a run and continue executing its graph. Steps that were
recorded as running when the previous process stopped are marked failed
with reason "interrupted"; completed steps are not executed again.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return resumeRun(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Workspace, "workspace", "", "workspace directory (required)")
	cmd.Flags().StringVar(&opts.Policy, "policy", "", "path to a safety policy YAML file")
	cmd.Flags().StringArrayVar(&opts.Packs, "pack", nil, "pack YAML file (repeatable)")
	_ = cmd.MarkFlagRequired("workspace")

	return cmd
}

func resumeRun(opts *ResumeOptions, runID string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	run, _, err := runstore.Resume(opts.Workspace, runID)
	if err != nil {
		return WrapExitError(ExitCommandError, "resume run", err)
	}
	g, err := loadSavedGraph(run)
	if err != nil {
		return WrapExitError(ExitCommandError, "resume run", err)
	}
	setup, err := buildSetup(opts.Policy, opts.Packs)
	if err != nil {
		return WrapExitError(ExitCommandError, "setup failed", err)
	}

	store, closeStore, err := openStore(opts.Workspace, run)
	if err != nil {
		return WrapExitError(ExitCommandError, "open artifact index", err)
	}
	defer closeStore()

	r, err := runner.New(run, g, store,
		runner.WithPolicy(setup.policy),
		runner.WithRules(setup.rules))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid graph", err)
	}

	slog.Info("run resuming", "run_id", run.ID)
	state, err := r.Run(signalContext(cmd))
	if err != nil {
		return WrapExitError(ExitFailure, "run error", err)
	}
	return emitRunSummary(formatter, state)
}
