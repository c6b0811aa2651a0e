package cli

import (
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomrun/loom/internal/replay"
	"github.com/loomrun/loom/internal/runner"
	"github.com/loomrun/loom/internal/runstore"
)

// RerunOptions holds flags for the rerun command.
type RerunOptions struct {
	*RootOptions
	Workspace string
	Policy    string
	Packs     []string
	NoExecute bool
}

// NewRerunCommand creates the rerun command.
func NewRerunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RerunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rerun <run_id> <step_id>",
		Short: "Reset a step and its dependents, then re-execute the run",
		Long: `Reset the named step plus every step downstream of it to pending,
preserving logs for audit, and continue the run. Steps upstream of the
target keep their results. With --no-execute only the reset is
performed.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rerunFrom(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Workspace, "workspace", "", "workspace directory (required)")
	cmd.Flags().StringVar(&opts.Policy, "policy", "", "path to a safety policy YAML file")
	cmd.Flags().StringArrayVar(&opts.Packs, "pack", nil, "pack YAML file (repeatable)")
	cmd.Flags().BoolVar(&opts.NoExecute, "no-execute", false, "reset only, do not run")
	_ = cmd.MarkFlagRequired("workspace")

	return cmd
}

func rerunFrom(opts *RerunOptions, runID, stepID string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	run, _, err := runstore.Resume(opts.Workspace, runID)
	if err != nil {
		return WrapExitError(ExitCommandError, "resume run", err)
	}
	g, err := loadSavedGraph(run)
	if err != nil {
		return WrapExitError(ExitCommandError, "rerun", err)
	}
	state, err := runner.LoadState(run.Root, time.Now())
	if err != nil {
		return WrapExitError(ExitCommandError, "rerun", err)
	}

	reset, err := replay.RerunFrom(state, g, stepID)
	if err != nil {
		return WrapExitError(ExitCommandError, "rerun", err)
	}
	if err := state.Persist(run.Root, time.Now()); err != nil {
		return WrapExitError(ExitCommandError, "rerun", err)
	}
	slog.Info("steps reset", "run_id", run.ID, "from", stepID, "reset", reset)

	if opts.NoExecute {
		if opts.Format == "json" {
			return formatter.JSON(map[string]any{"run_id": run.ID, "reset": reset})
		}
		for _, id := range reset {
			formatter.Textf("reset %s", id)
		}
		return nil
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
	final, err := r.Run(signalContext(cmd))
	if err != nil {
		return WrapExitError(ExitFailure, "run error", err)
	}
	return emitRunSummary(formatter, final)
}
