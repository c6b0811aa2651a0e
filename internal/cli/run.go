package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomrun/loom/internal/graph"
	"github.com/loomrun/loom/internal/runner"
	"github.com/loomrun/loom/internal/runstore"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Workspace string
	Policy    string
	Packs     []string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <graph.yaml>",
		Short: "Execute a workflow graph in a new run",
		Long: `Create a run in the workspace and execute the graph to a terminal
status. The graph spec is copied into the run directory so the run can
later be resumed or selectively re-executed.

Example:
  loom run --workspace . build.yaml
  loom run --workspace . build.yaml --policy safety.yaml --pack review.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGraph(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Workspace, "workspace", "", "workspace directory (required)")
	cmd.Flags().StringVar(&opts.Policy, "policy", "", "path to a safety policy YAML file")
	cmd.Flags().StringArrayVar(&opts.Packs, "pack", nil, "pack YAML file (repeatable)")
	_ = cmd.MarkFlagRequired("workspace")

	return cmd
}

func runGraph(opts *RunOptions, graphPath string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	g, err := graph.Load(graphPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid graph", err)
	}
	setup, err := buildSetup(opts.Policy, opts.Packs)
	if err != nil {
		return WrapExitError(ExitCommandError, "setup failed", err)
	}

	run, err := runstore.Create(opts.Workspace)
	if err != nil {
		return WrapExitError(ExitCommandError, "create run", err)
	}
	if err := saveGraphSpec(run, graphPath); err != nil {
		return WrapExitError(ExitCommandError, "save graph spec", err)
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

	slog.Info("run starting", "run_id", run.ID, "graph_id", g.ID)
	state, err := r.Run(signalContext(cmd))
	if err != nil {
		return WrapExitError(ExitFailure, "run error", err)
	}
	return emitRunSummary(formatter, state)
}

// signalContext derives a context cancelled on SIGINT/SIGTERM so a
// stopped run is recorded as interrupted and can be resumed.
func signalContext(cmd *cobra.Command) context.Context {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, stopping run", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx
}
