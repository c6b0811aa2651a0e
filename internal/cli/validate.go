package cli

import (
	"github.com/spf13/cobra"

	"github.com/loomrun/loom/internal/graph"
)

// ValidationResult is the validate command's output payload.
type ValidationResult struct {
	Valid   bool     `json:"valid"`
	GraphID string   `json:"graph_id,omitempty"`
	Order   []string `json:"order,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <graph.yaml>",
		Short: "Validate a graph spec without executing it",
		Long: `Check a graph spec for structural problems: duplicate step IDs,
dangling dependencies, cycles, and invalid executors. On success the
deterministic execution order is printed.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, graphPath string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	g, err := graph.Load(graphPath)
	if err != nil {
		if opts.Format == "json" {
			if jsonErr := formatter.JSONError(err.Error(), ValidationResult{Valid: false, Error: err.Error()}); jsonErr != nil {
				return jsonErr
			}
		} else {
			formatter.Textf("invalid: %v", err)
		}
		return NewExitError(ExitFailure, "graph invalid")
	}

	result := ValidationResult{Valid: true, GraphID: g.ID, Order: g.TopologicalOrder()}
	if opts.Format == "json" {
		return formatter.JSON(result)
	}
	formatter.Textf("valid: %s", g.ID)
	for i, id := range result.Order {
		formatter.Textf("  %d. %s", i+1, id)
	}
	return nil
}
