package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/loomrun/loom/internal/artifact"
	"github.com/loomrun/loom/internal/envelope"
	"github.com/loomrun/loom/internal/fsatomic"
	"github.com/loomrun/loom/internal/graph"
	"github.com/loomrun/loom/internal/pack"
	"github.com/loomrun/loom/internal/policy"
	"github.com/loomrun/loom/internal/route"
	"github.com/loomrun/loom/internal/runner"
	"github.com/loomrun/loom/internal/runstore"
)

// savedGraphFile is the copy of the graph spec kept inside the run
// root so resume, rerun, and replace can reload it without the caller
// repeating the path.
const savedGraphFile = "graph.yaml"

// openStore opens the workspace artifact index and binds a store to
// the run. The caller must call the returned closer.
func openStore(workspace string, run runstore.Run) (*artifact.Store, func(), error) {
	index, err := artifact.OpenIndex(runstore.IndexPath(workspace))
	if err != nil {
		return nil, nil, err
	}
	return artifact.NewStore(run, index), func() { index.Close() }, nil
}

// saveGraphSpec copies the graph spec bytes into the run root.
func saveGraphSpec(run runstore.Run, specPath string) error {
	data, err := os.ReadFile(specPath)
	if err != nil {
		return fmt.Errorf("read graph spec: %w", err)
	}
	return fsatomic.WriteFile(run.Root, filepath.Join(run.Root, savedGraphFile), data)
}

// loadSavedGraph reloads the graph spec stored with the run.
func loadSavedGraph(run runstore.Run) (*graph.Graph, error) {
	g, err := graph.Load(filepath.Join(run.Root, savedGraphFile))
	if err != nil {
		return nil, fmt.Errorf("load graph for run %s: %w", run.ID, err)
	}
	return g, nil
}

// kernelSetup is everything run and resume need beyond the run itself.
type kernelSetup struct {
	policy policy.Policy
	rules  []route.Rule
}

// buildSetup registers builtin schemas plus the given packs, then
// resolves the effective policy: the user policy file (or the default)
// merged conservatively with every pack fragment.
func buildSetup(policyPath string, packPaths []string) (*kernelSetup, error) {
	schemas := envelope.NewRegistry()
	if err := envelope.RegisterBuiltins(schemas); err != nil {
		return nil, err
	}
	packs := pack.NewRegistry(schemas)
	for _, path := range packPaths {
		p, err := pack.Load(path)
		if err != nil {
			return nil, err
		}
		if err := packs.Register(p); err != nil {
			return nil, err
		}
	}

	effective := policy.Default()
	if policyPath != "" {
		loaded, err := policy.Load(policyPath)
		if err != nil {
			return nil, err
		}
		effective = loaded
	}
	if packPolicy, ok := packs.Policy(); ok {
		effective = policy.Merge(effective, packPolicy)
	}

	return &kernelSetup{policy: effective, rules: packs.Rules()}, nil
}

// stepSummary is one row of run output.
type stepSummary struct {
	StepID    string `json:"step_id"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// runSummary is the run/resume/rerun output payload.
type runSummary struct {
	RunID  string        `json:"run_id"`
	Status string        `json:"status"`
	Steps  []stepSummary `json:"steps"`
}

func summarize(state *runner.RunState) runSummary {
	ids := make([]string, 0, len(state.Steps))
	for id := range state.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	summary := runSummary{RunID: state.RunID, Status: string(state.Status)}
	for _, id := range ids {
		rec := state.Steps[id]
		summary.Steps = append(summary.Steps, stepSummary{
			StepID:    id,
			Status:    string(rec.Status),
			Attempts:  rec.Attempts,
			LastError: rec.LastError,
		})
	}
	return summary
}

// emitRunSummary renders the summary and converts a non-succeeded run
// into a failure exit code.
func emitRunSummary(f *OutputFormatter, state *runner.RunState) error {
	summary := summarize(state)
	if f.Format == "json" {
		if err := f.JSON(summary); err != nil {
			return err
		}
	} else {
		f.Textf("run %s: %s", summary.RunID, summary.Status)
		for _, s := range summary.Steps {
			line := fmt.Sprintf("  %-20s %s", s.StepID, s.Status)
			if s.Attempts > 0 {
				line += fmt.Sprintf(" (attempts: %d)", s.Attempts)
			}
			if s.LastError != "" {
				line += " - " + s.LastError
			}
			f.Textf("%s", line)
		}
	}
	if state.Status != runstore.StatusSucceeded {
		return NewExitError(ExitFailure, fmt.Sprintf("run %s %s", state.RunID, state.Status))
	}
	return nil
}
