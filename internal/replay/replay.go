// Package replay implements selective re-execution: resetting a step
// and its transitive dependents back to pending, and substituting one
// artifact for another with a recorded provenance trail. History is
// never discarded; artifacts are never deleted and log references
// survive every reset.
package replay

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/loomrun/loom/internal/artifact"
	"github.com/loomrun/loom/internal/envelope"
	"github.com/loomrun/loom/internal/graph"
	"github.com/loomrun/loom/internal/runner"
	"github.com/loomrun/loom/internal/runstore"
)

// RerunFrom resets stepID and every transitive dependent to pending so
// the next run executes them again. Upstream and unrelated steps keep
// their results. The run status is returned to created and any
// escalation is cleared; the caller persists the state.
// Returns the reset step IDs in sorted order.
func RerunFrom(state *runner.RunState, g *graph.Graph, stepID string) ([]string, error) {
	if g.Step(stepID) == nil {
		return nil, fmt.Errorf("rerun from %q: step not in graph", stepID)
	}

	dependents := g.Dependents()
	affected := map[string]bool{stepID: true}
	queue := []string{stepID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range dependents[id] {
			if !affected[dep] {
				affected[dep] = true
				queue = append(queue, dep)
			}
		}
	}

	reset := make([]string, 0, len(affected))
	for id := range affected {
		state.ResetStep(id)
		reset = append(reset, id)
	}
	sort.Strings(reset)

	state.Status = runstore.StatusCreated
	state.CurrentStep = ""
	state.ForcedNext = ""
	state.Escalated = false
	state.EscalationReason = ""
	return reset, nil
}

// ReplaceArtifact substitutes newID for oldID: it stores an immutable
// artifact_replacement.v1 envelope, rewrites every step's produced
// artifact list that referenced oldID, and, when exactly one step
// produced oldID, resets that producer and its dependents so the
// substitution propagates on the next run. The old artifact remains on
// disk and in the index.
func ReplaceArtifact(ctx context.Context, state *runner.RunState, g *graph.Graph, store *artifact.Store, oldID, newID, reason string, now time.Time) (artifact.Ref, []string, error) {
	if oldID == "" || newID == "" {
		return artifact.Ref{}, nil, fmt.Errorf("replace artifact: old and new IDs are required")
	}
	if oldID == newID {
		return artifact.Ref{}, nil, fmt.Errorf("replace artifact: old and new IDs are identical")
	}

	ref, _, err := store.PutEnvelope(ctx, envelope.SchemaArtifactReplacement, map[string]any{
		"old_artifact_id": oldID,
		"new_artifact_id": newID,
		"reason":          reason,
		"replaced_at":     now.UTC().Format(time.RFC3339),
	}, artifact.Producer{ID: "kernel", Kind: artifact.ProducerSystem},
		artifact.WithInputs(oldID, newID))
	if err != nil {
		return artifact.Ref{}, nil, fmt.Errorf("replace artifact: %w", err)
	}

	var producers []string
	for id, rec := range state.Steps {
		rewrote := false
		for i, artID := range rec.Artifacts {
			if artID == oldID {
				rec.Artifacts[i] = newID
				rewrote = true
			}
		}
		if rewrote {
			producers = append(producers, id)
		}
	}
	sort.Strings(producers)

	if len(producers) != 1 {
		return ref, nil, nil
	}
	reset, err := RerunFrom(state, g, producers[0])
	if err != nil {
		return ref, nil, err
	}
	return ref, reset, nil
}
