package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/loomrun/loom/internal/artifact"
	"github.com/loomrun/loom/internal/graph"
	"github.com/loomrun/loom/internal/runstore"
)

// GateResultSchemaID is the envelope schema for gate outcomes.
const GateResultSchemaID = "gate_result.v1"

// Gate result statuses.
const (
	GateStatusPassed = "passed"
	GateStatusFailed = "failed"
)

// gateOutcome is the in-memory result of running one gate.
type gateOutcome struct {
	gateID    string
	passed    bool
	required  bool
	reason    string
	resultRef artifact.Ref
}

// runGate executes one verification gate, archives its stdout and
// stderr as artifacts, and stores a gate_result.v1 envelope describing
// the outcome.
func (r *Runner) runGate(ctx context.Context, stepID string, gate graph.GateSpec, attempt int) (gateOutcome, error) {
	logDir := filepath.Join(r.run.Root, runstore.LogsDir, "gates", gate.ID, strconv.Itoa(attempt))

	res, err := r.exec.Execute(ctx, graph.ExecutorSpec{
		Kind:    graph.ExecutorLocalCommand,
		Command: gate.Command,
	}, Invocation{
		RunRoot: r.run.Root,
		LogDir:  logDir,
		Timeout: gate.Timeout.Std(),
	})
	if err != nil {
		return gateOutcome{}, fmt.Errorf("gate %s: %w", gate.ID, err)
	}

	producer := artifact.Producer{ID: "gate:" + gate.ID, Kind: artifact.ProducerSystem}

	var logRefs []string
	for _, rel := range res.LogPaths {
		ref, putErr := r.store.PutFile(ctx, "gate_log.v1", filepath.Join(r.run.Root, rel), producer,
			artifact.WithName(gate.ID+"/"+filepath.Base(rel)))
		if putErr != nil {
			return gateOutcome{}, fmt.Errorf("gate %s: archive log: %w", gate.ID, putErr)
		}
		logRefs = append(logRefs, ref.ID)
	}

	out := gateOutcome{gateID: gate.ID, passed: res.Success, required: gate.Required}
	if !res.Success {
		out.reason = res.Reason
		if out.reason == "" {
			out.reason = fmt.Sprintf("exit status %d", res.ExitCode)
		}
	}

	payload := map[string]any{
		"gate_id": gate.ID,
		"step_id": stepID,
		"status":  GateStatusPassed,
		"attempt": attempt,
	}
	if !out.passed {
		payload["status"] = GateStatusFailed
		payload["reason"] = out.reason
	}
	if len(logRefs) > 0 {
		logs := make([]any, len(logRefs))
		for i, id := range logRefs {
			logs[i] = id
		}
		payload["logs"] = logs
	}

	ref, _, err := r.store.PutEnvelope(ctx, GateResultSchemaID, payload, producer,
		artifact.WithInputs(logRefs...))
	if err != nil {
		return gateOutcome{}, fmt.Errorf("gate %s: store result: %w", gate.ID, err)
	}
	out.resultRef = ref
	return out, nil
}
