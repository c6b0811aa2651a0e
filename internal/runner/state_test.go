package runner

import (
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/internal/graph"
	"github.com/loomrun/loom/internal/runstore"
)

func twoStepGraph() *graph.Graph {
	return &graph.Graph{ID: "g", Steps: []graph.StepSpec{
		{ID: "a", Executor: graph.ExecutorSpec{Kind: graph.ExecutorLocalCommand, Command: []string{"true"}}},
		{ID: "b", DependsOn: []string{"a"}, Executor: graph.ExecutorSpec{Kind: graph.ExecutorLocalCommand, Command: []string{"true"}}},
	}}
}

func TestStatePersistLoadRoundTrip(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	state := NewState("run-1", twoStepGraph(), now)
	state.Status = runstore.StatusRunning
	state.Steps["a"].Status = StepSucceeded
	state.Steps["a"].Artifacts = []string{"art-1"}
	require.NoError(t, state.Persist(root, now))

	loaded, err := LoadState(root, now)
	require.NoError(t, err)
	assert.Equal(t, "run-1", loaded.RunID)
	assert.Equal(t, "g", loaded.GraphID)
	assert.Equal(t, StepSucceeded, loaded.Steps["a"].Status)
	assert.Equal(t, []string{"art-1"}, loaded.Steps["a"].Artifacts)
	assert.Equal(t, StepPending, loaded.Steps["b"].Status)
}

func TestLoadState_MissingFile(t *testing.T) {
	_, err := LoadState(t.TempDir(), time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestLoadState_RepairsRunningSteps(t *testing.T) {
	root := t.TempDir()
	now := time.Now()

	state := NewState("run-1", twoStepGraph(), now)
	state.Steps["a"].Status = StepRunning
	state.CurrentStep = "a"
	require.NoError(t, state.Persist(root, now))

	loaded, err := LoadState(root, now)
	require.NoError(t, err)
	assert.Equal(t, StepFailed, loaded.Steps["a"].Status)
	assert.Equal(t, ReasonInterrupted, loaded.Steps["a"].LastError)
	assert.NotNil(t, loaded.Steps["a"].FinishedAt)
	assert.Empty(t, loaded.CurrentStep)
}

func TestResetStep_PreservesLogs(t *testing.T) {
	state := NewState("run-1", twoStepGraph(), time.Now())
	rec := state.Steps["a"]
	now := time.Now()
	rec.Status = StepFailed
	rec.Attempts = 3
	rec.StartedAt = &now
	rec.FinishedAt = &now
	rec.LastError = "exit status 1"
	rec.Artifacts = []string{"art-1"}
	rec.Logs = []string{"logs/steps/a/1/stdout.txt"}
	rec.GateResults = []string{"gate-1"}
	rec.Violations = []string{"viol-1"}

	state.ResetStep("a")

	assert.Equal(t, StepPending, rec.Status)
	assert.Zero(t, rec.Attempts)
	assert.Nil(t, rec.StartedAt)
	assert.Nil(t, rec.FinishedAt)
	assert.Empty(t, rec.LastError)
	assert.Nil(t, rec.Artifacts)
	assert.Nil(t, rec.GateResults)
	assert.Nil(t, rec.Violations)
	assert.Equal(t, []string{"logs/steps/a/1/stdout.txt"}, rec.Logs)
}
