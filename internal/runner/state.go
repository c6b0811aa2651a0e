package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/loomrun/loom/internal/fsatomic"
	"github.com/loomrun/loom/internal/graph"
	"github.com/loomrun/loom/internal/runstore"
)

// StepStatus is the per-step state machine:
// pending -> running -> {succeeded | failed}, with failed -> pending on
// a retry. Skipped is a valid persisted status the scheduler consumes
// but never sets itself; operator tooling may mark a step skipped, and
// the scheduler then treats it as an unsatisfied dependency.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// ReasonInterrupted is recorded on steps found running at load time.
// A crash mid-step is never silently resumed as running.
const ReasonInterrupted = "interrupted"

// StepRecord is the mutable per-step run record. It is created once at
// state initialization and mutated only by the runner.
type StepRecord struct {
	StepID      string     `json:"step_id"`
	Status      StepStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Artifacts   []string   `json:"artifacts,omitempty"`
	Logs        []string   `json:"logs,omitempty"`
	GateResults []string   `json:"gate_results,omitempty"`
	Violations  []string   `json:"violations,omitempty"`
}

// RunState is the authoritative record of one run's progress, persisted
// atomically to run_state.json after every transition. It is the single
// source of truth when resuming after a crash.
type RunState struct {
	RunID       string                 `json:"run_id"`
	GraphID     string                 `json:"graph_id"`
	Status      runstore.RunStatus     `json:"status"`
	CurrentStep string                 `json:"current_step,omitempty"`
	Steps       map[string]*StepRecord `json:"steps"`
	UpdatedAt   time.Time              `json:"updated_at"`

	// Routing escape hatches. ForcedNext pins the next eligible step
	// after a goto decision; Escalated records a handoff to a human.
	ForcedNext       string `json:"forced_next,omitempty"`
	Escalated        bool   `json:"escalated,omitempty"`
	EscalationReason string `json:"escalation_reason,omitempty"`
}

// NewState initializes a fresh run state with one pending record per
// graph step.
func NewState(runID string, g *graph.Graph, now time.Time) *RunState {
	steps := make(map[string]*StepRecord, len(g.Steps))
	for _, s := range g.Steps {
		steps[s.ID] = &StepRecord{StepID: s.ID, Status: StepPending}
	}
	return &RunState{
		RunID:     runID,
		GraphID:   g.ID,
		Status:    runstore.StatusCreated,
		Steps:     steps,
		UpdatedAt: now,
	}
}

// LoadState reads run_state.json from the run root. Any step recorded
// as running is marked failed with reason "interrupted"; the caller is
// expected to persist the repaired state before scheduling.
// Returns fs.ErrNotExist (wrapped) when no state has been persisted yet.
func LoadState(runRoot string, now time.Time) (*RunState, error) {
	path := filepath.Join(runRoot, runstore.StateFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load run state: %w", err)
	}
	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("load run state %s: %w", path, err)
	}
	for _, rec := range state.Steps {
		if rec.Status == StepRunning {
			rec.Status = StepFailed
			rec.LastError = ReasonInterrupted
			finished := now
			rec.FinishedAt = &finished
		}
	}
	state.CurrentStep = ""
	return &state, nil
}

// StateExists reports whether a run already has persisted state.
func StateExists(runRoot string) bool {
	_, err := os.Stat(filepath.Join(runRoot, runstore.StateFile))
	return !errors.Is(err, fs.ErrNotExist)
}

// Persist writes the state atomically to run_state.json.
func (s *RunState) Persist(runRoot string, now time.Time) error {
	s.UpdatedAt = now
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("persist run state: %w", err)
	}
	if err := fsatomic.WriteFile(runRoot, filepath.Join(runRoot, runstore.StateFile), data); err != nil {
		return fmt.Errorf("persist run state: %w", err)
	}
	return nil
}

// Step returns the record for a step ID, or nil if unknown.
func (s *RunState) Step(id string) *StepRecord {
	return s.Steps[id]
}

// ResetStep returns a step to pending for re-execution. Attempts,
// timestamps, the last error, and produced artifacts are cleared; log
// references are preserved for audit.
func (s *RunState) ResetStep(id string) {
	rec := s.Steps[id]
	if rec == nil {
		return
	}
	rec.Status = StepPending
	rec.Attempts = 0
	rec.StartedAt = nil
	rec.FinishedAt = nil
	rec.LastError = ""
	rec.Artifacts = nil
	rec.GateResults = nil
	rec.Violations = nil
}
