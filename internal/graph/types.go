// Package graph defines the declarative DAG specification consumed by
// the runner: steps, dependencies, executors, retry/timeout policy, and
// gate specs, plus structural validation and deterministic topological
// ordering.
package graph

// ExecutorKind is a closed tagged variant. Adding a new executor kind
// is a new constant plus a new implementation in the runner, not a type
// check scattered through the scheduler.
type ExecutorKind string

const (
	// ExecutorLocalCommand runs a local process and captures
	// stdout/stderr/exit code.
	ExecutorLocalCommand ExecutorKind = "local_command"
)

// ExecutorSpec describes how a step executes.
type ExecutorSpec struct {
	Kind    ExecutorKind      `yaml:"kind" json:"kind"`
	Command []string          `yaml:"command" json:"command"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Dir     string            `yaml:"dir,omitempty" json:"dir,omitempty"`
}

// GateSpec is a named verification unit run after a step succeeds.
// Required gates fail the step on failure; optional gates are recorded
// but do not affect step status.
type GateSpec struct {
	ID       string   `yaml:"id" json:"id"`
	Name     string   `yaml:"name,omitempty" json:"name,omitempty"`
	Command  []string `yaml:"command" json:"command"`
	Required bool     `yaml:"required" json:"required"`
	Timeout  Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// StepSpec declares one unit of work in the DAG.
type StepSpec struct {
	ID         string       `yaml:"id" json:"id"`
	Name       string       `yaml:"name,omitempty" json:"name,omitempty"`
	DependsOn  []string     `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Executor   ExecutorSpec `yaml:"executor" json:"executor"`
	MaxRetries int          `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	Backoff    Duration     `yaml:"backoff,omitempty" json:"backoff,omitempty"`
	Timeout    Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Gates      []GateSpec   `yaml:"gates,omitempty" json:"gates,omitempty"`
}

// Graph is a validated, non-empty set of steps forming a DAG.
type Graph struct {
	ID    string     `yaml:"id" json:"id"`
	Steps []StepSpec `yaml:"steps" json:"steps"`
}

// Step returns the spec for a step ID, or nil if absent.
func (g *Graph) Step(id string) *StepSpec {
	for i := range g.Steps {
		if g.Steps[i].ID == id {
			return &g.Steps[i]
		}
	}
	return nil
}

// StepIDs returns all step IDs in declaration order.
func (g *Graph) StepIDs() []string {
	ids := make([]string, len(g.Steps))
	for i, s := range g.Steps {
		ids[i] = s.ID
	}
	return ids
}

// Dependents returns, for each step, the set of steps that directly
// depend on it (the reverse adjacency). Used by replay to walk
// downstream.
func (g *Graph) Dependents() map[string][]string {
	reverse := make(map[string][]string, len(g.Steps))
	for _, s := range g.Steps {
		for _, dep := range s.DependsOn {
			reverse[dep] = append(reverse[dep], s.ID)
		}
	}
	return reverse
}
