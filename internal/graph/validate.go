package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// StructuralErrorCode categorizes malformed-graph failures. These are
// rejected at construction time and never reach the runner.
type StructuralErrorCode string

const (
	ErrCodeEmptyGraph        StructuralErrorCode = "EMPTY_GRAPH"
	ErrCodeDuplicateStep     StructuralErrorCode = "DUPLICATE_STEP"
	ErrCodeMissingDependency StructuralErrorCode = "MISSING_DEPENDENCY"
	ErrCodeCycle             StructuralErrorCode = "CYCLE"
	ErrCodeInvalidExecutor   StructuralErrorCode = "INVALID_EXECUTOR"
	ErrCodeDuplicateGate     StructuralErrorCode = "DUPLICATE_GATE"
)

// StructuralError describes why a graph failed validation.
type StructuralError struct {
	Code    StructuralErrorCode
	StepID  string
	Cycle   []string // populated for ErrCodeCycle: the offending path
	Message string
}

func (e *StructuralError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("%s: %s (step=%s)", e.Code, e.Message, e.StepID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsCycleError reports whether err is a dependency-cycle failure.
func IsCycleError(err error) bool {
	var se *StructuralError
	return errors.As(err, &se) && se.Code == ErrCodeCycle
}

// Validate checks graph structure, in order: non-empty, unique step
// IDs, referential integrity of depends_on, acyclicity. The first
// failure is returned.
func (g *Graph) Validate() error {
	if len(g.Steps) == 0 {
		return &StructuralError{
			Code:    ErrCodeEmptyGraph,
			Message: "graph has no steps",
		}
	}

	seen := make(map[string]bool, len(g.Steps))
	for _, s := range g.Steps {
		if s.ID == "" {
			return &StructuralError{
				Code:    ErrCodeDuplicateStep,
				Message: "step has empty ID",
			}
		}
		if seen[s.ID] {
			return &StructuralError{
				Code:    ErrCodeDuplicateStep,
				StepID:  s.ID,
				Message: "duplicate step ID",
			}
		}
		seen[s.ID] = true
	}

	for _, s := range g.Steps {
		if s.Executor.Kind != ExecutorLocalCommand {
			return &StructuralError{
				Code:    ErrCodeInvalidExecutor,
				StepID:  s.ID,
				Message: fmt.Sprintf("unsupported executor kind %q", s.Executor.Kind),
			}
		}
		gateIDs := make(map[string]bool, len(s.Gates))
		for _, gate := range s.Gates {
			if gateIDs[gate.ID] {
				return &StructuralError{
					Code:    ErrCodeDuplicateGate,
					StepID:  s.ID,
					Message: fmt.Sprintf("duplicate gate ID %q", gate.ID),
				}
			}
			gateIDs[gate.ID] = true
		}
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return &StructuralError{
					Code:    ErrCodeMissingDependency,
					StepID:  s.ID,
					Message: fmt.Sprintf("depends_on references unknown step %q", dep),
				}
			}
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return &StructuralError{
			Code:    ErrCodeCycle,
			Cycle:   cycle,
			Message: "dependency cycle: " + strings.Join(cycle, " -> "),
		}
	}
	return nil
}

// color values for cycle-detection DFS.
type color int

const (
	white color = iota // unvisited
	gray               // on the current DFS path
	black              // fully explored
)

// findCycle detects a dependency cycle via three-color DFS and returns
// the cycle path, or nil when the graph is acyclic. Steps are visited
// in sorted ID order so the reported cycle is deterministic.
func (g *Graph) findCycle() []string {
	deps := make(map[string][]string, len(g.Steps))
	for _, s := range g.Steps {
		sorted := append([]string(nil), s.DependsOn...)
		sort.Strings(sorted)
		deps[s.ID] = sorted
	}

	colors := make(map[string]color, len(g.Steps))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = gray
		path = append(path, id)
		for _, dep := range deps[id] {
			switch colors[dep] {
			case gray:
				// Found a back edge: slice the current path from the
				// first occurrence of dep and close the loop.
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string(nil), path[start:]...), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		colors[id] = black
		path = path[:len(path)-1]
		return false
	}

	ids := g.StepIDs()
	sort.Strings(ids)
	for _, id := range ids {
		if colors[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

// TopologicalOrder returns a fully deterministic linear order of step
// IDs: steps are visited in sorted-ID order, recursing into each step's
// (sorted) dependencies before appending the step itself. Unrelated
// branches therefore always linearize the same way, which is required
// for reproducible scheduling.
//
// The graph must have been validated; a cyclic graph makes the result
// meaningless.
func (g *Graph) TopologicalOrder() []string {
	deps := make(map[string][]string, len(g.Steps))
	for _, s := range g.Steps {
		sorted := append([]string(nil), s.DependsOn...)
		sort.Strings(sorted)
		deps[s.ID] = sorted
	}

	visited := make(map[string]bool, len(g.Steps))
	order := make([]string, 0, len(g.Steps))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range deps[id] {
			visit(dep)
		}
		order = append(order, id)
	}

	ids := g.StepIDs()
	sort.Strings(ids)
	for _, id := range ids {
		visit(id)
	}
	return order
}
