// Package runner executes a validated graph against a run: it owns the
// step and run state machines, schedules eligible steps in
// deterministic order, enforces the safety policy around each
// execution, runs verification gates, and consults the routing engine
// after every outcome. Every state transition is persisted atomically
// before the next scheduling decision, so a crash at any point resumes
// to a consistent state.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/loomrun/loom/internal/artifact"
	"github.com/loomrun/loom/internal/graph"
	"github.com/loomrun/loom/internal/policy"
	"github.com/loomrun/loom/internal/route"
	"github.com/loomrun/loom/internal/runstore"
)

// kernelProducer identifies envelopes the runner itself emits.
var kernelProducer = artifact.Producer{ID: "kernel", Kind: artifact.ProducerSystem}

// Runner drives one run of one graph. All mutations happen in the
// single Run loop; a run has exactly one active runner.
type Runner struct {
	run    runstore.Run
	graph  *graph.Graph
	store  *artifact.Store
	policy policy.Policy
	rules  []route.Rule
	exec   Executor
	log    *slog.Logger
	now    func() time.Time
	sleep  func(time.Duration)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithPolicy sets the safety policy. Defaults to policy.Default().
func WithPolicy(p policy.Policy) RunnerOption {
	return func(r *Runner) { r.policy = p }
}

// WithRules sets the routing rules consulted after each outcome.
func WithRules(rules []route.Rule) RunnerOption {
	return func(r *Runner) { r.rules = append([]route.Rule(nil), rules...) }
}

// WithExecutor replaces the local command executor, mainly for tests.
func WithExecutor(e Executor) RunnerOption {
	return func(r *Runner) { r.exec = e }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) RunnerOption {
	return func(r *Runner) { r.log = log }
}

// WithClock injects a time source for deterministic tests.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithSleep injects the backoff sleeper, mainly for tests.
func WithSleep(sleep func(time.Duration)) RunnerOption {
	return func(r *Runner) { r.sleep = sleep }
}

// New builds a Runner for a run and a graph. The graph is validated
// here so structural errors never reach the scheduling loop.
func New(run runstore.Run, g *graph.Graph, store *artifact.Store, opts ...RunnerOption) (*Runner, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		run:    run,
		graph:  g,
		store:  store,
		policy: policy.Default(),
		exec:   LocalCommandExecutor{},
		log:    slog.Default(),
		now:    time.Now,
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run executes the graph to a terminal status. Calling it again after
// a crash resumes from the persisted state; calling it again after
// success executes nothing and returns the same terminal state.
func (r *Runner) Run(ctx context.Context) (*RunState, error) {
	state, err := r.loadOrInit()
	if err != nil {
		return nil, err
	}
	if state.Status.Terminal() {
		return state, nil
	}
	if state.Escalated {
		// A crash between the escalation persist and the blocked
		// persist leaves the run escalated but still running. Finish
		// the interrupted transition instead of handing that back.
		return r.finish(state, runstore.StatusBlocked)
	}

	state.Status = runstore.StatusRunning
	if err := state.Persist(r.run.Root, r.now()); err != nil {
		return nil, err
	}
	if err := runstore.UpdateManifestStatus(r.run.Root, runstore.StatusRunning); err != nil {
		return nil, err
	}

	order := r.graph.TopologicalOrder()
	for {
		if err := ctx.Err(); err != nil {
			return state, err
		}

		stepID := r.nextEligible(state, order)
		if stepID == "" {
			return r.finish(state, deriveTerminal(state))
		}

		if err := r.executeStep(ctx, state, stepID); err != nil {
			return state, err
		}
		if state.Status.Terminal() || state.Escalated {
			status := state.Status
			if state.Escalated {
				status = runstore.StatusBlocked
				state.Status = status
			}
			return r.finish(state, status)
		}
	}
}

// loadOrInit loads persisted state, repairing interrupted steps, or
// initializes fresh state for a first run.
func (r *Runner) loadOrInit() (*RunState, error) {
	state, err := LoadState(r.run.Root, r.now())
	if err == nil {
		if err := state.Persist(r.run.Root, r.now()); err != nil {
			return nil, err
		}
		return state, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	state = NewState(r.run.ID, r.graph, r.now())
	if err := state.Persist(r.run.Root, r.now()); err != nil {
		return nil, err
	}
	return state, nil
}

// nextEligible returns the first pending step in deterministic order
// whose dependencies have all succeeded. A forced-next step from a
// goto decision takes priority when it is eligible.
func (r *Runner) nextEligible(state *RunState, order []string) string {
	if state.ForcedNext != "" {
		id := state.ForcedNext
		if r.eligible(state, id) {
			state.ForcedNext = ""
			return id
		}
		state.ForcedNext = ""
	}
	for _, id := range order {
		if r.eligible(state, id) {
			return id
		}
	}
	return ""
}

func (r *Runner) eligible(state *RunState, id string) bool {
	rec := state.Steps[id]
	if rec == nil || rec.Status != StepPending {
		return false
	}
	for _, dep := range r.graph.Step(id).DependsOn {
		if state.Steps[dep].Status != StepSucceeded {
			return false
		}
	}
	return true
}

// deriveTerminal maps the step records to a run status once nothing is
// eligible: all succeeded, any failed, or stuck without failures.
func deriveTerminal(state *RunState) runstore.RunStatus {
	allSucceeded := true
	anyFailed := false
	for _, rec := range state.Steps {
		switch rec.Status {
		case StepSucceeded:
		case StepFailed:
			anyFailed = true
			allSucceeded = false
		default:
			allSucceeded = false
		}
	}
	switch {
	case allSucceeded:
		return runstore.StatusSucceeded
	case anyFailed:
		return runstore.StatusFailed
	default:
		return runstore.StatusBlocked
	}
}

func (r *Runner) finish(state *RunState, status runstore.RunStatus) (*RunState, error) {
	state.Status = status
	state.CurrentStep = ""
	if err := state.Persist(r.run.Root, r.now()); err != nil {
		return state, err
	}
	if err := runstore.UpdateManifestStatus(r.run.Root, status); err != nil {
		return state, err
	}
	r.log.Info("run finished", "run_id", state.RunID, "status", status)
	return state, nil
}

// executeStep runs one attempt of one step: policy checks, command
// execution, write containment, gates, and the routing decision. The
// state is persisted before execution and after the outcome.
func (r *Runner) executeStep(ctx context.Context, state *RunState, stepID string) error {
	spec := r.graph.Step(stepID)
	rec := state.Steps[stepID]

	started := r.now()
	rec.Status = StepRunning
	rec.StartedAt = &started
	rec.FinishedAt = nil
	state.CurrentStep = stepID
	if err := state.Persist(r.run.Root, r.now()); err != nil {
		return err
	}
	attempt := rec.Attempts + 1
	r.log.Info("step starting", "run_id", state.RunID, "step_id", stepID, "attempt", attempt)

	if v := policy.CheckTool(r.policy, stepID, string(spec.Executor.Kind)); v != nil {
		if err := r.recordViolations(ctx, state, rec, []policy.Violation{*v}); err != nil {
			return err
		}
		return r.routeOutcome(ctx, state, spec, rec, route.Context{
			StepID:           stepID,
			StepStatus:       route.OutcomeFailed,
			RetriesExhausted: true,
			PolicyViolation:  true,
		})
	}

	before, err := policy.TakeSnapshot(r.run.Root)
	if err != nil {
		return err
	}

	logDir := filepath.Join(r.run.Root, runstore.LogsDir, "steps", stepID, strconv.Itoa(attempt))
	res, err := r.exec.Execute(ctx, spec.Executor, Invocation{
		RunRoot: r.run.Root,
		LogDir:  logDir,
		Timeout: spec.Timeout.Std(),
	})
	if err != nil {
		return fmt.Errorf("step %s: %w", stepID, err)
	}
	rec.Logs = append(rec.Logs, res.LogPaths...)

	after, err := policy.TakeSnapshot(r.run.Root)
	if err != nil {
		return err
	}
	changed := policy.Diff(before, after)
	if violations := policy.CheckWrites(r.policy, stepID, after, changed); len(violations) > 0 {
		if err := r.recordViolations(ctx, state, rec, violations); err != nil {
			return err
		}
		return r.routeOutcome(ctx, state, spec, rec, route.Context{
			StepID:           stepID,
			StepStatus:       route.OutcomeFailed,
			RetriesExhausted: true,
			PolicyViolation:  true,
		})
	}

	if !res.Success {
		rec.Attempts++
		r.failStep(rec, res.Reason)
		return r.routeOutcome(ctx, state, spec, rec, route.Context{
			StepID:           stepID,
			StepStatus:       route.OutcomeFailed,
			RetriesExhausted: rec.Attempts > spec.MaxRetries,
		})
	}

	for _, gate := range spec.Gates {
		outcome, gateErr := r.runGate(ctx, stepID, gate, attempt)
		if gateErr != nil {
			return gateErr
		}
		rec.GateResults = append(rec.GateResults, outcome.resultRef.ID)
		if outcome.passed || !outcome.required {
			if !outcome.passed {
				r.log.Warn("optional gate failed", "step_id", stepID, "gate_id", gate.ID, "reason", outcome.reason)
			}
			continue
		}
		rec.Attempts++
		r.failStep(rec, fmt.Sprintf("gate %s failed: %s", gate.ID, outcome.reason))
		return r.routeOutcome(ctx, state, spec, rec, route.Context{
			StepID:           stepID,
			StepStatus:       route.OutcomeFailed,
			GateID:           gate.ID,
			GateStatus:       route.GateFailed,
			RetriesExhausted: rec.Attempts > spec.MaxRetries,
		})
	}

	finished := r.now()
	rec.Status = StepSucceeded
	rec.FinishedAt = &finished
	rec.LastError = ""
	r.log.Info("step succeeded", "run_id", state.RunID, "step_id", stepID)
	return r.routeOutcome(ctx, state, spec, rec, route.Context{
		StepID:     stepID,
		StepStatus: route.OutcomeSucceeded,
	})
}

func (r *Runner) failStep(rec *StepRecord, reason string) {
	finished := r.now()
	rec.Status = StepFailed
	rec.FinishedAt = &finished
	rec.LastError = reason
}

// recordViolations stores each violation as a policy_violation.v1
// envelope and marks the step failed with the first violation's
// message. Policy denials are never retried.
func (r *Runner) recordViolations(ctx context.Context, state *RunState, rec *StepRecord, violations []policy.Violation) error {
	for _, v := range violations {
		ref, _, err := r.store.PutEnvelope(ctx, policy.SchemaID, v.Payload(), kernelProducer)
		if err != nil {
			return fmt.Errorf("store policy violation: %w", err)
		}
		rec.Violations = append(rec.Violations, ref.ID)
		r.log.Warn("policy violation", "step_id", rec.StepID, "violation_type", v.Type, "message", v.Message)
	}
	r.failStep(rec, violations[0].Message)
	return nil
}

// routeOutcome consults the routing engine and applies its decision to
// the run state, then persists.
func (r *Runner) routeOutcome(ctx context.Context, state *RunState, spec *graph.StepSpec, rec *StepRecord, rctx route.Context) error {
	decision := route.Evaluate(rctx, r.rules)

	// Policy denials are terminal for the step regardless of rules.
	if rctx.PolicyViolation && decision.Action == route.ActionRetryStep {
		decision = route.Decision{Action: route.ActionAbortRun}
	}

	switch decision.Action {
	case route.ActionContinue:
		// Scheduler proceeds; a failed step simply stays failed.
	case route.ActionRetryStep:
		rec.Status = StepPending
		rec.StartedAt = nil
		rec.FinishedAt = nil
		if spec.Backoff > 0 {
			r.sleep(spec.Backoff.Std())
		}
	case route.ActionGotoStep:
		if target := state.Steps[decision.TargetStepID]; target != nil {
			state.ResetStep(decision.TargetStepID)
			state.ForcedNext = decision.TargetStepID
			// The triggering step re-runs once the jump target and
			// its other dependencies are satisfied again.
			if rec.Status == StepFailed {
				state.ResetStep(rec.StepID)
			}
		} else {
			r.log.Warn("goto target unknown, aborting", "rule_id", decision.RuleID, "target", decision.TargetStepID)
			state.Status = runstore.StatusFailed
		}
	case route.ActionEscalate:
		state.Escalated = true
		state.EscalationReason = rec.LastError
		if state.EscalationReason == "" {
			state.EscalationReason = fmt.Sprintf("escalated by rule %s", decision.RuleID)
		}
	case route.ActionAbortRun:
		state.Status = runstore.StatusFailed
	}

	state.CurrentStep = ""
	return state.Persist(r.run.Root, r.now())
}
