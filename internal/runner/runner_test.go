package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/internal/artifact"
	"github.com/loomrun/loom/internal/graph"
	"github.com/loomrun/loom/internal/policy"
	"github.com/loomrun/loom/internal/route"
	"github.com/loomrun/loom/internal/runstore"
	"github.com/loomrun/loom/internal/testutil"
)

func newTestRun(t *testing.T) (runstore.Run, *artifact.Store) {
	t.Helper()
	return testutil.NewWorkspaceRun(t)
}

// scriptExecutor returns canned results in order, repeating the last
// one. It never touches the filesystem.
type scriptExecutor struct {
	calls   int
	results []Result
}

func (s *scriptExecutor) Execute(_ context.Context, _ graph.ExecutorSpec, _ Invocation) (Result, error) {
	res := s.results[min(s.calls, len(s.results)-1)]
	s.calls++
	return res, nil
}

func shellStep(id string, script string, deps ...string) graph.StepSpec {
	return graph.StepSpec{
		ID:        id,
		DependsOn: deps,
		Executor: graph.ExecutorSpec{
			Kind:    graph.ExecutorLocalCommand,
			Command: []string{"sh", "-c", script},
		},
	}
}

func TestRun_SingleStepSuccess(t *testing.T) {
	run, store := newTestRun(t)
	g := &graph.Graph{ID: "g", Steps: []graph.StepSpec{shellStep("hello", "echo hello")}}

	clock := testutil.NewTickingClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	r, err := New(run, g, store, WithClock(clock.Now))
	require.NoError(t, err)

	state, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, runstore.StatusSucceeded, state.Status)
	rec := state.Step("hello")
	assert.Equal(t, StepSucceeded, rec.Status)
	assert.Equal(t, 0, rec.Attempts)
	require.NotNil(t, rec.StartedAt)
	require.NotNil(t, rec.FinishedAt)
	assert.True(t, rec.FinishedAt.After(*rec.StartedAt))
	require.NotEmpty(t, rec.Logs)

	stdout, err := os.ReadFile(filepath.Join(run.Root, "logs", "steps", "hello", "1", "stdout.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(stdout))

	m, err := runstore.ReadManifest(run.Root)
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusSucceeded, m.Status)
}

func TestRun_IdempotentAfterSuccess(t *testing.T) {
	run, store := newTestRun(t)
	g := &graph.Graph{ID: "g", Steps: []graph.StepSpec{{
		ID:       "a",
		Executor: graph.ExecutorSpec{Kind: graph.ExecutorLocalCommand, Command: []string{"ok"}},
	}}}

	exec := &scriptExecutor{results: []Result{{Success: true}}}
	r, err := New(run, g, store, WithExecutor(exec))
	require.NoError(t, err)

	first, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusSucceeded, first.Status)
	assert.Equal(t, 1, exec.calls)

	second, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusSucceeded, second.Status)
	assert.Equal(t, 1, exec.calls, "re-running a succeeded run must execute nothing")
}

func TestRun_FailedDependencyLeavesDependentPending(t *testing.T) {
	run, store := newTestRun(t)
	g := &graph.Graph{ID: "g", Steps: []graph.StepSpec{
		shellStep("a", "exit 1"),
		shellStep("b", "echo unreachable", "a"),
	}}

	r, err := New(run, g, store)
	require.NoError(t, err)

	state, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, runstore.StatusFailed, state.Status)
	assert.Equal(t, StepFailed, state.Step("a").Status)
	assert.Equal(t, StepPending, state.Step("b").Status)
	assert.Equal(t, "exit status 1", state.Step("a").LastError)
}

func TestRun_MaxRetriesMeansNPlusOneAttempts(t *testing.T) {
	run, store := newTestRun(t)
	g := &graph.Graph{ID: "g", Steps: []graph.StepSpec{{
		ID:         "flaky",
		Executor:   graph.ExecutorSpec{Kind: graph.ExecutorLocalCommand, Command: []string{"flaky"}},
		MaxRetries: 2,
	}}}

	exec := &scriptExecutor{results: []Result{{Success: false, ExitCode: 1, Reason: "exit status 1"}}}
	r, err := New(run, g, store, WithExecutor(exec), WithSleep(func(time.Duration) {}))
	require.NoError(t, err)

	state, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, runstore.StatusFailed, state.Status)
	assert.Equal(t, 3, exec.calls)
	assert.Equal(t, 3, state.Step("flaky").Attempts)
}

func TestRun_RetrySucceedsAfterFailures(t *testing.T) {
	run, store := newTestRun(t)
	g := &graph.Graph{ID: "g", Steps: []graph.StepSpec{{
		ID:         "flaky",
		Executor:   graph.ExecutorSpec{Kind: graph.ExecutorLocalCommand, Command: []string{"flaky"}},
		MaxRetries: 3,
	}}}

	exec := &scriptExecutor{results: []Result{
		{Success: false, ExitCode: 1, Reason: "exit status 1"},
		{Success: false, ExitCode: 1, Reason: "exit status 1"},
		{Success: true},
	}}
	r, err := New(run, g, store, WithExecutor(exec), WithSleep(func(time.Duration) {}))
	require.NoError(t, err)

	state, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, runstore.StatusSucceeded, state.Status)
	assert.Equal(t, StepSucceeded, state.Step("flaky").Status)
	assert.Equal(t, 2, state.Step("flaky").Attempts)
	assert.Empty(t, state.Step("flaky").LastError)
}

func TestRun_DeterministicOrder(t *testing.T) {
	run, store := newTestRun(t)
	g := &graph.Graph{ID: "g", Steps: []graph.StepSpec{
		shellStep("c", "echo c >> order.txt", "a"),
		shellStep("a", "echo a >> order.txt"),
		shellStep("b", "echo b >> order.txt", "a"),
	}}

	r, err := New(run, g, store)
	require.NoError(t, err)

	state, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, runstore.StatusSucceeded, state.Status)

	data, err := os.ReadFile(filepath.Join(run.Root, "order.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\n", string(data))
}

func TestRun_Timeout(t *testing.T) {
	run, store := newTestRun(t)
	g := &graph.Graph{ID: "g", Steps: []graph.StepSpec{{
		ID:       "slow",
		Executor: graph.ExecutorSpec{Kind: graph.ExecutorLocalCommand, Command: []string{"sleep", "5"}},
		Timeout:  graph.Duration(50 * time.Millisecond),
	}}}

	r, err := New(run, g, store)
	require.NoError(t, err)

	state, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, runstore.StatusFailed, state.Status)
	assert.Equal(t, ReasonTimeout, state.Step("slow").LastError)
}

func TestRun_ToolNotAllowed(t *testing.T) {
	run, store := newTestRun(t)
	g := &graph.Graph{ID: "g", Steps: []graph.StepSpec{{
		ID:         "blocked",
		Executor:   graph.ExecutorSpec{Kind: graph.ExecutorLocalCommand, Command: []string{"echo", "no"}},
		MaxRetries: 2,
	}}}

	exec := &scriptExecutor{results: []Result{{Success: true}}}
	r, err := New(run, g, store,
		WithExecutor(exec),
		WithPolicy(policy.Policy{AllowedTools: []string{}}))
	require.NoError(t, err)

	state, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, runstore.StatusFailed, state.Status)
	assert.Equal(t, 0, exec.calls, "a disallowed tool must fail without executing")

	rec := state.Step("blocked")
	assert.Equal(t, StepFailed, rec.Status)
	require.Len(t, rec.Violations, 1)

	refs, err := store.List(context.Background(), policy.SchemaID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	env, err := store.GetEnvelope(context.Background(), refs[0])
	require.NoError(t, err)
	assert.Equal(t, policy.ViolationToolNotAllowed, env.Payload["violation_type"])
}

func TestRun_WriteDeniedProducesOneViolation(t *testing.T) {
	run, store := newTestRun(t)
	require.NoError(t, os.MkdirAll(filepath.Join(run.Root, "protected"), 0o755))

	g := &graph.Graph{ID: "g", Steps: []graph.StepSpec{{
		ID: "writer",
		Executor: graph.ExecutorSpec{
			Kind:    graph.ExecutorLocalCommand,
			Command: []string{"sh", "-c", "echo x > protected/out.txt"},
		},
		MaxRetries: 2,
	}}}

	r, err := New(run, g, store,
		WithPolicy(policy.Policy{
			AllowedTools:   []string{"local_command"},
			DenyWritePaths: []string{"protected"},
		}))
	require.NoError(t, err)

	state, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, runstore.StatusFailed, state.Status)
	rec := state.Step("writer")
	assert.Equal(t, StepFailed, rec.Status)
	assert.Contains(t, rec.LastError, "denied path")

	// Exactly one violation envelope; denials are never retried.
	refs, err := store.List(context.Background(), policy.SchemaID)
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}

func TestRun_RequiredGateFailureFailsStep(t *testing.T) {
	run, store := newTestRun(t)
	g := &graph.Graph{ID: "g", Steps: []graph.StepSpec{{
		ID:       "build",
		Executor: graph.ExecutorSpec{Kind: graph.ExecutorLocalCommand, Command: []string{"true"}},
		Gates: []graph.GateSpec{
			{ID: "verify", Command: []string{"false"}, Required: true},
		},
	}}}

	r, err := New(run, g, store)
	require.NoError(t, err)

	state, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, runstore.StatusFailed, state.Status)
	rec := state.Step("build")
	assert.Equal(t, StepFailed, rec.Status)
	assert.Contains(t, rec.LastError, "gate verify failed")
	require.Len(t, rec.GateResults, 1)

	refs, err := store.List(context.Background(), GateResultSchemaID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	env, err := store.GetEnvelope(context.Background(), refs[0])
	require.NoError(t, err)
	assert.Equal(t, GateStatusFailed, env.Payload["status"])
}

func TestRun_OptionalGateFailureIsRecordedOnly(t *testing.T) {
	run, store := newTestRun(t)
	g := &graph.Graph{ID: "g", Steps: []graph.StepSpec{{
		ID:       "build",
		Executor: graph.ExecutorSpec{Kind: graph.ExecutorLocalCommand, Command: []string{"true"}},
		Gates: []graph.GateSpec{
			{ID: "advisory", Command: []string{"false"}, Required: false},
		},
	}}}

	r, err := New(run, g, store)
	require.NoError(t, err)

	state, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, runstore.StatusSucceeded, state.Status)
	rec := state.Step("build")
	assert.Equal(t, StepSucceeded, rec.Status)
	assert.Len(t, rec.GateResults, 1)
}

func TestRun_EscalateRule(t *testing.T) {
	run, store := newTestRun(t)
	g := &graph.Graph{ID: "g", Steps: []graph.StepSpec{shellStep("a", "exit 1")}}

	exhausted := true
	rules := []route.Rule{{
		ID:     "hand-off",
		When:   route.Condition{RetriesExhausted: &exhausted},
		Action: route.ActionEscalate,
	}}

	r, err := New(run, g, store, WithRules(rules))
	require.NoError(t, err)

	state, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, runstore.StatusBlocked, state.Status)
	assert.True(t, state.Escalated)
	assert.NotEmpty(t, state.EscalationReason)

	m, err := runstore.ReadManifest(run.Root)
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusBlocked, m.Status)
}

func TestRun_GotoRuleResetsTarget(t *testing.T) {
	run, store := newTestRun(t)
	g := &graph.Graph{ID: "g", Steps: []graph.StepSpec{
		shellStep("plan", "echo plan >> trace.txt"),
		{
			ID:        "impl",
			DependsOn: []string{"plan"},
			Executor: graph.ExecutorSpec{
				Kind: graph.ExecutorLocalCommand,
				// Fails only the first time.
				Command: []string{"sh", "-c", "test -f done || { touch done; exit 1; }"},
			},
		},
	}}

	failed := route.OutcomeFailed
	stepID := "impl"
	rules := []route.Rule{{
		ID:           "replan",
		When:         route.Condition{StepID: &stepID, StepStatus: &failed},
		Action:       route.ActionGotoStep,
		TargetStepID: "plan",
	}}

	r, err := New(run, g, store, WithRules(rules))
	require.NoError(t, err)

	state, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, runstore.StatusSucceeded, state.Status)

	trace, err := os.ReadFile(filepath.Join(run.Root, "trace.txt"))
	require.NoError(t, err)
	assert.Equal(t, "plan\nplan\n", string(trace))
}

func TestRun_BlockedWhenStuckWithoutFailure(t *testing.T) {
	run, store := newTestRun(t)
	g := &graph.Graph{ID: "g", Steps: []graph.StepSpec{
		shellStep("a", "true"),
		shellStep("b", "true", "a"),
	}}

	// Persist a state where a was skipped: b can never become eligible
	// and nothing has failed.
	state := NewState(run.ID, g, time.Now())
	state.Steps["a"].Status = StepSkipped
	require.NoError(t, state.Persist(run.Root, time.Now()))

	r, err := New(run, g, store)
	require.NoError(t, err)

	got, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusBlocked, got.Status)
}

func TestRun_ResumeFinishesInterruptedEscalation(t *testing.T) {
	run, store := newTestRun(t)
	g := &graph.Graph{ID: "g", Steps: []graph.StepSpec{shellStep("a", "exit 1")}}

	// Persist the state as it exists between the escalation persist and
	// the blocked persist: escalated, step failed, run still running.
	state := NewState(run.ID, g, time.Now())
	state.Status = runstore.StatusRunning
	state.Steps["a"].Status = StepFailed
	state.Steps["a"].Attempts = 1
	state.Steps["a"].LastError = "exit status 1"
	state.Escalated = true
	state.EscalationReason = "exit status 1"
	require.NoError(t, state.Persist(run.Root, time.Now()))

	exec := &scriptExecutor{}
	r, err := New(run, g, store, WithExecutor(exec))
	require.NoError(t, err)

	got, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, runstore.StatusBlocked, got.Status)
	assert.True(t, got.Escalated)
	assert.Zero(t, exec.calls)

	m, err := runstore.ReadManifest(run.Root)
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusBlocked, m.Status)
}

func TestRun_ResumeMarksInterruptedStepFailed(t *testing.T) {
	run, store := newTestRun(t)
	g := &graph.Graph{ID: "g", Steps: []graph.StepSpec{shellStep("a", "true")}}

	state := NewState(run.ID, g, time.Now())
	state.Status = runstore.StatusRunning
	state.Steps["a"].Status = StepRunning
	state.CurrentStep = "a"
	require.NoError(t, state.Persist(run.Root, time.Now()))

	r, err := New(run, g, store)
	require.NoError(t, err)

	got, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, runstore.StatusFailed, got.Status)
	assert.Equal(t, StepFailed, got.Step("a").Status)
	assert.Equal(t, ReasonInterrupted, got.Step("a").LastError)
}

func TestRun_InvalidGraphRejectedBeforeScheduling(t *testing.T) {
	run, store := newTestRun(t)
	g := &graph.Graph{ID: "g", Steps: []graph.StepSpec{
		shellStep("a", "true", "b"),
		shellStep("b", "true", "a"),
	}}

	_, err := New(run, g, store)
	require.Error(t, err)
	assert.True(t, graph.IsCycleError(err))
}
