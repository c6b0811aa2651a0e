// Package route evaluates declarative routing rules over step and gate
// outcomes. Evaluation is a pure function: rules are tried in declared
// order, the first full match wins, and a fixed default chain covers
// the unmatched cases. Callers apply the returned action; the engine
// never mutates run state.
package route

// Action is the control-flow decision returned to the runner.
type Action string

const (
	ActionRetryStep Action = "retry_step"
	ActionGotoStep  Action = "goto_step"
	ActionEscalate  Action = "escalate"
	ActionAbortRun  Action = "abort_run"
	ActionContinue  Action = "continue"
)

// Outcome values carried in a routing context. They mirror terminal
// step and gate states as seen by the router.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	GatePassed       = "passed"
	GateFailed       = "failed"
)

// Condition is a conjunctive match: every non-nil field must equal the
// corresponding context field for the rule to fire. A zero Condition
// matches everything.
type Condition struct {
	StepStatus       *string `yaml:"step_status,omitempty" json:"step_status,omitempty"`
	GateStatus       *string `yaml:"gate_status,omitempty" json:"gate_status,omitempty"`
	RetriesExhausted *bool   `yaml:"retries_exhausted,omitempty" json:"retries_exhausted,omitempty"`
	PolicyViolation  *bool   `yaml:"policy_violation,omitempty" json:"policy_violation,omitempty"`
	StepID           *string `yaml:"step_id,omitempty" json:"step_id,omitempty"`
	GateID           *string `yaml:"gate_id,omitempty" json:"gate_id,omitempty"`
}

// Rule pairs a condition with the action taken when it matches.
// TargetStepID is consulted only for goto_step.
type Rule struct {
	ID           string    `yaml:"id" json:"id"`
	When         Condition `yaml:"when" json:"when"`
	Action       Action    `yaml:"action" json:"action"`
	TargetStepID string    `yaml:"target_step_id,omitempty" json:"target_step_id,omitempty"`
}

// Context is the outcome under evaluation.
type Context struct {
	StepID           string
	StepStatus       string
	GateID           string
	GateStatus       string
	RetriesExhausted bool
	PolicyViolation  bool
}

// Decision is the evaluation result. RuleID is empty when a default
// applied.
type Decision struct {
	Action       Action
	RuleID       string
	TargetStepID string
}

func (c Condition) matches(ctx Context) bool {
	if c.StepStatus != nil && *c.StepStatus != ctx.StepStatus {
		return false
	}
	if c.GateStatus != nil && *c.GateStatus != ctx.GateStatus {
		return false
	}
	if c.RetriesExhausted != nil && *c.RetriesExhausted != ctx.RetriesExhausted {
		return false
	}
	if c.PolicyViolation != nil && *c.PolicyViolation != ctx.PolicyViolation {
		return false
	}
	if c.StepID != nil && *c.StepID != ctx.StepID {
		return false
	}
	if c.GateID != nil && *c.GateID != ctx.GateID {
		return false
	}
	return true
}

// Evaluate tries rules in declared order and returns the first match.
// When no rule matches, defaults apply in priority order: a policy
// violation aborts, a failed gate aborts, a failed step aborts when
// retries are exhausted and retries otherwise, and a succeeded step
// continues.
func Evaluate(ctx Context, rules []Rule) Decision {
	for _, r := range rules {
		if r.When.matches(ctx) {
			return Decision{Action: r.Action, RuleID: r.ID, TargetStepID: r.TargetStepID}
		}
	}
	switch {
	case ctx.PolicyViolation:
		return Decision{Action: ActionAbortRun}
	case ctx.GateStatus == GateFailed:
		return Decision{Action: ActionAbortRun}
	case ctx.StepStatus == OutcomeFailed && ctx.RetriesExhausted:
		return Decision{Action: ActionAbortRun}
	case ctx.StepStatus == OutcomeFailed:
		return Decision{Action: ActionRetryStep}
	default:
		return Decision{Action: ActionContinue}
	}
}
