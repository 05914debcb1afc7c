// Package policy implements the deterministic safety validator of
// §4.3: per-step action classification, a default verdict table, hard-floor
// actions immune to user overrides, composite-risk detection across a
// plan's steps, and JSON-Schema parameter validation against a Gear
// manifest (§5.1).
//
// This package must not import config: config.Config embeds
// policy.UserOverride, so the reverse import would cycle.
package policy

// ActionType classifies an ExecutionStep for policy evaluation.
type ActionType string

const (
	ActionReadFiles          ActionType = "read_files"
	ActionWriteFiles         ActionType = "write_files"
	ActionDeleteFiles        ActionType = "delete_files"
	ActionNetworkGet         ActionType = "network_get"
	ActionNetworkMutate      ActionType = "network_mutate"
	ActionShellExecute       ActionType = "shell_execute"
	ActionCredentialUsage    ActionType = "credential_usage"
	ActionFinancialTransact  ActionType = "financial_transaction"
	ActionSendMessage        ActionType = "send_message"
	ActionSystemConfig       ActionType = "system_config"
	ActionUnknown            ActionType = "unknown"
)

// Verdict is the policy engine's decision on a step or a whole plan.
// Ordering (for strictness comparisons) is approved < needs_user_approval <
// rejected; needs_revision sits outside this ordering (see dominant).
type Verdict string

const (
	VerdictApproved           Verdict = "approved"
	VerdictNeedsRevision      Verdict = "needs_revision"
	VerdictNeedsUserApproval  Verdict = "needs_user_approval"
	VerdictRejected           Verdict = "rejected"
)

// strictness assigns an ordering to verdicts for override-comparison and
// overall-verdict aggregation purposes. needs_revision is not comparable to
// the others in the override sense (overrides apply to ActionType
// default verdicts, which are never needs_revision), so it is placed above
// rejected to make it dominate only when explicitly produced by the
// revision path, never by per-step aggregation.
var strictness = map[Verdict]int{
	VerdictApproved:          0,
	VerdictNeedsUserApproval: 1,
	VerdictRejected:          2,
	VerdictNeedsRevision:     3,
}

// Stricter reports whether a is at least as strict as b.
func Stricter(a, b Verdict) bool {
	return strictness[a] >= strictness[b]
}

// dominant returns the more severe of two verdicts using per-step
// aggregation order (rejected dominates needs_user_approval dominates
// approved), per §4.3 "Output".
func dominant(a, b Verdict) Verdict {
	rank := map[Verdict]int{VerdictApproved: 0, VerdictNeedsUserApproval: 1, VerdictRejected: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// RiskLevel is the coarse risk classification carried on steps and
// ValidationResult.OverallRisk.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// HardFloors is the set of action types whose verdict no user override can
// weaken below needs_user_approval, per §4.3.
var HardFloors = map[ActionType]bool{
	ActionDeleteFiles:       true,
	ActionShellExecute:      true,
	ActionFinancialTransact: true,
	ActionSystemConfig:      true,
}

// UserOverride is a per-user, per-action-type verdict override. Overrides
// may only increase strictness relative to the action's default verdict;
// Engine.Evaluate enforces this and ignores/clamps any override attempting
// to weaken a verdict.
type UserOverride struct {
	ActionType ActionType `yaml:"actionType"`
	Verdict    Verdict    `yaml:"verdict"`
}

// Step is the stripped per-step record that reaches the policy engine —
// exactly the five per-step fields named in §3/§4.3. Free-form reasoning,
// descriptions, and metadata never appear here; they are discarded by
// StripPlan before a plan reaches Evaluate.
type Step struct {
	ID         string
	Gear       string
	Action     string
	Parameters map[string]any
	RiskLevel  RiskLevel
}

// Plan is the stripped plan handed to the policy engine.
type Plan struct {
	ID     string
	JobID  string
	Steps  []Step
}

// StepResult is the per-step outcome of evaluation.
type StepResult struct {
	StepID           string
	ActionType       ActionType
	Verdict          Verdict
	Reason           string
	SchemaViolations []string
}

// ValidationResult is the policy engine's overall output for a plan.
type ValidationResult struct {
	PlanID             string
	Verdict            Verdict
	StepResults        []StepResult
	OverallRisk        RiskLevel
	Reasoning          string
	SuggestedRevisions string
	Metadata           map[string]any
}
