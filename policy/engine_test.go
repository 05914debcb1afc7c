package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-run/meridian/policy"
)

func step(id, gear, action string, params map[string]any, risk policy.RiskLevel) policy.Step {
	return policy.Step{ID: id, Gear: gear, Action: action, Parameters: params, RiskLevel: risk}
}

func TestEvaluateReadFilesWithinWorkspace(t *testing.T) {
	e := policy.New(policy.Options{WorkspacePath: "/ws"})
	plan := policy.Plan{ID: "p1", Steps: []policy.Step{
		step("s1", "fs", "read_files", map[string]any{"path": "/ws/a.txt"}, policy.RiskLow),
	}}
	result := e.Evaluate(plan)
	require.Len(t, result.StepResults, 1)
	assert.Equal(t, policy.VerdictApproved, result.Verdict)
}

func TestEvaluateReadFilesOutsideWorkspaceNeedsApproval(t *testing.T) {
	e := policy.New(policy.Options{WorkspacePath: "/ws"})
	plan := policy.Plan{ID: "p1", Steps: []policy.Step{
		step("s1", "fs", "read_files", map[string]any{"path": "/etc/passwd"}, policy.RiskLow),
	}}
	result := e.Evaluate(plan)
	assert.Equal(t, policy.VerdictNeedsUserApproval, result.StepResults[0].Verdict)
}

func TestEvaluateRelativePathFailsSafe(t *testing.T) {
	e := policy.New(policy.Options{WorkspacePath: "/ws"})
	plan := policy.Plan{ID: "p1", Steps: []policy.Step{
		step("s1", "fs", "read_files", map[string]any{"path": "a.txt"}, policy.RiskLow),
	}}
	result := e.Evaluate(plan)
	assert.Equal(t, policy.VerdictNeedsUserApproval, result.StepResults[0].Verdict)
}

func TestHardFloorDeleteFilesCannotBeWeakened(t *testing.T) {
	e := policy.New(policy.Options{
		Overrides: []policy.UserOverride{{ActionType: policy.ActionDeleteFiles, Verdict: policy.VerdictApproved}},
	})
	plan := policy.Plan{ID: "p1", Steps: []policy.Step{
		step("s1", "fs", "delete_files", nil, policy.RiskMedium),
	}}
	result := e.Evaluate(plan)
	assert.Equal(t, policy.VerdictNeedsUserApproval, result.StepResults[0].Verdict)
}

func TestUserOverrideCanOnlyIncreaseStrictness(t *testing.T) {
	e := policy.New(policy.Options{
		WorkspacePath: "/ws",
		Overrides:     []policy.UserOverride{{ActionType: policy.ActionReadFiles, Verdict: policy.VerdictRejected}},
	})
	plan := policy.Plan{ID: "p1", Steps: []policy.Step{
		step("s1", "fs", "read_files", map[string]any{"path": "/ws/a.txt"}, policy.RiskLow),
	}}
	result := e.Evaluate(plan)
	assert.Equal(t, policy.VerdictRejected, result.StepResults[0].Verdict)
}

func TestUserOverrideCannotWeaken(t *testing.T) {
	e := policy.New(policy.Options{
		Overrides: []policy.UserOverride{{ActionType: policy.ActionNetworkMutate, Verdict: policy.VerdictApproved}},
	})
	plan := policy.Plan{ID: "p1", Steps: []policy.Step{
		step("s1", "net", "network_mutate", nil, policy.RiskMedium),
	}}
	result := e.Evaluate(plan)
	assert.Equal(t, policy.VerdictNeedsUserApproval, result.StepResults[0].Verdict)
}

func TestFinancialTransactionOverCapIsRejected(t *testing.T) {
	cap := 100.0
	e := policy.New(policy.Options{MaxTransactionAmountUSD: &cap})
	plan := policy.Plan{ID: "p1", Steps: []policy.Step{
		step("s1", "pay", "financial_transaction", map[string]any{"amountUsd": 500.0}, policy.RiskHigh),
	}}
	result := e.Evaluate(plan)
	assert.Equal(t, policy.VerdictRejected, result.StepResults[0].Verdict)
	assert.Equal(t, policy.VerdictRejected, result.Verdict)
}

func TestFinancialTransactionUnderCapNeedsApproval(t *testing.T) {
	cap := 1000.0
	e := policy.New(policy.Options{MaxTransactionAmountUSD: &cap})
	plan := policy.Plan{ID: "p1", Steps: []policy.Step{
		step("s1", "pay", "financial_transaction", map[string]any{"amountUsd": 50.0}, policy.RiskHigh),
	}}
	result := e.Evaluate(plan)
	assert.Equal(t, policy.VerdictNeedsUserApproval, result.StepResults[0].Verdict)
}

func TestCompositeFileExfiltration(t *testing.T) {
	e := policy.New(policy.Options{
		WorkspacePath:      "/ws",
		AllowlistedDomains: []string{"example.com"},
	})
	plan := policy.Plan{ID: "p1", Steps: []policy.Step{
		step("s1", "fs", "read_files", map[string]any{"path": "/ws/a.txt"}, policy.RiskLow),
		step("s2", "net", "network_get", map[string]any{"host": "example.com"}, policy.RiskLow),
	}}
	result := e.Evaluate(plan)
	assert.Equal(t, policy.VerdictApproved, result.StepResults[0].Verdict)
	assert.Equal(t, policy.VerdictApproved, result.StepResults[1].Verdict)
	assert.Equal(t, policy.VerdictNeedsUserApproval, result.Verdict)
	assert.GreaterOrEqual(t, result.OverallRisk, policy.RiskHigh)
}

func TestMassDeletionBoundaryAtThreeNotTwo(t *testing.T) {
	e := policy.New(policy.Options{})
	two := policy.Plan{ID: "p1", Steps: []policy.Step{
		step("s1", "fs", "delete_files", nil, policy.RiskMedium),
		step("s2", "fs", "delete_files", nil, policy.RiskMedium),
	}}
	three := policy.Plan{ID: "p2", Steps: append(append([]policy.Step{}, two.Steps...),
		step("s3", "fs", "delete_files", nil, policy.RiskMedium))}

	resultTwo := e.Evaluate(two)
	resultThree := e.Evaluate(three)

	_, hasMassTwo := resultTwo.Metadata["composite_risks"]
	assert.False(t, hasMassTwo)
	risks, hasMassThree := resultThree.Metadata["composite_risks"]
	assert.True(t, hasMassThree)
	assert.Contains(t, risks, "mass_deletion")
}

func TestStripPlanDiscardsFreeFormFields(t *testing.T) {
	raw := policy.RawPlan{
		ID: "p1", JobID: "j1",
		Reasoning: "because the user asked nicely",
		Metadata:  map[string]any{"ui_hint": "show spinner"},
		Steps: []policy.RawStep{
			{ID: "s1", Gear: "fs", Action: "read_files", RiskLevel: policy.RiskLow, Description: "reads a file", Order: 1},
		},
	}
	stripped := policy.StripPlan(raw)
	assert.Equal(t, "p1", stripped.ID)
	assert.Equal(t, "j1", stripped.JobID)
	require.Len(t, stripped.Steps, 1)
	assert.Equal(t, "s1", stripped.Steps[0].ID)
}

func TestStripPlanIdempotent(t *testing.T) {
	raw := policy.RawPlan{
		ID: "p1", JobID: "j1", Reasoning: "x",
		Steps: []policy.RawStep{{ID: "s1", Gear: "fs", Action: "read_files", RiskLevel: policy.RiskLow}},
	}
	once := policy.StripPlan(raw)
	twice := policy.StripPlan(policy.ToRawPlan(once))
	assert.Equal(t, once, twice)
}
