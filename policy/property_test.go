package policy_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/meridian-run/meridian/policy"
)

// TestStripPlanIdempotentProperty verifies the invariant
// stripPlan(stripPlan(p)) = stripPlan(p) across randomly generated plans.
func TestStripPlanIdempotentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("stripping a stripped plan changes nothing", prop.ForAll(
		func(id, jobID, reasoning, stepID, gear, action string) bool {
			raw := policy.RawPlan{
				ID: id, JobID: jobID, Reasoning: reasoning,
				Metadata: map[string]any{"note": reasoning},
				Steps: []policy.RawStep{
					{ID: stepID, Gear: gear, Action: action, RiskLevel: policy.RiskMedium, Description: reasoning},
				},
			}
			once := policy.StripPlan(raw)
			twice := policy.StripPlan(policy.ToRawPlan(once))
			if len(once.Steps) != len(twice.Steps) {
				return false
			}
			for i := range once.Steps {
				a, b := once.Steps[i], twice.Steps[i]
				if a.ID != b.ID || a.Gear != b.Gear || a.Action != b.Action || a.RiskLevel != b.RiskLevel {
					return false
				}
			}
			return once.ID == twice.ID && once.JobID == twice.JobID
		},
		gen.AlphaString(), gen.AlphaString(), gen.AlphaString(), gen.AlphaString(), gen.AlphaString(), gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestMassDeletionFiresAtExactlyThreeProperty verifies the boundary named in
// §8: composite risk fires at exactly 3 deletions, not 2, regardless of
// how many non-delete steps are interleaved.
func TestMassDeletionFiresAtExactlyThreeProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	e := policy.New(policy.Options{})

	properties.Property("fewer than 3 deletes never trips mass_deletion", prop.ForAll(
		func(n int) bool {
			if n < 0 {
				n = -n
			}
			n %= 3 // 0, 1, or 2
			steps := make([]policy.Step, n)
			for i := range steps {
				steps[i] = policy.Step{ID: "s", Gear: "fs", Action: "delete_files"}
			}
			result := e.Evaluate(policy.Plan{ID: "p", Steps: steps})
			_, has := result.Metadata["composite_risks"]
			return !has
		},
		gen.Int(),
	))

	properties.TestingRun(t)
}
