package policy

// RawStep is the planner's full step record, including the free-form
// fields that must never reach the policy engine.
type RawStep struct {
	ID          string
	Gear        string
	Action      string
	Parameters  map[string]any
	RiskLevel   RiskLevel
	DependsOn   []string
	Order       int
	Description string
}

// RawPlan is the planner's full plan record: the validated fields plus
// reasoning/description/metadata carried only for UI display.
type RawPlan struct {
	ID        string
	JobID     string
	Steps     []RawStep
	Reasoning string
	Metadata  map[string]any
}

// StripPlan discards everything except the fields §3 names as
// reaching the policy engine: {id, gear, action, parameters, riskLevel} per
// step, plus plan id/jobId. It is pure and idempotent: StripPlan applied to
// an already-stripped plan's RawPlan projection yields the same Plan.
func StripPlan(p RawPlan) Plan {
	steps := make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		steps[i] = Step{
			ID:         s.ID,
			Gear:       s.Gear,
			Action:     s.Action,
			Parameters: s.Parameters,
			RiskLevel:  s.RiskLevel,
		}
	}
	return Plan{ID: p.ID, JobID: p.JobID, Steps: steps}
}

// ToRawPlan lifts an already-stripped Plan back into a RawPlan with empty
// free-form fields, so StripPlan(ToRawPlan(StripPlan(p))) == StripPlan(p)
// without requiring callers to retain the original RawPlan.
func ToRawPlan(p Plan) RawPlan {
	steps := make([]RawStep, len(p.Steps))
	for i, s := range p.Steps {
		steps[i] = RawStep{ID: s.ID, Gear: s.Gear, Action: s.Action, Parameters: s.Parameters, RiskLevel: s.RiskLevel}
	}
	return RawPlan{ID: p.ID, JobID: p.JobID, Steps: steps}
}
