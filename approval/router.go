package approval

import (
	"fmt"
	"strings"
	"time"

	"github.com/meridian-run/meridian/policy"
)

// Summary assembles the plain-language summary §4.4 requires an
// ApprovalRequest to carry, from the per-step verdicts that triggered
// needs_user_approval.
func Summary(result policy.ValidationResult) string {
	var flagged []string
	for _, sr := range result.StepResults {
		if sr.Verdict == policy.VerdictApproved {
			continue
		}
		flagged = append(flagged, fmt.Sprintf("%s (%s): %s", sr.StepID, sr.ActionType, sr.Reason))
	}
	if len(flagged) == 0 {
		return "This plan requires approval."
	}
	return "This plan requires approval for: " + strings.Join(flagged, "; ")
}

// BuildRequest assembles the structured ApprovalRequest for a plan whose
// validation produced needs_user_approval.
func BuildRequest(plan policy.Plan, result policy.ValidationResult, issuedAt, expiresAt time.Time) Request {
	return Request{
		JobID:       plan.JobID,
		PlanID:      plan.ID,
		Summary:     Summary(result),
		OverallRisk: result.OverallRisk.String(),
		Steps:       result.StepResults,
		IssuedAt:    issuedAt,
		ExpiresAt:   expiresAt,
	}
}
