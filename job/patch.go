package job

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/meridian-run/meridian/policy"
)

// Patch carries the fields a Transition call updates alongside the status
// change itself. A nil field means "leave unchanged"; ClearWorkerID
// explicitly nulls worker_id (used by the transition into
// awaiting_approval), and every transition into completed, failed, or
// cancelled nulls it as well, per §3's invariant that worker_id is
// non-null iff status ∈ {planning, validating, executing}.
type Patch struct {
	Plan               *policy.RawPlan
	Validation         *policy.ValidationResult
	Result             json.RawMessage
	Error              *JobError
	RevisionCount      *int
	ReplanCount        *int
	Attempts           *int
	WorkerID           *string
	ClearWorkerID      bool
}

func (p Patch) buildSet(to Status, now time.Time) (string, []any) {
	clauses := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), now.UnixMilli()}

	if Terminal[to] {
		clauses = append(clauses, "completed_at = ?")
		args = append(args, now.UnixMilli())
	}
	if p.ClearWorkerID || Terminal[to] {
		clauses = append(clauses, "worker_id = NULL")
	} else if p.WorkerID != nil {
		clauses = append(clauses, "worker_id = ?")
		args = append(args, *p.WorkerID)
	}
	if p.Plan != nil {
		clauses = append(clauses, "plan = ?")
		args = append(args, mustMarshal(p.Plan))
	}
	if p.Validation != nil {
		clauses = append(clauses, "validation = ?")
		args = append(args, mustMarshal(p.Validation))
	}
	if p.Result != nil {
		clauses = append(clauses, "result = ?")
		args = append(args, []byte(p.Result))
	}
	if p.Error != nil {
		clauses = append(clauses, "error = ?")
		args = append(args, mustMarshal(p.Error))
	}
	if p.RevisionCount != nil {
		clauses = append(clauses, "revision_count = ?")
		args = append(args, *p.RevisionCount)
	}
	if p.ReplanCount != nil {
		clauses = append(clauses, "replan_count = ?")
		args = append(args, *p.ReplanCount)
	}
	if p.Attempts != nil {
		clauses = append(clauses, "attempts = ?")
		args = append(args, *p.Attempts)
	}
	return strings.Join(clauses, ", "), args
}

// mustMarshal serializes a patch value that the caller has already
// validated (these come from in-process values, not user input, so a
// marshal failure here indicates a programming error, not a validation
// failure).
func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("job: marshal patch field: " + err.Error())
	}
	return b
}
