package job

import (
	"context"
	"encoding/json"
	"time"

	"github.com/meridian-run/meridian/policy"
)

// The worker pool depends on its collaborators only through the small
// interfaces below, not on their concrete packages (planner, approval,
// sandbox, audit). This keeps job free of import-cycle risk regardless of
// what those packages themselves depend on, and lets the runtime
// orchestrator wire concrete adapters at construction time (§9:
// "Global mutable registry" → explicit constructor-injected values).

// PlanInput is what the worker pool hands the planner for both an initial
// plan and a replan (when SuggestedRevisions is non-empty).
type PlanInput struct {
	JobID              string
	Content            string
	ConversationID     *string
	Context            map[string]any
	PriorPlan          *policy.RawPlan
	SuggestedRevisions string
}

// Planner requests a plan for a job. Concrete implementations live in
// package planner and its adapters; the planner is treated as an opaque
// black box per §1.
type Planner interface {
	RequestPlan(ctx context.Context, in PlanInput) (policy.RawPlan, error)
}

// Approver issues the ApprovalNonce a needs_user_approval verdict requires.
type Approver interface {
	IssueNonce(ctx context.Context, jobID string) (nonce string, expiresAt time.Time, err error)
}

// Executor runs one approved/executing-phase step in the sandbox host and
// returns its provenance-tagged result.
type Executor interface {
	ExecuteStep(ctx context.Context, jobID string, step policy.Step) (json.RawMessage, error)
}

// AuditEvent is the minimal record the worker pool emits for every state
// transition, nonce issue, and step execution; package audit hash-chains
// and persists these.
type AuditEvent struct {
	Actor   string
	Action  string
	Risk    string
	Target  *string
	JobID   *string
	Details map[string]any
}

// AuditRecorder persists an AuditEvent.
type AuditRecorder interface {
	Record(ctx context.Context, event AuditEvent) error
}
