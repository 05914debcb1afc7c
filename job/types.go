// Package job implements the persistent job scheduler and state machine of
// §4.2: durable queue, atomic claim/transition, dedup, crash recovery,
// and a cooperative worker pool. Job rows are owned exclusively by this
// package; every other component refers to a job by id only (§3
// "Ownership").
package job

import (
	"encoding/json"
	"time"

	"github.com/meridian-run/meridian/policy"
)

// Status is one of the job lifecycle states named in §4.2.
type Status string

const (
	StatusPending          Status = "pending"
	StatusPlanning         Status = "planning"
	StatusValidating       Status = "validating"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusExecuting        Status = "executing"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// Terminal statuses are final; any transition out of them is an error
// (§3 invariant).
var Terminal = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// Priority orders pending rows within claim().
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Source names who created the job.
type Source string

const (
	SourceUser     Source = "user"
	SourceSchedule Source = "schedule"
	SourceWebhook  Source = "webhook"
	SourceSubJob   Source = "sub-job"
)

// Job is the unit of work, mirroring §3's Job record field-for-field.
type Job struct {
	ID              string
	Status          Status
	Priority        Priority
	Source          Source
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
	WorkerID        *string
	Attempts        int
	MaxAttempts     int
	TimeoutMs       *int64
	Plan            *policy.RawPlan
	Validation      *policy.ValidationResult
	Result          json.RawMessage
	Error           *JobError
	RevisionCount   int
	ReplanCount     int
	DedupHash       *string
	ParentID        *string
	ConversationID  *string
	SourceMessageID *string
	Metadata        map[string]any
}

// JobError is the structured, user-visible failure record carried in
// Job.Error. Secrets and internal paths are redacted before assembly, per
// §7 "User-visible failures."
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// CreateOptions are the caller-supplied fields for createJob; everything
// else (id, status, timestamps) is generated.
type CreateOptions struct {
	Priority        Priority
	Source          Source
	MaxAttempts     int
	TimeoutMs       *int64
	Content         string // raw request content, hashed for dedup, not persisted verbatim here
	UserID          string
	DedupWindowMs   int64 // 0 disables dedup for this call
	ParentID        *string
	ConversationID  *string
	SourceMessageID *string
	Metadata        map[string]any
}
