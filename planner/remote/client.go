// Package remote adapts an out-of-process planner service into job.Planner
// over gRPC: a thin wrapper around a generated client that does nothing
// but marshal/invoke/unmarshal. Since
// this exercise ships no protoc codegen step, the wire payload is the
// planner package's own JSON plan request/response, carried inside the
// well-known google.protobuf.BytesValue message (so the call still goes
// over a real, already-compiled proto.Message type rather than a
// hand-stubbed one) — see DESIGN.md's Open Question decision for this
// adapter.
package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/meridian-run/meridian/job"
	"github.com/meridian-run/meridian/planner"
	"github.com/meridian-run/meridian/policy"
)

// RequestPlanMethod is the fully-qualified gRPC method this adapter invokes.
const RequestPlanMethod = "/meridian.planner.v1.PlannerService/RequestPlan"

// planRequest is the JSON payload carried inside the BytesValue request.
type planRequest struct {
	JobID          string         `json:"jobId"`
	Content        string         `json:"content"`
	ConversationID *string        `json:"conversationId,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	RevisionPrompt string         `json:"revisionPrompt,omitempty"`
}

// Client implements job.Planner by invoking a remote planner service over
// an existing gRPC connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// New builds a remote planner adapter over an already-dialed connection.
// The caller owns the connection's lifecycle (Dial/Close).
func New(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// RequestPlan implements job.Planner.
func (c *Client) RequestPlan(ctx context.Context, in job.PlanInput) (policy.RawPlan, error) {
	body, err := json.Marshal(planRequest{
		JobID:          in.JobID,
		Content:        in.Content,
		ConversationID: in.ConversationID,
		Context:        in.Context,
		RevisionPrompt: planner.BuildRevisionPrompt(in),
	})
	if err != nil {
		return policy.RawPlan{}, fmt.Errorf("remote planner: marshal request: %w", err)
	}

	req := wrapperspb.Bytes(body)
	resp := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, RequestPlanMethod, req, resp); err != nil {
		return policy.RawPlan{}, fmt.Errorf("remote planner: invoke: %w", err)
	}
	return planner.ParsePlan(in.JobID, resp.GetValue())
}
