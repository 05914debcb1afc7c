package remote_test

import (
	"context"
	"encoding/json"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/stretchr/testify/require"

	"github.com/meridian-run/meridian/job"
	"github.com/meridian-run/meridian/planner/remote"
)

type stubClientConn struct {
	gotMethod string
	gotReq    *wrapperspb.BytesValue
	reply     []byte
	err       error
}

func (s *stubClientConn) Invoke(_ context.Context, method string, args, reply any, _ ...grpc.CallOption) error {
	s.gotMethod = method
	if req, ok := args.(*wrapperspb.BytesValue); ok {
		s.gotReq = req
	}
	if s.err != nil {
		return s.err
	}
	out, ok := reply.(*wrapperspb.BytesValue)
	if !ok {
		return nil
	}
	decoded := &wrapperspb.BytesValue{Value: s.reply}
	b, err := proto.Marshal(decoded)
	if err != nil {
		return err
	}
	return proto.Unmarshal(b, out)
}

func (s *stubClientConn) NewStream(context.Context, *grpc.StreamDesc, string, ...grpc.CallOption) (grpc.ClientStream, error) {
	panic("not used by planner/remote")
}

func TestRequestPlanInvokesRemoteServiceAndDecodesPlan(t *testing.T) {
	planJSON, err := json.Marshal(map[string]any{
		"reasoning": "send it",
		"steps": []any{
			map[string]any{
				"id":         "step-1",
				"gear":       "email",
				"action":     "send_email",
				"parameters": map[string]any{"to": "user@example.com"},
			},
		},
	})
	require.NoError(t, err)

	cc := &stubClientConn{reply: planJSON}
	client := remote.New(cc)

	plan, err := client.RequestPlan(context.Background(), job.PlanInput{JobID: "job-1", Content: "send the weekly report"})
	require.NoError(t, err)
	require.Equal(t, remote.RequestPlanMethod, cc.gotMethod)
	require.NotNil(t, cc.gotReq)
	require.Equal(t, "job-1", plan.JobID)
	require.Len(t, plan.Steps, 1)
	require.Equal(t, "email", plan.Steps[0].Gear)
}

func TestRequestPlanPropagatesInvokeError(t *testing.T) {
	cc := &stubClientConn{err: context.DeadlineExceeded}
	client := remote.New(cc)

	_, err := client.RequestPlan(context.Background(), job.PlanInput{JobID: "job-1", Content: "do something"})
	require.Error(t, err)
}
