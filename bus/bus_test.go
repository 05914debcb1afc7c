package bus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-run/meridian/bus"
)

func TestSendDispatchesToRegisteredHandler(t *testing.T) {
	b := bus.New()
	b.Register("planner", func(ctx context.Context, msg bus.Message) (bus.Message, error) {
		return bus.NewMessage(msg.To, msg.From, bus.TypePlanResponse, msg.CorrelationID, "ok", time.Now()), nil
	})

	req := bus.NewMessage("validator", "planner", bus.TypePlanRequest, "corr-1", nil, time.Now())
	resp, err := b.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Payload)
	assert.Equal(t, "corr-1", resp.CorrelationID)
}

func TestSendUnknownRecipient(t *testing.T) {
	b := bus.New()
	_, err := b.Send(context.Background(), bus.NewMessage("a", "nope", bus.TypePlanRequest, "c", nil, time.Now()))
	assert.Error(t, err)
}

func TestSendCancelledContext(t *testing.T) {
	b := bus.New()
	b.Register("slow", func(ctx context.Context, msg bus.Message) (bus.Message, error) {
		<-ctx.Done()
		return bus.Message{}, ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Send(ctx, bus.NewMessage("a", "slow", bus.TypePlanRequest, "c", nil, time.Now()))
	assert.Error(t, err)
}

func TestRegisterReplacesHandler(t *testing.T) {
	b := bus.New()
	b.Register("x", func(ctx context.Context, msg bus.Message) (bus.Message, error) {
		return bus.Message{Payload: "first"}, nil
	})
	b.Register("x", func(ctx context.Context, msg bus.Message) (bus.Message, error) {
		return bus.Message{Payload: "second"}, nil
	})
	resp, err := b.Send(context.Background(), bus.NewMessage("a", "x", bus.TypePlanRequest, "c", nil, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "second", resp.Payload)
}

func TestUnregisterRemovesHandler(t *testing.T) {
	b := bus.New()
	b.Register("x", func(ctx context.Context, msg bus.Message) (bus.Message, error) { return bus.Message{}, nil })
	b.Unregister("x")
	_, err := b.Send(context.Background(), bus.NewMessage("a", "x", bus.TypePlanRequest, "c", nil, time.Now()))
	assert.Error(t, err)
}
