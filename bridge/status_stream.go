package bridge

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

// StatusStreamName is the Pulse stream external subscribers read job status
// transitions from.
const StatusStreamName = "meridian/job-status"

// StatusPublisher publishes StatusEvent values to a Pulse stream backed by
// Redis: callers build a Redis connection, pass it to NewStatusPublisher, and the
// publisher exposes only the Publish/Close operations the bridge needs.
type StatusPublisher struct {
	stream *streaming.Stream
}

// NewStatusPublisher opens (creating if necessary) the job-status Pulse
// stream over the given Redis connection.
func NewStatusPublisher(redisClient *redis.Client, maxLen int) (*StatusPublisher, error) {
	var opts []streamopts.Stream
	if maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(maxLen))
	}
	stream, err := streaming.NewStream(StatusStreamName, redisClient, opts...)
	if err != nil {
		return nil, fmt.Errorf("bridge: open status stream: %w", err)
	}
	return &StatusPublisher{stream: stream}, nil
}

// Publish writes a job status transition to the stream. The returned entry
// id is the Redis-assigned stream id, useful for subscribers resuming from
// a checkpoint.
func (p *StatusPublisher) Publish(ctx context.Context, event StatusEvent) (string, error) {
	payload, err := event.Marshal()
	if err != nil {
		return "", fmt.Errorf("bridge: marshal status event: %w", err)
	}
	id, err := p.stream.Add(ctx, event.Status, payload)
	if err != nil {
		return "", fmt.Errorf("bridge: publish status event: %w", err)
	}
	return id, nil
}

// Close releases nothing and always returns nil; the Pulse stream holds no
// resources of its own here, and the caller retains ownership of the Redis
// connection.
func (p *StatusPublisher) Close(ctx context.Context) error {
	return nil
}
