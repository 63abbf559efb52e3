package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "media:events:"

// Channel is where events for ev are published: per user when the job carries
// one, otherwise per post, otherwise per job.
func Channel(ev Event) string {
	switch {
	case ev.UserID != "":
		return channelPrefix + ev.UserID
	case ev.PostID != "":
		return channelPrefix + ev.PostID
	default:
		return channelPrefix + ev.JobID
	}
}

// RedisPublisher publishes events over Redis pub/sub.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (r *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	ev = stamp(ev)
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := r.client.Publish(ctx, Channel(ev), body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", Channel(ev), err)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (r *RedisPublisher) Close() error { return nil }
