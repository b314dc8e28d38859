package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher pushes state changes onto a Redis pub/sub channel so
// out-of-process consumers (webhook dispatchers, dashboards) can follow job
// progress without polling the store.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher on the given channel.
func NewRedisPublisher(rdb *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel}
}

// Publish sends the event as JSON. Delivery is best-effort; failures are
// logged and never fail the transition that produced the event.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal state event", "error", err)
		return
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		slog.Error("publish state event", "job_id", ev.JobID, "error", err)
	}
}
