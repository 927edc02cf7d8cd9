package chat

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"docchat/internal/redis"
)

// Notifier shares cache invalidations with other instances that serve the
// same document list.
type Notifier interface {
	Publish(ctx context.Context, reason string)
	Listen(ctx context.Context, apply func(reason string)) error
}

type invalidation struct {
	Origin string `json:"origin"`
	Reason string `json:"reason"`
}

// RedisNotifier broadcasts invalidations over a redis pub/sub channel.
// Messages published by the same notifier are not applied again.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	origin  string
}

func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{
		client:  client,
		channel: channel,
		origin:  ulid.Make().String(),
	}
}

// Publish is best effort; a lost message leaves peers serving cached answers
// until their TTL expires.
func (n *RedisNotifier) Publish(ctx context.Context, reason string) {
	payload, err := json.Marshal(invalidation{Origin: n.origin, Reason: reason})
	if err != nil {
		slog.Warn("encode invalidation", "error", err)
		return
	}
	if err := n.client.Publish(ctx, n.channel, payload); err != nil {
		slog.Warn("publish invalidation", "channel", n.channel, "error", err)
	}
}

// Listen applies invalidations published by other instances until ctx is done.
func (n *RedisNotifier) Listen(ctx context.Context, apply func(reason string)) error {
	return n.client.Subscribe(ctx, n.channel, func(payload string) {
		var inv invalidation
		if err := json.Unmarshal([]byte(payload), &inv); err != nil {
			slog.Warn("decode invalidation", "error", err)
			return
		}
		if inv.Origin == n.origin {
			return
		}
		apply(inv.Reason)
	})
}
