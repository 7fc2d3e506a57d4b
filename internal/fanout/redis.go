package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"doorbell-platform/internal/session"
)

const channelPrefix = "doorbell.room."

// RedisBridge relays state changes between service instances over Redis
// Pub/Sub, one channel per room key. Pub/Sub gives no durability, which is
// exactly the contract here: missed messages are recovered by the
// reconciliation read, never by replay.
type RedisBridge struct {
	rdb *redis.Client
	hub *Hub
	log *slog.Logger
}

func NewRedisBridge(rdb *redis.Client, hub *Hub, log *slog.Logger) *RedisBridge {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBridge{rdb: rdb, hub: hub, log: log}
}

func (b *RedisBridge) Publish(ctx context.Context, s session.Session) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return b.rdb.Publish(ctx, channelPrefix+s.RoomKey, payload).Err()
}

// Run pumps remote changes into the local hub until ctx is canceled. The
// local instance's own publishes come back around too; the hub's version
// filter discards those echoes.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var s session.Session
			if err := json.Unmarshal([]byte(msg.Payload), &s); err != nil {
				b.log.Warn("discarding malformed fanout relay", "channel", msg.Channel, "err", err)
				continue
			}
			b.hub.deliverLocal(s)
		}
	}
}
