package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisFrame wraps a frame published to other instances.
type redisFrame struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// RedisBroadcaster delivers to local room members directly and relays the frame
// through Redis pub/sub so other instances can deliver it to theirs.
type RedisBroadcaster struct {
	client     *redis.Client
	hub        *Hub
	prefix     string
	instanceID string
	log        *zap.Logger
}

func NewRedisBroadcaster(client *redis.Client, hub *Hub, prefix string, log *zap.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{
		client:     client,
		hub:        hub,
		prefix:     prefix,
		instanceID: uuid.NewString(),
		log:        log.Named("redis_fanout"),
	}
}

func (b *RedisBroadcaster) channel(conversationID uuid.UUID) string {
	return fmt.Sprintf("%s:conversation:%s", b.prefix, conversationID)
}

// conversationFromChannel parses the id out of a channel name built by channel.
func (b *RedisBroadcaster) conversationFromChannel(ch string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(ch, b.prefix+":conversation:")
	if !ok {
		return uuid.Nil, fmt.Errorf("unexpected channel %q", ch)
	}
	return uuid.Parse(raw)
}

func (b *RedisBroadcaster) encode(frame []byte) ([]byte, error) {
	return json.Marshal(redisFrame{Origin: b.instanceID, Frame: frame})
}

func (b *RedisBroadcaster) Broadcast(ctx context.Context, conversationID uuid.UUID, frame []byte) error {
	b.hub.Deliver(conversationID, frame)

	payload, err := b.encode(frame)
	if err != nil {
		return fmt.Errorf("failed to encode fanout frame: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(conversationID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish fanout frame: %w", err)
	}
	return nil
}

// handle delivers a frame received from Redis. Frames this instance published are skipped.
func (b *RedisBroadcaster) handle(channel, payload string) {
	var rf redisFrame
	if err := json.Unmarshal([]byte(payload), &rf); err != nil {
		b.log.Warn("dropping malformed fanout frame", zap.String("channel", channel), zap.Error(err))
		return
	}
	if rf.Origin == b.instanceID {
		return
	}
	convID, err := b.conversationFromChannel(channel)
	if err != nil {
		b.log.Warn("dropping fanout frame", zap.String("channel", channel), zap.Error(err))
		return
	}
	b.hub.Deliver(convID, rf.Frame)
}

// Run subscribes to every conversation channel until ctx is cancelled.
func (b *RedisBroadcaster) Run(ctx context.Context) error {
	sub := b.client.PSubscribe(ctx, b.prefix+":conversation:*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	b.log.Info("subscribed to conversation fanout", zap.String("instance_id", b.instanceID))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(msg.Channel, msg.Payload)
		}
	}
}
