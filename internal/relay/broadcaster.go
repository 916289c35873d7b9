package relay

import (
	"context"

	"github.com/google/uuid"
)

// Broadcaster fans a frame out to every session joined to a conversation,
// wherever that session is connected.
type Broadcaster interface {
	Broadcast(ctx context.Context, conversationID uuid.UUID, frame []byte) error
}

// LocalBroadcaster delivers to this process only.
type LocalBroadcaster struct {
	hub *Hub
}

func NewLocalBroadcaster(hub *Hub) *LocalBroadcaster {
	return &LocalBroadcaster{hub: hub}
}

func (b *LocalBroadcaster) Broadcast(ctx context.Context, conversationID uuid.UUID, frame []byte) error {
	b.hub.Deliver(conversationID, frame)
	return nil
}
