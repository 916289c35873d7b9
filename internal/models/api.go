package models

import (
	"time"

	"github.com/google/uuid"
)

// --- Request Structs ---

// CreateConversationRequest asks for the two-party conversation with another user.
type CreateConversationRequest struct {
	ParticipantID uuid.UUID `json:"participant_id" validate:"required"`
}

// SendMessageRequest is the REST body for posting a message.
type SendMessageRequest struct {
	ConversationID uuid.UUID `json:"conversation_id" validate:"required"`
	Content        string    `json:"content" validate:"required"`
}

// --- Response Structs ---

// ErrorResponse defines the standard structure for API errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SeenEntryResponse is one element of a message's seen list.
type SeenEntryResponse struct {
	User   uuid.UUID `json:"user"`
	SeenAt time.Time `json:"seenAt"`
}

// MessageResponse is a decrypted message as delivered to clients, both over
// REST and in messageReceived broadcasts.
type MessageResponse struct {
	ID           uuid.UUID           `json:"id"`
	Content      string              `json:"content"`
	Sender       uuid.UUID           `json:"sender"`
	Conversation uuid.UUID           `json:"conversation"`
	CreatedAt    time.Time           `json:"createdAt"`
	SeenBy       []SeenEntryResponse `json:"seenBy"`
}

// ConversationResponse describes a conversation.
type ConversationResponse struct {
	ID           uuid.UUID   `json:"id"`
	Participants []uuid.UUID `json:"participants"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// CreateConversationResponse reports whether the conversation was newly created.
type CreateConversationResponse struct {
	Conversation ConversationResponse `json:"conversation"`
	Created      bool                 `json:"created"`
}

// ListConversationsResponse wraps a conversation list.
type ListConversationsResponse struct {
	Conversations []ConversationResponse `json:"conversations"`
}

// ListMessagesResponse is a page of history, newest first.
type ListMessagesResponse struct {
	Messages []MessageResponse `json:"messages"`
}

// MarkSeenResponse reports how many messages received a new seen entry.
type MarkSeenResponse struct {
	ConversationID uuid.UUID `json:"conversationId"`
	Marked         int64     `json:"marked"`
	SeenAt         time.Time `json:"seenAt"`
}

// UnreadCountResponse holds the unread totals for the caller.
type UnreadCountResponse struct {
	Total          int64               `json:"total"`
	ByConversation map[uuid.UUID]int64 `json:"by_conversation"`
}

// NewConversationResponse maps a stored conversation to its API form.
func NewConversationResponse(c *Conversation) ConversationResponse {
	return ConversationResponse{
		ID:           c.ID,
		Participants: c.Participants,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

// NewMessageResponse combines a stored message with its decrypted content.
func NewMessageResponse(m *Message, plaintext string) MessageResponse {
	seen := make([]SeenEntryResponse, 0, len(m.SeenBy))
	for _, s := range m.SeenBy {
		seen = append(seen, SeenEntryResponse{User: s.UserID, SeenAt: s.SeenAt})
	}
	return MessageResponse{
		ID:           m.ID,
		Content:      plaintext,
		Sender:       m.SenderID,
		Conversation: m.ConversationID,
		CreatedAt:    m.CreatedAt,
		SeenBy:       seen,
	}
}
