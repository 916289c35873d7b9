package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Inbound events.
const (
	EventJoinConversation  = "joinConversation"
	EventLeaveConversation = "leaveConversation"
	EventSendMessage       = "sendMessage"
	EventMarkSeen          = "markSeen"
)

// Outbound events.
const (
	EventConnected       = "connected"
	EventJoined          = "joined"
	EventLeft            = "left"
	EventMessageReceived = "messageReceived"
	EventMessagesSeen    = "messagesSeen"
	EventAck             = "ack"
	EventError           = "error"
)

// Error codes sent in error frames.
const (
	CodeInvalidRequest       = "invalid_request"
	CodeUnknownEvent         = "unknown_event"
	CodeConversationNotFound = "conversation_not_found"
	CodeForbidden            = "forbidden"
	CodePersistenceFailed    = "persistence_failed"
	CodeInternal             = "internal_error"
)

// Envelope is the JSON frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ConversationRequest is the payload of joinConversation, leaveConversation and markSeen.
// joinConversation also accepts a bare JSON string holding the conversation id.
type ConversationRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
	RequestID      string `json:"requestId,omitempty" validate:"omitempty,max=128"`
}

// SendRequest is the payload of sendMessage. Message is accepted as an alias for Content.
type SendRequest struct {
	Content        string `json:"content"`
	Message        string `json:"message,omitempty"`
	SenderID       string `json:"senderId,omitempty"`
	ConversationID string `json:"conversationId" validate:"required"`
	RequestID      string `json:"requestId,omitempty" validate:"omitempty,max=128"`
}

func (r SendRequest) text() string {
	if r.Content != "" {
		return r.Content
	}
	return r.Message
}

type ConnectedPayload struct {
	SessionID string    `json:"sessionId"`
	UserID    uuid.UUID `json:"userId"`
}

type ConversationPayload struct {
	ConversationID uuid.UUID `json:"conversationId"`
	RequestID      string    `json:"requestId,omitempty"`
}

type AckPayload struct {
	Event          string     `json:"event"`
	RequestID      string     `json:"requestId,omitempty"`
	ConversationID uuid.UUID  `json:"conversationId"`
	MessageID      *uuid.UUID `json:"messageId,omitempty"`
	CreatedAt      *time.Time `json:"createdAt,omitempty"`
	Marked         *int64     `json:"marked,omitempty"`
}

type ErrorPayload struct {
	Event     string `json:"event,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type MessagesSeenPayload struct {
	ConversationID uuid.UUID `json:"conversationId"`
	UserID         uuid.UUID `json:"userId"`
	SeenAt         time.Time `json:"seenAt"`
	Count          int64     `json:"count"`
}

// EncodeFrame marshals an outbound frame.
func EncodeFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// decodeConversationRequest accepts {"conversationId": "..."} or "...".
func decodeConversationRequest(data json.RawMessage) (ConversationRequest, error) {
	var req ConversationRequest
	if err := json.Unmarshal(data, &req); err == nil {
		return req, nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return ConversationRequest{}, fmt.Errorf("%w: expected a conversation id", ErrValidation)
	}
	return ConversationRequest{ConversationID: id}, nil
}
