package store

import (
	"context"
	"errors"
	"time"

	"chatrelay-backend/internal/models"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a specific record is not found.
var ErrNotFound = errors.New("record not found")

// CreateConversationParams contains parameters for creating a conversation.
type CreateConversationParams struct {
	ID           uuid.UUID
	Participants []uuid.UUID
}

// CreateMessageParams contains parameters for persisting a message.
// Content and IV are already encrypted and hex encoded.
type CreateMessageParams struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	SenderID       uuid.UUID
	Content        string
	IV             string
	CreatedAt      time.Time // Zero means "now" at persistence time
}

// Store defines the interface for database operations.
// This allows for mocking in tests and switching between backends.
type Store interface {
	// User operations
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error

	// Conversation operations
	CreateConversation(ctx context.Context, arg CreateConversationParams) (*models.Conversation, error)
	GetConversationByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	// FindConversationByParticipants returns the two-party conversation between a and b.
	FindConversationByParticipants(ctx context.Context, a, b uuid.UUID) (*models.Conversation, error)
	// ListConversationsByUser returns the user's conversations, most recently updated first.
	ListConversationsByUser(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error)

	// Message operations
	CreateMessage(ctx context.Context, arg CreateMessageParams) (*models.Message, error)
	GetMessageByID(ctx context.Context, id uuid.UUID) (*models.Message, error)
	// ListMessagesByConversation returns up to limit messages, newest first,
	// created strictly before *before when it is set.
	ListMessagesByConversation(ctx context.Context, conversationID uuid.UUID, limit int, before *time.Time) ([]models.Message, error)
	// MarkMessagesSeen appends a seen entry for userID to every message in the
	// conversation that userID did not send and has not seen yet. It returns the
	// number of messages that changed.
	MarkMessagesSeen(ctx context.Context, conversationID, userID uuid.UUID, seenAt time.Time) (int64, error)
	// CountUnreadByConversation counts, per conversation the user participates in,
	// messages from others the user has not seen. Conversations with no unread
	// messages are omitted.
	CountUnreadByConversation(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]int64, error)

	Close(ctx context.Context) error
}
