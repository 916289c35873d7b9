package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatrelay-backend/internal/crypto"
	"chatrelay-backend/internal/models"
	"chatrelay-backend/internal/relay"
	"chatrelay-backend/internal/store"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// Errors returned by ChatService. The relay errors are shared so both
// surfaces report the same failures the same way.
var (
	ErrValidation           = relay.ErrValidation
	ErrNotParticipant       = relay.ErrNotParticipant
	ErrConversationNotFound = relay.ErrConversationNotFound
	ErrPersistence          = relay.ErrPersistence
	ErrUserNotFound         = errors.New("user not found")
)

// Messenger submits messages and seen marks through the realtime pipeline.
type Messenger interface {
	SendMessage(ctx context.Context, senderID, conversationID uuid.UUID, content string) (*models.MessageResponse, error)
	MarkSeen(ctx context.Context, userID, conversationID uuid.UUID) (*models.MarkSeenResponse, error)
}

// ChatService handles conversation and history business logic.
type ChatService struct {
	store     store.Store
	cipher    crypto.Cipher
	messenger Messenger
	log       *zap.Logger
}

// NewChatService creates a new ChatService.
func NewChatService(st store.Store, c crypto.Cipher, m Messenger, log *zap.Logger) *ChatService {
	return &ChatService{
		store:     st,
		cipher:    c,
		messenger: m,
		log:       log.Named("chat_service"),
	}
}

// CreateOrGetConversation returns the two-party conversation between userID and
// peerID, creating it when none exists.
func (s *ChatService) CreateOrGetConversation(ctx context.Context, userID, peerID uuid.UUID) (*models.CreateConversationResponse, error) {
	if peerID == uuid.Nil {
		return nil, fmt.Errorf("%w: participant_id is required", ErrValidation)
	}
	if peerID == userID {
		return nil, fmt.Errorf("%w: cannot start a conversation with yourself", ErrValidation)
	}
	if _, err := s.store.GetUserByID(ctx, peerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	existing, err := s.store.FindConversationByParticipants(ctx, userID, peerID)
	if err == nil {
		return &models.CreateConversationResponse{Conversation: models.NewConversationResponse(existing)}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up conversation: %w", err)
	}

	created, err := s.store.CreateConversation(ctx, store.CreateConversationParams{
		ID:           uuid.New(),
		Participants: []uuid.UUID{userID, peerID},
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to create conversation in store: %w", err)
	}
	s.log.Info("conversation created", zap.Stringer("conversation_id", created.ID))
	return &models.CreateConversationResponse{Conversation: models.NewConversationResponse(created), Created: true}, nil
}

// GetConversation returns a conversation the user participates in.
func (s *ChatService) GetConversation(ctx context.Context, userID, conversationID uuid.UUID) (*models.ConversationResponse, error) {
	conv, err := s.participantConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	resp := models.NewConversationResponse(conv)
	return &resp, nil
}

// ListConversations lists the user's conversations, most recently active first.
func (s *ChatService) ListConversations(ctx context.Context, userID uuid.UUID) (*models.ListConversationsResponse, error) {
	convs, err := s.store.ListConversationsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations from store: %w", err)
	}
	return &models.ListConversationsResponse{
		Conversations: lo.Map(convs, func(c models.Conversation, _ int) models.ConversationResponse {
			return models.NewConversationResponse(&c)
		}),
	}, nil
}

// GetMessages returns one page of decrypted history, newest first.
func (s *ChatService) GetMessages(ctx context.Context, userID, conversationID uuid.UUID, limit int, before *time.Time) (*models.ListMessagesResponse, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if _, err := s.participantConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	msgs, err := s.store.ListMessagesByConversation(ctx, conversationID, limit, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages from store: %w", err)
	}

	resp := make([]models.MessageResponse, 0, len(msgs))
	for i := range msgs {
		plaintext, err := s.cipher.Decrypt(crypto.Sealed{IV: msgs[i].IV, Content: msgs[i].Content})
		if err != nil {
			s.log.Error("stored message does not decrypt", zap.Stringer("message_id", msgs[i].ID), zap.Error(err))
			return nil, fmt.Errorf("failed to decrypt message %s: %w", msgs[i].ID, err)
		}
		resp = append(resp, models.NewMessageResponse(&msgs[i], plaintext))
	}
	return &models.ListMessagesResponse{Messages: resp}, nil
}

// SendMessage posts a message through the realtime pipeline, so REST senders
// reach the same room as socket senders.
func (s *ChatService) SendMessage(ctx context.Context, userID uuid.UUID, req models.SendMessageRequest) (*models.MessageResponse, error) {
	if req.ConversationID == uuid.Nil {
		return nil, fmt.Errorf("%w: conversation_id is required", ErrValidation)
	}
	return s.messenger.SendMessage(ctx, userID, req.ConversationID, req.Content)
}

// MarkSeen marks the conversation's messages as seen by the user.
func (s *ChatService) MarkSeen(ctx context.Context, userID, conversationID uuid.UUID) (*models.MarkSeenResponse, error) {
	return s.messenger.MarkSeen(ctx, userID, conversationID)
}

// UnreadCount totals unseen messages across the user's conversations.
func (s *ChatService) UnreadCount(ctx context.Context, userID uuid.UUID) (*models.UnreadCountResponse, error) {
	counts, err := s.store.CountUnreadByConversation(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return &models.UnreadCountResponse{
		Total:          lo.Sum(lo.Values(counts)),
		ByConversation: counts,
	}, nil
}

func (s *ChatService) participantConversation(ctx context.Context, userID, conversationID uuid.UUID) (*models.Conversation, error) {
	conv, err := s.store.GetConversationByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to get conversation from store: %w", err)
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return conv, nil
}
