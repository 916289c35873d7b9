// Package memory is an in-process store.Store used by tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatrelay-backend/internal/models"
	"chatrelay-backend/internal/store"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Compile-time check to ensure MemoryStore implements store.Store
var _ store.Store = (*MemoryStore)(nil)

type MemoryStore struct {
	mu            sync.RWMutex
	users         map[uuid.UUID]models.User
	conversations map[uuid.UUID]*models.Conversation
	messages      map[uuid.UUID]*models.Message
	byConv        map[uuid.UUID][]uuid.UUID // conversation -> message ids in insertion order

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[uuid.UUID]models.User),
		conversations: make(map[uuid.UUID]*models.Conversation),
		messages:      make(map[uuid.UUID]*models.Message),
		byConv:        make(map[uuid.UUID][]uuid.UUID),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (s *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[user.ID]; exists {
		return fmt.Errorf("user %s already exists", user.ID)
	}
	u := *user
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	s.users[u.ID] = u
	return nil
}

func (s *MemoryStore) CreateConversation(ctx context.Context, arg store.CreateConversationParams) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[arg.ID]; exists {
		return nil, fmt.Errorf("conversation %s already exists", arg.ID)
	}
	now := s.now()
	c := &models.Conversation{
		ID:           arg.ID,
		Participants: append([]uuid.UUID(nil), arg.Participants...),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.conversations[c.ID] = c
	return copyConversation(c), nil
}

func (s *MemoryStore) GetConversationByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyConversation(c), nil
}

func (s *MemoryStore) FindConversationByParticipants(ctx context.Context, a, b uuid.UUID) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conversations {
		if len(c.Participants) == 2 && c.HasParticipant(a) && c.HasParticipant(b) {
			return copyConversation(c), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *MemoryStore) ListConversationsByUser(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Conversation, 0)
	for _, c := range s.conversations {
		if c.HasParticipant(userID) {
			out = append(out, *copyConversation(c))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateMessage(ctx context.Context, arg store.CreateMessageParams) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[arg.ConversationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if _, exists := s.messages[arg.ID]; exists {
		return nil, fmt.Errorf("message %s already exists", arg.ID)
	}
	createdAt := arg.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	m := &models.Message{
		ID:             arg.ID,
		ConversationID: arg.ConversationID,
		SenderID:       arg.SenderID,
		Content:        arg.Content,
		IV:             arg.IV,
		SeenBy:         []models.SeenEntry{},
		CreatedAt:      createdAt,
	}
	s.messages[m.ID] = m
	s.byConv[m.ConversationID] = append(s.byConv[m.ConversationID], m.ID)
	if createdAt.After(c.UpdatedAt) {
		c.UpdatedAt = createdAt
	}
	return copyMessage(m), nil
}

func (s *MemoryStore) GetMessageByID(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyMessage(m), nil
}

func (s *MemoryStore) ListMessagesByConversation(ctx context.Context, conversationID uuid.UUID, limit int, before *time.Time) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, 0)
	for _, id := range s.byConv[conversationID] {
		m := s.messages[id]
		if before != nil && !m.CreatedAt.Before(*before) {
			continue
		}
		out = append(out, *copyMessage(m))
	}
	// Newest first; ties keep reverse insertion order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkMessagesSeen(ctx context.Context, conversationID, userID uuid.UUID, seenAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range s.byConv[conversationID] {
		m := s.messages[id]
		if m.SenderID == userID || m.SeenByUser(userID) {
			continue
		}
		m.SeenBy = append(m.SeenBy, models.SeenEntry{UserID: userID, SeenAt: seenAt})
		n++
	}
	return n, nil
}

func (s *MemoryStore) CountUnreadByConversation(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uuid.UUID]int64)
	for convID, c := range s.conversations {
		if !c.HasParticipant(userID) {
			continue
		}
		unread := lo.CountBy(s.byConv[convID], func(id uuid.UUID) bool {
			m := s.messages[id]
			return m.SenderID != userID && !m.SeenByUser(userID)
		})
		if unread > 0 {
			out[convID] = int64(unread)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close(ctx context.Context) error { return nil }

func copyConversation(c *models.Conversation) *models.Conversation {
	out := *c
	out.Participants = append([]uuid.UUID(nil), c.Participants...)
	return &out
}

func copyMessage(m *models.Message) *models.Message {
	out := *m
	out.SeenBy = append([]models.SeenEntry{}, m.SeenBy...)
	return &out
}
