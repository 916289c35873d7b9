package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// User is a chat participant. Users are created outside this service.
type User struct {
	ID        uuid.UUID `db:"id"`
	Email     string    `db:"email"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

// Conversation is a durable grouping of participants that scopes message visibility.
type Conversation struct {
	ID           uuid.UUID   `db:"id"`
	Participants []uuid.UUID `db:"participants"` // In join order
	CreatedAt    time.Time   `db:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c *Conversation) HasParticipant(userID uuid.UUID) bool {
	return lo.Contains(c.Participants, userID)
}

// SeenEntry records when a user first saw a message.
type SeenEntry struct {
	UserID uuid.UUID `db:"user_id"`
	SeenAt time.Time `db:"seen_at"`
}

// Message is a stored chat message. Content and IV are the hex encoded ciphertext
// and per-message IV; plaintext never reaches the store.
// Only SeenBy changes after creation.
type Message struct {
	ID             uuid.UUID   `db:"id"`
	ConversationID uuid.UUID   `db:"conversation_id"`
	SenderID       uuid.UUID   `db:"sender_id"`
	Content        string      `db:"content"`
	IV             string      `db:"iv"`
	SeenBy         []SeenEntry `db:"-"` // In seen order
	CreatedAt      time.Time   `db:"created_at"`
}

// SeenByUser reports whether userID already has a seen entry.
func (m *Message) SeenByUser(userID uuid.UUID) bool {
	return lo.ContainsBy(m.SeenBy, func(s SeenEntry) bool { return s.UserID == userID })
}
