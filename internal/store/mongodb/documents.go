package mongodb

import (
	"fmt"
	"time"

	"chatrelay-backend/internal/models"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Documents keep ids as canonical uuid strings so records stay readable from the shell.

type userDoc struct {
	ID        string    `bson:"_id"`
	Email     string    `bson:"email"`
	Name      string    `bson:"name"`
	CreatedAt time.Time `bson:"createdAt"`
}

type conversationDoc struct {
	ID           string    `bson:"_id"`
	Participants []string  `bson:"participants"`
	CreatedAt    time.Time `bson:"createdAt"`
	UpdatedAt    time.Time `bson:"updatedAt"`
}

type seenDoc struct {
	User   string    `bson:"user"`
	SeenAt time.Time `bson:"seenAt"`
}

type messageDoc struct {
	ID           string    `bson:"_id"`
	Conversation string    `bson:"conversation"`
	Sender       string    `bson:"sender"`
	Content      string    `bson:"content"`
	IV           string    `bson:"iv"`
	SeenBy       []seenDoc `bson:"seenBy"`
	CreatedAt    time.Time `bson:"createdAt"`
}

func (d userDoc) toModel() (*models.User, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("bad user id %q: %w", d.ID, err)
	}
	return &models.User{ID: id, Email: d.Email, Name: d.Name, CreatedAt: d.CreatedAt}, nil
}

func (d conversationDoc) toModel() (*models.Conversation, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("bad conversation id %q: %w", d.ID, err)
	}
	participants, err := parseIDs(d.Participants)
	if err != nil {
		return nil, err
	}
	return &models.Conversation{ID: id, Participants: participants, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt}, nil
}

func (d messageDoc) toModel() (*models.Message, error) {
	ids, err := parseIDs([]string{d.ID, d.Conversation, d.Sender})
	if err != nil {
		return nil, err
	}
	seen := make([]models.SeenEntry, 0, len(d.SeenBy))
	for _, s := range d.SeenBy {
		u, err := uuid.Parse(s.User)
		if err != nil {
			return nil, fmt.Errorf("bad seen user id %q: %w", s.User, err)
		}
		seen = append(seen, models.SeenEntry{UserID: u, SeenAt: s.SeenAt})
	}
	return &models.Message{
		ID:             ids[0],
		ConversationID: ids[1],
		SenderID:       ids[2],
		Content:        d.Content,
		IV:             d.IV,
		SeenBy:         seen,
		CreatedAt:      d.CreatedAt,
	}, nil
}

func parseIDs(raw []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("bad id %q: %w", r, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func idStrings(ids []uuid.UUID) []string {
	return lo.Map(ids, func(id uuid.UUID, _ int) string { return id.String() })
}
