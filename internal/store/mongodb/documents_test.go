package mongodb

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestMessageDoc_BSONRoundTrip(t *testing.T) {
	req := require.New(t)
	at := time.Date(2026, 3, 4, 5, 6, 7, 8_000_000, time.UTC)
	viewer := uuid.New()
	doc := messageDoc{
		ID:           uuid.NewString(),
		Conversation: uuid.NewString(),
		Sender:       uuid.NewString(),
		Content:      "deadbeef",
		IV:           "00112233445566778899aabbccddeeff",
		SeenBy:       []seenDoc{{User: viewer.String(), SeenAt: at}},
		CreatedAt:    at,
	}

	raw, err := bson.Marshal(doc)
	req.NoError(err)

	var decoded messageDoc
	req.NoError(bson.Unmarshal(raw, &decoded))

	m, err := decoded.toModel()
	req.NoError(err)
	req.Equal(doc.ID, m.ID.String())
	req.Equal(doc.Content, m.Content)
	req.Equal(doc.IV, m.IV)
	req.Len(m.SeenBy, 1)
	req.Equal(viewer, m.SeenBy[0].UserID)
	req.True(at.Equal(m.CreatedAt))
}

func TestConversationDoc_RejectsBadIDs(t *testing.T) {
	_, err := conversationDoc{ID: uuid.NewString(), Participants: []string{"nope"}}.toModel()
	require.Error(t, err)

	_, err = messageDoc{ID: "x"}.toModel()
	require.Error(t, err)

	_, err = userDoc{ID: ""}.toModel()
	require.Error(t, err)
}

func TestIDStrings(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	require.Equal(t, []string{a.String(), b.String()}, idStrings([]uuid.UUID{a, b}))

	parsed, err := parseIDs(idStrings([]uuid.UUID{a, b}))
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{a, b}, parsed)
}
