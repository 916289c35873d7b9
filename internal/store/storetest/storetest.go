// Package storetest holds behaviour checks shared by every store.Store
// implementation. Backends call Run from their own tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"chatrelay-backend/internal/models"
	"chatrelay-backend/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty-enough store for one subtest. Stores may be shared
// between subtests; every subtest uses fresh ids.
type Factory func(t *testing.T) store.Store

// Run exercises the store.Store contract against the store built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("Conversations", func(t *testing.T) { testConversations(t, newStore(t)) })
	t.Run("ListMessagesPaging", func(t *testing.T) { testListMessagesPaging(t, newStore(t)) })
	t.Run("MarkSeenIsIdempotent", func(t *testing.T) { testMarkSeenIsIdempotent(t, newStore(t)) })
}

// ms is a timestamp every backend stores without loss.
func ms(t time.Time) time.Time { return t.UTC().Truncate(time.Millisecond) }

func seedUsers(t *testing.T, s store.Store, n int) []uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
		require.NoError(t, s.CreateUser(context.Background(), &models.User{ID: ids[i], Email: ids[i].String() + "@example.com"}))
	}
	return ids
}

func seedConversation(t *testing.T, s store.Store, participants ...uuid.UUID) *models.Conversation {
	t.Helper()
	c, err := s.CreateConversation(context.Background(), store.CreateConversationParams{ID: uuid.New(), Participants: participants})
	require.NoError(t, err)
	return c
}

func addMessage(t *testing.T, s store.Store, convID, sender uuid.UUID, at time.Time) *models.Message {
	t.Helper()
	m, err := s.CreateMessage(context.Background(), store.CreateMessageParams{
		ID: uuid.New(), ConversationID: convID, SenderID: sender, Content: "c0ffee", IV: "00", CreatedAt: at,
	})
	require.NoError(t, err)
	return m
}

func testNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()
	users := seedUsers(t, s, 1)

	_, err := s.GetUserByID(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetConversationByID(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetMessageByID(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.FindConversationByParticipants(ctx, uuid.New(), uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.CreateMessage(ctx, store.CreateMessageParams{
		ID: uuid.New(), ConversationID: uuid.New(), SenderID: users[0], Content: "00", IV: "00",
	})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testConversations(t *testing.T, s store.Store) {
	req := require.New(t)
	ctx := context.Background()
	users := seedUsers(t, s, 3)
	alice, bob, carol := users[0], users[1], users[2]

	ab := seedConversation(t, s, alice, bob)
	ac := seedConversation(t, s, alice, carol)
	req.Equal([]uuid.UUID{alice, bob}, ab.Participants)

	got, err := s.GetConversationByID(ctx, ab.ID)
	req.NoError(err)
	req.Equal([]uuid.UUID{alice, bob}, got.Participants)

	found, err := s.FindConversationByParticipants(ctx, bob, alice)
	req.NoError(err)
	req.Equal(ab.ID, found.ID)
	_, err = s.FindConversationByParticipants(ctx, bob, carol)
	req.ErrorIs(err, store.ErrNotFound)

	// A newer message moves the conversation to the top.
	addMessage(t, s, ab.ID, bob, ms(time.Now().Add(time.Hour)))
	list, err := s.ListConversationsByUser(ctx, alice)
	req.NoError(err)
	req.Len(list, 2)
	req.Equal(ab.ID, list[0].ID)
	req.Equal(ac.ID, list[1].ID)

	list, err = s.ListConversationsByUser(ctx, carol)
	req.NoError(err)
	req.Len(list, 1)
	req.Equal(ac.ID, list[0].ID)
}

func testListMessagesPaging(t *testing.T, s store.Store) {
	req := require.New(t)
	ctx := context.Background()
	users := seedUsers(t, s, 2)
	c := seedConversation(t, s, users[0], users[1])

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		ids = append(ids, addMessage(t, s, c.ID, users[0], base.Add(time.Duration(i)*time.Second)).ID)
	}

	page, err := s.ListMessagesByConversation(ctx, c.ID, 2, nil)
	req.NoError(err)
	req.Len(page, 2)
	req.Equal(ids[4], page[0].ID)
	req.Equal(ids[3], page[1].ID)
	req.True(base.Add(4*time.Second).Equal(page[0].CreatedAt))
	req.Equal("c0ffee", page[0].Content)
	req.Equal("00", page[0].IV)
	req.NotNil(page[0].SeenBy)

	before := page[1].CreatedAt
	page, err = s.ListMessagesByConversation(ctx, c.ID, 10, &before)
	req.NoError(err)
	req.Len(page, 3)
	req.Equal(ids[2], page[0].ID)
	req.Equal(ids[0], page[2].ID)
}

func testMarkSeenIsIdempotent(t *testing.T, s store.Store) {
	req := require.New(t)
	ctx := context.Background()
	users := seedUsers(t, s, 2)
	alice, bob := users[0], users[1]
	c := seedConversation(t, s, alice, bob)

	base := ms(time.Now())
	fromAlice := addMessage(t, s, c.ID, alice, base)
	addMessage(t, s, c.ID, alice, base.Add(time.Millisecond))
	fromBob := addMessage(t, s, c.ID, bob, base.Add(2*time.Millisecond))

	unread, err := s.CountUnreadByConversation(ctx, bob)
	req.NoError(err)
	req.Equal(map[uuid.UUID]int64{c.ID: 2}, unread)

	seenAt := ms(time.Now())
	n, err := s.MarkMessagesSeen(ctx, c.ID, bob, seenAt)
	req.NoError(err)
	req.Equal(int64(2), n)

	n, err = s.MarkMessagesSeen(ctx, c.ID, bob, seenAt.Add(time.Second))
	req.NoError(err)
	req.Zero(n)

	m, err := s.GetMessageByID(ctx, fromAlice.ID)
	req.NoError(err)
	req.Len(m.SeenBy, 1)
	req.Equal(bob, m.SeenBy[0].UserID)
	req.True(seenAt.Equal(m.SeenBy[0].SeenAt), "seen_at %s stored as %s", seenAt, m.SeenBy[0].SeenAt)

	// Own messages never get a seen entry from the sender.
	m, err = s.GetMessageByID(ctx, fromBob.ID)
	req.NoError(err)
	req.Empty(m.SeenBy)

	unread, err = s.CountUnreadByConversation(ctx, bob)
	req.NoError(err)
	req.Empty(unread)

	unread, err = s.CountUnreadByConversation(ctx, alice)
	req.NoError(err)
	req.Equal(map[uuid.UUID]int64{c.ID: 1}, unread)

	// A second viewer appends after the first.
	n, err = s.MarkMessagesSeen(ctx, c.ID, alice, seenAt.Add(2*time.Second))
	req.NoError(err)
	req.Equal(int64(1), n)
	m, err = s.GetMessageByID(ctx, fromBob.ID)
	req.NoError(err)
	req.Len(m.SeenBy, 1)
	req.Equal(alice, m.SeenBy[0].UserID)
}
