package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"chatrelay-backend/internal/crypto"
	"chatrelay-backend/internal/events"
	"chatrelay-backend/internal/models"
	"chatrelay-backend/internal/store"
	"chatrelay-backend/internal/store/memory"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.MessageCreated
	err    error
}

func (p *recordingPublisher) PublishMessageCreated(ctx context.Context, evt events.MessageCreated) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) recorded() []events.MessageCreated {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.MessageCreated(nil), p.events...)
}

// stalledPublisher blocks every publish until release is closed or its
// context ends, then reports the context error it saw.
type stalledPublisher struct {
	release chan struct{}
	errs    chan error
}

func newStalledPublisher() *stalledPublisher {
	return &stalledPublisher{release: make(chan struct{}), errs: make(chan error, 8)}
}

func (p *stalledPublisher) PublishMessageCreated(ctx context.Context, evt events.MessageCreated) error {
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	p.errs <- ctx.Err()
	return ctx.Err()
}

func (p *stalledPublisher) Close() error { return nil }

// failingStore fails every message write.
type failingStore struct {
	store.Store
}

func (failingStore) CreateMessage(ctx context.Context, arg store.CreateMessageParams) (*models.Message, error) {
	return nil, errors.New("disk full")
}

type fixture struct {
	relay  *Relay
	store  *memory.MemoryStore
	cipher crypto.Cipher
	pub    *recordingPublisher

	alice, bob, carol uuid.UUID
	ab, ac            *models.Conversation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, nil)
}

func newFixtureWithStore(t *testing.T, wrap func(store.Store) store.Store) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := memory.NewMemoryStore()
	f := &fixture{store: mem, pub: &recordingPublisher{}, alice: uuid.New(), bob: uuid.New(), carol: uuid.New()}
	for _, u := range []uuid.UUID{f.alice, f.bob, f.carol} {
		require.NoError(t, mem.CreateUser(ctx, &models.User{ID: u, Email: u.String()}))
	}
	var err error
	f.ab, err = mem.CreateConversation(ctx, store.CreateConversationParams{ID: uuid.New(), Participants: []uuid.UUID{f.alice, f.bob}})
	require.NoError(t, err)
	f.ac, err = mem.CreateConversation(ctx, store.CreateConversationParams{ID: uuid.New(), Participants: []uuid.UUID{f.alice, f.carol}})
	require.NoError(t, err)

	key, err := crypto.DeriveKey("relay-test", "salt")
	require.NoError(t, err)
	f.cipher, err = crypto.NewCipher(crypto.AlgorithmAESCBC, key)
	require.NoError(t, err)

	var st store.Store = mem
	if wrap != nil {
		st = wrap(mem)
	}
	hub := NewHub()
	f.relay = New(hub, st, f.cipher, NewLocalBroadcaster(hub), f.pub, zap.NewNop(), Options{MaxContentLength: 20, SendBuffer: 16})
	return f
}

func frame(t *testing.T, event string, data any) []byte {
	t.Helper()
	b, err := EncodeFrame(event, data)
	require.NoError(t, err)
	return b
}

// next pops the next queued frame for s.
func next(t *testing.T, s *Session) Envelope {
	t.Helper()
	select {
	case raw := <-s.Outbound():
		var env Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		return env
	case <-time.After(time.Second):
		t.Fatalf("session %s: no frame queued", s.ID)
		return Envelope{}
	}
}

func expectEvent(t *testing.T, s *Session, event string, out any) {
	t.Helper()
	env := next(t, s)
	require.Equal(t, event, env.Event, "payload: %s", env.Data)
	if out != nil {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
}

func expectEmpty(t *testing.T, s *Session) {
	t.Helper()
	select {
	case raw := <-s.Outbound():
		t.Fatalf("session %s: unexpected frame %s", s.ID, raw)
	default:
	}
}

// connect opens a session and discards the connected frame.
func (f *fixture) connect(t *testing.T, user uuid.UUID) *Session {
	t.Helper()
	s := f.relay.Connect(user)
	var p ConnectedPayload
	expectEvent(t, s, EventConnected, &p)
	require.Equal(t, s.ID, p.SessionID)
	require.Equal(t, user, p.UserID)
	return s
}

func (f *fixture) join(t *testing.T, s *Session, conv uuid.UUID) {
	t.Helper()
	f.relay.HandleFrame(context.Background(), s, frame(t, EventJoinConversation, ConversationRequest{ConversationID: conv.String()}))
	var p ConversationPayload
	expectEvent(t, s, EventJoined, &p)
	require.Equal(t, conv, p.ConversationID)
}

func (f *fixture) send(t *testing.T, s *Session, conv uuid.UUID, content, requestID string) {
	t.Helper()
	f.relay.HandleFrame(context.Background(), s, frame(t, EventSendMessage, SendRequest{
		Content: content, ConversationID: conv.String(), RequestID: requestID,
	}))
}

func TestRelay_Join_RejectsUnknownConversation(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t, f.alice)

	f.relay.HandleFrame(context.Background(), s, frame(t, EventJoinConversation, ConversationRequest{ConversationID: uuid.NewString(), RequestID: "r1"}))

	var e ErrorPayload
	expectEvent(t, s, EventError, &e)
	require.Equal(t, CodeConversationNotFound, e.Code)
	require.Equal(t, "r1", e.RequestID)
	require.Equal(t, EventJoinConversation, e.Event)
	require.Zero(t, f.relay.Hub().RoomSize(f.ab.ID))
}

func TestRelay_Join_RejectsNonParticipant(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t, f.carol)

	f.relay.HandleFrame(context.Background(), s, frame(t, EventJoinConversation, ConversationRequest{ConversationID: f.ab.ID.String()}))

	var e ErrorPayload
	expectEvent(t, s, EventError, &e)
	require.Equal(t, CodeForbidden, e.Code)
	require.False(t, f.relay.Hub().InRoom(f.ab.ID, s))
}

func TestRelay_Join_AcceptsBareConversationID(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t, f.alice)

	f.relay.HandleFrame(context.Background(), s, frame(t, EventJoinConversation, f.ab.ID.String()))
	expectEvent(t, s, EventJoined, nil)
	require.True(t, f.relay.Hub().InRoom(f.ab.ID, s))
}

func TestRelay_Send_BroadcastsToWholeRoomIncludingSender(t *testing.T) {
	f := newFixture(t)
	aliceWeb := f.connect(t, f.alice)
	alicePhone := f.connect(t, f.alice)
	bob := f.connect(t, f.bob)
	carol := f.connect(t, f.carol)

	f.join(t, aliceWeb, f.ab.ID)
	f.join(t, alicePhone, f.ab.ID)
	f.join(t, bob, f.ab.ID)
	f.join(t, carol, f.ac.ID)

	f.send(t, aliceWeb, f.ab.ID, "hi bob", "req-1")

	var fromSender models.MessageResponse
	expectEvent(t, aliceWeb, EventMessageReceived, &fromSender)
	require.Equal(t, "hi bob", fromSender.Content)
	require.Equal(t, f.alice, fromSender.Sender)
	require.Equal(t, f.ab.ID, fromSender.Conversation)
	require.NotNil(t, fromSender.SeenBy)

	var ack AckPayload
	expectEvent(t, aliceWeb, EventAck, &ack)
	require.Equal(t, "req-1", ack.RequestID)
	require.Equal(t, EventSendMessage, ack.Event)
	require.NotNil(t, ack.MessageID)
	require.Equal(t, fromSender.ID, *ack.MessageID)

	for _, s := range []*Session{alicePhone, bob} {
		var got models.MessageResponse
		expectEvent(t, s, EventMessageReceived, &got)
		require.Equal(t, fromSender, got)
		expectEmpty(t, s) // acks go to the origin only
	}

	// Room isolation: carol only joined the other conversation.
	expectEmpty(t, carol)
}

func TestRelay_Send_PersistedContentMatchesBroadcast(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t, f.alice)
	f.join(t, s, f.ab.ID)

	f.send(t, s, f.ab.ID, "tell no one", "")
	var got models.MessageResponse
	expectEvent(t, s, EventMessageReceived, &got)
	expectEvent(t, s, EventAck, nil)

	stored, err := f.store.GetMessageByID(context.Background(), got.ID)
	require.NoError(t, err)
	require.NotContains(t, stored.Content, "tell no one")
	require.NotEmpty(t, stored.IV)

	plaintext, err := f.cipher.Decrypt(crypto.Sealed{IV: stored.IV, Content: stored.Content})
	require.NoError(t, err)
	require.Equal(t, got.Content, plaintext)
	require.True(t, stored.CreatedAt.Equal(got.CreatedAt))
}

func TestRelay_Send_SamePlaintextStoredUnderDifferentIVs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.relay.SendMessage(ctx, f.alice, f.ab.ID, "again")
	require.NoError(t, err)
	second, err := f.relay.SendMessage(ctx, f.alice, f.ab.ID, "again")
	require.NoError(t, err)

	a, err := f.store.GetMessageByID(ctx, first.ID)
	require.NoError(t, err)
	b, err := f.store.GetMessageByID(ctx, second.ID)
	require.NoError(t, err)
	require.NotEqual(t, a.IV, b.IV)
	require.NotEqual(t, a.Content, b.Content)
}

func TestRelay_Send_RejectsMalformedRequests(t *testing.T) {
	cases := map[string]SendRequest{
		"empty content":       {ConversationID: uuid.NewString()},
		"blank content":       {Content: "   \n", ConversationID: uuid.NewString()},
		"too long":            {Content: strings.Repeat("x", 21), ConversationID: uuid.NewString()},
		"missing conversation": {Content: "hi"},
		"bad conversation id": {Content: "hi", ConversationID: "42"},
		"bad sender id":       {Content: "hi", ConversationID: uuid.NewString(), SenderID: "me"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			alice := f.connect(t, f.alice)
			bob := f.connect(t, f.bob)
			f.join(t, alice, f.ab.ID)
			f.join(t, bob, f.ab.ID)
			if req.ConversationID != "" && req.ConversationID != "42" {
				req.ConversationID = f.ab.ID.String()
			}

			f.relay.HandleFrame(context.Background(), alice, frame(t, EventSendMessage, req))

			var e ErrorPayload
			expectEvent(t, alice, EventError, &e)
			require.Equal(t, CodeInvalidRequest, e.Code)
			expectEmpty(t, alice)
			expectEmpty(t, bob)

			msgs, err := f.store.ListMessagesByConversation(context.Background(), f.ab.ID, 10, nil)
			require.NoError(t, err)
			require.Empty(t, msgs)
			require.Empty(t, f.pub.recorded())
		})
	}
}

func TestRelay_ValidationErrorsNameTheField(t *testing.T) {
	cases := map[string]struct {
		event string
		data  any
		want  string
	}{
		"join without id": {EventJoinConversation, ConversationRequest{}, "invalid request: conversationId is required"},
		"join bad id":     {EventJoinConversation, ConversationRequest{ConversationID: "42"}, "invalid request: conversationId must be a UUID"},
		"long request id": {EventMarkSeen, ConversationRequest{ConversationID: uuid.NewString(), RequestID: strings.Repeat("r", 129)}, "invalid request: requestId is too long"},
		"send without id": {EventSendMessage, SendRequest{Content: "hi"}, "invalid request: conversationId is required"},
		"bad sender id":   {EventSendMessage, SendRequest{Content: "hi", ConversationID: uuid.NewString(), SenderID: "me"}, "invalid request: senderId must be a UUID"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			s := f.connect(t, f.alice)

			f.relay.HandleFrame(context.Background(), s, frame(t, tc.event, tc.data))

			var e ErrorPayload
			expectEvent(t, s, EventError, &e)
			require.Equal(t, CodeInvalidRequest, e.Code)
			require.Equal(t, tc.want, e.Message)
		})
	}
}

func TestRelay_AcceptsUppercaseIDs(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, f.alice)
	upper := strings.ToUpper(f.ab.ID.String())

	f.relay.HandleFrame(context.Background(), alice, frame(t, EventJoinConversation, ConversationRequest{ConversationID: upper}))
	var joined ConversationPayload
	expectEvent(t, alice, EventJoined, &joined)
	require.Equal(t, f.ab.ID, joined.ConversationID)

	f.relay.HandleFrame(context.Background(), alice, frame(t, EventSendMessage, SendRequest{
		Content: "hi", ConversationID: upper, SenderID: strings.ToUpper(f.alice.String()),
	}))
	var msg models.MessageResponse
	expectEvent(t, alice, EventMessageReceived, &msg)
	require.Equal(t, f.ab.ID, msg.Conversation)
	expectEvent(t, alice, EventAck, nil)
}

func TestRelay_Send_ContentLimitCountsRunes(t *testing.T) {
	f := newFixture(t)
	_, err := f.relay.SendMessage(context.Background(), f.alice, f.ab.ID, strings.Repeat("é", 20))
	require.NoError(t, err)
}

func TestRelay_Send_RejectsSpoofedSender(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, f.alice)
	f.join(t, alice, f.ab.ID)

	f.relay.HandleFrame(context.Background(), alice, frame(t, EventSendMessage, SendRequest{
		Content: "it was bob", ConversationID: f.ab.ID.String(), SenderID: f.bob.String(),
	}))

	var e ErrorPayload
	expectEvent(t, alice, EventError, &e)
	require.Equal(t, CodeForbidden, e.Code)
	expectEmpty(t, alice)
}

func TestRelay_Send_AcceptsMessageAliasAndMatchingSender(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, f.alice)
	f.join(t, alice, f.ab.ID)

	f.relay.HandleFrame(context.Background(), alice, frame(t, EventSendMessage, map[string]string{
		"message": "legacy", "conversationId": f.ab.ID.String(), "senderId": f.alice.String(),
	}))

	var got models.MessageResponse
	expectEvent(t, alice, EventMessageReceived, &got)
	require.Equal(t, "legacy", got.Content)
	expectEvent(t, alice, EventAck, nil)
}

func TestRelay_Send_NonParticipantCannotPost(t *testing.T) {
	f := newFixture(t)
	_, err := f.relay.SendMessage(context.Background(), f.carol, f.ab.ID, "let me in")
	require.ErrorIs(t, err, ErrNotParticipant)

	_, err = f.relay.SendMessage(context.Background(), f.alice, uuid.New(), "anyone?")
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestRelay_Send_PersistenceFailureGoesToOriginOnly(t *testing.T) {
	f := newFixtureWithStore(t, func(s store.Store) store.Store { return failingStore{Store: s} })
	alice := f.connect(t, f.alice)
	bob := f.connect(t, f.bob)
	f.join(t, alice, f.ab.ID)
	f.join(t, bob, f.ab.ID)

	f.send(t, alice, f.ab.ID, "lost", "req-9")

	var e ErrorPayload
	expectEvent(t, alice, EventError, &e)
	require.Equal(t, CodePersistenceFailed, e.Code)
	require.Equal(t, "req-9", e.RequestID)
	require.NotContains(t, e.Message, "disk full")
	expectEmpty(t, alice)
	expectEmpty(t, bob)
	require.Empty(t, f.pub.recorded())
}

func TestRelay_Send_PublishesEventWithoutPlaintext(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("broker down") // must not fail the send

	resp, err := f.relay.SendMessage(context.Background(), f.alice, f.ab.ID, "secret")
	require.NoError(t, err)
	f.relay.Wait()

	published := f.pub.recorded()
	require.Len(t, published, 1)
	evt := published[0]
	require.Equal(t, resp.ID, evt.MessageID)
	require.Equal(t, f.ab.ID, evt.ConversationID)
	require.Equal(t, f.alice, evt.SenderID)
}

func TestRelay_Send_AckDoesNotWaitForPublisher(t *testing.T) {
	f := newFixture(t)
	pub := newStalledPublisher()
	f.relay.publisher = pub
	alice := f.connect(t, f.alice)
	f.join(t, alice, f.ab.ID)

	raw := frame(t, EventSendMessage, SendRequest{Content: "hello", ConversationID: f.ab.ID.String(), RequestID: "req-1"})
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.relay.HandleFrame(context.Background(), alice, raw)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("send blocked on the event publisher")
	}

	expectEvent(t, alice, EventMessageReceived, nil)
	var ack AckPayload
	expectEvent(t, alice, EventAck, &ack)
	require.Equal(t, "req-1", ack.RequestID)

	close(pub.release)
	f.relay.Wait()
	require.NoError(t, <-pub.errs)
}

func TestRelay_Send_PublishIsBoundedByTimeout(t *testing.T) {
	f := newFixture(t)
	pub := newStalledPublisher()
	f.relay.publisher = pub
	f.relay.opts.PublishTimeout = 20 * time.Millisecond

	_, err := f.relay.SendMessage(context.Background(), f.alice, f.ab.ID, "hello")
	require.NoError(t, err)

	f.relay.Wait()
	require.ErrorIs(t, <-pub.errs, context.DeadlineExceeded)
}

func TestRelay_MarkSeen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.connect(t, f.alice)
	bob := f.connect(t, f.bob)
	f.join(t, alice, f.ab.ID)
	f.join(t, bob, f.ab.ID)

	msg, err := f.relay.SendMessage(ctx, f.alice, f.ab.ID, "read me")
	require.NoError(t, err)
	expectEvent(t, alice, EventMessageReceived, nil)
	expectEvent(t, bob, EventMessageReceived, nil)

	mark := frame(t, EventMarkSeen, ConversationRequest{ConversationID: f.ab.ID.String(), RequestID: "seen-1"})
	f.relay.HandleFrame(ctx, bob, mark)

	var seen MessagesSeenPayload
	expectEvent(t, bob, EventMessagesSeen, &seen)
	require.Equal(t, f.bob, seen.UserID)
	require.Equal(t, int64(1), seen.Count)
	require.Equal(t, seen.SeenAt.Truncate(time.Millisecond), seen.SeenAt)
	expectEvent(t, alice, EventMessagesSeen, nil)

	var ack AckPayload
	expectEvent(t, bob, EventAck, &ack)
	require.Equal(t, "seen-1", ack.RequestID)
	require.NotNil(t, ack.Marked)
	require.Equal(t, int64(1), *ack.Marked)

	// Second mark is a no-op: ack only, no broadcast, no new entry.
	f.relay.HandleFrame(ctx, bob, mark)
	expectEvent(t, bob, EventAck, &ack)
	require.Zero(t, *ack.Marked)
	expectEmpty(t, alice)

	stored, err := f.store.GetMessageByID(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, stored.SeenBy, 1)
	require.Equal(t, f.bob, stored.SeenBy[0].UserID)
	require.True(t, seen.SeenAt.Equal(stored.SeenBy[0].SeenAt))
}

func TestRelay_LeaveAndDisconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.connect(t, f.alice)
	bob := f.connect(t, f.bob)
	f.join(t, alice, f.ab.ID)
	f.join(t, bob, f.ab.ID)
	require.Equal(t, 2, f.relay.Hub().RoomSize(f.ab.ID))

	f.relay.HandleFrame(ctx, bob, frame(t, EventLeaveConversation, ConversationRequest{ConversationID: f.ab.ID.String()}))
	expectEvent(t, bob, EventLeft, nil)
	require.False(t, f.relay.Hub().InRoom(f.ab.ID, bob))

	f.relay.Disconnect(alice)
	require.Zero(t, f.relay.Hub().RoomSize(f.ab.ID))
	require.Equal(t, 1, f.relay.Hub().SessionCount())

	_, err := f.relay.SendMessage(ctx, f.bob, f.ab.ID, "anyone?")
	require.NoError(t, err)
	expectEmpty(t, bob)
	require.False(t, alice.Enqueue([]byte("x")))
}

func TestRelay_RejectsUnknownAndMalformedFrames(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t, f.alice)

	f.relay.HandleFrame(context.Background(), s, []byte("{not json"))
	var e ErrorPayload
	expectEvent(t, s, EventError, &e)
	require.Equal(t, CodeInvalidRequest, e.Code)

	f.relay.HandleFrame(context.Background(), s, frame(t, "typing", map[string]string{}))
	expectEvent(t, s, EventError, &e)
	require.Equal(t, CodeUnknownEvent, e.Code)

	f.relay.HandleFrame(context.Background(), s, []byte(`{"event":"sendMessage","data":"oops"}`))
	expectEvent(t, s, EventError, &e)
	require.Equal(t, CodeInvalidRequest, e.Code)
}
