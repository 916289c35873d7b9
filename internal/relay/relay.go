// Package relay bridges realtime client sessions to durable storage with
// per-conversation fan-out.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"chatrelay-backend/internal/crypto"
	"chatrelay-backend/internal/events"
	"chatrelay-backend/internal/models"
	"chatrelay-backend/internal/store"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrValidation           = errors.New("invalid request")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("user is not a participant of the conversation")
	ErrPersistence          = errors.New("failed to persist message")
)

// Options tune relay limits.
type Options struct {
	MaxContentLength int           // in runes
	PersistTimeout   time.Duration // bounds every store call made for one event
	PublishTimeout   time.Duration // bounds one message event publish
	SendBuffer       int           // outbound frames queued per session
}

// Relay accepts connections, groups them into conversation rooms, and turns
// sends into encrypted, persisted, broadcast messages.
type Relay struct {
	hub         *Hub
	store       store.Store
	cipher      crypto.Cipher
	broadcaster Broadcaster
	publisher   events.Publisher
	validate    *validator.Validate
	log         *zap.Logger
	opts        Options

	publishes sync.WaitGroup
	now       func() time.Time
}

func New(hub *Hub, st store.Store, c crypto.Cipher, b Broadcaster, p events.Publisher, log *zap.Logger, opts Options) *Relay {
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = 5000
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if p == nil {
		p = events.NopPublisher{}
	}
	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &Relay{
		hub:         hub,
		store:       st,
		cipher:      c,
		broadcaster: b,
		publisher:   p,
		validate:    validate,
		log:         log.Named("relay"),
		opts:        opts,
		// Millisecond precision survives every store backend.
		now: func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

func (r *Relay) Hub() *Hub { return r.hub }

// Connect registers a new session for an authenticated user. The session is in no room yet.
func (r *Relay) Connect(userID uuid.UUID) *Session {
	s := newSession(userID, r.opts.SendBuffer)
	r.hub.Register(s)
	r.reply(s, EventConnected, ConnectedPayload{SessionID: s.ID, UserID: userID})
	r.log.Info("client connected", zap.String("session_id", s.ID), zap.Stringer("user_id", userID))
	return s
}

// Disconnect drops the session from every room. Nothing is persisted.
func (r *Relay) Disconnect(s *Session) {
	r.hub.Unregister(s)
	s.Close()
	r.log.Info("client disconnected", zap.String("session_id", s.ID), zap.Stringer("user_id", s.UserID))
}

// HandleFrame dispatches one inbound frame. Errors are reported to the
// originating session only.
func (r *Relay) HandleFrame(ctx context.Context, s *Session, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		r.replyError(s, "", "", CodeInvalidRequest, "malformed frame")
		return
	}

	switch env.Event {
	case EventJoinConversation:
		req, err := decodeConversationRequest(env.Data)
		if err != nil {
			r.replyErr(s, env.Event, "", err)
			return
		}
		convID, err := r.Join(ctx, s, req)
		if err != nil {
			r.replyErr(s, env.Event, req.RequestID, err)
			return
		}
		r.reply(s, EventJoined, ConversationPayload{ConversationID: convID, RequestID: req.RequestID})

	case EventLeaveConversation:
		req, err := decodeConversationRequest(env.Data)
		if err != nil {
			r.replyErr(s, env.Event, "", err)
			return
		}
		convID, err := r.parseConversationRequest(req)
		if err != nil {
			r.replyErr(s, env.Event, req.RequestID, err)
			return
		}
		r.hub.Leave(convID, s)
		r.reply(s, EventLeft, ConversationPayload{ConversationID: convID, RequestID: req.RequestID})

	case EventSendMessage:
		var req SendRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			r.replyError(s, env.Event, "", CodeInvalidRequest, "malformed sendMessage payload")
			return
		}
		msg, err := r.SendFromSession(ctx, s, req)
		if err != nil {
			r.replyErr(s, env.Event, req.RequestID, err)
			return
		}
		r.reply(s, EventAck, AckPayload{
			Event:          env.Event,
			RequestID:      req.RequestID,
			ConversationID: msg.Conversation,
			MessageID:      &msg.ID,
			CreatedAt:      &msg.CreatedAt,
		})

	case EventMarkSeen:
		req, err := decodeConversationRequest(env.Data)
		if err != nil {
			r.replyErr(s, env.Event, "", err)
			return
		}
		convID, err := r.parseConversationRequest(req)
		if err != nil {
			r.replyErr(s, env.Event, req.RequestID, err)
			return
		}
		res, err := r.MarkSeen(ctx, s.UserID, convID)
		if err != nil {
			r.replyErr(s, env.Event, req.RequestID, err)
			return
		}
		r.reply(s, EventAck, AckPayload{
			Event:          env.Event,
			RequestID:      req.RequestID,
			ConversationID: convID,
			Marked:         &res.Marked,
		})

	default:
		r.replyError(s, env.Event, "", CodeUnknownEvent, fmt.Sprintf("unknown event %q", env.Event))
	}
}

func (r *Relay) parseConversationRequest(req ConversationRequest) (uuid.UUID, error) {
	if err := r.validate.Struct(req); err != nil {
		return uuid.Nil, validationError(err)
	}
	return parseID("conversationId", req.ConversationID)
}

// parseID accepts any form uuid.Parse does, matching the REST path parameters.
func parseID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s must be a UUID", ErrValidation, field)
	}
	return id, nil
}

// validationError turns validator output into a short message naming the first bad field.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: malformed payload", ErrValidation)
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%w: %s is required", ErrValidation, fe.Field())
	case "max":
		return fmt.Errorf("%w: %s is too long", ErrValidation, fe.Field())
	default:
		return fmt.Errorf("%w: %s is invalid", ErrValidation, fe.Field())
	}
}

// Join admits the session to a conversation room after checking that the
// conversation exists and the session's user participates in it.
func (r *Relay) Join(ctx context.Context, s *Session, req ConversationRequest) (uuid.UUID, error) {
	convID, err := r.parseConversationRequest(req)
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := r.authorize(ctx, s.UserID, convID); err != nil {
		return uuid.Nil, err
	}
	if !r.hub.Join(convID, s) {
		return uuid.Nil, fmt.Errorf("%w: session is not connected", ErrValidation)
	}
	r.log.Debug("client joined conversation", zap.String("session_id", s.ID), zap.Stringer("conversation_id", convID))
	return convID, nil
}

// authorize loads the conversation and checks membership.
func (r *Relay) authorize(ctx context.Context, userID, convID uuid.UUID) (*models.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.PersistTimeout)
	defer cancel()

	conv, err := r.store.GetConversationByID(ctx, convID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return conv, nil
}

// SendFromSession validates a socket send request and submits it on behalf of
// the session's authenticated user.
func (r *Relay) SendFromSession(ctx context.Context, s *Session, req SendRequest) (*models.MessageResponse, error) {
	if err := r.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	convID, err := parseID("conversationId", req.ConversationID)
	if err != nil {
		return nil, err
	}
	if req.SenderID != "" {
		senderID, err := parseID("senderId", req.SenderID)
		if err != nil {
			return nil, err
		}
		if senderID != s.UserID {
			return nil, fmt.Errorf("%w: senderId does not match the authenticated user", ErrNotParticipant)
		}
	}
	return r.SendMessage(ctx, s.UserID, convID, req.text())
}

// SendMessage encrypts, persists, and broadcasts a message. The broadcast
// payload is built by decrypting the ciphertext that was stored, so what
// clients see is exactly what history will return.
func (r *Relay) SendMessage(ctx context.Context, senderID, convID uuid.UUID, content string) (*models.MessageResponse, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content must not be empty", ErrValidation)
	}
	if err := r.validate.Var(content, fmt.Sprintf("max=%d", r.opts.MaxContentLength)); err != nil {
		return nil, fmt.Errorf("%w: content exceeds %d characters", ErrValidation, r.opts.MaxContentLength)
	}
	if _, err := r.authorize(ctx, senderID, convID); err != nil {
		return nil, err
	}

	sealed, err := r.cipher.Encrypt(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt message: %w", err)
	}

	persistCtx, cancel := context.WithTimeout(ctx, r.opts.PersistTimeout)
	defer cancel()
	stored, err := r.store.CreateMessage(persistCtx, store.CreateMessageParams{
		ID:             uuid.New(),
		ConversationID: convID,
		SenderID:       senderID,
		Content:        sealed.Content,
		IV:             sealed.IV,
	})
	if err != nil {
		r.log.Error("failed to persist message",
			zap.Stringer("conversation_id", convID), zap.Stringer("sender_id", senderID), zap.Error(err))
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	plaintext, err := r.cipher.Decrypt(crypto.Sealed{IV: stored.IV, Content: stored.Content})
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt stored message %s: %w", stored.ID, err)
	}
	resp := models.NewMessageResponse(stored, plaintext)

	r.broadcast(ctx, convID, EventMessageReceived, resp)

	r.publish(events.MessageCreated{
		MessageID:      stored.ID,
		ConversationID: stored.ConversationID,
		SenderID:       stored.SenderID,
		CreatedAt:      stored.CreatedAt,
	})
	return &resp, nil
}

// publish emits evt in the background so a slow broker never holds up the
// sender's ack or the session's read loop. Failures are only logged.
func (r *Relay) publish(evt events.MessageCreated) {
	r.publishes.Add(1)
	go func() {
		defer r.publishes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.PublishTimeout)
		defer cancel()
		if err := r.publisher.PublishMessageCreated(ctx, evt); err != nil {
			r.log.Warn("failed to publish message event", zap.Stringer("message_id", evt.MessageID), zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight event publishes have finished.
func (r *Relay) Wait() {
	r.publishes.Wait()
}

// MarkSeen records that userID has seen the conversation's messages and tells
// the room when anything changed.
func (r *Relay) MarkSeen(ctx context.Context, userID, convID uuid.UUID) (*models.MarkSeenResponse, error) {
	if _, err := r.authorize(ctx, userID, convID); err != nil {
		return nil, err
	}

	seenAt := r.now()
	persistCtx, cancel := context.WithTimeout(ctx, r.opts.PersistTimeout)
	defer cancel()
	n, err := r.store.MarkMessagesSeen(persistCtx, convID, userID, seenAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if n > 0 {
		r.broadcast(ctx, convID, EventMessagesSeen, MessagesSeenPayload{
			ConversationID: convID,
			UserID:         userID,
			SeenAt:         seenAt,
			Count:          n,
		})
	}
	return &models.MarkSeenResponse{ConversationID: convID, Marked: n, SeenAt: seenAt}, nil
}

func (r *Relay) broadcast(ctx context.Context, convID uuid.UUID, event string, data any) {
	frame, err := EncodeFrame(event, data)
	if err != nil {
		r.log.Error("failed to encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	if err := r.broadcaster.Broadcast(ctx, convID, frame); err != nil {
		r.log.Warn("broadcast incomplete", zap.String("event", event), zap.Stringer("conversation_id", convID), zap.Error(err))
	}
}

func (r *Relay) reply(s *Session, event string, data any) {
	frame, err := EncodeFrame(event, data)
	if err != nil {
		r.log.Error("failed to encode reply", zap.String("event", event), zap.Error(err))
		return
	}
	if !s.Enqueue(frame) {
		r.log.Warn("dropping frame for slow or closed session", zap.String("session_id", s.ID), zap.String("event", event))
	}
}

func (r *Relay) replyError(s *Session, event, requestID, code, message string) {
	r.reply(s, EventError, ErrorPayload{Event: event, RequestID: requestID, Code: code, Message: message})
}

func (r *Relay) replyErr(s *Session, event, requestID string, err error) {
	code := ErrorCode(err)
	message := err.Error()
	if code == CodeInternal || code == CodePersistenceFailed {
		// Store and cipher details stay in the log.
		r.log.Error("event failed", zap.String("event", event), zap.String("session_id", s.ID), zap.Error(err))
		message = "the request could not be completed"
	}
	r.replyError(s, event, requestID, code, message)
}

// ErrorCode maps relay errors to the codes sent to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeInvalidRequest
	case errors.Is(err, ErrConversationNotFound):
		return CodeConversationNotFound
	case errors.Is(err, ErrNotParticipant):
		return CodeForbidden
	case errors.Is(err, ErrPersistence):
		return CodePersistenceFailed
	default:
		return CodeInternal
	}
}
