package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"chatrelay-backend/internal/models"
	"chatrelay-backend/internal/services"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ChatHandlers handles HTTP requests related to conversations and messages.
type ChatHandlers struct {
	chatService *services.ChatService
	validate    *validator.Validate
	log         *zap.Logger
}

// NewChatHandlers creates a new ChatHandlers instance.
func NewChatHandlers(chatService *services.ChatService, log *zap.Logger) *ChatHandlers {
	return &ChatHandlers{
		chatService: chatService,
		validate:    validator.New(),
		log:         log.Named("chat_handlers"),
	}
}

// HandleCreateConversation returns the conversation with participant_id, creating it if needed.
func (h *ChatHandlers) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req models.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "participant_id is required")
		return
	}

	resp, err := h.chatService.CreateOrGetConversation(r.Context(), userID, req.ParticipantID)
	if err != nil {
		respondServiceError(w, h.log, "create conversation", err)
		return
	}

	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
	}
	RespondWithJSON(w, status, resp)
}

// HandleListConversations lists the caller's conversations.
func (h *ChatHandlers) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	resp, err := h.chatService.ListConversations(r.Context(), userID)
	if err != nil {
		respondServiceError(w, h.log, "list conversations", err)
		return
	}
	RespondWithJSON(w, http.StatusOK, resp)
}

func (h *ChatHandlers) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	convID, ok := uuidParam(w, r, "conversationID", "conversation ID")
	if !ok {
		return
	}
	resp, err := h.chatService.GetConversation(r.Context(), userID, convID)
	if err != nil {
		respondServiceError(w, h.log, "get conversation", err)
		return
	}
	RespondWithJSON(w, http.StatusOK, resp)
}

// HandleGetMessages returns a page of history. Query: limit, before (RFC 3339).
func (h *ChatHandlers) HandleGetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	convID, ok := uuidParam(w, r, "conversationID", "conversation ID")
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			RespondWithError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}
	var before *time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			RespondWithError(w, http.StatusBadRequest, "Invalid before timestamp (expected RFC 3339)")
			return
		}
		before = &t
	}

	resp, err := h.chatService.GetMessages(r.Context(), userID, convID, limit, before)
	if err != nil {
		respondServiceError(w, h.log, "get messages", err)
		return
	}
	RespondWithJSON(w, http.StatusOK, resp)
}

// HandleSendMessage posts a message; it is broadcast to the conversation room.
func (h *ChatHandlers) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req models.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "conversation_id and content are required")
		return
	}

	msg, err := h.chatService.SendMessage(r.Context(), userID, req)
	if err != nil {
		respondServiceError(w, h.log, "send message", err)
		return
	}
	RespondWithJSON(w, http.StatusCreated, msg)
}

func (h *ChatHandlers) HandleMarkSeen(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	convID, ok := uuidParam(w, r, "conversationID", "conversation ID")
	if !ok {
		return
	}
	resp, err := h.chatService.MarkSeen(r.Context(), userID, convID)
	if err != nil {
		respondServiceError(w, h.log, "mark messages seen", err)
		return
	}
	RespondWithJSON(w, http.StatusOK, resp)
}

func (h *ChatHandlers) HandleUnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	resp, err := h.chatService.UnreadCount(r.Context(), userID)
	if err != nil {
		respondServiceError(w, h.log, "count unread messages", err)
		return
	}
	RespondWithJSON(w, http.StatusOK, resp)
}
