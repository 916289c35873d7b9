package handlers

import (
	"errors"
	"net/http"

	"chatrelay-backend/internal/auth"
	"chatrelay-backend/internal/services"
	"chatrelay-backend/pkg/httputil"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RespondWithError responds with an error message.
func RespondWithError(w http.ResponseWriter, code int, message string) {
	httputil.RespondError(w, code, message)
}

// RespondWithJSON responds with a JSON payload.
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	httputil.RespondJSON(w, code, payload)
}

// requireUser returns the authenticated user or writes a 401.
func requireUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		RespondWithError(w, http.StatusUnauthorized, "Unauthorized")
	}
	return userID, ok
}

// uuidParam parses a chi URL parameter or writes a 400.
func uuidParam(w http.ResponseWriter, r *http.Request, name, label string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid "+label)
		return uuid.Nil, false
	}
	return id, true
}

// respondServiceError maps ChatService errors to HTTP statuses.
func respondServiceError(w http.ResponseWriter, log *zap.Logger, op string, err error) {
	switch {
	case errors.Is(err, services.ErrValidation):
		RespondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrNotParticipant):
		RespondWithError(w, http.StatusForbidden, "You are not a participant of this conversation")
	case errors.Is(err, services.ErrConversationNotFound):
		RespondWithError(w, http.StatusNotFound, "Conversation not found")
	case errors.Is(err, services.ErrUserNotFound):
		RespondWithError(w, http.StatusNotFound, "User not found")
	default:
		log.Error("request failed", zap.String("op", op), zap.Error(err))
		RespondWithError(w, http.StatusInternalServerError, "Failed to "+op)
	}
}
