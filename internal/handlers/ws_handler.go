package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"chatrelay-backend/internal/auth"
	"chatrelay-backend/internal/relay"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// WSHandler upgrades authenticated requests into relay sessions.
type WSHandler struct {
	relay     *relay.Relay
	jwtSecret string
	upgrader  websocket.Upgrader
	opts      relay.ConnOptions
	log       *zap.Logger
}

// NewWSHandler creates a WSHandler. Browser origins must be listed in
// allowedOrigins; "*" allows any origin.
func NewWSHandler(r *relay.Relay, jwtSecret string, allowedOrigins []string, opts relay.ConnOptions, log *zap.Logger) *WSHandler {
	h := &WSHandler{
		relay:     r,
		jwtSecret: jwtSecret,
		opts:      opts,
		log:       log.Named("ws_handler"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // not a browser
		}
		if lo.Contains(allowed, "*") || lo.Contains(allowed, origin) {
			return true
		}
		// Same host is always fine.
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}

// requestToken reads the bearer token from the Authorization header, falling
// back to the token query parameter for browser clients.
func requestToken(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		return auth.BearerToken(header)
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", auth.ErrMissingToken
}

// HandleWebSocket authenticates the caller and runs the relay session until it ends.
func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token, err := requestToken(r)
	if err != nil {
		RespondWithError(w, http.StatusUnauthorized, "Authorization token required")
		return
	}
	userID, err := auth.ParseAccessToken(token, h.jwtSecret)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			RespondWithError(w, http.StatusUnauthorized, "Token has expired")
			return
		}
		h.log.Debug("rejected websocket token", zap.Error(err))
		RespondWithError(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	h.relay.ServeConn(r.Context(), conn, userID, h.opts)
}
