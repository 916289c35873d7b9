package api

import (
	"net/http"
	"time"

	"chatrelay-backend/internal/config"
	"chatrelay-backend/internal/handlers"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterDependencies holds all the dependencies required by the router setup,
// primarily handlers and configuration.
type RouterDependencies struct {
	ChatHandler *handlers.ChatHandlers
	WSHandler   *handlers.WSHandler
	Config      *config.Config
	Logger      *zap.Logger
}

// NewRouter creates and configures the main Chi router for the application.
func NewRouter(deps RouterDependencies) *chi.Mux {
	log := deps.Logger.Named("http")
	r := chi.NewRouter()

	// --- Base Middleware Stack ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)

	// --- CORS Configuration ---
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Requested-With"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	// --- Public Routes (No JWT Required) ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Long-lived; authenticates on its own and must not sit behind the request timeout.
	if deps.WSHandler != nil {
		r.Get("/ws", deps.WSHandler.HandleWebSocket)
	} else {
		log.Warn("WSHandler dependency is nil, skipping /ws route")
	}

	// --- Authenticated Routes (JWT Required) ---
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(JwtAuthMiddleware(deps.Config.JWTSecret, log))

		if deps.ChatHandler == nil {
			log.Warn("ChatHandler dependency is nil, skipping /v1 chat routes")
			return
		}

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", deps.ChatHandler.HandleCreateConversation)
			r.Get("/", deps.ChatHandler.HandleListConversations)
			r.Get("/{conversationID}", deps.ChatHandler.HandleGetConversation)
		})

		r.Route("/messages", func(r chi.Router) {
			r.Post("/", deps.ChatHandler.HandleSendMessage)
			r.Get("/{conversationID}", deps.ChatHandler.HandleGetMessages)
			r.Post("/{conversationID}/seen", deps.ChatHandler.HandleMarkSeen)
		})

		r.Get("/unread-count", deps.ChatHandler.HandleUnreadCount)
	})

	return r
}
