package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"chatcore/internal/config"
	"chatcore/internal/domain"
	"chatcore/internal/security"
	"chatcore/internal/service"
)

// Services are the business components the routes call into.
type Services struct {
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Actions       *service.Actions
	Profiles      domain.ProfileRepository
}

// NewRouter constructs the main HTTP router and wires routes and middleware.
func NewRouter(cfg *config.Config, svc Services, tokens *security.TokenService, log zerolog.Logger) http.Handler {
	log = log.With().Str("component", "http").Logger()
	r := chi.NewRouter()

	// Middlewares
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.HTTP.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "chatcore API", "version": "1.0.0"})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(AuthMiddleware(tokens, log))

		r.Put("/profile", handleUpsertProfile(svc.Profiles, log))

		r.Post("/hires", handleHire(svc.Actions, log))
		r.Post("/invites", handleSendInvite(svc.Actions, log))
		r.Post("/contacts", handleGetInTouch(svc.Actions, log))
		r.Post("/drafts", handleOpenDraft(svc.Actions, log))
		r.Post("/groups", handleCreateGroup(svc.Actions, log))

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", handleListConversations(svc.Conversations, log))
			r.Route("/{conversationID}", func(r chi.Router) {
				r.Get("/", handleGetConversation(svc.Conversations, log))
				r.Post("/read", handleResetCounter(svc.Conversations, log))
				r.Post("/unread", handleMarkUnread(svc.Conversations, log))
				r.Post("/invite/accept", handleAcceptInvite(svc.Actions, log))
				r.Post("/invite/decline", handleDeclineInvite(svc.Actions, log))
				r.Post("/wait", handleMarkWaiting(svc.Actions, log))
				r.Post("/activate", handleActivate(svc.Actions, log))
				r.Post("/members", handleAddMembers(svc.Actions, log))
				r.Get("/messages", handleListMessages(svc.Messages, log))
				r.Get("/messages/head", handleHead(svc.Messages, log))
				r.Post("/messages", handleCreateMessage(svc.Actions, log))
				r.Post("/invoices", handleSendInvoice(svc.Actions, log))
			})
		})

		r.Patch("/messages/{messageID}/status", handleSetMessageStatus(svc.Messages, log))
	})

	return r
}
