package ws

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"chatcore/internal/realtime"
	"chatcore/internal/security"
)

// Event types pushed to websocket clients.
const (
	EventNewConversation = "new_conversation"
	EventNewMessage      = "new_message"
)

// NewGatewayRouter serves the realtime gateway: the event endpoints the API
// posts to (guarded by the shared token) and the /ws endpoint clients hold.
func NewGatewayRouter(hub *Hub, sharedToken string, tokens *security.TokenService, origins []string, log zerolog.Logger) http.Handler {
	log = log.With().Str("component", "gateway").Logger()
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Group(func(r chi.Router) {
		r.Use(requireToken(sharedToken))
		r.Post(realtime.PathNewConversation, func(w http.ResponseWriter, r *http.Request) {
			var ev realtime.ConversationEvent
			if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
				http.Error(w, "invalid JSON body", http.StatusBadRequest)
				return
			}
			n := hub.SendToUsers(ev.Receivers, map[string]any{"type": EventNewConversation, "data": ev})
			log.Debug().Str("conversation_id", ev.ConversationID).Int("delivered", n).Msg("new conversation pushed")
			w.WriteHeader(http.StatusAccepted)
		})
		r.Post(realtime.PathNewMessage, func(w http.ResponseWriter, r *http.Request) {
			var ev realtime.MessageEvent
			if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
				http.Error(w, "invalid JSON body", http.StatusBadRequest)
				return
			}
			n := hub.SendToUsers(ev.Receivers, map[string]any{"type": EventNewMessage, "data": ev})
			log.Debug().Str("conversation_id", ev.ConversationID).Int("delivered", n).Msg("new message pushed")
			w.WriteHeader(http.StatusAccepted)
		})
	})

	r.Get("/ws", MakeHandler(hub, tokens, origins, log))
	return r
}

// requireToken checks the shared secret the API sends as a Bearer token. An
// empty secret disables the check.
func requireToken(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" {
				got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
				if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
