package httpserver

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"chatcore/internal/domain"
)

type profileRequest struct {
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	Email       string `json:"email"`
}

// handleUpsertProfile stores the caller's display fields, which realtime
// message events and email reminders read.
func handleUpsertProfile(profiles domain.ProfileRepository, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, ok := caller(w, r)
		if !ok {
			return
		}
		var req profileRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, log, err)
			return
		}
		if req.DisplayName == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "display_name is required"})
			return
		}
		p := &domain.Profile{
			UserID:      me.UserID,
			DisplayName: req.DisplayName,
			AvatarURL:   req.AvatarURL,
			Role:        me.Role,
			Email:       req.Email,
			UpdatedAt:   time.Now().UTC(),
		}
		if err := profiles.Upsert(r.Context(), p); err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}
