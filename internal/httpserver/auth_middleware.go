package httpserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"chatcore/internal/domain"
	"chatcore/internal/security"
)

type contextKey string

const identityContextKey contextKey = "identity"

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID string
	Role   domain.Role
}

// WithIdentity returns a new context carrying the caller.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// CurrentIdentity extracts the caller from context, if any.
func CurrentIdentity(r *http.Request) *Identity {
	if v := r.Context().Value(identityContextKey); v != nil {
		if id, ok := v.(*Identity); ok {
			return id
		}
	}
	return nil
}

// BearerToken returns the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < len("bearer ") || !strings.EqualFold(h[:len("bearer ")], "bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(h[len("bearer "):])
	return tok, tok != ""
}

// AuthMiddleware validates the Bearer token and attaches the caller to the context.
func AuthMiddleware(tokens *security.TokenService, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, ok := BearerToken(r)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid Authorization header"})
				return
			}

			claims, err := tokens.Parse(tokenStr)
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("token rejected")
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
				return
			}

			ctx := WithIdentity(r.Context(), &Identity{UserID: claims.Subject, Role: domain.Role(claims.Role)})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
