package ws

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatcore/internal/security"
)

type wsAuthError struct {
	status int
	msg    string
}

func (e wsAuthError) Error() string {
	return e.msg
}

// originPolicy decides which browser origins may open /ws. Entries are
// scheme://host[:port], "*" for any origin, or scheme://*.domain for every
// subdomain of domain.
type originPolicy struct {
	anyOrigin bool
	exact     map[string]struct{}
	wildcards []wildcardOrigin
}

type wildcardOrigin struct {
	scheme string
	suffix string // ".domain"
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{exact: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(o)), "/")
		switch {
		case o == "":
		case o == "*":
			p.anyOrigin = true
		case strings.Contains(o, "://*."):
			scheme, host, _ := strings.Cut(o, "://")
			p.wildcards = append(p.wildcards, wildcardOrigin{scheme: scheme, suffix: strings.TrimPrefix(host, "*")})
		default:
			p.exact[o] = struct{}{}
		}
	}
	return p
}

// allows reports whether the request's Origin passes. Requests without an
// Origin are refused: only browsers are expected on /ws.
func (p originPolicy) allows(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return false
	}
	if p.anyOrigin {
		return true
	}
	u, err := url.Parse(strings.ToLower(origin))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	if _, ok := p.exact[u.Scheme+"://"+u.Host]; ok {
		return true
	}
	for _, w := range p.wildcards {
		if u.Scheme == w.scheme && strings.HasSuffix(u.Host, w.suffix) && len(u.Host) > len(w.suffix) {
			return true
		}
	}
	return false
}

// extractToken reads the JWT from the Authorization header, or from the
// "bearer, <token>" subprotocol pair browsers can set.
func extractToken(r *http.Request) (string, error) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("Bearer "):])
		if token != "" {
			return token, nil
		}
	}

	protocolHeader := r.Header.Get("Sec-WebSocket-Protocol")
	if protocolHeader != "" {
		parts := strings.Split(protocolHeader, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") && parts[1] != "" {
			return parts[1], nil
		}
	}

	return "", wsAuthError{status: http.StatusUnauthorized, msg: "missing bearer token"}
}

// MakeHandler returns the /ws endpoint: it authenticates the caller, keeps
// the connection registered in hub and answers pings. Events only flow from
// the gateway endpoints to the client.
func MakeHandler(hub *Hub, tokens *security.TokenService, allowedOrigins []string, log zerolog.Logger) http.HandlerFunc {
	origins := newOriginPolicy(allowedOrigins)
	upgrader := websocket.Upgrader{
		CheckOrigin:  origins.allows,
		Subprotocols: []string{"bearer"},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if !origins.allows(r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		tokenStr, err := extractToken(r)
		if err != nil {
			if authErr, ok := err.(wsAuthError); ok {
				http.Error(w, authErr.msg, authErr.status)
				return
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		claims, err := tokens.Parse(tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		userID := claims.Subject

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug().Err(err).Msg("upgrade failed")
			return
		}
		defer conn.Close()

		hub.Register(userID, conn)
		defer hub.Unregister(userID, conn)
		log.Debug().Str("user_id", userID).Msg("client connected")

		for {
			var payload map[string]any
			if err := conn.ReadJSON(&payload); err != nil {
				break
			}
			msgType, _ := payload["type"].(string)
			switch msgType {
			case "ping":
				hub.SendToUsers([]string{userID}, map[string]any{"type": "pong"})
			default:
				log.Debug().Str("user_id", userID).Str("type", msgType).Msg("ignored client event")
			}
		}
		log.Debug().Str("user_id", userID).Msg("client disconnected")
	}
}
