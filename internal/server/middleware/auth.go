package middleware

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ctxKey is the private type for context keys set by this package.
type ctxKey int

const playerIDKey ctxKey = iota

// openPaths are served without authentication: the health probe, and the
// WebSocket endpoint since browsers cannot attach custom headers to an
// upgrade request.
var openPaths = map[string]bool{
	"/api/health": true,
	"/ws":         true,
}

// Auth returns middleware that validates requests against a bcrypt hash of
// the service API key (Bearer token or X-API-Key header) and resolves the
// caller's player identity from the X-Player-ID header set by the upstream
// identity layer. If apiKeyHash is empty, key validation is disabled but the
// identity header is still required.
func Auth(apiKeyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if openPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			if apiKeyHash != "" {
				token := extractToken(r)
				if token == "" {
					writeUnauthorized(w, "missing authentication token")
					return
				}
				if bcrypt.CompareHashAndPassword([]byte(apiKeyHash), []byte(token)) != nil {
					writeUnauthorized(w, "invalid authentication token")
					return
				}
			}

			playerID := strings.TrimSpace(r.Header.Get("X-Player-ID"))
			if playerID == "" {
				writeUnauthorized(w, "missing player identity")
				return
			}

			ctx := context.WithValue(r.Context(), playerIDKey, playerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PlayerID returns the caller identity resolved by Auth, or "" if the
// request did not pass through it.
func PlayerID(ctx context.Context) string {
	id, _ := ctx.Value(playerIDKey).(string)
	return id
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return ""
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
