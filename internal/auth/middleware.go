package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Public paths that don't require authentication.
var publicPaths = map[string]bool{
	"/api/v1/auth/login": true,
}

// Middleware validates JWT access tokens on API routes. Non-API paths
// (healthz, readyz, metrics) are skipped, as is the event stream, which
// validates a query-parameter token itself because the browser WebSocket
// API cannot set headers.
func Middleware(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				next.ServeHTTP(w, r)
				return
			}
			if r.URL.Path == "/api/v1/events" {
				next.ServeHTTP(w, r)
				return
			}
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				writeAuthError(w, "missing or invalid authorization header")
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")

			if _, err := tokens.Validate(tokenString); err != nil {
				writeAuthError(w, "invalid or expired access token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "https://meshboard.dev/problems/unauthorized",
		"title":  "Unauthorized",
		"status": http.StatusUnauthorized,
		"detail": detail,
	})
}
