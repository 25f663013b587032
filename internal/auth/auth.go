// Package auth gates the relay's local HTTP surface behind the configured
// static token.
package auth

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

type Middleware struct {
	token string
}

func NewMiddleware(token string) *Middleware {
	return &Middleware{token: token}
}

// Authenticate rejects requests that do not carry the static token in
// x-api-key or Authorization: Bearer.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractAPIKey(r)
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(m.token)) != 1 {
			slog.Warn("auth failed", "remote", r.RemoteAddr, "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication_error", "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"type":"%s","message":"%s"}}`, errType, msg)
}
