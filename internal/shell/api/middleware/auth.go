// Package middleware provides HTTP middleware for the Gantry API.
package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// =============================================================================
// Bearer Auth Middleware
// =============================================================================

// BearerAuth validates the Authorization header against a bcrypt hash of the
// API token. Only the hash is kept in configuration; the plaintext token never
// touches disk.
type BearerAuth struct {
	tokenHash []byte
	logger    *slog.Logger
}

// NewBearerAuth creates the middleware. An empty hash disables authentication,
// which is only acceptable on a loopback listener.
func NewBearerAuth(tokenHash string, logger *slog.Logger) *BearerAuth {
	if logger == nil {
		logger = slog.Default()
	}
	return &BearerAuth{tokenHash: []byte(tokenHash), logger: logger}
}

// Enabled reports whether a token hash is configured.
func (a *BearerAuth) Enabled() bool {
	return len(a.tokenHash) > 0
}

// Handler returns the middleware handler function.
func (a *BearerAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token", "unauthorized")
			return
		}

		if err := bcrypt.CompareHashAndPassword(a.tokenHash, []byte(token)); err != nil {
			a.logger.Warn("rejected API request with invalid token",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			writeJSONError(w, http.StatusUnauthorized, "invalid token", "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token from an "Authorization: Bearer ..." header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

// =============================================================================
// JSON Error Response
// =============================================================================

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSONError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: message, Code: code})
}
