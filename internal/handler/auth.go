package handler

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/labgrader/internal/store"
)

const bearerPrefix = "Bearer "

// GenerateToken returns a random URL-safe API token.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken returns the bcrypt hash stored for an API token.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("empty token")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

// requireToken checks the bearer token against the hash in the store
// metadata. When no hash is configured every request passes.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash, err := h.store.GetMetadata(store.KeyAPITokenHash)
		if err != nil {
			h.logger.Error("handler.auth.lookup.failed", "error", err)
			h.writeError(w, r, http.StatusInternalServerError, "InternalError")
			return
		}
		if hash == "" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, bearerPrefix)
		if !ok || token == "" {
			h.unauthorized(w, r)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
			h.logger.Warn("handler.auth.rejected", "path", r.URL.Path)
			h.unauthorized(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) unauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="labgrader"`)
	h.writeError(w, r, http.StatusUnauthorized, "Unauthorized")
}
