// Package auth issues and verifies the per-user API keys the control API
// requires. Keys are HS256 JWTs whose subject is the user id; verification
// is stateless and the middleware matches the subject against the {user}
// path segment.
package auth

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

const headerAPIKey = "X-API-Key"

// Manager signs and verifies API keys.
type Manager struct {
	secret []byte
}

// New builds a Manager from the shared signing secret.
func New(secret string) *Manager {
	return &Manager{secret: []byte(secret)}
}

// MintKey issues the API key for a user. Keys do not expire; rotation goes
// through the api-key endpoints.
func (m *Manager) MintKey(userID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(time.Now().UTC()),
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("signing api key: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and returns the key's subject.
func (m *Manager) Verify(key string) (string, error) {
	token, err := jwt.ParseWithClaims(key, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parsing api key: %w", err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("api key carries no subject")
	}
	return claims.Subject, nil
}

// Middleware enforces the X-API-Key header. Requests under /users/{user}
// must present a key whose subject matches the path segment; a mismatch is
// rejected before the handler runs.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(headerAPIKey)
		if key == "" {
			writeAuthError(w, http.StatusUnauthorized, "X-API-Key header is required")
			return
		}
		subject, err := m.Verify(key)
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		if pathUser := chi.URLParam(r, "user"); pathUser != "" && pathUser != subject {
			writeAuthError(w, http.StatusForbidden, "API key does not match the requested user")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeAuthError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"detail":%q}`, detail)
}
