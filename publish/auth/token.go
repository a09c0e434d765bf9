package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gopublish/publish/repo"

	"github.com/go-chi/jwtauth/v5"
)

const usernameKey = "username"

// TokenManager mints and verifies the HS256 bearer tokens used by the API.
// Admin status is not a claim: it is resolved against the configured admin
// list at verification time, so revoking an admin does not require waiting
// for token expiry.
type TokenManager struct {
	auth     *jwtauth.JWTAuth
	admins   map[string]struct{}
	duration time.Duration
}

func NewTokenManager(secret []byte, adminUsers []string, duration time.Duration) *TokenManager {
	admins := make(map[string]struct{}, len(adminUsers))
	for _, user := range adminUsers {
		admins[user] = struct{}{}
	}
	return &TokenManager{auth: jwtauth.New("HS256", secret, nil), admins: admins, duration: duration}
}

func (m *TokenManager) CreateToken(username string) (string, error) {
	claims := map[string]interface{}{
		usernameKey: username,
		"exp":       time.Now().Add(m.duration),
	}
	_, token, err := m.auth.Encode(claims)
	if err != nil {
		slog.Error("error generating token", "error", err)
		return "", fmt.Errorf("error generating access token: %w", err)
	}
	return token, nil
}

// tokenFromXAuthHeader accepts the legacy "X-Auth-Token: Bearer <token>"
// header alongside the standard Authorization header.
func tokenFromXAuthHeader(r *http.Request) string {
	header := r.Header.Get("X-Auth-Token")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func (m *TokenManager) Verifier() func(http.Handler) http.Handler {
	return jwtauth.Verify(m.auth, jwtauth.TokenFromHeader, tokenFromXAuthHeader)
}

func (m *TokenManager) Authenticator() func(http.Handler) http.Handler {
	return jwtauth.Authenticator(m.auth)
}

// Middlewares returns the verification chain applied to authenticated
// routes.
func (m *TokenManager) Middlewares() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{m.Verifier(), m.Authenticator()}
}

func (m *TokenManager) IsAdmin(username string) bool {
	_, ok := m.admins[username]
	return ok
}

// IdentityFromRequest resolves the verified token claims into the identity
// consumed by the core's permission checks.
func (m *TokenManager) IdentityFromRequest(r *http.Request) (repo.Identity, error) {
	_, claims, err := jwtauth.FromContext(r.Context())
	if err != nil {
		return repo.Identity{}, fmt.Errorf("error retrieving auth claims: %w", err)
	}

	usernameUncasted, ok := claims[usernameKey]
	if !ok {
		return repo.Identity{}, fmt.Errorf("invalid token: missing %v claim", usernameKey)
	}
	username, ok := usernameUncasted.(string)
	if !ok || username == "" {
		return repo.Identity{}, fmt.Errorf("invalid token: malformed %v claim", usernameKey)
	}

	return repo.Identity{Username: username, IsAdmin: m.IsAdmin(username)}, nil
}

// AdminOnly rejects requests whose verified identity is not a configured
// admin.
func AdminOnly(m *TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			identity, err := m.IdentityFromRequest(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			if !identity.IsAdmin {
				http.Error(w, fmt.Sprintf("user %v is not an admin", identity.Username), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(hfn)
	}
}
