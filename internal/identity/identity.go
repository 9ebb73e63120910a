// Package identity resolves bearer credentials into user identities for the dev backend.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// TokenQueryParam is the query parameter WebSocket clients use to carry their credential.
const TokenQueryParam = "token"

type contextKey int

const userIDKey contextKey = iota

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// Tokens is the set of credentials the dev backend accepts.
type Tokens struct {
	users map[string]string
}

// NewTokens builds a token set. Each token maps to a stable user ID derived from it.
func NewTokens(tokens []string) *Tokens {
	t := &Tokens{users: make(map[string]string, len(tokens))}
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		t.users[tok] = deriveUserID(tok)
	}
	return t
}

// Lookup returns the user ID for token, or false when the token is unknown.
func (t *Tokens) Lookup(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	id, ok := t.users[token]
	return id, ok
}

func deriveUserID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "user_" + hex.EncodeToString(sum[:8])
}

// TokenFromRequest reads the credential from the Authorization header, falling
// back to the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get(TokenQueryParam)
}

// Middleware rejects requests without a known credential and injects the user ID.
func Middleware(tokens *Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := tokens.Lookup(TokenFromRequest(r))
			if !ok {
				w.Header().Set("Content-Type", "application/json")
				http.Error(w, `{"error":"invalid or missing token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
