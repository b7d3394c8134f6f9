// Package auth resolves bearer tokens to user identities.
package auth

import (
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthorized is returned for missing, malformed, or unknown
// credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Verifier maps a bearer token to a user id.
type Verifier interface {
	Verify(token string) (userID string, err error)
}

// StaticVerifier authenticates against a fixed token table from
// configuration. Suitable for service-to-service use where the web
// tier mints the tokens.
type StaticVerifier struct {
	tokens map[string]string // token → user id
}

// NewStaticVerifier builds a verifier over a token → user id table.
func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	return &StaticVerifier{tokens: tokens}
}

// Verify implements Verifier.
func (v *StaticVerifier) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	userID, ok := v.tokens[token]
	if !ok {
		return "", ErrUnauthorized
	}
	return userID, nil
}

// FromRequest extracts and verifies the bearer token on an HTTP
// request.
func FromRequest(v Verifier, r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		// WebSocket clients cannot set headers from browsers; accept the
		// token as a query parameter there.
		token = r.URL.Query().Get("token")
	}
	return v.Verify(strings.TrimSpace(token))
}
