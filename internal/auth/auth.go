// Package auth verifies bearer credentials on incoming requests. Issuing and storing
// tokens is out of scope; the accepted set comes from configuration.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	// ErrMissingToken is returned when the request carries no bearer token.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken is returned when the token is not accepted.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// TokenValidator decides whether a bearer token grants access.
type TokenValidator interface {
	Validate(ctx context.Context, token string) error
}

// StaticTokens accepts a fixed set of tokens. Only SHA-256 digests are kept in memory.
type StaticTokens struct {
	digests [][sha256.Size]byte
}

// NewStaticTokens returns a validator for tokens. Blank entries are ignored; at
// least one non-blank token is required.
func NewStaticTokens(tokens []string) (*StaticTokens, error) {
	s := &StaticTokens{}
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		s.digests = append(s.digests, sha256.Sum256([]byte(t)))
	}
	if len(s.digests) == 0 {
		return nil, errors.New("auth: at least one API token is required")
	}
	return s, nil
}

// Validate implements TokenValidator. Every configured digest is compared so the
// time taken does not depend on which token matched.
func (s *StaticTokens) Validate(ctx context.Context, token string) error {
	if token == "" {
		return ErrMissingToken
	}
	sum := sha256.Sum256([]byte(token))
	match := 0
	for i := range s.digests {
		match |= subtle.ConstantTimeCompare(sum[:], s.digests[i][:])
	}
	if match != 1 {
		return ErrInvalidToken
	}
	return nil
}

// Len returns the number of accepted tokens.
func (s *StaticTokens) Len() int { return len(s.digests) }

// BearerToken extracts the token from an Authorization header value. The scheme is
// matched case-insensitively. Returns ErrMissingToken when absent or malformed.
func BearerToken(header string) (string, error) {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
