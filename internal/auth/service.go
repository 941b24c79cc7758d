package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrBadCredentials is returned for a wrong password. Deliberately
// indistinguishable from a missing operator setup.
var ErrBadCredentials = errors.New("invalid credentials")

// Service authenticates the single node operator against a bcrypt hash and
// issues access tokens.
type Service struct {
	passwordHash []byte
	tokens       *TokenService
}

// NewService creates an auth service. passwordHash is the operator's bcrypt
// hash from configuration; an empty hash rejects every login.
func NewService(passwordHash string, tokens *TokenService) *Service {
	return &Service{
		passwordHash: []byte(passwordHash),
		tokens:       tokens,
	}
}

// Login verifies the operator password and returns a signed access token.
func (s *Service) Login(password string) (string, error) {
	if len(s.passwordHash) == 0 {
		return "", ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil {
		return "", ErrBadCredentials
	}
	return s.tokens.Issue()
}

// Tokens exposes the token service for middleware and the event stream.
func (s *Service) Tokens() *TokenService {
	return s.tokens
}
