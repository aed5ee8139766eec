package auth

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNotAuthenticated = errors.New("not authenticated")

// Session is the slice of the login system the upload pipeline depends on.
type Session interface {
	BearerToken() (string, error)
	IsAuthenticated() bool
}

// TokenSession holds a single access token. When the token is a JWT its exp
// claim decides whether the session is still authenticated; the signature is
// not checked here, the backend does that.
type TokenSession struct {
	mu    sync.RWMutex
	token string
	now   func() time.Time
}

func NewTokenSession(token string) *TokenSession {
	return &TokenSession{
		token: strings.TrimSpace(strings.TrimPrefix(token, "Bearer ")),
		now:   time.Now,
	}
}

func (s *TokenSession) SetToken(token string) {
	s.mu.Lock()
	s.token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	s.mu.Unlock()
}

func (s *TokenSession) BearerToken() (string, error) {
	if !s.IsAuthenticated() {
		return "", ErrNotAuthenticated
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

func (s *TokenSession) IsAuthenticated() bool {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()

	if token == "" {
		return false
	}

	exp, ok := expiry(token)
	if !ok {
		// opaque token, let the backend decide
		return true
	}
	return s.now().Before(exp)
}

func expiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
