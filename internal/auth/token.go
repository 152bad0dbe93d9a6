package auth

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MrWong99/voicedesk/internal/observe"
)

// Status is the authentication state of the process.
type Status string

const (
	StatusAnonymous     Status = "anonymous"
	StatusAuthenticated Status = "authenticated"
)

// ClearReason says why a token was dropped.
type ClearReason string

const (
	ReasonSignOut      ClearReason = "sign_out"
	ReasonExpired      ClearReason = "expired"
	ReasonUnauthorized ClearReason = "unauthorized"
)

// ErrTokenExpired is returned by [TokenStore.Set] for a token whose exp claim
// has already passed.
var ErrTokenExpired = errors.New("auth: token already expired")

// TokenStore holds the bearer token. Tokens that parse as JWTs expire at
// their exp claim; opaque tokens never expire locally.
type TokenStore struct {
	now func() time.Time

	mu        sync.Mutex
	token     string
	user      User
	expiresAt time.Time
	issued    []func(ctx context.Context, token string)
	cleared   []func(ctx context.Context, reason ClearReason)
}

// NewTokenStore returns an anonymous store. now defaults to time.Now.
func NewTokenStore(now func() time.Time) *TokenStore {
	if now == nil {
		now = time.Now
	}
	return &TokenStore{now: now}
}

// OnIssued registers fn to run after every Set.
func (s *TokenStore) OnIssued(fn func(ctx context.Context, token string)) {
	s.mu.Lock()
	s.issued = append(s.issued, fn)
	s.mu.Unlock()
}

// OnCleared registers fn to run whenever an existing token is dropped.
func (s *TokenStore) OnCleared(fn func(ctx context.Context, reason ClearReason)) {
	s.mu.Lock()
	s.cleared = append(s.cleared, fn)
	s.mu.Unlock()
}

// Set stores token and notifies issue listeners.
func (s *TokenStore) Set(ctx context.Context, token string, user User) error {
	exp := expiry(token)
	if !exp.IsZero() && !s.now().Before(exp) {
		return ErrTokenExpired
	}

	s.mu.Lock()
	s.token = token
	s.user = user
	s.expiresAt = exp
	listeners := slices.Clone(s.issued)
	s.mu.Unlock()

	observe.Logger(ctx).Info("auth token issued", "user_id", user.ID, "expires_at", exp)
	for _, fn := range listeners {
		fn(ctx, token)
	}
	return nil
}

// Token returns the current token, or "" when anonymous. An expired token is
// cleared with [ReasonExpired] on access.
func (s *TokenStore) Token() string {
	s.mu.Lock()
	tok, exp := s.token, s.expiresAt
	s.mu.Unlock()
	if tok == "" {
		return ""
	}
	if !exp.IsZero() && !s.now().Before(exp) {
		s.Clear(context.Background(), ReasonExpired)
		return ""
	}
	return tok
}

// Status reports whether a valid token is held.
func (s *TokenStore) Status() Status {
	if s.Token() == "" {
		return StatusAnonymous
	}
	return StatusAuthenticated
}

// User returns the signed-in user, if any.
func (s *TokenStore) User() (User, bool) {
	if s.Token() == "" {
		return User{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user, true
}

// Clear drops the token. Listeners only run when a token was held.
func (s *TokenStore) Clear(ctx context.Context, reason ClearReason) {
	s.mu.Lock()
	had := s.token != ""
	s.token = ""
	s.user = User{}
	s.expiresAt = time.Time{}
	listeners := slices.Clone(s.cleared)
	s.mu.Unlock()

	if !had {
		return
	}
	observe.Logger(ctx).Info("auth token cleared", "reason", string(reason))
	for _, fn := range listeners {
		fn(ctx, reason)
	}
}

// expiry extracts the exp claim without verifying the signature; the
// backend verifies tokens, this only mirrors their lifetime.
func expiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
