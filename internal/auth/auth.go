// Package auth holds the bearer credential used to authenticate the realtime
// connection and the sources that provide and reissue it.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrNoCredential = errors.New("no credential available")
	ErrExpired      = errors.New("credential expired")
)

// Credential is an opaque bearer token plus its expiry.
type Credential struct {
	Token     string
	Subject   string    // user identity from the token, if any
	ExpiresAt time.Time // zero = unknown, treated as non-expiring
}

// NewCredential wraps an opaque token with an explicit expiry.
func NewCredential(token string, expiresAt time.Time) Credential {
	return Credential{Token: strings.TrimSpace(token), ExpiresAt: expiresAt}
}

// ParseCredential reads subject and expiry from a JWT access token.
// The signature is not verified: the broker is the verifier, the client
// only needs to know when to ask for a new token.
func ParseCredential(token string) (Credential, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Credential{}, ErrNoCredential
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Credential{}, fmt.Errorf("parse access token: %w", err)
	}

	cred := Credential{Token: token, Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
	}
	return cred, nil
}

// ParseOrWrap parses a JWT, falling back to an opaque non-expiring
// credential when the token is not a JWT.
func ParseOrWrap(token string) (Credential, error) {
	cred, err := ParseCredential(token)
	if errors.Is(err, ErrNoCredential) {
		return Credential{}, err
	}
	if err != nil {
		return NewCredential(token, time.Time{}), nil
	}
	return cred, nil
}

// Empty reports whether no token is present.
func (c Credential) Empty() bool {
	return c.Token == ""
}

// ExpiredAt reports whether the credential is expired at now.
func (c Credential) ExpiredAt(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// BearerHeader returns the Authorization header value.
func (c Credential) BearerHeader() string {
	return "Bearer " + c.Token
}

// Source provides the current credential.
type Source interface {
	Credential(ctx context.Context) (Credential, error)
}

// StaticSource always returns the same credential.
type StaticSource struct {
	cred Credential
}

// NewStaticSource creates a StaticSource.
func NewStaticSource(cred Credential) *StaticSource {
	return &StaticSource{cred: cred}
}

// Credential implements Source.
func (s *StaticSource) Credential(ctx context.Context) (Credential, error) {
	if s.cred.Empty() {
		return Credential{}, ErrNoCredential
	}
	return s.cred, nil
}

// Reissuer exchanges a refresh token for a new access token.
type Reissuer interface {
	Reissue(ctx context.Context, refreshToken string) (accessToken string, err error)
}

// RefreshingSource returns the current credential and can reissue it
// through the external auth collaborator.
type RefreshingSource struct {
	reissuer     Reissuer
	refreshToken string

	mu      sync.RWMutex
	current Credential
}

// NewRefreshingSource creates a RefreshingSource seeded with an initial credential.
func NewRefreshingSource(initial Credential, refreshToken string, reissuer Reissuer) *RefreshingSource {
	return &RefreshingSource{
		reissuer:     reissuer,
		refreshToken: refreshToken,
		current:      initial,
	}
}

// Credential implements Source.
func (s *RefreshingSource) Credential(ctx context.Context) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current.Empty() {
		return Credential{}, ErrNoCredential
	}
	return s.current, nil
}

// Refresh reissues the access token and stores it as current.
func (s *RefreshingSource) Refresh(ctx context.Context) (Credential, error) {
	if s.reissuer == nil || s.refreshToken == "" {
		return Credential{}, ErrNoCredential
	}

	token, err := s.reissuer.Reissue(ctx, s.refreshToken)
	if err != nil {
		return Credential{}, fmt.Errorf("reissue token: %w", err)
	}

	cred, err := ParseOrWrap(token)
	if err != nil {
		return Credential{}, err
	}

	s.mu.Lock()
	s.current = cred
	s.mu.Unlock()

	return cred, nil
}
