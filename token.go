package chatsync

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies the bearer token for every connection attempt and
// every request. Token acquisition and refresh live outside this package.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// TokenInfo holds the claims chatsync reads from a JWT access token.
type TokenInfo struct {
	Subject   string
	ExpiresAt time.Time
}

// InspectToken reads the subject and expiry of a JWT without verifying its
// signature; verification is the server's job. Opaque tokens yield a zero
// TokenInfo and ok=false.
func InspectToken(token string) (info TokenInfo, ok bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return TokenInfo{}, false
	}
	info.Subject = claims.Subject
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, true
}

// CheckToken resolves a token from src and rejects missing or expired ones
// with an AuthError.
func CheckToken(ctx context.Context, src TokenSource, hub string, now time.Time) (string, error) {
	if src == nil {
		return "", &AuthError{Hub: hub, Err: ErrNoToken}
	}
	token, err := src.Token(ctx)
	if err != nil {
		return "", &AuthError{Hub: hub, Err: err}
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", &AuthError{Hub: hub, Err: ErrNoToken}
	}
	if info, ok := InspectToken(token); ok && !info.ExpiresAt.IsZero() && !now.Before(info.ExpiresAt) {
		return "", &AuthError{Hub: hub, Err: ErrTokenExpired}
	}
	return token, nil
}
