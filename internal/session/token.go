// Package session owns the storefront credentials: the access/refresh token
// pair and its absolute expiry, persisted in cookies.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrMissingExpiry indicates an access token without an expiry instant.
	ErrMissingExpiry = errors.New("session.missing_expiry")
	// ErrEmptyToken indicates an attempt to save a token with no credentials at all.
	ErrEmptyToken = errors.New("session.empty_token")
	// ErrCookieNotFound is returned by backends for unknown or expired cookies.
	ErrCookieNotFound = errors.New("session.cookie_not_found")
)

// SessionToken is the credential pair held for the current visitor.
// Empty strings and a zero ExpiresAt mean "absent".
type SessionToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Validate enforces that a present access token carries an expiry.
func (token SessionToken) Validate() error {
	if token.AccessToken != "" && token.ExpiresAt.IsZero() {
		return ErrMissingExpiry
	}
	return nil
}

// IsEmpty reports whether no credential is present.
func (token SessionToken) IsEmpty() bool {
	return token.AccessToken == "" && token.RefreshToken == ""
}

// HasRefresh reports whether a refresh token is present.
func (token SessionToken) HasRefresh() bool {
	return token.RefreshToken != ""
}

// Stale reports whether the access token is missing or past its expiry.
// A stale token is not invalid; it may still be exchanged via the refresh token.
func (token SessionToken) Stale(now time.Time) bool {
	if token.AccessToken == "" || token.ExpiresAt.IsZero() {
		return true
	}
	return !now.Before(token.ExpiresAt)
}

// Usable reports whether the access token may be sent as-is.
func (token SessionToken) Usable(now time.Time) bool {
	return !token.Stale(now)
}

// TokenStore persists the SessionToken. Clear is the only operation that
// erases the refresh token.
type TokenStore interface {
	Save(ctx context.Context, token SessionToken) error
	Load(ctx context.Context) (SessionToken, error)
	Clear(ctx context.Context) error
}
