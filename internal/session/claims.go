package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoExpiryClaim indicates a JWT without an exp claim.
var ErrNoExpiryClaim = errors.New("session.jwt.no_expiry")

// ExpiryFromJWT reads the exp claim of an access token without verifying its
// signature. The signing key belongs to the commerce platform.
func ExpiryFromJWT(accessToken string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &claims); err != nil {
		return time.Time{}, fmt.Errorf("session.jwt.parse: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiryClaim
	}
	return claims.ExpiresAt.Time.UTC(), nil
}

// SubjectFromJWT reads the sub claim without verifying the signature.
func SubjectFromJWT(accessToken string) (string, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &claims); err != nil {
		return "", fmt.Errorf("session.jwt.parse: %w", err)
	}
	return claims.Subject, nil
}
