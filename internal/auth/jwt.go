package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when the token cannot be parsed
	ErrInvalidToken = errors.New("invalid token")
	// ErrNoExpiry is returned when the token carries no exp claim
	ErrNoExpiry = errors.New("token has no expiry")
)

// TokenExpiry reads the exp claim of a token issued by the aggregation server.
// The signature is not verified; the token is only ever presented back to its issuer.
func TokenExpiry(tokenString string) (time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}
	return claims.ExpiresAt.Time, nil
}

// ExpiresWithin reports whether a token expiring at expiry must be renewed at now.
// A zero expiry is always due.
func ExpiresWithin(expiry, now time.Time, margin time.Duration) bool {
	return expiry.IsZero() || !now.Add(margin).Before(expiry)
}
