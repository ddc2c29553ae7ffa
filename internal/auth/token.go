// ABOUTME: JWT credential inspection for gateway access tokens
// ABOUTME: Extracts subject and expiry without holding the gateway's signing secret

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenInfo is what the desk can read out of a gateway credential. The
// signature belongs to the gateway; only the claims matter here.
type TokenInfo struct {
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the credential is past its expiry.
func (t TokenInfo) Expired() bool {
	return !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
}

// ExpiresWithin reports whether the credential expires inside d. Used to
// warn before a connect attempt that is bound to be rejected.
func (t TokenInfo) ExpiresWithin(d time.Duration) bool {
	return !t.ExpiresAt.IsZero() && time.Until(t.ExpiresAt) < d
}

// Inspect parses a JWT credential without verifying its signature and
// returns the claims the desk cares about.
func Inspect(tokenString string) (TokenInfo, error) {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return TokenInfo{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return TokenInfo{}, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return TokenInfo{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	info := TokenInfo{Subject: sub}
	if iat, ok := claims["iat"].(float64); ok {
		info.IssuedAt = time.Unix(int64(iat), 0)
	}
	if exp, ok := claims["exp"].(float64); ok {
		info.ExpiresAt = time.Unix(int64(exp), 0)
	}
	return info, nil
}

// Generate creates an HS256 token for the given subject. Test fixtures
// and the local fake gateway use it; real credentials come from the
// gateway operator.
func Generate(secret []byte, subject string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
