// Package token mints and verifies the disposable credential a sandbox
// presents when calling back into the control plane. Each delegation gets
// its own signing secret, so one leaked token never outlives its session.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer = "handoff"

	// TokenTTL bounds how long a sandbox can call back after mint time.
	// Expiry is enforced by Verify, not by the minter.
	TokenTTL = time.Hour
)

// Claims carried by a session token
type Claims struct {
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// Mint produces a signed, short-expiry credential binding the session id
// to its per-delegation secret. Construction is pure aside from the HMAC
// primitive; any failure here surfaces before a sandbox is spawned.
func Mint(sessionID string, secret []byte) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	if len(secret) < 32 {
		return "", fmt.Errorf("signing secret must be at least 256 bits")
	}

	now := time.Now()
	claims := Claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a session token against the session's
// secret, enforcing signature and expiry.
func Verify(tokenStr string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}
