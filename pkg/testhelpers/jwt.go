// Package testhelpers provides utilities for testing entity resolver components.
package testhelpers

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// GenerateTestJWT creates a signed test token for the lookup service credential.
// Only its structure and expiry matter to the client; the signature is never
// verified locally.
func GenerateTestJWT(subject string, expiresAt time.Time) string {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-signing-key"))
	if err != nil {
		panic("failed to sign test JWT: " + err.Error())
	}
	return signed
}
