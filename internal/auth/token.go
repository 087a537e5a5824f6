// Package auth inspects the daemon's access token. The token is validated
// by the coordination service, not locally; inspection only extracts claims
// for expiry warnings and a loggable fingerprint that never exposes the
// token itself.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNotJWT is returned for opaque (non-JWT) tokens. Those are still valid
// credentials; they just carry no inspectable claims.
var ErrNotJWT = errors.New("token is not a JWT")

// TokenInfo is what the daemon can learn from its own access token.
type TokenInfo struct {
	Subject     string
	ExpiresAt   time.Time
	Fingerprint string
}

// Inspect parses the access token without verifying its signature.
func Inspect(token string) (*TokenInfo, error) {
	info := &TokenInfo{Fingerprint: Fingerprint(token)}

	parser := jwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return info, ErrNotJWT
	}

	if sub, err := parsed.Claims.GetSubject(); err == nil {
		info.Subject = sub
	}
	if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}
	return info, nil
}

// ExpiresWithin reports whether the token has an expiry inside d.
func (t *TokenInfo) ExpiresWithin(d time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Until(t.ExpiresAt) < d
}

// Fingerprint returns a short stable digest of the token for log lines.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:4])
}
