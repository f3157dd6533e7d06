package messaging

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the verified result of an identify token.
type Identity struct {
	UserID string
}

// TokenVerifier binds the identify event to the external authentication
// provider. We define the interface here to keep the gateway decoupled
// from any concrete token format.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

// ErrBadToken covers every verification failure; callers never learn why.
var ErrBadToken = errors.New("invalid token")

// HMACVerifier validates HS256 tokens minted by the auth provider.
// The subject claim carries the stable user id used throughout.
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier constructs a verifier from the shared signing secret.
func NewHMACVerifier(secret string) (*HMACVerifier, error) {
	if len(secret) < 32 {
		return nil, errors.New("messaging: token secret must be at least 32 bytes")
	}
	return &HMACVerifier{secret: []byte(secret)}, nil
}

// Verify parses and validates the token and extracts the user identity.
func (v *HMACVerifier) Verify(token string) (Identity, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return Identity{}, ErrBadToken
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, ErrBadToken
	}
	return Identity{UserID: sub}, nil
}
