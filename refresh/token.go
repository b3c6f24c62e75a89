package refresh

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

const (
	tokenSize    = 32
	tokenEncSize = 43
)

// ErrMalformedToken is returned when a presented value cannot be a refresh token.
var ErrMalformedToken = errors.New("malformed refresh token")

// NewToken returns a fresh refresh token value with 256 bits of entropy.
func NewToken() (string, error) {
	var raw [tokenSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// HashToken returns the storage key of a token value.
func HashToken(token string) [32]byte {
	return sha256.Sum256([]byte(token))
}

// HashHex is HashToken in lowercase hex, the form kept in Redis keys.
func HashHex(token string) string {
	h := HashToken(token)
	return hex.EncodeToString(h[:])
}

// CheckFormat rejects values that NewToken could never have produced.
func CheckFormat(token string) error {
	if len(token) != tokenEncSize {
		return ErrMalformedToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != tokenSize {
		return ErrMalformedToken
	}
	return nil
}
