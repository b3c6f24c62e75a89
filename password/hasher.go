package password

import (
	"errors"
	"strings"
)

var (
	// ErrUnsupportedHash is returned when a stored hash matches no known scheme.
	ErrUnsupportedHash = errors.New("unsupported password hash")
	// ErrPasswordLength is returned by Hash for passwords outside the accepted length.
	ErrPasswordLength = errors.New("password length out of range")
)

const (
	minPassBytes = 10
	maxPassBytes = 72
)

// Hasher hashes new passwords and verifies stored hashes.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(password, encodedHash string) (bool, error)
	NeedsUpgrade(encodedHash string) (bool, error)
}

// Multi hashes with Argon2id and verifies both Argon2id and bcrypt hashes.
type Multi struct {
	primary *Argon2
	legacy  *Bcrypt
}

// NewMulti returns a Multi with the given Argon2id parameters. Bcrypt verification
// accepts any cost.
func NewMulti(cfg Config) (*Multi, error) {
	a, err := NewArgon2(cfg)
	if err != nil {
		return nil, err
	}
	return &Multi{primary: a, legacy: NewBcrypt(DefaultBcryptCost)}, nil
}

func (m *Multi) Hash(password string) (string, error) {
	return m.primary.Hash(password)
}

func (m *Multi) Verify(password, encodedHash string) (bool, error) {
	switch {
	case isArgon2(encodedHash):
		return m.primary.Verify(password, encodedHash)
	case isBcrypt(encodedHash):
		return m.legacy.Verify(password, encodedHash)
	default:
		return false, ErrUnsupportedHash
	}
}

// NeedsUpgrade is true for every bcrypt hash and for Argon2id hashes weaker than the
// configured parameters.
func (m *Multi) NeedsUpgrade(encodedHash string) (bool, error) {
	switch {
	case isArgon2(encodedHash):
		return m.primary.NeedsUpgrade(encodedHash)
	case isBcrypt(encodedHash):
		return true, nil
	default:
		return false, ErrUnsupportedHash
	}
}

func isArgon2(h string) bool {
	return strings.HasPrefix(h, argon2Prefix)
}

func isBcrypt(h string) bool {
	return strings.HasPrefix(h, "$2a$") || strings.HasPrefix(h, "$2b$") || strings.HasPrefix(h, "$2y$")
}

func checkLength(password string) error {
	if len(password) < minPassBytes || len(password) > maxPassBytes {
		return ErrPasswordLength
	}
	return nil
}
