package credentials

import (
	"context"
	"sync"

	"github.com/edulab/authcore"
	"github.com/edulab/authcore/password"
)

// dummyPassword is verified against a throwaway hash when the identifier is unknown,
// so both failure paths cost one hash computation.
const dummyPassword = "timing-equalizer"

type equalizer struct {
	once sync.Once
	hash string
}

func (e *equalizer) burn(h password.Hasher, pw string) {
	e.once.Do(func() {
		e.hash, _ = h.Hash(dummyPassword)
	})
	if e.hash != "" {
		_, _ = h.Verify(pw, e.hash)
	}
}

// verify checks pw against the stored hash and maps every mismatch to
// authcore.ErrInvalidCredentials.
func verify(h password.Hasher, pw, encodedHash string) error {
	ok, err := h.Verify(pw, encodedHash)
	if err != nil || !ok {
		return authcore.ErrInvalidCredentials
	}
	return nil
}

var _ authcore.UserProvider = (*StaticProvider)(nil)
var _ authcore.UserProvider = (*PostgresProvider)(nil)

// contextDone is checked before hashing, which is the expensive step.
func contextDone(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
