package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrReplayDetected is returned by Rotate when the presented token is unknown or was
	// already revoked. A legitimate client never presents a rotated token twice.
	ErrReplayDetected = errors.New("refresh token replay detected")
	// ErrTokenExpired is returned by Rotate when the presented token is past its expiry.
	ErrTokenExpired = errors.New("refresh token expired")
	// ErrStoreUnavailable wraps every storage failure. It is the only transient error.
	ErrStoreUnavailable = errors.New("refresh ledger unavailable")
	// ErrTokenCollision is returned when a new token value already exists in the ledger.
	ErrTokenCollision = errors.New("refresh token collision")
	// ErrTokenNotFound is returned by Lookup for a value the user never saved.
	ErrTokenNotFound = errors.New("refresh token not found")
	// ErrFamilyMismatch is returned by Rotate when the presented token belongs to a
	// different rotation chain than the caller expected. Nothing is changed.
	ErrFamilyMismatch = errors.New("refresh token belongs to another chain")
)

// Record is one row of the ledger. Rows are only ever mutated to flip Revoked.
type Record struct {
	ID         string
	UserID     string
	FamilyID   string
	TokenHash  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Revoked    bool
	RevokedAt  *time.Time
	ReplacedBy string
}

// Active reports whether the row can still be exchanged at now.
func (r Record) Active(now time.Time) bool {
	return !r.Revoked && now.Before(r.ExpiresAt)
}

// Ledger persists refresh tokens keyed by user and enforces one-time-use rotation.
//
// Every implementation must make Rotate linearizable per (userID, oldToken).
type Ledger interface {
	// Save inserts a new active row. Prior rows of the user are left untouched.
	Save(ctx context.Context, userID, token string, expiresAt time.Time, opts ...SaveOption) (Record, error)
	// Validate reports whether token is a live, unrevoked row of userID.
	Validate(ctx context.Context, userID, token string) (bool, error)
	// Lookup returns the row for token whatever its state, or ErrTokenNotFound.
	Lookup(ctx context.Context, userID, token string) (Record, error)
	// Rotate revokes oldToken and inserts newToken in one atomic step.
	// On ErrReplayDetected the returned Record describes the old row when it still exists.
	Rotate(ctx context.Context, userID, oldToken, newToken string, newExpiry time.Time, opts ...RotateOption) (Record, error)
	// Revoke marks one row revoked. It returns false when nothing changed.
	Revoke(ctx context.Context, userID, token string) (bool, error)
	// RevokeAll marks every unrevoked row of the user revoked.
	RevokeAll(ctx context.Context, userID string) (int, error)
	// RevokeFamily marks every unrevoked row of one rotation chain revoked.
	RevokeFamily(ctx context.Context, userID, familyID string) (int, error)
}

type saveOptions struct {
	familyID string
}

// SaveOption customizes Save.
type SaveOption func(*saveOptions)

// WithFamily places the saved token in an existing or pre-allocated rotation chain.
// Without it Save starts a new chain.
func WithFamily(familyID string) SaveOption {
	return func(o *saveOptions) {
		o.familyID = familyID
	}
}

type rotateOptions struct {
	familyID string
}

// RotateOption customizes Rotate.
type RotateOption func(*rotateOptions)

// ExpectFamily makes Rotate fail with ErrFamilyMismatch, before any other check, when
// the old row is not part of familyID. Empty disables the check.
func ExpectFamily(familyID string) RotateOption {
	return func(o *rotateOptions) {
		o.familyID = familyID
	}
}

func buildRotateOptions(opts []RotateOption) rotateOptions {
	var o rotateOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type options struct {
	now       func() time.Time
	prefix    string
	retention time.Duration
}

// Option configures a ledger implementation.
type Option func(*options)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithKeyPrefix sets the Redis key namespace. Ignored by the Postgres ledger.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithRetention keeps rows readable for d after they expire so that late replays are
// still recognized. Ignored by the Postgres ledger, which never deletes.
func WithRetention(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.retention = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:       time.Now,
		prefix:    "rt",
		retention: 7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
