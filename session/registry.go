package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionNotFound is returned when no session has the given id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionInactive is returned by Touch on a logged-out session.
	ErrSessionInactive = errors.New("session inactive")
	// ErrStoreUnavailable wraps every storage failure.
	ErrStoreUnavailable = errors.New("session registry unavailable")
)

// Registry tracks login sessions per user.
type Registry interface {
	// Create stores an active session with LoginTime set to now and a fresh id.
	Create(ctx context.Context, in NewSession) (*Session, error)
	// ActiveForUser lists the active sessions of userID ordered by login time.
	ActiveForUser(ctx context.Context, userID string) ([]Session, error)
	// Get returns the session or ErrSessionNotFound.
	Get(ctx context.Context, id string) (*Session, error)
	// Revoke deactivates one session. It returns false when nothing changed.
	Revoke(ctx context.Context, id string) (bool, error)
	// RevokeAllForUser deactivates every active session of userID except exceptID.
	RevokeAllForUser(ctx context.Context, userID, exceptID string) (int, error)
	// Touch records activity on an active session.
	Touch(ctx context.Context, id string, at time.Time) error
}

type options struct {
	now       func() time.Time
	prefix    string
	idleTTL   time.Duration
	retention time.Duration
}

// Option configures a registry implementation.
type Option func(*options)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithKeyPrefix sets the Redis key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithIdleTTL drops active Redis sessions that see no Touch for d. It should not be
// shorter than the refresh-token lifetime.
func WithIdleTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.idleTTL = d
		}
	}
}

// WithHistoryRetention keeps revoked Redis sessions readable for d. Zero keeps them
// until the idle TTL runs out.
func WithHistoryRetention(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.retention = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:       time.Now,
		prefix:    "sess",
		idleTTL:   30 * 24 * time.Hour,
		retention: 30 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
