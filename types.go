package authcore

import (
	"context"
	"errors"
	"time"
)

// Identity is the read-only view of a user supplied by the credential store.
// Roles are opaque labels carried into access tokens.
type Identity struct {
	UserID string
	Name   string
	Roles  []string
}

// ErrUserNotFound is returned by [UserProvider] implementations for an unknown identifier.
// Login reports it to callers as [ErrInvalidCredentials].
var ErrUserNotFound = errors.New("user not found")

// UserProvider is the credential store the engine authenticates against.
//
// Authenticate must return ErrUserNotFound or ErrInvalidCredentials (possibly wrapped) for
// bad input; any other error is treated as a backend failure.
type UserProvider interface {
	Authenticate(ctx context.Context, identifier, password string) (Identity, error)
	GetIdentity(ctx context.Context, userID string) (Identity, error)
}

// LoginRequest is the input of [Engine.Login]. Device, Location and IP describe the client
// and are stored on the session. An empty Device or IP is taken from [WithUserAgent] or
// [WithClientIP] on the context.
type LoginRequest struct {
	Identifier string
	Password   string
	Device     string
	Location   string
	IP         string
}

// TokenPair is a freshly issued access/refresh token pair.
type TokenPair struct {
	AccessToken        string
	AccessTokenExpiry  time.Time
	RefreshToken       string
	RefreshTokenExpiry time.Time
}

// LoginResult is returned by [Engine.Login].
type LoginResult struct {
	TokenPair
	UserID    string
	SessionID string
}

// Credentials are the tokens a client presented with a request.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// Complete reports whether both tokens are present.
func (c Credentials) Complete() bool {
	return c.AccessToken != "" && c.RefreshToken != ""
}

// SessionInfo is the client-facing view of one session.
type SessionInfo struct {
	ID           string     `json:"id"`
	Device       string     `json:"device"`
	Location     string     `json:"location"`
	IP           string     `json:"ip"`
	LoginTime    time.Time  `json:"loginTime"`
	LastActivity *time.Time `json:"lastActivity,omitempty"`
	Current      bool       `json:"current"`
}

// AuthResult is returned by [Engine.ValidateAccess].
type AuthResult struct {
	UserID    string
	SessionID string
	Name      string
	Roles     []string
	Extra     map[string]string
	ExpiresAt time.Time
}

// HasRole reports whether role is one of the token's labels.
func (r *AuthResult) HasRole(role string) bool {
	if r == nil {
		return false
	}
	for _, have := range r.Roles {
		if have == role {
			return true
		}
	}
	return false
}
