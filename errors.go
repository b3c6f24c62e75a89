package authcore

import "errors"

var (
	// ErrMalformedToken is returned when an access token cannot be decoded at all.
	ErrMalformedToken = errors.New("malformed token")
	// ErrInvalidSignature is returned when an access token was not signed by a trusted key.
	ErrInvalidSignature = errors.New("invalid token signature")
	// ErrTokenInvalid is returned when an access token is signed but its claims are unusable.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired is returned by ValidateAccess for a signed token past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrReplayDetected is returned when a rotated or unknown refresh token is presented.
	// The session it belonged to has been revoked.
	ErrReplayDetected = errors.New("refresh token replay detected")
	// ErrRotationConflict is returned when a concurrent request rotated the same refresh
	// token moments earlier. Nothing is revoked.
	ErrRotationConflict = errors.New("refresh token rotated concurrently")
	// ErrRefreshExpired is returned when the refresh token is past its expiry.
	ErrRefreshExpired = errors.New("refresh token expired")
	// ErrRefreshInvalid is returned when the refresh token is not well formed or does not
	// belong to the presented access token.
	ErrRefreshInvalid = errors.New("refresh token invalid")
	// ErrSessionNotFound is returned when the session id is unknown or owned by another user.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionRevoked is returned when the session has been logged out.
	ErrSessionRevoked = errors.New("session revoked")
	// ErrStoreUnavailable wraps transient ledger and registry failures.
	ErrStoreUnavailable = errors.New("auth store unavailable")
	// ErrInvalidCredentials is returned by Login for an unknown identifier or a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrLoginRateLimited is returned when the identifier or IP exceeded its login budget.
	ErrLoginRateLimited = errors.New("login rate limited")
	// ErrRefreshRateLimited is returned when a session refreshes too often.
	ErrRefreshRateLimited = errors.New("refresh rate limited")
	// ErrEngineNotReady is returned when a method is called on a nil or closed Engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// IsDefinitive reports whether a refresh failure means the credentials can never succeed
// again. Callers clear client credentials on definitive failures only.
func IsDefinitive(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrRotationConflict),
		errors.Is(err, ErrRefreshRateLimited),
		errors.Is(err, ErrEngineNotReady):
		return false
	default:
		return true
	}
}
