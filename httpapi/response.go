package httpapi

import (
	"errors"
	"net/http"

	"github.com/edulab/authcore"
	"github.com/gin-gonic/gin"
)

func abortJSON(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"ok": 0, "code": status, "message": message})
}

// Unauthorized sends a 401 error response.
func Unauthorized(c *gin.Context) {
	abortJSON(c, http.StatusUnauthorized, "authentication required")
}

// BadRequest sends a 400 error response.
func BadRequest(c *gin.Context, message string) {
	abortJSON(c, http.StatusBadRequest, message)
}

// NotFound sends a 404 error response.
func NotFound(c *gin.Context, message string) {
	abortJSON(c, http.StatusNotFound, message)
}

// Error maps an engine error to a status code. Internal details are never echoed.
func Error(c *gin.Context, err error) {
	switch {
	case errors.Is(err, authcore.ErrInvalidCredentials):
		abortJSON(c, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, authcore.ErrLoginRateLimited), errors.Is(err, authcore.ErrRefreshRateLimited):
		abortJSON(c, http.StatusTooManyRequests, "too many attempts")
	case errors.Is(err, authcore.ErrSessionNotFound):
		abortJSON(c, http.StatusNotFound, "session not found")
	case errors.Is(err, authcore.ErrStoreUnavailable), errors.Is(err, authcore.ErrEngineNotReady):
		abortJSON(c, http.StatusServiceUnavailable, "authentication backend unavailable")
	case errors.Is(err, authcore.ErrRotationConflict),
		errors.Is(err, authcore.ErrReplayDetected),
		errors.Is(err, authcore.ErrRefreshExpired),
		errors.Is(err, authcore.ErrRefreshInvalid),
		errors.Is(err, authcore.ErrSessionRevoked),
		errors.Is(err, authcore.ErrMalformedToken),
		errors.Is(err, authcore.ErrInvalidSignature),
		errors.Is(err, authcore.ErrTokenInvalid),
		errors.Is(err, authcore.ErrTokenExpired):
		Unauthorized(c)
	default:
		abortJSON(c, http.StatusInternalServerError, "internal error")
	}
}
