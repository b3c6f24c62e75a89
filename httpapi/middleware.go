package httpapi

import (
	"context"
	"time"

	"github.com/edulab/authcore"
	"github.com/edulab/authcore/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const authResultKey = "authcore.auth"

// RequestLogger logs each request using zap.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}

// Renewal runs the renewal gateway over the request cookies. Renewed tokens are written
// to the response and to c.Request, so RequireAuth later in the chain sees them.
func Renewal(v middleware.TokenValidator, r middleware.SessionRevoker, cookies middleware.CookieConfig, opts ...middleware.Option) gin.HandlerFunc {
	var options middleware.RenewalOptions
	for _, opt := range opts {
		opt(&options)
	}
	return func(c *gin.Context) {
		out := middleware.RunRenewal(clientContext(c), middleware.RenewalDeps{
			Validator: v,
			Revoker:   r,
			Store:     middleware.NewCookieStore(c.Writer, c.Request, cookies),
			Options:   options,
		})
		if !out.Proceed() {
			Unauthorized(c)
			return
		}
		c.Next()
	}
}

// RequireAuth aborts with 401 unless the request carries a valid access token in the
// access cookie or an Authorization bearer header.
func RequireAuth(v middleware.AccessValidator, cookies middleware.CookieConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := cookies.AccessToken(c.Request)
		if !ok {
			Unauthorized(c)
			return
		}
		res, err := v.ValidateAccess(c.Request.Context(), token)
		if err != nil {
			Unauthorized(c)
			return
		}
		c.Set(authResultKey, res)
		c.Request = c.Request.WithContext(middleware.WithAuthResult(c.Request.Context(), res))
		c.Next()
	}
}

// CurrentAuth returns the result stored by RequireAuth.
func CurrentAuth(c *gin.Context) (*authcore.AuthResult, bool) {
	v, ok := c.Get(authResultKey)
	if !ok {
		return nil, false
	}
	res, ok := v.(*authcore.AuthResult)
	return res, ok
}

func clientContext(c *gin.Context) context.Context {
	ctx := authcore.WithClientIP(c.Request.Context(), c.ClientIP())
	return authcore.WithUserAgent(ctx, c.Request.UserAgent())
}
