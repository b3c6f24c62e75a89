package middleware

import (
	"context"
	"net/http"

	"github.com/edulab/authcore"
)

type authResultContextKey struct{}

// AccessValidator fully verifies an access token. *authcore.Engine implements it.
type AccessValidator interface {
	ValidateAccess(ctx context.Context, token string) (*authcore.AuthResult, error)
}

func AuthResultFromContext(ctx context.Context) (*authcore.AuthResult, bool) {
	res, ok := ctx.Value(authResultContextKey{}).(*authcore.AuthResult)
	return res, ok
}

// WithAuthResult returns ctx carrying res for AuthResultFromContext.
func WithAuthResult(ctx context.Context, res *authcore.AuthResult) context.Context {
	return context.WithValue(ctx, authResultContextKey{}, res)
}

// Guard rejects requests without a valid access token. The token is read from the access
// cookie or the Authorization header. Run it after Renewal so renewed tokens are seen.
func Guard(v AccessValidator, cookies CookieConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := cookies.AccessToken(r)
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			res, err := v.ValidateAccess(r.Context(), token)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuthResult(r.Context(), res)))
		})
	}
}
