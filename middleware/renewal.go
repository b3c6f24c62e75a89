package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/edulab/authcore"
	"go.uber.org/zap"
)

// TokenValidator checks access-token expiry and rotates credentials. *authcore.Engine
// implements it.
type TokenValidator interface {
	AccessTokenExpired(token string) (bool, error)
	Refresh(ctx context.Context, accessToken, refreshToken string) (*authcore.TokenPair, error)
}

// SessionRevoker ends the session behind a pair of credentials. *authcore.Engine
// implements it.
type SessionRevoker interface {
	Logout(ctx context.Context, accessToken, refreshToken string) error
}

// CredentialStore is where one request's credentials come from and go back to.
type CredentialStore interface {
	Load() (authcore.Credentials, bool)
	Save(pair *authcore.TokenPair)
	Clear()
}

// RenewalOptions tune RunRenewal.
type RenewalOptions struct {
	// LogoutOnTransient treats a store outage during refresh like a definitive failure.
	LogoutOnTransient bool
	Logger            *zap.Logger
}

type Option func(*RenewalOptions)

// WithLogoutOnTransient makes transient refresh failures log the client out.
func WithLogoutOnTransient() Option {
	return func(o *RenewalOptions) { o.LogoutOnTransient = true }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *RenewalOptions) { o.Logger = logger }
}

func buildOptions(opts []Option) RenewalOptions {
	var o RenewalOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// RenewalDeps are the collaborators of one RunRenewal call.
type RenewalDeps struct {
	Validator TokenValidator
	Revoker   SessionRevoker
	Store     CredentialStore
	Options   RenewalOptions
}

// RenewalAction tells the adapter what to do with the request.
type RenewalAction int

const (
	// ActionContinue passes the request on with the credentials it carried.
	ActionContinue RenewalAction = iota
	// ActionRenewed passes the request on with freshly saved credentials.
	ActionRenewed
	// ActionReject answers 401.
	ActionReject
)

func (a RenewalAction) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionRenewed:
		return "renewed"
	case ActionReject:
		return "reject"
	default:
		return "unknown"
	}
}

// RenewalOutcome is the result of RunRenewal.
type RenewalOutcome struct {
	Action RenewalAction
	// Err is the refresh or expiry-check failure, if any.
	Err error
	// Cleared is set when the credentials were wiped from the store.
	Cleared bool
	// Pair holds the renewed credentials when Action is ActionRenewed.
	Pair *authcore.TokenPair
}

// Proceed reports whether the request may continue down the chain.
func (o RenewalOutcome) Proceed() bool {
	return o.Action != ActionReject
}

// RunRenewal renews an expired access token before the request is handled.
//
// Missing credentials and unexpired access tokens pass through untouched. An expired
// access token is exchanged for a new pair which is saved back to the store. Definitive
// failures log the session out, clear the store and reject. A concurrent rotation or a
// refresh throttle rejects without clearing. Transient failures let the request proceed
// with the stale credentials unless LogoutOnTransient is set.
func RunRenewal(ctx context.Context, deps RenewalDeps) RenewalOutcome {
	logger := deps.Options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	creds, ok := deps.Store.Load()
	if !ok {
		return RenewalOutcome{Action: ActionContinue}
	}

	expired, err := deps.Validator.AccessTokenExpired(creds.AccessToken)
	if err != nil {
		return cascade(ctx, deps, logger, creds, err)
	}
	if !expired {
		return RenewalOutcome{Action: ActionContinue}
	}

	pair, err := deps.Validator.Refresh(ctx, creds.AccessToken, creds.RefreshToken)
	switch {
	case err == nil:
		deps.Store.Save(pair)
		return RenewalOutcome{Action: ActionRenewed, Pair: pair}
	case errors.Is(err, authcore.ErrRotationConflict), errors.Is(err, authcore.ErrRefreshRateLimited):
		return RenewalOutcome{Action: ActionReject, Err: err}
	case authcore.IsDefinitive(err):
		return cascade(ctx, deps, logger, creds, err)
	case deps.Options.LogoutOnTransient:
		return cascade(ctx, deps, logger, creds, err)
	default:
		logger.Warn("token renewal failed, continuing with stale credentials", zap.Error(err))
		return RenewalOutcome{Action: ActionContinue, Err: err}
	}
}

func cascade(ctx context.Context, deps RenewalDeps, logger *zap.Logger, creds authcore.Credentials, cause error) RenewalOutcome {
	if deps.Revoker != nil && signed(cause) {
		if err := deps.Revoker.Logout(ctx, creds.AccessToken, creds.RefreshToken); err != nil {
			logger.Warn("cascading logout failed", zap.Error(err), zap.NamedError("cause", cause))
		}
	}
	deps.Store.Clear()
	return RenewalOutcome{Action: ActionReject, Err: cause, Cleared: true}
}

// signed reports whether the access token behind cause still carried a trusted
// signature, which Logout needs to identify the session.
func signed(cause error) bool {
	return !errors.Is(cause, authcore.ErrMalformedToken) &&
		!errors.Is(cause, authcore.ErrInvalidSignature)
}

// Renewal is the net/http adapter of RunRenewal using cookie credentials.
func Renewal(v TokenValidator, r SessionRevoker, cookies CookieConfig, opts ...Option) func(http.Handler) http.Handler {
	options := buildOptions(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			out := RunRenewal(req.Context(), RenewalDeps{
				Validator: v,
				Revoker:   r,
				Store:     NewCookieStore(w, req, cookies),
				Options:   options,
			})
			if !out.Proceed() {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
