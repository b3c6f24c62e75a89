package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/edulab/authcore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type oneUser struct{}

func (oneUser) Authenticate(_ context.Context, identifier, pw string) (authcore.Identity, error) {
	if identifier != "carol" || pw != "open-sesame-42" {
		return authcore.Identity{}, authcore.ErrInvalidCredentials
	}
	return authcore.Identity{UserID: "u-carol", Name: "Carol", Roles: []string{"teacher"}}, nil
}

func (oneUser) GetIdentity(_ context.Context, userID string) (authcore.Identity, error) {
	if userID != "u-carol" {
		return authcore.Identity{}, authcore.ErrUserNotFound
	}
	return authcore.Identity{UserID: "u-carol", Name: "Carol", Roles: []string{"teacher"}}, nil
}

func newEngine(t *testing.T) (*authcore.Engine, *stepClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := authcore.DefaultConfig()
	cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	clock := &stepClock{now: time.Now().Truncate(time.Millisecond)}

	engine, err := authcore.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserProvider(oneUser{}).
		WithClock(clock.Now).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine, clock
}

func withCookies(req *http.Request, cookies []*http.Cookie) *http.Request {
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	return req
}

func cookieByName(cookies []*http.Cookie, name string) *http.Cookie {
	for _, ck := range cookies {
		if ck.Name == name {
			return ck
		}
	}
	return nil
}

func protected(engine *authcore.Engine, cfg CookieConfig, seen *authcore.AuthResult) http.Handler {
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, ok := AuthResultFromContext(r.Context())
		if ok {
			*seen = *res
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return Renewal(engine, engine, cfg)(Guard(engine, cfg)(final))
}

func TestRenewalRotatesExpiredCookies(t *testing.T) {
	engine, clock := newEngine(t)
	cfg := DefaultCookieConfig()

	login, err := engine.Login(context.Background(), authcore.LoginRequest{Identifier: "carol", Password: "open-sesame-42"})
	require.NoError(t, err)
	clock.Advance(16 * time.Minute)

	var seen authcore.AuthResult
	rec := httptest.NewRecorder()
	req := withCookies(httptest.NewRequest(http.MethodGet, "/courses", nil), cfg.Cookies(&login.TokenPair))
	protected(engine, cfg, &seen).ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "u-carol", seen.UserID)
	assert.Equal(t, login.SessionID, seen.SessionID)

	set := rec.Result().Cookies()
	refreshed := cookieByName(set, cfg.RefreshName)
	require.NotNil(t, refreshed)
	assert.NotEqual(t, login.RefreshToken, refreshed.Value)
	assert.True(t, refreshed.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, refreshed.SameSite)
	require.NotNil(t, cookieByName(set, cfg.AccessName))
	expiry := cookieByName(set, cfg.ExpiryName)
	require.NotNil(t, expiry)
	assert.False(t, expiry.HttpOnly)

	// The original refresh token is spent; presenting it again is a replay.
	clock.Advance(time.Minute)
	rec = httptest.NewRecorder()
	req = withCookies(httptest.NewRequest(http.MethodGet, "/courses", nil), cfg.Cookies(&login.TokenPair))
	protected(engine, cfg, &seen).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	cleared := cookieByName(rec.Result().Cookies(), cfg.RefreshName)
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)
	assert.Less(t, cleared.MaxAge, 0)
}

func TestRenewalLeavesFreshTokensAlone(t *testing.T) {
	engine, _ := newEngine(t)
	cfg := DefaultCookieConfig()

	login, err := engine.Login(context.Background(), authcore.LoginRequest{Identifier: "carol", Password: "open-sesame-42"})
	require.NoError(t, err)

	var seen authcore.AuthResult
	rec := httptest.NewRecorder()
	req := withCookies(httptest.NewRequest(http.MethodGet, "/courses", nil), cfg.Cookies(&login.TokenPair))
	protected(engine, cfg, &seen).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Result().Cookies())
	assert.Equal(t, []string{"teacher"}, seen.Roles)
}

func TestGuardAcceptsBearerHeader(t *testing.T) {
	engine, _ := newEngine(t)
	cfg := DefaultCookieConfig()

	login, err := engine.Login(context.Background(), authcore.LoginRequest{Identifier: "carol", Password: "open-sesame-42"})
	require.NoError(t, err)

	var seen authcore.AuthResult
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/courses", nil)
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	protected(engine, cfg, &seen).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "u-carol", seen.UserID)
}

func TestGuardRejectsMissingToken(t *testing.T) {
	engine, _ := newEngine(t)
	var seen authcore.AuthResult

	rec := httptest.NewRecorder()
	protected(engine, DefaultCookieConfig(), &seen).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/courses", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRewriteRequestKeepsForeignCookies(t *testing.T) {
	cfg := DefaultCookieConfig()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "theme", Value: "dark"})
	req.AddCookie(&http.Cookie{Name: cfg.AccessName, Value: "old-access"})
	req.AddCookie(&http.Cookie{Name: cfg.RefreshName, Value: "old-refresh"})

	cfg.RewriteRequest(req, &authcore.TokenPair{AccessToken: "new-access", RefreshToken: "new-refresh", RefreshTokenExpiry: time.Now().Add(time.Hour)})

	creds := cfg.ReadCredentials(req)
	assert.Equal(t, "new-access", creds.AccessToken)
	assert.Equal(t, "new-refresh", creds.RefreshToken)
	theme, err := req.Cookie("theme")
	require.NoError(t, err)
	assert.Equal(t, "dark", theme.Value)
	assert.Len(t, req.Cookies(), 4)
}

func TestBearerToken(t *testing.T) {
	cases := map[string]struct {
		header string
		want   string
		ok     bool
	}{
		"valid":        {"Bearer abc.def.ghi", "abc.def.ghi", true},
		"empty":        {"Bearer ", "", false},
		"wrong scheme": {"Basic abc", "", false},
		"missing":      {"", "", false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, ok := bearerToken(tc.header)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}
