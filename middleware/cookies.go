package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/edulab/authcore"
)

// CookieConfig names and scopes the credential cookies.
type CookieConfig struct {
	AccessName  string
	RefreshName string
	// ExpiryName is the readable cookie mirroring the refresh token expiry so browser
	// code can tell when the session will end.
	ExpiryName string
	Domain     string
	Path       string
	Secure     bool
	SameSite   http.SameSite
}

// DefaultCookieConfig returns Secure, SameSite=Strict cookies scoped to "/".
func DefaultCookieConfig() CookieConfig {
	return CookieConfig{
		AccessName:  "access_token",
		RefreshName: "refresh_token",
		ExpiryName:  "refresh_token_expiry",
		Path:        "/",
		Secure:      true,
		SameSite:    http.SameSiteStrictMode,
	}
}

func (c CookieConfig) withDefaults() CookieConfig {
	def := DefaultCookieConfig()
	if c.AccessName == "" {
		c.AccessName = def.AccessName
	}
	if c.RefreshName == "" {
		c.RefreshName = def.RefreshName
	}
	if c.ExpiryName == "" {
		c.ExpiryName = def.ExpiryName
	}
	if c.Path == "" {
		c.Path = def.Path
	}
	if c.SameSite == 0 {
		c.SameSite = def.SameSite
	}
	return c
}

// Cookies builds the three cookies carrying pair. The access cookie lives as long as the
// refresh token so an expired access token still reaches the renewal middleware.
func (c CookieConfig) Cookies(pair *authcore.TokenPair) []*http.Cookie {
	c = c.withDefaults()
	return []*http.Cookie{
		c.cookie(c.AccessName, pair.AccessToken, pair.RefreshTokenExpiry, true),
		c.cookie(c.RefreshName, pair.RefreshToken, pair.RefreshTokenExpiry, true),
		c.cookie(c.ExpiryName, pair.RefreshTokenExpiry.UTC().Format(time.RFC3339), pair.RefreshTokenExpiry, false),
	}
}

// Expired returns cookies that delete the credentials from the browser.
func (c CookieConfig) Expired() []*http.Cookie {
	c = c.withDefaults()
	out := make([]*http.Cookie, 0, 3)
	for _, name := range []string{c.AccessName, c.RefreshName, c.ExpiryName} {
		ck := c.cookie(name, "", time.Unix(0, 0), name != c.ExpiryName)
		ck.MaxAge = -1
		out = append(out, ck)
	}
	return out
}

func (c CookieConfig) cookie(name, value string, expires time.Time, httpOnly bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     c.Path,
		Domain:   c.Domain,
		Expires:  expires,
		Secure:   c.Secure,
		HttpOnly: httpOnly,
		SameSite: c.SameSite,
	}
}

// SetTokens writes pair to the response.
func (c CookieConfig) SetTokens(w http.ResponseWriter, pair *authcore.TokenPair) {
	for _, ck := range c.Cookies(pair) {
		http.SetCookie(w, ck)
	}
}

// ClearTokens expires the credential cookies.
func (c CookieConfig) ClearTokens(w http.ResponseWriter) {
	for _, ck := range c.Expired() {
		http.SetCookie(w, ck)
	}
}

// ReadCredentials returns the tokens carried by the request cookies.
func (c CookieConfig) ReadCredentials(r *http.Request) authcore.Credentials {
	c = c.withDefaults()
	var creds authcore.Credentials
	if ck, err := r.Cookie(c.AccessName); err == nil {
		creds.AccessToken = ck.Value
	}
	if ck, err := r.Cookie(c.RefreshName); err == nil {
		creds.RefreshToken = ck.Value
	}
	return creds
}

// RewriteRequest replaces the credential cookies on r with pair so handlers further down
// the chain read the renewed tokens.
func (c CookieConfig) RewriteRequest(r *http.Request, pair *authcore.TokenPair) {
	c = c.withDefaults()
	owned := map[string]bool{c.AccessName: true, c.RefreshName: true, c.ExpiryName: true}

	kept := r.Cookies()
	r.Header.Del("Cookie")
	for _, ck := range kept {
		if owned[ck.Name] {
			continue
		}
		r.AddCookie(&http.Cookie{Name: ck.Name, Value: ck.Value})
	}
	for _, ck := range c.Cookies(pair) {
		r.AddCookie(&http.Cookie{Name: ck.Name, Value: ck.Value})
	}
}

// AccessToken returns the access token from the cookie, falling back to an
// "Authorization: Bearer" header.
func (c CookieConfig) AccessToken(r *http.Request) (string, bool) {
	c = c.withDefaults()
	if ck, err := r.Cookie(c.AccessName); err == nil && ck.Value != "" {
		return ck.Value, true
	}
	return bearerToken(r.Header.Get("Authorization"))
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}

// CookieStore is the cookie-backed CredentialStore for one net/http request.
type CookieStore struct {
	cfg CookieConfig
	w   http.ResponseWriter
	r   *http.Request
}

func NewCookieStore(w http.ResponseWriter, r *http.Request, cfg CookieConfig) *CookieStore {
	return &CookieStore{cfg: cfg, w: w, r: r}
}

func (s *CookieStore) Load() (authcore.Credentials, bool) {
	creds := s.cfg.ReadCredentials(s.r)
	return creds, creds.Complete()
}

func (s *CookieStore) Save(pair *authcore.TokenPair) {
	s.cfg.SetTokens(s.w, pair)
	s.cfg.RewriteRequest(s.r, pair)
}

func (s *CookieStore) Clear() {
	s.cfg.ClearTokens(s.w)
}
