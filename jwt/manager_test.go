package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newEdKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func newHSManager(t *testing.T, clock func() time.Time) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		AccessTTL:     15 * time.Minute,
		SigningMethod: MethodHS256,
		PrivateKey:    testSecret,
		Issuer:        "edulab",
		Clock:         clock,
	})
	require.NoError(t, err)
	return m
}

func TestIssueAccessCarriesIdentityAndRoles(t *testing.T) {
	m := newHSManager(t, nil)

	token, exp, err := m.IssueAccess(Subject{
		UserID:    "u-1",
		SessionID: "s-1",
		Name:      "Ada",
		Roles:     []string{"student", "instructor"},
		Extra:     map[string]string{"plan": "pro"},
	})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), exp, 2*time.Second)

	claims, err := m.ParseAccess(token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID())
	assert.Equal(t, "s-1", claims.SID)
	assert.Equal(t, "Ada", claims.Name)
	assert.Equal(t, []string{"student", "instructor"}, claims.Roles)
	assert.Equal(t, "pro", claims.Ext["plan"])
	assert.NotEmpty(t, claims.ID)
}

func TestIssueAccessRequiresSubject(t *testing.T) {
	m := newHSManager(t, nil)
	_, _, err := m.IssueAccess(Subject{SessionID: "s-1"})
	assert.Error(t, err)
}

func TestNewManagerRejectsShortSecret(t *testing.T) {
	_, err := NewManager(Config{AccessTTL: time.Minute, SigningMethod: MethodHS256, PrivateKey: []byte("short")})
	assert.Error(t, err)
}

func TestParseExpiredAcceptsExpiredSignedToken(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	issuer := newHSManager(t, func() time.Time { return past })
	token, _, err := issuer.IssueAccess(Subject{UserID: "u-1", SessionID: "s-1"})
	require.NoError(t, err)

	m := newHSManager(t, nil)

	_, err = m.ParseAccess(token)
	assert.ErrorIs(t, err, ErrTokenExpired)

	claims, err := m.ParseExpired(token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID())
	assert.Equal(t, "s-1", claims.SID)
}

func TestParseExpiredRejectsTamperedToken(t *testing.T) {
	m := newHSManager(t, nil)
	token, _, err := m.IssueAccess(Subject{UserID: "u-1", SessionID: "s-1"})
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	forged := base64.RawURLEncoding.EncodeToString([]byte(`{"sid":"s-1","sub":"admin","iss":"edulab","exp":4102444800}`))
	tampered := parts[0] + "." + forged + "." + parts[2]

	_, err = m.ParseExpired(tampered)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.NotErrorIs(t, err, ErrMalformedToken)
}

func TestParseExpiredRejectsMalformedToken(t *testing.T) {
	m := newHSManager(t, nil)

	for _, input := range []string{"", "not-a-token", "a.b.c", "eyJhbGciOiJIUzI1NiJ9.%%%.sig"} {
		_, err := m.ParseExpired(input)
		assert.ErrorIs(t, err, ErrMalformedToken, "input %q", input)
	}
}

func TestParseExpiredRejectsOtherKey(t *testing.T) {
	other, err := NewManager(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodHS256,
		PrivateKey:    []byte("ffffffffffffffffffffffffffffffff"),
		Issuer:        "edulab",
	})
	require.NoError(t, err)
	token, _, err := other.IssueAccess(Subject{UserID: "u-1"})
	require.NoError(t, err)

	_, err = newHSManager(t, nil).ParseExpired(token)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestParseExpiredEnforcesIssuer(t *testing.T) {
	m := newHSManager(t, nil)
	claims := AccessClaims{SID: "s-1", RegisteredClaims: gjwt.RegisteredClaims{
		Subject:   "u-1",
		Issuer:    "someone-else",
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}
	token, err := gjwt.NewWithClaims(gjwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)

	_, err = m.ParseExpired(token)
	assert.ErrorIs(t, err, ErrInvalidClaims)
}

func TestParseAccessRejectsWrongAlgorithm(t *testing.T) {
	pub, _ := newEdKeys(t)
	m, err := NewManager(Config{AccessTTL: time.Minute, SigningMethod: MethodEd25519, PublicKey: pub})
	require.NoError(t, err)

	claims := AccessClaims{SID: "s1", RegisteredClaims: gjwt.RegisteredClaims{
		Subject:   "u",
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}
	token, err := gjwt.NewWithClaims(gjwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)

	_, err = m.ParseAccess(token)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestEd25519KeyRotationByKid(t *testing.T) {
	oldPub, oldPriv := newEdKeys(t)
	newPub, newPriv := newEdKeys(t)
	verifyKeys := map[string][]byte{"old": oldPub, "new": newPub}

	oldSigner, err := NewManager(Config{AccessTTL: time.Minute, SigningMethod: MethodEd25519, PrivateKey: oldPriv, KeyID: "old", VerifyKeys: verifyKeys})
	require.NoError(t, err)
	verifier, err := NewManager(Config{AccessTTL: time.Minute, SigningMethod: MethodEd25519, PrivateKey: newPriv, KeyID: "new", VerifyKeys: verifyKeys})
	require.NoError(t, err)

	token, _, err := oldSigner.IssueAccess(Subject{UserID: "u-1"})
	require.NoError(t, err)

	claims, err := verifier.ParseAccess(token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID())
}

func TestPeekExpiryIgnoresSignature(t *testing.T) {
	m := newHSManager(t, nil)
	claims := AccessClaims{RegisteredClaims: gjwt.RegisteredClaims{
		Subject:   "u-1",
		ExpiresAt: gjwt.NewNumericDate(time.Unix(1700000000, 0)),
	}}
	token, err := gjwt.NewWithClaims(gjwt.SigningMethodHS256, claims).SignedString([]byte("not-our-key-not-our-key-not-our-key"))
	require.NoError(t, err)

	exp, err := m.PeekExpiry(token)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), exp.Unix())

	expired, err := m.Expired(token)
	require.NoError(t, err)
	assert.True(t, expired)
}

func TestExpiredIsPurelyTimeBased(t *testing.T) {
	now := time.Now()
	clock := now
	m := newHSManager(t, func() time.Time { return clock })

	token, exp, err := m.IssueAccess(Subject{UserID: "u-1"})
	require.NoError(t, err)

	expired, err := m.Expired(token)
	require.NoError(t, err)
	assert.False(t, expired)

	clock = exp.Add(time.Second)
	expired, err = m.Expired(token)
	require.NoError(t, err)
	assert.True(t, expired)
}

func TestPeekExpiryRequiresExp(t *testing.T) {
	m := newHSManager(t, nil)
	token, err := gjwt.NewWithClaims(gjwt.SigningMethodHS256, AccessClaims{SID: "s"}).SignedString(testSecret)
	require.NoError(t, err)

	_, err = m.PeekExpiry(token)
	assert.ErrorIs(t, err, ErrMalformedToken)

	_, err = m.PeekExpiry("garbage")
	assert.ErrorIs(t, err, ErrMalformedToken)
}
