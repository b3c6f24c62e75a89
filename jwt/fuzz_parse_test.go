package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"
)

// FuzzParseExpired feeds arbitrary strings to the expired-token parser.
// Invalid inputs must be rejected with an error and never panic.
func FuzzParseExpired(f *testing.F) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		f.Fatal(err)
	}
	mgr, err := NewManager(Config{
		AccessTTL:     5 * time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
		Issuer:        "fuzz-test",
		KeyID:         "k1",
		VerifyKeys:    map[string][]byte{"k1": pub},
	})
	if err != nil {
		f.Fatal(err)
	}

	validToken, _, err := mgr.IssueAccess(Subject{UserID: "uid1", SessionID: "sid1", Roles: []string{"student"}})
	if err != nil {
		f.Fatal(err)
	}

	f.Add(validToken)
	f.Add("")
	f.Add("not.a.jwt")
	f.Add("eyJhbGciOiJFZERTQSJ9.eyJ1aWQiOiJ0ZXN0In0.invalid")
	f.Add("eyJhbGciOiJub25lIn0.eyJ1aWQiOiJ0ZXN0In0.")

	f.Fuzz(func(t *testing.T, input string) {
		claims, err := mgr.ParseExpired(input)
		if err != nil {
			return
		}
		if claims == nil {
			t.Fatal("ParseExpired returned nil claims without error")
		}
		if _, err := mgr.PeekExpiry(input); err != nil {
			t.Fatalf("verified token must also peek: %v", err)
		}
	})
}
