package refresh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenIsUniqueAndWellFormed(t *testing.T) {
	seen := make(map[string]struct{}, 64)
	for i := 0; i < 64; i++ {
		tok, err := NewToken()
		require.NoError(t, err)
		require.NoError(t, CheckFormat(tok))
		assert.Len(t, tok, 43)
		_, dup := seen[tok]
		require.False(t, dup, "token generated twice")
		seen[tok] = struct{}{}
	}
}

func TestHashHexStable(t *testing.T) {
	tok, err := NewToken()
	require.NoError(t, err)
	assert.Equal(t, HashHex(tok), HashHex(tok))
	assert.Len(t, HashHex(tok), 64)
}

// FuzzCheckFormat makes sure arbitrary input never panics the format check.
func FuzzCheckFormat(f *testing.F) {
	f.Add("")
	f.Add("abc")
	f.Add("!!!not-base64!!!")
	f.Add("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	if tok, err := NewToken(); err == nil {
		f.Add(tok)
	}

	f.Fuzz(func(t *testing.T, input string) {
		if err := CheckFormat(input); err != nil {
			return
		}
		if len(input) != 43 {
			t.Fatalf("accepted token of length %d", len(input))
		}
	})
}
