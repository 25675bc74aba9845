package keys

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAPIKey(t *testing.T) {
	a, err := NewAPIKey()
	require.NoError(t, err)
	b, err := NewAPIKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, Prefix))
	assert.Len(t, a, len(Prefix)+43)
	assert.NotEqual(t, a, b)
	assert.True(t, IsAPIKey(a))
}

func TestIsAPIKey(t *testing.T) {
	key, err := NewAPIKey()
	require.NoError(t, err)

	for _, tc := range []struct {
		name  string
		token string
		want  bool
	}{
		{"issued", key, true},
		{"no prefix", strings.TrimPrefix(key, Prefix), false},
		{"short secret", Prefix + "abc", false},
		{"bad alphabet", Prefix + strings.Repeat("!", 43), false},
		{"jwt", "eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxIn0.sig", false},
		{"empty", "", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsAPIKey(tc.token))
		})
	}
}

func TestHashAPIKeyDependsOnPepper(t *testing.T) {
	h := HashAPIKey("pepper", "key")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashAPIKey("pepper", "key"))
	assert.NotEqual(t, h, HashAPIKey("other", "key"))
	assert.NotEqual(t, h, HashAPIKey("pepper", "key2"))
}

func TestHint(t *testing.T) {
	key, err := NewAPIKey()
	require.NoError(t, err)
	assert.Equal(t, key[:8]+"...", Hint(key))
	assert.Equal(t, "invalid", Hint("secret-without-prefix"))
}
