package secrets

import (
	"strings"
	"testing"
	"time"

	"go-crmsync/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(&config.Config{CredentialsKey: testKey})
	require.NoError(t, err)

	creds := Credentials{
		AccessToken:  "at",
		RefreshToken: "rt",
		ClientID:     "cid",
		ClientSecret: "secret",
		ExpiresAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	sealed, err := c.Seal(creds, "int-1")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "secret")

	opened, err := c.Open(sealed, "int-1")
	require.NoError(t, err)
	assert.Equal(t, "rt", opened.RefreshToken)
	assert.True(t, opened.ExpiresAt.Equal(creds.ExpiresAt))
}

func TestCipherRejectsWrongOwner(t *testing.T) {
	c, err := NewCipher(&config.Config{CredentialsKey: testKey})
	require.NoError(t, err)

	sealed, err := c.Seal(Credentials{AccessToken: "at"}, "int-1")
	require.NoError(t, err)

	_, err = c.Open(sealed, "int-2")
	assert.Error(t, err)

	_, err = c.Open("not base64!", "int-1")
	assert.ErrorIs(t, err, ErrMalformedCiphertext)
}

func TestNewCipherRejectsShortKey(t *testing.T) {
	_, err := NewCipher(&config.Config{CredentialsKey: strings.Repeat("ab", 8)})
	assert.Error(t, err)
}

func TestCredentialsExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		expires time.Time
		want    bool
	}{
		{"no expiry", time.Time{}, false},
		{"future", now.Add(time.Hour), false},
		{"inside skew", now.Add(30 * time.Second), true},
		{"past", now.Add(-time.Minute), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Credentials{AccessToken: "x", ExpiresAt: tt.expires}
			assert.Equal(t, tt.want, c.Expired(now, time.Minute))
		})
	}
}

func TestCredentialsMerge(t *testing.T) {
	base := Credentials{AccessToken: "old", RefreshToken: "rt", Extra: map[string]string{"a": "1"}}
	merged := base.Merge(Credentials{AccessToken: "new", Extra: map[string]string{"b": "2"}})

	assert.Equal(t, "new", merged.AccessToken)
	assert.Equal(t, "rt", merged.RefreshToken)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, merged.Extra)
	assert.Equal(t, "old", base.AccessToken)
}
