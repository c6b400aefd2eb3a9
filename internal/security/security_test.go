package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptorRoundTrip(t *testing.T) {
	enc, err := NewEncryptor([]byte("secret"))
	require.NoError(t, err)

	sealed, err := enc.Seal([]byte(`{"body":"hi"}`), "c1")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "hi")

	plain, err := enc.Open(sealed, "c1")
	require.NoError(t, err)
	assert.Equal(t, `{"body":"hi"}`, string(plain))

	_, err = enc.Open(sealed, "c2")
	assert.Error(t, err, "payload is bound to its conversation")

	other, err := NewEncryptor([]byte("another"))
	require.NoError(t, err)
	_, err = other.Open(sealed, "c1")
	assert.Error(t, err)

	_, err = NewEncryptor(nil)
	assert.Error(t, err)
}

func TestTokenService(t *testing.T) {
	ts := NewTokenService("s3cret", time.Hour)
	tok, err := ts.Issue("user-1", "client")
	require.NoError(t, err)

	claims, err := ts.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "client", claims.Role)

	expired, err := ts.IssueWithTTL("user-1", "client", -time.Minute)
	require.NoError(t, err)
	_, err = ts.Parse(expired)
	assert.Error(t, err)

	_, err = NewTokenService("other", time.Hour).Parse(tok)
	assert.Error(t, err)
}
