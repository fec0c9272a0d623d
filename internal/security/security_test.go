package security_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stancp327/Fetchwork-sub000/internal/security"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := security.NewTokenService("secret", time.Hour)

	tok, err := svc.CreateForUser(42)
	require.NoError(t, err)

	id, err := svc.UserID(tok)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestTokenRejectsForeignSecretAndExpiry(t *testing.T) {
	issuer := security.NewTokenService("other", time.Hour)
	verifier := security.NewTokenService("secret", time.Hour)

	tok, err := issuer.CreateForUser(1)
	require.NoError(t, err)
	_, err = verifier.UserID(tok)
	assert.Error(t, err)

	expired, err := verifier.CreateWithTTL(1, -time.Minute)
	require.NoError(t, err)
	_, err = verifier.UserID(expired)
	assert.Error(t, err)
}

func TestEncryptorRoundTripAndRotation(t *testing.T) {
	old, err := security.NewEncryptor("old-secret", nil)
	require.NoError(t, err)
	sealed, err := old.Encrypt("hello")
	require.NoError(t, err)
	assert.NotEqual(t, "hello", sealed)

	rotated, err := security.NewEncryptor("new-secret", []string{"old-secret"})
	require.NoError(t, err)
	plain, err := rotated.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello", plain)

	fresh, err := security.NewEncryptor("new-secret", nil)
	require.NoError(t, err)
	_, err = fresh.Decrypt(sealed)
	assert.Error(t, err)
}

func TestEncryptorRequiresKey(t *testing.T) {
	_, err := security.NewEncryptor("  ", nil)
	assert.Error(t, err)
}
