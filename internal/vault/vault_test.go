package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

	"github.com/sand/loyalty-escrow/backend/internal/entities"
)

func TestVault(t *testing.T) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	creds := []byte(`{"username":"alice","password":"hunter2"}`)

	t.Run("only the recipient can open", func(t *testing.T) {
		v, err := New(base64.StdEncoding.EncodeToString(publicKey[:]))
		require.NoError(t, err)

		sealed, err := v.Encrypt(creds)
		require.NoError(t, err)
		require.NotContains(t, sealed, "hunter2")

		raw, err := base64.StdEncoding.DecodeString(sealed)
		require.NoError(t, err)

		opened, ok := box.OpenAnonymous(nil, raw, publicKey, privateKey)
		require.True(t, ok)
		require.Equal(t, creds, opened)

		_, otherPrivate, err := box.GenerateKey(rand.Reader)
		require.NoError(t, err)
		_, ok = box.OpenAnonymous(nil, raw, publicKey, otherPrivate)
		require.False(t, ok)
	})

	t.Run("tampered ciphertext is rejected", func(t *testing.T) {
		v, err := New(hex.EncodeToString(publicKey[:]))
		require.NoError(t, err)

		sealed, err := v.Encrypt(creds)
		require.NoError(t, err)

		raw, err := base64.StdEncoding.DecodeString(sealed)
		require.NoError(t, err)
		raw[len(raw)-1] ^= 0xff

		_, ok := box.OpenAnonymous(nil, raw, publicKey, privateKey)
		require.False(t, ok)
	})

	t.Run("sealing is randomized", func(t *testing.T) {
		v, err := New(base64.StdEncoding.EncodeToString(publicKey[:]))
		require.NoError(t, err)

		first, err := v.Encrypt(creds)
		require.NoError(t, err)
		second, err := v.Encrypt(creds)
		require.NoError(t, err)
		require.NotEqual(t, first, second)
	})

	t.Run("missing key", func(t *testing.T) {
		v, err := New("")
		require.NoError(t, err)

		_, err = v.Encrypt(creds)
		require.Equal(t, entities.CodeConfigMissing, entities.CodeOf(err))
	})

	t.Run("malformed key", func(t *testing.T) {
		_, err := New("not-a-key")
		require.Error(t, err)
	})
}
