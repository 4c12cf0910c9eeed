package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/box"

	"github.com/sand/loyalty-escrow/backend/internal/entities"
)

const keySize = 32

// Vault seals seller credentials to the execution agent's public key. Only the holder of
// the matching private key can open them; the vault itself cannot.
type Vault struct {
	recipient *[keySize]byte
}

// New parses an X25519 public key given as base64 or hex. An empty key yields a vault
// that refuses to seal.
func New(publicKey string) (*Vault, error) {
	publicKey = strings.TrimSpace(publicKey)
	if publicKey == "" {
		return &Vault{}, nil
	}

	raw, err := decodeKey(publicKey)
	if err != nil {
		return nil, err
	}

	var key [keySize]byte
	copy(key[:], raw)
	return &Vault{recipient: &key}, nil
}

// Encrypt seals plaintext with an anonymous NaCl box and returns it base64 encoded.
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	if v.recipient == nil {
		return "", entities.WrapError(entities.ErrConfigMissing, "agent public key is not configured")
	}

	sealed, err := box.SealAnonymous(nil, plaintext, v.recipient, rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to seal credentials: %w", err)
	}

	return base64.StdEncoding.EncodeToString(sealed), nil
}

func decodeKey(s string) ([]byte, error) {
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil && len(raw) == keySize {
		return raw, nil
	}
	if raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x")); err == nil && len(raw) == keySize {
		return raw, nil
	}
	return nil, fmt.Errorf("agent public key must be %d bytes in base64 or hex", keySize)
}
