package security

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/hkdf"
)

const keyInfo = "marketchat message content v1"

// Encryptor provides symmetric encryption for message content at rest.
// New content is sealed with the primary key; previous keys stay valid for
// decryption so ENCRYPTION_KEY can be rotated without rewriting history.
type Encryptor struct {
	primary *fernet.Key
	keys    []*fernet.Key
}

// NewEncryptor derives fernet keys from arbitrary-length secrets with
// HKDF-SHA256. previous lists retired secrets, newest first.
func NewEncryptor(secret string, previous []string) (*Encryptor, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("encryption key must not be empty")
	}
	primary, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	keys := []*fernet.Key{primary}
	for _, p := range previous {
		if strings.TrimSpace(p) == "" {
			continue
		}
		k, err := deriveKey(p)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return &Encryptor{primary: primary, keys: keys}, nil
}

func deriveKey(secret string) (*fernet.Key, error) {
	var k fernet.Key
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	if _, err := io.ReadFull(r, k[:]); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return &k, nil
}

func (e *Encryptor) Encrypt(plain string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plain), e.primary)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func (e *Encryptor) Decrypt(enc string) (string, error) {
	// ttl 0 disables expiry: stored messages never age out.
	plain := fernet.VerifyAndDecrypt([]byte(enc), 0, e.keys)
	if plain == nil {
		return "", errors.New("failed to decrypt message payload")
	}
	return string(plain), nil
}
