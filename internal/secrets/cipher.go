package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"go-crmsync/internal/config"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrMalformedCiphertext = errors.New("malformed credentials ciphertext")

// Cipher seals credentials at rest with XChaCha20-Poly1305.
// Sealed values are base64(nonce || ciphertext).
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from the hex encoded key in config
func NewCipher(cfg *config.Config) (*Cipher, error) {
	key, err := hex.DecodeString(cfg.CredentialsKey)
	if err != nil {
		return nil, fmt.Errorf("invalid credentials key: %w", err)
	}
	return NewCipherFromKey(key)
}

func NewCipherFromKey(key []byte) (*Cipher, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("invalid credentials key: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts creds; additionalData binds the ciphertext to its owner (the integration id).
func (c *Cipher) Seal(creds Credentials, additionalData string) (string, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := c.aead.Seal(nonce, nonce, plain, []byte(additionalData))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal with the same additionalData.
func (c *Cipher) Open(sealed string, additionalData string) (Credentials, error) {
	var creds Credentials

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return creds, ErrMalformedCiphertext
	}
	if len(raw) < c.aead.NonceSize() {
		return creds, ErrMalformedCiphertext
	}

	nonce, body := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, body, []byte(additionalData))
	if err != nil {
		return creds, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	if err := json.Unmarshal(plain, &creds); err != nil {
		return creds, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return creds, nil
}
