// Package sealer encrypts raw event payloads at rest with XChaCha20-Poly1305.
package sealer

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const prefix = "enc:"

// ErrOpenFailed is returned when no configured key opens a sealed payload.
var ErrOpenFailed = errors.New("open sealed payload failed; check the encryption key")

// Box seals with its first key and opens with any of them, so keys can be rotated by
// passing the old secret after the new one.
type Box struct {
	keys [][chacha20poly1305.KeySize]byte
}

// New derives one key per secret. Empty secrets are ignored; at least one is required.
func New(secrets ...string) (*Box, error) {
	b := &Box{}
	for _, s := range secrets {
		if strings.TrimSpace(s) == "" {
			continue
		}
		b.keys = append(b.keys, sha256.Sum256([]byte(s)))
	}
	if len(b.keys) == 0 {
		return nil, errors.New("sealer: encryption key is empty")
	}
	return b, nil
}

// Seal encrypts plaintext into a printable token.
func (b *Box) Seal(plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(b.keys[0][:])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	out := aead.Seal(nonce, nonce, plaintext, nil)
	return prefix + base64.RawStdEncoding.EncodeToString(out), nil
}

// Open decrypts a token produced by Seal. Tokens without the sealed prefix are returned as is.
func (b *Box) Open(token string) ([]byte, error) {
	if !strings.HasPrefix(token, prefix) {
		return []byte(token), nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(token, prefix))
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("open: sealed payload too short")
	}
	nonce, ciphertext := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	for _, key := range b.keys {
		aead, err := chacha20poly1305.NewX(key[:])
		if err != nil {
			continue
		}
		if plaintext, err := aead.Open(nil, nonce, ciphertext, nil); err == nil {
			return plaintext, nil
		}
	}
	return nil, ErrOpenFailed
}
