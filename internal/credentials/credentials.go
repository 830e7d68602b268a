// Package credentials seals OAuth tokens and secrets before they are written
// to the database.
package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
	// prefix marks sealed values so plaintext rows written before sealing
	// was enabled can still be read.
	prefix = "sb1:"
)

// ErrInvalidKey is returned when the configured key is not 32 bytes.
var ErrInvalidKey = errors.New("credentials key must be 32 bytes")

// ErrCorrupt is returned when a sealed value cannot be opened.
var ErrCorrupt = errors.New("sealed credential is corrupt or was sealed with another key")

// Sealer encrypts and decrypts credential strings with NaCl secretbox.
type Sealer struct {
	key [keySize]byte
}

// NewSealer creates a Sealer from a raw 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}
	s := &Sealer{}
	copy(s.key[:], key)
	return s, nil
}

// ParseKey decodes a hex or standard base64 encoded key.
func ParseKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if b, err := hex.DecodeString(encoded); err == nil && len(b) == keySize {
		return b, nil
	}
	b, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode credentials key: %w", err)
	}
	if len(b) != keySize {
		return nil, ErrInvalidKey
	}
	return b, nil
}

// Seal encrypts plaintext. The empty string seals to itself.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return prefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal. Values without the sealed prefix
// are returned unchanged.
func (s *Sealer) Open(sealed string) (string, error) {
	if !strings.HasPrefix(sealed, prefix) {
		return sealed, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(sealed, prefix))
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrCorrupt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrCorrupt
	}
	return string(plain), nil
}
