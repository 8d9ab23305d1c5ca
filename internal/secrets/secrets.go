// Package secrets seals account credentials at rest with NaCl secretbox.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

// Prefix marks a sealed value
const Prefix = "secretbox:"

const nonceSize = 24

// ErrNoKey is returned when a sealed value is opened without a key
var ErrNoKey = errors.New("secret key is not configured")

// Box seals and opens credentials with a key derived from a passphrase
type Box struct {
	key *[32]byte
}

// New creates a box. An empty passphrase yields a box that passes plain values
// through and refuses sealed ones.
func New(passphrase string) *Box {
	if passphrase == "" {
		return &Box{}
	}
	key := sha256.Sum256([]byte(passphrase))
	return &Box{key: &key}
}

// Seal encrypts a value and returns it with Prefix
func (b *Box) Seal(plain string) (string, error) {
	if b.key == nil {
		return "", ErrNoKey
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plain), &nonce, b.key)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed value. Values without Prefix are returned unchanged.
func (b *Box) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if b.key == nil {
		return "", ErrNoKey
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("invalid sealed value: %w", err)
	}
	if len(data) < nonceSize+secretbox.Overhead {
		return "", fmt.Errorf("invalid sealed value: too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])
	plain, ok := secretbox.Open(nil, data[nonceSize:], &nonce, b.key)
	if !ok {
		return "", fmt.Errorf("failed to open sealed value: wrong key or corrupted data")
	}
	return string(plain), nil
}

// IsSealed reports whether value carries Prefix
func IsSealed(value string) bool {
	return strings.HasPrefix(value, Prefix)
}
