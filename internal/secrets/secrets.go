// Package secrets is the boundary to the symmetric cipher used for
// repository deploy keys at rest. The rest of the system consumes only
// Encrypt/Decrypt and never sees key material handling.
package secrets

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrDecrypt is returned when a ciphertext cannot be authenticated.
var ErrDecrypt = errors.New("secrets: decryption failed")

// Cipher encrypts and decrypts small secrets (SSH private keys).
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

const nonceSize = 24

// SecretBox is a Cipher backed by NaCl secretbox (XSalsa20-Poly1305).
// Ciphertexts are nonce-prefixed.
type SecretBox struct {
	key [32]byte
}

// NewSecretBox creates a SecretBox from a 32-byte key.
func NewSecretBox(key []byte) (*SecretBox, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("secrets: key must be 32 bytes, got %d", len(key))
	}
	sb := &SecretBox{}
	copy(sb.key[:], key)
	return sb, nil
}

func (s *SecretBox) Encrypt(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("secrets: generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

func (s *SecretBox) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize+secretbox.Overhead {
		return nil, ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
