// Package vault replaces PII spans with opaque placeholders and keeps each
// original value as an AEAD ciphertext that only the run's key can open.
//
// Every span is sealed under its own random nonce. The key is handed back to
// the caller and is never part of the persisted metadata.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the symmetric key length for every supported suite
const KeySize = 32

// NonceSize is the per-span nonce length for every supported suite
const NonceSize = 12

// Algorithm names an AEAD suite
type Algorithm string

const (
	AlgorithmAESGCM           Algorithm = "aes-256-gcm"
	AlgorithmChaCha20Poly1305 Algorithm = "chacha20-poly1305"
)

var (
	// ErrInvalidKey is returned when a key has the wrong length or cannot
	// authenticate any ciphertext
	ErrInvalidKey = errors.New("invalid encryption key")
	// ErrUnsupportedAlgorithm is returned for unknown suite names
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
)

// ParseAlgorithm validates a suite name. Empty selects AES-256-GCM.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case "", AlgorithmAESGCM:
		return AlgorithmAESGCM, nil
	case AlgorithmChaCha20Poly1305:
		return AlgorithmChaCha20Poly1305, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, name)
	}
}

// newAEAD builds the cipher for alg under key
func newAEAD(alg Algorithm, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes (got %d): %w", KeySize, len(key), ErrInvalidKey)
	}

	switch alg {
	case AlgorithmAESGCM, "":
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("creating cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("creating GCM: %w", err)
		}
		return gcm, nil
	case AlgorithmChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("creating chacha20-poly1305: %w", err)
		}
		return aead, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
}

// KeySource produces fresh symmetric keys
type KeySource interface {
	NewKey() ([]byte, error)
}

// RandomKeySource reads keys from a cryptographic random source
type RandomKeySource struct {
	Reader io.Reader
}

// NewKey returns KeySize random bytes
func (s RandomKeySource) NewKey() ([]byte, error) {
	r := s.Reader
	if r == nil {
		r = rand.Reader
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return key, nil
}

// associatedData binds a ciphertext to its token id and category
func associatedData(id, category string) []byte {
	return []byte(id + "|" + category)
}
