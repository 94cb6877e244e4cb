package upload

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrSealedTooShort is returned by Open for input shorter than a nonce.
var ErrSealedTooShort = errors.New("sealed payload too short")

// Sealer encrypts upload payloads with XChaCha20-Poly1305. The file ID is
// bound as additional data so a payload cannot be replayed under another file.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a Sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init sealer: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// NewRandomKey returns a fresh 32-byte key.
func NewRandomKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// Seal returns nonce || ciphertext.
func (s *Sealer) Seal(fileID string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(fileID)), nil
}

// Open reverses Seal.
func (s *Sealer) Open(fileID string, sealed []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return nil, ErrSealedTooShort
	}
	plain, err := s.aead.Open(nil, sealed[:n], sealed[n:], []byte(fileID))
	if err != nil {
		return nil, fmt.Errorf("open sealed payload: %w", err)
	}
	return plain, nil
}

// SealedSize is the stored size of a payload of n bytes.
func (s *Sealer) SealedSize(n int) int {
	return s.aead.NonceSize() + n + s.aead.Overhead()
}
