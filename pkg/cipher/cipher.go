// Package cipher seals snapshot payloads with XChaCha20-Poly1305.
package cipher

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	snapshot "github.com/goliatone/go-snapshot"
)

// KeySize is the required key length.
const KeySize = chacha20poly1305.KeySize

// ErrShortCiphertext reports input too short to hold a nonce and tag.
var ErrShortCiphertext = errors.New("cipher: ciphertext too short")

// AEAD implements snapshot.Cipher. Sealed output is nonce || ciphertext.
type AEAD struct {
	aead cipher.AEAD
	ad   []byte
}

// Option configures an AEAD.
type Option func(*AEAD)

// WithAssociatedData binds every sealed payload to ad, e.g. a store name.
func WithAssociatedData(ad []byte) Option {
	return func(a *AEAD) {
		a.ad = append([]byte(nil), ad...)
	}
}

// New returns a cipher for a 32 byte key.
func New(key []byte, opts ...Option) (*AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("cipher: key must be %d bytes, got %d", KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	a := &AEAD{aead: aead}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// FromPassphrase derives the key with argon2id. salt should be at least 16
// random bytes stored next to the sealed data.
func FromPassphrase(passphrase string, salt []byte, opts ...Option) (*AEAD, error) {
	if passphrase == "" {
		return nil, errors.New("cipher: passphrase is required")
	}
	if len(salt) < 8 {
		return nil, errors.New("cipher: salt must be at least 8 bytes")
	}
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, KeySize)
	return New(key, opts...)
}

func (a *AEAD) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, a.aead.NonceSize(), a.aead.NonceSize()+len(plaintext)+a.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cipher: nonce: %w", err)
	}
	return a.aead.Seal(nonce, nonce, plaintext, a.ad), nil
}

func (a *AEAD) Open(ciphertext []byte) ([]byte, error) {
	size := a.aead.NonceSize()
	if len(ciphertext) < size+a.aead.Overhead() {
		return nil, ErrShortCiphertext
	}
	plaintext, err := a.aead.Open(nil, ciphertext[:size], ciphertext[size:], a.ad)
	if err != nil {
		return nil, fmt.Errorf("cipher: open: %w", err)
	}
	return plaintext, nil
}

var _ snapshot.Cipher = (*AEAD)(nil)
