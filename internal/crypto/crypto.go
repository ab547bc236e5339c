// Package crypto derives the database key and seals secrets kept outside
// the OS keyring.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	KeySize    = 32 // AES-256
	Iterations = 100000
)

// ErrMalformed is returned by Open for input that is not a sealed value.
var ErrMalformed = errors.New("malformed sealed value")

// DeriveKey stretches password with PBKDF2-SHA256 over salt.
func DeriveKey(password string, salt []byte) ([]byte, error) {
	if len(salt) == 0 {
		return nil, errors.New("salt is required")
	}
	return pbkdf2.Key([]byte(password), salt, Iterations, KeySize, sha256.New), nil
}

// RandomBytes reads n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, errors.Wrap(err, "read random bytes")
	}
	return b, nil
}

// Sealer encrypts short secrets with AES-GCM. Sealed values are base64 text
// holding the nonce followed by the ciphertext.
type Sealer struct {
	aead cipher.AEAD
}

func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, errors.Errorf("sealer key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "aes cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "gcm mode")
	}
	return &Sealer{aead: aead}, nil
}

func (s *Sealer) Seal(plain []byte) (string, error) {
	nonce, err := RandomBytes(s.aead.NonceSize())
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(s.aead.Seal(nonce, nonce, plain, nil)), nil
}

func (s *Sealer) Open(sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	n := s.aead.NonceSize()
	if len(raw) <= n {
		return nil, ErrMalformed
	}
	plain, err := s.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return nil, errors.Wrap(err, "open sealed value")
	}
	return plain, nil
}
