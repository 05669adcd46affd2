package oauth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// sealedPrefix marks encrypted values. Plain values are JSON objects and
// never start with it.
const sealedPrefix = 0x01

var errSealed = errors.New("value is encrypted and no key is configured")

// sealer encrypts upstream token records with AES-256-GCM. A nil sealer
// stores values in the clear.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(secret string) (*sealer, error) {
	if secret == "" {
		return nil, nil
	}
	if len(secret) < 16 {
		return nil, errors.New("must be at least 16 characters")
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("mcp-gateway upstream tokens v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &sealer{aead: aead}, nil
}

func (s *sealer) seal(plain, aad []byte) ([]byte, error) {
	if s == nil {
		return plain, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	out := make([]byte, 0, 1+len(nonce)+len(plain)+s.aead.Overhead())
	out = append(out, sealedPrefix)
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, plain, aad), nil
}

func (s *sealer) open(data, aad []byte) ([]byte, error) {
	if len(data) == 0 || data[0] != sealedPrefix {
		return data, nil
	}
	if s == nil {
		return nil, errSealed
	}
	data = data[1:]
	n := s.aead.NonceSize()
	if len(data) < n {
		return nil, errors.New("sealed value is truncated")
	}
	plain, err := s.aead.Open(nil, data[:n], data[n:], aad)
	if err != nil {
		return nil, fmt.Errorf("open sealed value: %w", err)
	}
	return plain, nil
}
