// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package crypto provides the per-session encryption capability behind a
// stable interface. The one-byte algorithm tag selects the scheme and is
// carried in every ordinary frame header.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"

	"grimm.is/muster/internal/errors"
)

// Algorithm tags carried on the wire.
const (
	TagNone     byte = 0x00
	TagAESGCM   byte = 0x01
	TagChaCha20 byte = 0x02
)

// KeySize is the key length for both AEAD schemes.
const KeySize = 32

// Cipher encrypts and decrypts frame payloads for one session.
type Cipher interface {
	// Algorithm returns the wire tag for this scheme.
	Algorithm() byte

	// SetKey replaces the session key.
	SetKey(key []byte) error

	// Encrypt seals plaintext. The nonce is generated per call and
	// prepended to the returned ciphertext.
	Encrypt(plaintext []byte) ([]byte, error)

	// Decrypt opens ciphertext produced by Encrypt. Authentication
	// failure returns an error, never truncated output.
	Decrypt(ciphertext []byte) ([]byte, error)
}

// New constructs a cipher context for the given algorithm tag with a
// fresh random key. SetKey installs the shared session key afterwards.
func New(tag byte) (Cipher, error) {
	switch tag {
	case TagNone:
		return nullCipher{}, nil
	case TagAESGCM, TagChaCha20:
		key := make([]byte, KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, errors.Wrap(err, errors.KindCrypto, "generating session key")
		}
		return NewWithKey(tag, key)
	default:
		return nil, errors.Errorf(errors.KindValidation, "unknown cipher tag 0x%02x", tag)
	}
}

// NewWithKey constructs a cipher context with an explicit key.
func NewWithKey(tag byte, key []byte) (Cipher, error) {
	switch tag {
	case TagNone:
		return nullCipher{}, nil
	case TagAESGCM:
		c := &aeadCipher{tag: TagAESGCM, build: buildGCM}
		if err := c.SetKey(key); err != nil {
			return nil, err
		}
		return c, nil
	case TagChaCha20:
		c := &aeadCipher{tag: TagChaCha20, build: chacha20poly1305.New}
		if err := c.SetKey(key); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, errors.Errorf(errors.KindValidation, "unknown cipher tag 0x%02x", tag)
	}
}

func buildGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// aeadCipher wraps any AEAD construction behind the Cipher interface.
type aeadCipher struct {
	tag   byte
	build func(key []byte) (cipher.AEAD, error)
	aead  cipher.AEAD
}

func (c *aeadCipher) Algorithm() byte { return c.tag }

func (c *aeadCipher) SetKey(key []byte) error {
	if len(key) != KeySize {
		return errors.Errorf(errors.KindValidation, "cipher key must be %d bytes, got %d", KeySize, len(key))
	}
	aead, err := c.build(key)
	if err != nil {
		return errors.Wrap(err, errors.KindCrypto, "initializing cipher")
	}
	c.aead = aead
	return nil
}

func (c *aeadCipher) Encrypt(plaintext []byte) ([]byte, error) {
	if c.aead == nil {
		return nil, errors.New(errors.KindCrypto, "cipher has no key")
	}
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, errors.KindCrypto, "generating nonce")
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *aeadCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if c.aead == nil {
		return nil, errors.New(errors.KindCrypto, "cipher has no key")
	}
	if len(ciphertext) < c.aead.NonceSize()+c.aead.Overhead() {
		return nil, errors.Errorf(errors.KindCrypto, "ciphertext too short: %d bytes", len(ciphertext))
	}
	nonce, sealed := ciphertext[:c.aead.NonceSize()], ciphertext[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindCrypto, "authentication failed")
	}
	return plaintext, nil
}

// nullCipher is the passthrough for the reserved "no encryption" tag.
type nullCipher struct{}

func (nullCipher) Algorithm() byte                  { return TagNone }
func (nullCipher) SetKey([]byte) error              { return nil }
func (nullCipher) Encrypt(p []byte) ([]byte, error) { return p, nil }
func (nullCipher) Decrypt(p []byte) ([]byte, error) { return p, nil }
