// Package secure encrypts prompt and result payloads exchanged between the
// main node and the execution node.
package secure

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyLength  = 32 // AES-256
	iterations = 1024
	nonceSize  = 12
)

var (
	ErrMissingKey          = errors.New("encryption key material is missing")
	ErrMalformedCiphertext = errors.New("ciphertext is malformed")
)

// CryptoError reports an encrypt or decrypt failure. It never carries key
// material.
type CryptoError struct {
	Op     string
	Reason string
	Err    error
}

func (e *CryptoError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// KeyMaterial is the shared secret pair. Both nodes must hold the same pair.
type KeyMaterial struct {
	Key  string
	Salt string
}

func (k KeyMaterial) valid() bool {
	return k.Key != "" && k.Salt != ""
}

// KeySource resolves key material, typically from a configuration service.
type KeySource interface {
	KeyMaterial(ctx context.Context) (KeyMaterial, error)
}

type StaticKeySource KeyMaterial

func (s StaticKeySource) KeyMaterial(ctx context.Context) (KeyMaterial, error) {
	return KeyMaterial(s), nil
}

// Cipher fetches key material once per operation so rotated keys take
// effect without a restart.
type Cipher struct {
	keys KeySource
}

func NewCipher(keys KeySource) *Cipher {
	return &Cipher{keys: keys}
}

func (c *Cipher) Encrypt(ctx context.Context, plaintext string) (string, error) {
	km, err := c.material(ctx, "encrypt")
	if err != nil {
		return "", err
	}
	return Encrypt(plaintext, km.Key, km.Salt)
}

func (c *Cipher) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	km, err := c.material(ctx, "decrypt")
	if err != nil {
		return "", err
	}
	return Decrypt(ciphertext, km.Key, km.Salt)
}

func (c *Cipher) material(ctx context.Context, op string) (KeyMaterial, error) {
	km, err := c.keys.KeyMaterial(ctx)
	if err != nil {
		return KeyMaterial{}, &CryptoError{Op: op, Reason: "key source unavailable", Err: errors.Join(ErrMissingKey, err)}
	}
	if !km.valid() {
		return KeyMaterial{}, &CryptoError{Op: op, Reason: "key or salt empty", Err: ErrMissingKey}
	}
	return km, nil
}

// Encrypt seals plaintext with AES-256-GCM under a key derived from key and
// salt. The output is base64(nonce || ciphertext || tag).
func Encrypt(plaintext, key, salt string) (string, error) {
	aead, err := newAEAD(key, salt, "encrypt")
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", &CryptoError{Op: "encrypt", Reason: "nonce generation failed", Err: err}
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func Decrypt(ciphertext, key, salt string) (string, error) {
	aead, err := newAEAD(key, salt, "decrypt")
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Reason: "invalid base64", Err: errors.Join(ErrMalformedCiphertext, err)}
	}
	if len(raw) < nonceSize+aead.Overhead() {
		return "", &CryptoError{Op: "decrypt", Reason: "ciphertext too short", Err: ErrMalformedCiphertext}
	}

	plaintext, err := aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Reason: "authentication failed", Err: errors.Join(ErrMalformedCiphertext, err)}
	}
	return string(plaintext), nil
}

func newAEAD(key, salt, op string) (cipher.AEAD, error) {
	if key == "" || salt == "" {
		return nil, &CryptoError{Op: op, Reason: "key or salt empty", Err: ErrMissingKey}
	}

	derived := pbkdf2.Key([]byte(key), []byte(salt), iterations, keyLength, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, &CryptoError{Op: op, Reason: "cipher init failed", Err: err}
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &CryptoError{Op: op, Reason: "gcm init failed", Err: err}
	}
	return aead, nil
}
