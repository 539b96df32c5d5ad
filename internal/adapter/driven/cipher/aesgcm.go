// Package cipher implements the Cipher port with AES-256-GCM.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/ericfisherdev/cgmlink/internal/domain/model"
	"github.com/ericfisherdev/cgmlink/internal/domain/port/driven"
)

// MinMasterKeyBytes is the minimum decoded length of the configured master key.
const MinMasterKeyBytes = 32

const keyInfo = "cgmlink credential cipher v1"

// Compile-time interface satisfaction check.
var _ driven.Cipher = (*AESGCM)(nil)

// ErrKeyTooShort is returned by New when the master key is under MinMasterKeyBytes.
var ErrKeyTooShort = fmt.Errorf("master key must be at least %d bytes", MinMasterKeyBytes)

// AESGCM seals secrets as base64(nonce || ciphertext || tag). The AES-256 key
// is derived from the master key with HKDF-SHA256 and never leaves this type.
type AESGCM struct {
	aead stdcipher.AEAD
}

// New derives the data key from masterKey and prepares the AEAD.
func New(masterKey []byte) (*AESGCM, error) {
	if len(masterKey) < MinMasterKeyBytes {
		return nil, ErrKeyTooShort
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := stdcipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}

	return &AESGCM{aead: gcm}, nil
}

// NewFromBase64 decodes a standard base64 master key and calls New.
func NewFromBase64(encoded string) (*AESGCM, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	return New(key)
}

// GenerateKey returns a random base64-encoded master key.
func GenerateKey() (string, error) {
	key := make([]byte, MinMasterKeyBytes)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("rand key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Seal encrypts plaintext under a fresh random nonce.
func (c *AESGCM) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, producing: nonce || ciphertext || tag.
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal. Every failure wraps model.ErrDecryption.
func (c *AESGCM) Open(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", errors.Join(model.ErrDecryption, err))
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize+c.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: %w", model.ErrDecryption)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("gcm.Open: %w", errors.Join(model.ErrDecryption, err))
	}

	return plaintext, nil
}
