package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// KeySize is the required key length for AES-256
const KeySize = 32

// ErrCiphertextTooShort is returned when a sealed record is shorter than the GCM nonce
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Encryptor seals stored records with AES-256-GCM.
// A disabled Encryptor passes data through unchanged.
type Encryptor struct {
	aead    cipher.AEAD
	enabled bool
}

// NewEncryptor creates a new encryptor.
// If key is empty, encryption is disabled. Otherwise the key must be exactly 32 bytes.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) == 0 {
		return &Encryptor{enabled: false}, nil
	}

	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes for AES-256, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{aead: aead, enabled: true}, nil
}

// Seal encrypts plaintext and binds it to associatedData (typically the record key),
// so a sealed record copied under another key fails to open.
// The output layout is [nonce][ciphertext].
func (e *Encryptor) Seal(plaintext, associatedData []byte) ([]byte, error) {
	if e == nil || !e.enabled {
		return plaintext, nil
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return e.aead.Seal(nonce, nonce, plaintext, associatedData), nil
}

// Open decrypts a record produced by Seal with the same associatedData
func (e *Encryptor) Open(sealed, associatedData []byte) ([]byte, error) {
	if e == nil || !e.enabled {
		return sealed, nil
	}

	nonceSize := e.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// IsEnabled returns true if encryption is enabled
func (e *Encryptor) IsEnabled() bool {
	return e != nil && e.enabled
}

// GenerateKey generates a new 32-byte encryption key for AES-256
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64-encoded encryption key
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// KeyToBase64 encodes an encryption key to base64
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
