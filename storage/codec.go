package storage

import (
	"encoding/json"
	"fmt"

	"github.com/giantswarm/mcp-registry-gateway/security"
)

// Codec serializes records for byte-oriented backends and optionally seals them.
// The record key is bound as associated data, so ciphertext cannot be moved between keys.
type Codec struct {
	encryptor *security.Encryptor
}

// NewCodec returns a codec. A nil or disabled encryptor stores plain JSON.
func NewCodec(encryptor *security.Encryptor) *Codec {
	return &Codec{encryptor: encryptor}
}

// Encrypted reports whether records are sealed at rest
func (c *Codec) Encrypted() bool {
	return c != nil && c.encryptor.IsEnabled()
}

// Marshal encodes v for storage under key
func (c *Codec) Marshal(key string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	if c == nil {
		return data, nil
	}
	sealed, err := c.encryptor.Seal(data, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to seal record: %w", err)
	}
	return sealed, nil
}

// Unmarshal decodes a record stored under key into v
func (c *Codec) Unmarshal(key string, data []byte, v any) error {
	if c != nil {
		var err error
		data, err = c.encryptor.Open(data, []byte(key))
		if err != nil {
			return fmt.Errorf("failed to open record: %w", err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return nil
}
