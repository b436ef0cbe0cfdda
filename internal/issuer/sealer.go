package issuer

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/google/tink/go/aead"
	"github.com/google/tink/go/insecurecleartextkeyset"
	"github.com/google/tink/go/keyset"
	"github.com/google/tink/go/tink"
)

// SecretSealer protects site secrets at rest. associatedData binds a sealed
// secret to its site so rows cannot be swapped.
type SecretSealer interface {
	Seal(plaintext, associatedData []byte) ([]byte, error)
	Open(ciphertext, associatedData []byte) ([]byte, error)
}

// KeysetSealer seals with a tink AEAD keyset.
type KeysetSealer struct {
	primitive tink.AEAD
}

// NewKeysetSealer creates a sealer from a keyset handle.
func NewKeysetSealer(handle *keyset.Handle) (*KeysetSealer, error) {
	if handle == nil {
		return nil, fmt.Errorf("keyset handle cannot be nil")
	}

	primitive, err := aead.New(handle)
	if err != nil {
		return nil, fmt.Errorf("failed to create keyset AEAD: %w", err)
	}

	return &KeysetSealer{primitive: primitive}, nil
}

// LoadKeysetSealer reads a cleartext JSON keyset as written by
// WriteNewKeyset.
func LoadKeysetSealer(path string) (*KeysetSealer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read master keyset %s: %w", path, err)
	}

	handle, err := insecurecleartextkeyset.Read(keyset.NewJSONReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse master keyset %s: %w", path, err)
	}

	return NewKeysetSealer(handle)
}

// WriteNewKeyset generates an AES-256-GCM keyset and writes it as cleartext
// JSON. The output must be stored like any other secret.
func WriteNewKeyset(w io.Writer) error {
	handle, err := keyset.NewHandle(aead.AES256GCMKeyTemplate())
	if err != nil {
		return fmt.Errorf("failed to generate keyset: %w", err)
	}
	if err := insecurecleartextkeyset.Write(handle, keyset.NewJSONWriter(w)); err != nil {
		return fmt.Errorf("failed to write keyset: %w", err)
	}
	return nil
}

// Seal encrypts plaintext.
func (s *KeysetSealer) Seal(plaintext, associatedData []byte) ([]byte, error) {
	ciphertext, err := s.primitive.Encrypt(plaintext, associatedData)
	if err != nil {
		return nil, fmt.Errorf("failed to seal secret: %w", err)
	}
	return ciphertext, nil
}

// Open decrypts a value produced by Seal with the same associated data.
func (s *KeysetSealer) Open(ciphertext, associatedData []byte) ([]byte, error) {
	plaintext, err := s.primitive.Decrypt(ciphertext, associatedData)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret: %w", err)
	}
	return plaintext, nil
}
