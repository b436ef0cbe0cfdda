package signing

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// SealMode selects the cipher used by a Sealer. The mode is written as the
// first byte of every sealed blob so Open never has to guess.
type SealMode byte

const (
	// ModeAEAD is AES-256-GCM. Layout: mode | nonce | tag | ciphertext.
	ModeAEAD SealMode = 0x01

	// ModeStream is unauthenticated AES-256-CTR. Layout: mode | iv | ciphertext.
	ModeStream SealMode = 0x02
)

const sealKeySize = 32

func (m SealMode) String() string {
	switch m {
	case ModeAEAD:
		return "aes-256-gcm"
	case ModeStream:
		return "aes-256-ctr"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(m))
	}
}

// Sealer encrypts opaque blobs under a key derived from a shared secret.
type Sealer struct {
	key  []byte
	mode SealMode
	rand io.Reader
}

// NewSealer derives a sealing key from secret and returns a Sealer that
// writes blobs in the given mode. Any supported mode can be opened.
func NewSealer(secret []byte, mode SealMode) (*Sealer, error) {
	if err := CheckSecret(secret); err != nil {
		return nil, err
	}
	if mode != ModeAEAD && mode != ModeStream {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}

	key, err := DeriveKey(secret, nil, SealKeyInfo, sealKeySize)
	if err != nil {
		return nil, err
	}

	return &Sealer{key: key, mode: mode, rand: rand.Reader}, nil
}

// Mode reports the mode used for new blobs.
func (s *Sealer) Mode() SealMode {
	return s.mode
}

// Seal encrypts plaintext with a fresh random nonce and returns the blob as
// standard base64.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to create AES cipher: %w", err)
	}

	var out []byte
	switch s.mode {
	case ModeAEAD:
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return "", fmt.Errorf("failed to create GCM: %w", err)
		}

		nonce := make([]byte, gcm.NonceSize())
		if _, err := io.ReadFull(s.rand, nonce); err != nil {
			return "", fmt.Errorf("failed to generate nonce: %w", err)
		}

		sealed := gcm.Seal(nil, nonce, plaintext, []byte{byte(ModeAEAD)})
		ciphertext, tag := sealed[:len(plaintext)], sealed[len(plaintext):]

		out = make([]byte, 0, 1+len(nonce)+len(tag)+len(ciphertext))
		out = append(out, byte(ModeAEAD))
		out = append(out, nonce...)
		out = append(out, tag...)
		out = append(out, ciphertext...)

	case ModeStream:
		iv := make([]byte, aes.BlockSize)
		if _, err := io.ReadFull(s.rand, iv); err != nil {
			return "", fmt.Errorf("failed to generate IV: %w", err)
		}

		ciphertext := make([]byte, len(plaintext))
		cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

		out = make([]byte, 0, 1+len(iv)+len(ciphertext))
		out = append(out, byte(ModeStream))
		out = append(out, iv...)
		out = append(out, ciphertext...)

	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownMode, s.mode)
	}

	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decodes and decrypts a blob produced by Seal. Tampered AEAD blobs
// fail; stream blobs carry no tag and cannot detect tampering.
func (s *Sealer) Open(blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 in sealed blob: %w", err)
	}
	if len(raw) < 1 {
		return nil, ErrCiphertextTooShort
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	mode, body := SealMode(raw[0]), raw[1:]
	switch mode {
	case ModeAEAD:
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}

		nonceSize, tagSize := gcm.NonceSize(), gcm.Overhead()
		if len(body) < nonceSize+tagSize {
			return nil, ErrCiphertextTooShort
		}
		nonce := body[:nonceSize]
		tag := body[nonceSize : nonceSize+tagSize]
		ciphertext := body[nonceSize+tagSize:]

		sealed := make([]byte, 0, len(ciphertext)+len(tag))
		sealed = append(sealed, ciphertext...)
		sealed = append(sealed, tag...)

		plaintext, err := gcm.Open(nil, nonce, sealed, []byte{byte(ModeAEAD)})
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt sealed blob: %w", err)
		}
		return plaintext, nil

	case ModeStream:
		if len(body) < aes.BlockSize {
			return nil, ErrCiphertextTooShort
		}
		iv, ciphertext := body[:aes.BlockSize], body[aes.BlockSize:]

		plaintext := make([]byte, len(ciphertext))
		cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
		return plaintext, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}
}
