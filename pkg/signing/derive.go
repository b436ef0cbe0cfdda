package signing

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF context strings for keys derived from the shared secret.
const (
	SealKeyInfo  = "plm-seal-key-v1"
	CacheKeyInfo = "plm-cache-key-v1"
)

// DeriveKey expands secret into a key of size bytes using HKDF-SHA256 with
// the given salt and info. Distinct info strings yield independent keys.
func DeriveKey(secret, salt []byte, info string, size int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret cannot be empty")
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid key size %d", size)
	}

	reader := hkdf.New(sha256.New, secret, salt, []byte(info))

	key := make([]byte, size)
	n, err := io.ReadFull(reader, key)
	if err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	if n != size {
		return nil, fmt.Errorf("HKDF key derivation returned %d bytes instead of %d", n, size)
	}

	return key, nil
}
