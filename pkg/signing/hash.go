package signing

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const hashBufferSize = 32 * 1024

// Hash returns the lowercase hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyHash reports whether data hashes to expected. Comparison is
// case-insensitive on the hex digits.
func VerifyHash(data []byte, expected string) bool {
	actual := Hash(data)
	return subtle.ConstantTimeCompare([]byte(actual), []byte(strings.ToLower(strings.TrimSpace(expected)))) == 1
}

// HashReader streams r through SHA-256 and returns the hex digest and the
// number of bytes read.
func HashReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	buf := make([]byte, hashBufferSize)

	total, err := io.CopyBuffer(h, r, buf)
	if err != nil {
		return "", total, fmt.Errorf("failed to read stream for hashing: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), total, nil
}
