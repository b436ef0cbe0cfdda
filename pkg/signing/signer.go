// Package signing is the stateless crypto core of the license protocol.
//
// It produces and checks HMAC-SHA256 signatures over exact byte sequences,
// issues and verifies compact signed tokens, signs JSON response bodies with
// the signature field excluded from the signed payload, seals opaque blobs
// and computes content hashes. It knows nothing about licenses or plugins.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// MinSecretSize is the minimum shared secret length in bytes.
const MinSecretSize = 32

// Sentinel errors returned by the crypto core.
var (
	ErrWeakSecret         = errors.New("signing: secret shorter than 32 bytes")
	ErrEmptyClaims        = errors.New("signing: claims are empty")
	ErrMalformedToken     = errors.New("signing: malformed token")
	ErrInvalidSignature   = errors.New("signing: signature mismatch")
	ErrVersionMismatch    = errors.New("signing: protocol version mismatch")
	ErrTokenExpired       = errors.New("signing: token expired")
	ErrTokenNotYetValid   = errors.New("signing: token issued in the future")
	ErrMissingSignature   = errors.New("signing: signature field missing")
	ErrMalformedPayload   = errors.New("signing: malformed signed payload")
	ErrCiphertextTooShort = errors.New("signing: ciphertext too short")
	ErrUnknownMode        = errors.New("signing: unknown seal mode")
)

// encoding is the URL-safe, padding-free base64 variant used on the wire.
var encoding = base64.RawURLEncoding

// Sign returns the base64url HMAC-SHA256 of payload keyed by secret.
// Identical inputs always produce identical output.
func Sign(payload, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return encoding.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature of payload and compares it to signature in
// constant time.
func Verify(payload []byte, signature string, secret []byte) bool {
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// CheckSecret rejects secrets too short to sign with.
func CheckSecret(secret []byte) error {
	if len(secret) < MinSecretSize {
		return ErrWeakSecret
	}
	return nil
}
