package signing

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	// ProtocolVersion is embedded in every token as the "v" claim.
	ProtocolVersion = 1

	// DefaultTokenTTL is the validity window of an issued token.
	DefaultTokenTTL = 24 * time.Hour

	// NonceSize is the number of random bytes in a token nonce.
	NonceSize = 16

	tokenSeparator = "."
)

// Metadata claim names merged into every token.
const (
	ClaimIssuedAt  = "iat"
	ClaimExpiresAt = "exp"
	ClaimVersion   = "v"
	ClaimNonce     = "nonce"
)

// TokenCodec issues and verifies signed tokens of the form
// base64url(JSON payload) + "." + base64url(HMAC-SHA256).
//
// Backdate moves the issued-at claim into the past so a verifier whose clock
// runs slightly behind the issuer's still accepts a fresh token. The expiry
// stays TTL after issued-at.
type TokenCodec struct {
	TTL      time.Duration
	Backdate time.Duration
	Now      func() time.Time
	Rand     io.Reader
}

// NewTokenCodec returns a codec with the default TTL, wall clock and
// crypto/rand entropy.
func NewTokenCodec() *TokenCodec {
	return &TokenCodec{
		TTL:  DefaultTokenTTL,
		Now:  time.Now,
		Rand: rand.Reader,
	}
}

var defaultCodec = NewTokenCodec()

// IssueToken signs claims with the default codec.
func IssueToken(claims Claims, secret []byte) (string, error) {
	return defaultCodec.Issue(claims, secret)
}

// VerifyToken verifies token with the default codec.
func VerifyToken(token string, secret []byte) (Claims, error) {
	return defaultCodec.Verify(token, secret)
}

// Issue merges claims with issued-at, expiry, protocol version and a fresh
// nonce, then encodes and signs the result. It refuses weak secrets and
// empty claim sets.
func (c *TokenCodec) Issue(claims Claims, secret []byte) (string, error) {
	if err := CheckSecret(secret); err != nil {
		return "", err
	}
	if len(claims) == 0 {
		return "", ErrEmptyClaims
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(c.Rand, nonce); err != nil {
		return "", fmt.Errorf("failed to generate token nonce: %w", err)
	}

	now := c.Now().Add(-c.Backdate)
	payload := make(Claims, len(claims)+4)
	for k, v := range claims {
		payload[k] = v
	}
	payload[ClaimIssuedAt] = now.Unix()
	payload[ClaimExpiresAt] = now.Add(c.TTL).Unix()
	payload[ClaimVersion] = ProtocolVersion
	payload[ClaimNonce] = encoding.EncodeToString(nonce)

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode token payload: %w", err)
	}

	encoded := encoding.EncodeToString(raw)
	return encoded + tokenSeparator + Sign([]byte(encoded), secret), nil
}

// Verify checks the signature before decoding anything, then enforces the
// protocol version and the issued-at / expiry window.
func (c *TokenCodec) Verify(token string, secret []byte) (Claims, error) {
	if err := CheckSecret(secret); err != nil {
		return nil, err
	}

	parts := strings.Split(token, tokenSeparator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, ErrMalformedToken
	}

	if !Verify([]byte(parts[0]), parts[1], secret) {
		return nil, ErrInvalidSignature
	}

	raw, err := encoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	claims, err := decodeClaims(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	version, ok := claims.Int64(ClaimVersion)
	if !ok || version != ProtocolVersion {
		return nil, ErrVersionMismatch
	}

	now := c.Now().Unix()
	issuedAt, ok := claims.Int64(ClaimIssuedAt)
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedToken, ClaimIssuedAt)
	}
	if issuedAt > now {
		return nil, ErrTokenNotYetValid
	}

	expiresAt, ok := claims.Int64(ClaimExpiresAt)
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedToken, ClaimExpiresAt)
	}
	if now > expiresAt {
		return nil, ErrTokenExpired
	}

	return claims, nil
}

func decodeClaims(raw []byte) (Claims, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var claims Claims
	if err := dec.Decode(&claims); err != nil {
		return nil, err
	}
	if claims == nil {
		return nil, fmt.Errorf("payload is not an object")
	}
	return claims, nil
}

// NewNonce returns NonceSize random bytes as unpadded base64url.
func NewNonce() (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return encoding.EncodeToString(nonce), nil
}
