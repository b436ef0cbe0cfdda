package signing

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealer_RoundTrip(t *testing.T) {
	for _, mode := range []SealMode{ModeAEAD, ModeStream} {
		t.Run(mode.String(), func(t *testing.T) {
			sealer, err := NewSealer(testSecret(), mode)
			require.NoError(t, err)
			assert.Equal(t, mode, sealer.Mode())

			plaintext := []byte(`{"plugin_slug":"seo-pro","valid":true}`)
			blob, err := sealer.Seal(plaintext)
			require.NoError(t, err)

			raw, err := base64.StdEncoding.DecodeString(blob)
			require.NoError(t, err)
			assert.Equal(t, byte(mode), raw[0])

			opened, err := sealer.Open(blob)
			require.NoError(t, err)
			assert.Equal(t, plaintext, opened)
		})
	}
}

func TestSealer_Layout(t *testing.T) {
	plaintext := []byte("0123456789")

	aeadSealer, err := NewSealer(testSecret(), ModeAEAD)
	require.NoError(t, err)
	blob, err := aeadSealer.Seal(plaintext)
	require.NoError(t, err)
	raw, _ := base64.StdEncoding.DecodeString(blob)
	assert.Len(t, raw, 1+12+16+len(plaintext))

	streamSealer, err := NewSealer(testSecret(), ModeStream)
	require.NoError(t, err)
	blob, err = streamSealer.Seal(plaintext)
	require.NoError(t, err)
	raw, _ = base64.StdEncoding.DecodeString(blob)
	assert.Len(t, raw, 1+16+len(plaintext))
}

func TestSealer_FreshNoncePerCall(t *testing.T) {
	sealer, err := NewSealer(testSecret(), ModeAEAD)
	require.NoError(t, err)

	a, err := sealer.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := sealer.Seal([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSealer_OpensEitherMode(t *testing.T) {
	aeadSealer, err := NewSealer(testSecret(), ModeAEAD)
	require.NoError(t, err)
	streamSealer, err := NewSealer(testSecret(), ModeStream)
	require.NoError(t, err)

	blob, err := streamSealer.Seal([]byte("legacy"))
	require.NoError(t, err)

	opened, err := aeadSealer.Open(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("legacy"), opened)
}

func TestSealer_AEADDetectsTampering(t *testing.T) {
	sealer, err := NewSealer(testSecret(), ModeAEAD)
	require.NoError(t, err)

	blob, err := sealer.Seal([]byte("payload"))
	require.NoError(t, err)

	raw, _ := base64.StdEncoding.DecodeString(blob)
	raw[len(raw)-1] ^= 0xff

	_, err = sealer.Open(base64.StdEncoding.EncodeToString(raw))
	assert.Error(t, err)
}

func TestSealer_WrongSecret(t *testing.T) {
	sealer, err := NewSealer(testSecret(), ModeAEAD)
	require.NoError(t, err)
	other, err := NewSealer(make([]byte, 32), ModeAEAD)
	require.NoError(t, err)

	blob, err := sealer.Seal([]byte("payload"))
	require.NoError(t, err)

	_, err = other.Open(blob)
	assert.Error(t, err)
}

func TestSealer_OpenErrors(t *testing.T) {
	sealer, err := NewSealer(testSecret(), ModeAEAD)
	require.NoError(t, err)

	_, err = sealer.Open("%%%")
	assert.Error(t, err)

	_, err = sealer.Open("")
	assert.ErrorIs(t, err, ErrCiphertextTooShort)

	_, err = sealer.Open(base64.StdEncoding.EncodeToString([]byte{byte(ModeAEAD), 1, 2, 3}))
	assert.ErrorIs(t, err, ErrCiphertextTooShort)

	_, err = sealer.Open(base64.StdEncoding.EncodeToString([]byte{byte(ModeStream), 1}))
	assert.ErrorIs(t, err, ErrCiphertextTooShort)

	_, err = sealer.Open(base64.StdEncoding.EncodeToString([]byte{0x7f, 1, 2, 3}))
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestNewSealer_Errors(t *testing.T) {
	_, err := NewSealer([]byte("short"), ModeAEAD)
	assert.ErrorIs(t, err, ErrWeakSecret)

	_, err = NewSealer(testSecret(), SealMode(0x09))
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestDeriveKey(t *testing.T) {
	secret := testSecret()

	a, err := DeriveKey(secret, nil, SealKeyInfo, 32)
	require.NoError(t, err)
	b, err := DeriveKey(secret, nil, SealKeyInfo, 32)
	require.NoError(t, err)
	c, err := DeriveKey(secret, nil, CacheKeyInfo, 32)
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, secret, a)

	_, err = DeriveKey(nil, nil, SealKeyInfo, 32)
	assert.Error(t, err)

	_, err = DeriveKey(secret, nil, SealKeyInfo, 0)
	assert.Error(t, err)
}
