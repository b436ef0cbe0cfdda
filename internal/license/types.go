package license

import (
	"time"

	"github.com/guided-traffic/plugin-license-manager/pkg/signing"
)

// ErrorKind classifies why a validation did not produce a fresh positive
// result.
type ErrorKind string

const (
	ErrorNone              ErrorKind = ""
	ErrorNotConfigured     ErrorKind = "not_configured"
	ErrorNetwork           ErrorKind = "network_error"
	ErrorInvalidSignature  ErrorKind = "invalid_signature"
	ErrorMalformedResponse ErrorKind = "malformed_response"
	ErrorExpired           ErrorKind = "expired"
	ErrorNotYetValid       ErrorKind = "not_yet_valid"
	ErrorLicenseInvalid    ErrorKind = "license_invalid"
)

// Recoverable reports whether the grace period may cover this failure.
func (k ErrorKind) Recoverable() bool {
	switch k {
	case ErrorNetwork, ErrorInvalidSignature, ErrorMalformedResponse, ErrorExpired, ErrorNotYetValid:
		return true
	default:
		return false
	}
}

// State is a node of the validator state machine.
type State string

const (
	StateUnchecked         State = "UNCHECKED"
	StateCachedValid       State = "CACHED_VALID"
	StateCachedInvalid     State = "CACHED_INVALID"
	StatePendingServerCall State = "PENDING_SERVER_CALL"
	StateSignatureVerified State = "SIGNATURE_VERIFIED"
	StateSignatureFailed   State = "SIGNATURE_FAILED"
	StateNetworkError      State = "NETWORK_ERROR"
	StateGraceCheck        State = "GRACE_CHECK"
	StateGraceActive       State = "GRACE_ACTIVE"
	StateExpiredNoGrace    State = "EXPIRED_NO_GRACE"
)

// Result is the outcome of a validation. Every validator path returns one;
// callers never receive an error.
//
// ExpiresAt is the license's own expiry (zero for perpetual licenses) and
// VerifiedAt the server time of the verification the result derives from.
type Result struct {
	PluginSlug     string         `json:"plugin_slug"`
	Valid          bool           `json:"valid"`
	Error          ErrorKind      `json:"error,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	ExpiresAt      time.Time      `json:"expires_at"`
	VerifiedAt     time.Time      `json:"verified_at"`
	Claims         signing.Claims `json:"claims,omitempty"`
	Grace          bool           `json:"grace,omitempty"`
	GraceRemaining time.Duration  `json:"grace_remaining,omitempty"`
	State          State          `json:"state"`
}

// Fresh reports whether the result came from a verified server response in
// this call rather than from a cache or the grace fallback.
func (r Result) Fresh() bool {
	return r.State == StateSignatureVerified
}

// TimeRemaining represents the remaining time until license expiration
type TimeRemaining struct {
	Years int
	Days  int
	Total time.Duration
}

// calculateTimeRemaining calculates years and days remaining until expiration
func calculateTimeRemaining(now, expires time.Time) TimeRemaining {
	if expires.IsZero() {
		return TimeRemaining{}
	}

	duration := expires.Sub(now)
	if duration <= 0 {
		return TimeRemaining{}
	}

	days := int(duration.Hours() / 24)
	years := days / 365
	remainingDays := days % 365

	return TimeRemaining{
		Years: years,
		Days:  remainingDays,
		Total: duration,
	}
}
