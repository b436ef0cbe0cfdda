// Package licenseapi holds the JSON wire types exchanged between the license
// server and an installation's agent.
//
// Every response body is a JSON object signed with the site's shared secret:
// the "signature" member is an HMAC over the canonical encoding of all other
// members (see signing.SignJSON).
package licenseapi

import "github.com/guided-traffic/plugin-license-manager/pkg/signing"

// Endpoint paths.
const (
	PathVerify      = "/license/verify"
	PathVerifyBatch = "/license/verify-batch"
	PathInfo        = "/license/info"
)

// MaxBatchSize bounds the number of slugs accepted by one batch request.
const MaxBatchSize = 100

// Reasons attached to a license decision.
const (
	ReasonActive      = "active"
	ReasonNotFound    = "not_found"
	ReasonRevoked     = "revoked"
	ReasonExpired     = "expired"
	ReasonSiteRevoked = "site_revoked"
)

// Claim names carried in the embedded license token.
const (
	ClaimPluginSlug       = "plugin_slug"
	ClaimSiteID           = "site_id"
	ClaimSiteDomain       = "site_domain"
	ClaimLicenseID        = "license_id"
	ClaimValid            = "valid"
	ClaimLicenseExpiresAt = "license_expires_at"
	ClaimVerifiedAt       = "verified_at"
)

// VerifyRequest asks for the license state of one plugin. Nonce is echoed
// back as RequestNonce inside the signed response.
type VerifyRequest struct {
	PluginSlug string `json:"plugin_slug" validate:"required,max=200"`
	Nonce      string `json:"nonce" validate:"required,max=64"`
}

// BatchRequest asks for the license state of several plugins at once.
type BatchRequest struct {
	PluginSlugs []string `json:"plugin_slugs" validate:"required,min=1,max=100,dive,required,max=200"`
	Nonce       string   `json:"nonce" validate:"required,max=64"`
}

// InfoRequest asks for a summary of everything licensed to the site.
type InfoRequest struct {
	Nonce string `json:"nonce" validate:"required,max=64"`
}

// LicenseStatus is the decision for a single plugin. ExpiresAt is a unix
// timestamp; zero means the license does not expire.
type LicenseStatus struct {
	PluginSlug string `json:"plugin_slug"`
	Valid      bool   `json:"valid"`
	Reason     string `json:"reason"`
	ExpiresAt  int64  `json:"expires_at"`
}

// VerifyResponse answers a VerifyRequest. Token is a signed license token
// over the claim set and is only present on positive decisions.
type VerifyResponse struct {
	PluginSlug   string `json:"plugin_slug"`
	Valid        bool   `json:"valid"`
	Reason       string `json:"reason"`
	ExpiresAt    int64  `json:"expires_at"`
	SiteDomain   string `json:"site_domain"`
	VerifiedAt   int64  `json:"verified_at"`
	RequestNonce string `json:"request_nonce"`
	Token        string `json:"token,omitempty"`
	Signature    string `json:"signature,omitempty"`
}

// BatchResponse answers a BatchRequest. The signature covers the whole
// envelope including every entry of Results.
type BatchResponse struct {
	Results      []LicenseStatus `json:"results"`
	SiteDomain   string          `json:"site_domain"`
	VerifiedAt   int64           `json:"verified_at"`
	RequestNonce string          `json:"request_nonce"`
	Signature    string          `json:"signature,omitempty"`
}

// InfoResponse answers an InfoRequest.
type InfoResponse struct {
	SiteID       string          `json:"site_id"`
	SiteDomain   string          `json:"site_domain"`
	Licenses     []LicenseStatus `json:"licenses"`
	VerifiedAt   int64           `json:"verified_at"`
	RequestNonce string          `json:"request_nonce"`
	Signature    string          `json:"signature,omitempty"`
}

// ErrorResponse is the unsigned body of every non-2xx response.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Status returns the per-plugin part of the response.
func (r *VerifyResponse) Status() LicenseStatus {
	return LicenseStatus{
		PluginSlug: r.PluginSlug,
		Valid:      r.Valid,
		Reason:     r.Reason,
		ExpiresAt:  r.ExpiresAt,
	}
}

// NewNonce returns a fresh request nonce.
func NewNonce() (string, error) {
	return signing.NewNonce()
}
