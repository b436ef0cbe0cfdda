// Package issuer is the server side of the licensing protocol. It activates
// sites, records license grants and answers verification requests with
// bodies signed by the requesting site's own shared secret.
package issuer

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/plugin-license-manager/internal/monitoring"
	"github.com/guided-traffic/plugin-license-manager/pkg/licenseapi"
	"github.com/guided-traffic/plugin-license-manager/pkg/signing"
)

// SecretSize is the length of a freshly generated site secret.
const SecretSize = 32

// Endpoint names recorded in the ledger and metrics.
const (
	EndpointVerify      = "verify"
	EndpointVerifyBatch = "verify_batch"
	EndpointInfo        = "info"
)

var (
	ErrInvalidDomain = errors.New("issuer: invalid site domain")
	ErrInvalidSlug   = errors.New("issuer: invalid plugin slug")
	ErrBatchTooLarge = fmt.Errorf("issuer: batch exceeds %d plugins", licenseapi.MaxBatchSize)
)

// Activation is returned once when a site is activated. The shared secret
// and activation token are not recoverable afterwards.
type Activation struct {
	SiteID          string
	SiteDomain      string
	ActivationToken string
	SharedSecret    []byte
}

// TokenBackdate is how far the issued-at claim of an embedded token lies
// before the decision time, absorbing agent clocks that run behind.
const TokenBackdate = time.Minute

// Issuer answers license requests for activated sites.
type Issuer struct {
	store      Store
	sealer     SecretSealer
	activation *ActivationSigner
	codec      *signing.TokenCodec
	now        func() time.Time
	log        *logrus.Entry
}

// Option customizes an Issuer.
type Option func(*Issuer)

// WithClock overrides the wall clock for decisions and issued tokens.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
		i.codec.Now = now
		i.activation.now = now
	}
}

// WithTokenTTL overrides the validity window of embedded license tokens.
func WithTokenTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.codec.TTL = ttl
		}
	}
}

// New creates an Issuer.
func New(store Store, sealer SecretSealer, activation *ActivationSigner, opts ...Option) (*Issuer, error) {
	if store == nil {
		return nil, fmt.Errorf("issuer store is required")
	}
	if sealer == nil {
		return nil, fmt.Errorf("secret sealer is required")
	}
	if activation == nil {
		return nil, fmt.Errorf("activation signer is required")
	}

	i := &Issuer{
		store:      store,
		sealer:     sealer,
		activation: activation,
		codec:      signing.NewTokenCodec(),
		now:        time.Now,
		log:        logrus.WithField("component", "license-issuer"),
	}
	i.codec.Backdate = TokenBackdate
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// ActivateSite registers a new installation and returns its credentials.
func (i *Issuer) ActivateSite(ctx context.Context, domain string) (*Activation, error) {
	domain = NormalizeDomain(domain)
	if domain == "" || strings.ContainsAny(domain, " /") {
		return nil, ErrInvalidDomain
	}

	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate site secret: %w", err)
	}

	siteID := uuid.New().String()
	sealed, err := i.sealer.Seal(secret, []byte(siteID))
	if err != nil {
		return nil, err
	}

	now := i.now().UTC()
	if err := i.store.CreateSite(ctx, Site{
		ID:           siteID,
		Domain:       domain,
		SealedSecret: sealed,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		return nil, fmt.Errorf("failed to store site: %w", err)
	}

	token, err := i.activation.Sign(siteID, domain)
	if err != nil {
		return nil, err
	}

	i.log.WithFields(logrus.Fields{
		"site_id": siteID,
		"domain":  domain,
	}).Info("Site activated")

	return &Activation{
		SiteID:          siteID,
		SiteDomain:      domain,
		ActivationToken: token,
		SharedSecret:    secret,
	}, nil
}

// Authenticate resolves an activation token to its site. Revoked sites
// still authenticate so that they receive a signed negative decision.
func (i *Issuer) Authenticate(ctx context.Context, token string) (*Site, error) {
	claims, err := i.activation.Parse(token)
	if err != nil {
		return nil, err
	}

	site, err := i.store.GetSite(ctx, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown site", ErrInvalidActivation)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load site: %w", err)
	}
	if site.Domain != claims.SiteDomain {
		return nil, fmt.Errorf("%w: site domain changed", ErrInvalidActivation)
	}
	return &site, nil
}

// RevokeSite makes every decision for the site negative. Its licenses are
// kept.
func (i *Issuer) RevokeSite(ctx context.Context, siteID string) error {
	if err := i.store.SetSiteRevoked(ctx, siteID, true); err != nil {
		return fmt.Errorf("failed to revoke site %s: %w", siteID, err)
	}
	i.log.WithField("site_id", siteID).Warn("Site revoked")
	return nil
}

// Grant creates or renews the license of slug for a site. A zero expiresAt
// grants a perpetual license.
func (i *Issuer) Grant(ctx context.Context, siteID, slug string, expiresAt time.Time) (License, error) {
	if !ValidSlug(slug) {
		return License{}, ErrInvalidSlug
	}
	if _, err := i.store.GetSite(ctx, siteID); err != nil {
		return License{}, fmt.Errorf("failed to load site %s: %w", siteID, err)
	}

	now := i.now().UTC()
	license := License{
		ID:         uuid.New().String(),
		SiteID:     siteID,
		PluginSlug: slug,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if existing, err := i.store.GetLicense(ctx, siteID, slug); err == nil {
		license.ID = existing.ID
		license.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, ErrNotFound) {
		return License{}, fmt.Errorf("failed to load license: %w", err)
	}
	if !expiresAt.IsZero() {
		license.ExpiresAt = expiresAt.UTC().Truncate(time.Second)
	}

	if err := i.store.UpsertLicense(ctx, license); err != nil {
		return License{}, fmt.Errorf("failed to store license: %w", err)
	}

	i.log.WithFields(logrus.Fields{
		"site_id": siteID,
		"plugin":  slug,
	}).Info("License granted")
	return license, nil
}

// Revoke revokes the license of slug for a site.
func (i *Issuer) Revoke(ctx context.Context, siteID, slug string) error {
	license, err := i.store.GetLicense(ctx, siteID, slug)
	if err != nil {
		return fmt.Errorf("failed to load license: %w", err)
	}

	now := i.now().UTC()
	license.RevokedAt = &now
	license.UpdatedAt = now
	if err := i.store.UpsertLicense(ctx, license); err != nil {
		return fmt.Errorf("failed to revoke license: %w", err)
	}

	i.log.WithFields(logrus.Fields{
		"site_id": siteID,
		"plugin":  slug,
	}).Warn("License revoked")
	return nil
}

// List returns every license recorded for a site, ordered by slug.
func (i *Issuer) List(ctx context.Context, siteID string) ([]License, error) {
	licenses, err := i.store.ListLicenses(ctx, siteID)
	if err != nil {
		return nil, err
	}
	sort.Slice(licenses, func(a, b int) bool {
		return licenses[a].PluginSlug < licenses[b].PluginSlug
	})
	return licenses, nil
}

// Verify answers a single verification request with a signed body.
func (i *Issuer) Verify(ctx context.Context, site *Site, req licenseapi.VerifyRequest) ([]byte, error) {
	secret, err := i.openSecret(site)
	if err != nil {
		return nil, err
	}

	now := i.now()
	status, license, err := i.status(ctx, site, req.PluginSlug, now)
	if err != nil {
		return nil, err
	}

	resp := licenseapi.VerifyResponse{
		PluginSlug:   status.PluginSlug,
		Valid:        status.Valid,
		Reason:       status.Reason,
		ExpiresAt:    status.ExpiresAt,
		SiteDomain:   site.Domain,
		VerifiedAt:   now.Unix(),
		RequestNonce: req.Nonce,
	}
	if status.Valid {
		token, err := i.codec.Issue(signing.Claims{
			licenseapi.ClaimPluginSlug:       status.PluginSlug,
			licenseapi.ClaimSiteID:           site.ID,
			licenseapi.ClaimSiteDomain:       site.Domain,
			licenseapi.ClaimLicenseID:        license.ID,
			licenseapi.ClaimValid:            true,
			licenseapi.ClaimLicenseExpiresAt: status.ExpiresAt,
			licenseapi.ClaimVerifiedAt:       now.Unix(),
		}, secret)
		if err != nil {
			return nil, fmt.Errorf("failed to issue license token: %w", err)
		}
		resp.Token = token
		monitoring.RecordTokenIssued()
	}

	i.record(ctx, site, EndpointVerify, status, req.Nonce, now)
	return signing.SignJSON(resp, secret)
}

// VerifyBatch answers a batch request. The whole envelope is signed, so no
// entry can be altered without invalidating the signature.
func (i *Issuer) VerifyBatch(ctx context.Context, site *Site, req licenseapi.BatchRequest) ([]byte, error) {
	slugs := dedupe(req.PluginSlugs)
	if len(slugs) > licenseapi.MaxBatchSize {
		return nil, ErrBatchTooLarge
	}

	secret, err := i.openSecret(site)
	if err != nil {
		return nil, err
	}

	now := i.now()
	results := make([]licenseapi.LicenseStatus, 0, len(slugs))
	for _, slug := range slugs {
		status, _, err := i.status(ctx, site, slug, now)
		if err != nil {
			return nil, err
		}
		i.record(ctx, site, EndpointVerifyBatch, status, req.Nonce, now)
		results = append(results, status)
	}

	return signing.SignJSON(licenseapi.BatchResponse{
		Results:      results,
		SiteDomain:   site.Domain,
		VerifiedAt:   now.Unix(),
		RequestNonce: req.Nonce,
	}, secret)
}

// Info answers with the decision for every license of the site.
func (i *Issuer) Info(ctx context.Context, site *Site, req licenseapi.InfoRequest) ([]byte, error) {
	secret, err := i.openSecret(site)
	if err != nil {
		return nil, err
	}

	licenses, err := i.List(ctx, site.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list licenses: %w", err)
	}

	now := i.now()
	statuses := make([]licenseapi.LicenseStatus, 0, len(licenses))
	for _, license := range licenses {
		status := decide(site, license, now)
		monitoring.RecordLicenseDecision(EndpointInfo, status.Reason)
		statuses = append(statuses, status)
	}

	return signing.SignJSON(licenseapi.InfoResponse{
		SiteID:       site.ID,
		SiteDomain:   site.Domain,
		Licenses:     statuses,
		VerifiedAt:   now.Unix(),
		RequestNonce: req.Nonce,
	}, secret)
}

// Ledger returns the most recent issuances for a site.
func (i *Issuer) Ledger(ctx context.Context, siteID string, limit int) ([]Issuance, error) {
	return i.store.ListIssuances(ctx, siteID, limit)
}

func (i *Issuer) openSecret(site *Site) ([]byte, error) {
	secret, err := i.sealer.Open(site.SealedSecret, []byte(site.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to open secret of site %s: %w", site.ID, err)
	}
	if err := signing.CheckSecret(secret); err != nil {
		return nil, fmt.Errorf("site %s: %w", site.ID, err)
	}
	return secret, nil
}

func (i *Issuer) status(ctx context.Context, site *Site, slug string, now time.Time) (licenseapi.LicenseStatus, License, error) {
	license, err := i.store.GetLicense(ctx, site.ID, slug)
	if errors.Is(err, ErrNotFound) {
		license = License{SiteID: site.ID, PluginSlug: slug}
	} else if err != nil {
		return licenseapi.LicenseStatus{}, License{}, fmt.Errorf("failed to load license: %w", err)
	}
	return decide(site, license, now), license, nil
}

func (i *Issuer) record(ctx context.Context, site *Site, endpoint string, status licenseapi.LicenseStatus, nonce string, now time.Time) {
	monitoring.RecordLicenseDecision(endpoint, status.Reason)

	err := i.store.RecordIssuance(ctx, Issuance{
		SiteID:     site.ID,
		PluginSlug: status.PluginSlug,
		Endpoint:   endpoint,
		Valid:      status.Valid,
		Reason:     status.Reason,
		Nonce:      nonce,
		IssuedAt:   now.UTC(),
	})
	if err != nil {
		i.log.WithError(err).WithFields(logrus.Fields{
			"site_id": site.ID,
			"plugin":  status.PluginSlug,
		}).Warn("Failed to record issuance")
	}
}

// decide maps stored state to a decision. A license without an id was not
// found.
func decide(site *Site, license License, now time.Time) licenseapi.LicenseStatus {
	status := licenseapi.LicenseStatus{PluginSlug: license.PluginSlug}
	if !license.ExpiresAt.IsZero() {
		status.ExpiresAt = license.ExpiresAt.Unix()
	}

	switch {
	case site.Revoked:
		status.Reason = licenseapi.ReasonSiteRevoked
	case license.ID == "":
		status.Reason = licenseapi.ReasonNotFound
	case license.RevokedAt != nil:
		status.Reason = licenseapi.ReasonRevoked
	case !license.ExpiresAt.IsZero() && !now.Before(license.ExpiresAt):
		status.Reason = licenseapi.ReasonExpired
	default:
		status.Valid = true
		status.Reason = licenseapi.ReasonActive
	}
	return status
}

// NormalizeDomain lower-cases a host name and strips a trailing dot.
func NormalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// ValidSlug reports whether slug is a usable plugin identifier.
func ValidSlug(slug string) bool {
	if slug == "" || len(slug) > 200 {
		return false
	}
	for _, r := range slug {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

func dedupe(slugs []string) []string {
	seen := make(map[string]struct{}, len(slugs))
	out := make([]string, 0, len(slugs))
	for _, slug := range slugs {
		if _, ok := seen[slug]; ok {
			continue
		}
		seen[slug] = struct{}{}
		out = append(out, slug)
	}
	return out
}
