package issuer

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("issuer: not found")
	ErrAlreadyExists = errors.New("issuer: already exists")
)

// Site is an activated installation. Its shared secret is stored sealed
// and is only opened to sign responses for that site.
type Site struct {
	ID           string
	Domain       string
	SealedSecret []byte
	Revoked      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// License grants one plugin to one site. A zero ExpiresAt never expires.
type License struct {
	ID         string
	SiteID     string
	PluginSlug string
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Issuance is one ledger row per decision handed out.
type Issuance struct {
	ID         string
	SiteID     string
	PluginSlug string
	Endpoint   string
	Valid      bool
	Reason     string
	Nonce      string
	IssuedAt   time.Time
}

// Store persists sites, licenses and the issuance ledger. Drivers live in
// sub-packages.
type Store interface {
	CreateSite(ctx context.Context, site Site) error
	GetSite(ctx context.Context, id string) (Site, error)
	SetSiteRevoked(ctx context.Context, id string, revoked bool) error

	// UpsertLicense creates or replaces the license of (SiteID, PluginSlug).
	UpsertLicense(ctx context.Context, license License) error
	GetLicense(ctx context.Context, siteID, pluginSlug string) (License, error)
	ListLicenses(ctx context.Context, siteID string) ([]License, error)

	// RecordIssuance appends to the ledger, assigning an id when empty.
	RecordIssuance(ctx context.Context, issuance Issuance) error
	ListIssuances(ctx context.Context, siteID string, limit int) ([]Issuance, error)

	Ping(ctx context.Context) error
	Close() error
}
