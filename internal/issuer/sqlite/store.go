// Package sqlite is the SQLite driver of issuer.Store.
package sqlite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/guided-traffic/plugin-license-manager/internal/issuer"
)

// DefaultLedgerLimit bounds ListIssuances when no limit is given.
const DefaultLedgerLimit = 100

// Store persists sites, licenses and issuances in SQLite.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewStore opens dsn. Call ApplyMigrations before first use.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps ":memory:" databases coherent and
	// serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &Store{
		db:      db,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

// Open opens dsn and applies migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	s, err := NewStore(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := s.ApplyMigrations(); err != nil {
		_ = s.db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) CreateSite(ctx context.Context, site issuer.Site) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sites (id, domain, sealed_secret, revoked, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		site.ID, site.Domain, site.SealedSecret, site.Revoked,
		site.CreatedAt.UnixNano(), site.UpdatedAt.UnixNano(),
	)
	return mapConflict(err)
}

func (s *Store) GetSite(ctx context.Context, id string) (issuer.Site, error) {
	var (
		site                 issuer.Site
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, domain, sealed_secret, revoked, created_at, updated_at FROM sites WHERE id = ?`, id,
	).Scan(&site.ID, &site.Domain, &site.SealedSecret, &site.Revoked, &createdAt, &updatedAt)
	if err != nil {
		return issuer.Site{}, mapNotFound(err)
	}
	site.CreatedAt = fromNanos(createdAt)
	site.UpdatedAt = fromNanos(updatedAt)
	return site, nil
}

func (s *Store) SetSiteRevoked(ctx context.Context, id string, revoked bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sites SET revoked = ?, updated_at = ? WHERE id = ?`,
		revoked, time.Now().UnixNano(), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) UpsertLicense(ctx context.Context, license issuer.License) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO licenses (id, site_id, plugin_slug, expires_at, revoked_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (site_id, plugin_slug) DO UPDATE SET
		     expires_at = excluded.expires_at,
		     revoked_at = excluded.revoked_at,
		     updated_at = excluded.updated_at`,
		license.ID, license.SiteID, license.PluginSlug,
		mapOptionalTime(license.ExpiresAt), mapTimePtr(license.RevokedAt),
		license.CreatedAt.UnixNano(), license.UpdatedAt.UnixNano(),
	)
	if err != nil && strings.Contains(err.Error(), "FOREIGN KEY") {
		return issuer.ErrNotFound
	}
	return err
}

func (s *Store) GetLicense(ctx context.Context, siteID, pluginSlug string) (issuer.License, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, site_id, plugin_slug, expires_at, revoked_at, created_at, updated_at
		 FROM licenses WHERE site_id = ? AND plugin_slug = ?`, siteID, pluginSlug,
	)
	license, err := scanLicense(row)
	if err != nil {
		return issuer.License{}, mapNotFound(err)
	}
	return license, nil
}

func (s *Store) ListLicenses(ctx context.Context, siteID string) ([]issuer.License, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, site_id, plugin_slug, expires_at, revoked_at, created_at, updated_at
		 FROM licenses WHERE site_id = ? ORDER BY plugin_slug`, siteID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var licenses []issuer.License
	for rows.Next() {
		license, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, license)
	}
	return licenses, rows.Err()
}

func (s *Store) RecordIssuance(ctx context.Context, issuance issuer.Issuance) error {
	if issuance.ID == "" {
		issuance.ID = s.newID(issuance.IssuedAt)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO issuances (id, site_id, plugin_slug, endpoint, valid, reason, nonce, issued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		issuance.ID, issuance.SiteID, issuance.PluginSlug, issuance.Endpoint,
		issuance.Valid, issuance.Reason, issuance.Nonce, issuance.IssuedAt.UnixNano(),
	)
	return err
}

// ListIssuances returns the newest issuances of a site first.
func (s *Store) ListIssuances(ctx context.Context, siteID string, limit int) ([]issuer.Issuance, error) {
	if limit <= 0 {
		limit = DefaultLedgerLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, site_id, plugin_slug, endpoint, valid, reason, nonce, issued_at
		 FROM issuances WHERE site_id = ? ORDER BY id DESC LIMIT ?`, siteID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []issuer.Issuance
	for rows.Next() {
		var (
			i        issuer.Issuance
			issuedAt int64
		)
		if err := rows.Scan(&i.ID, &i.SiteID, &i.PluginSlug, &i.Endpoint, &i.Valid, &i.Reason, &i.Nonce, &issuedAt); err != nil {
			return nil, err
		}
		i.IssuedAt = fromNanos(issuedAt)
		out = append(out, i)
	}
	return out, rows.Err()
}

// newID returns a ULID, monotonic within this process.
func (s *Store) newID(at time.Time) string {
	if at.IsZero() {
		at = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), s.entropy).String()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLicense(row scanner) (issuer.License, error) {
	var (
		license              issuer.License
		expiresAt, revokedAt sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&license.ID, &license.SiteID, &license.PluginSlug, &expiresAt, &revokedAt, &createdAt, &updatedAt); err != nil {
		return issuer.License{}, err
	}
	if expiresAt.Valid {
		license.ExpiresAt = fromNanos(expiresAt.Int64)
	}
	if revokedAt.Valid {
		t := fromNanos(revokedAt.Int64)
		license.RevokedAt = &t
	}
	license.CreatedAt = fromNanos(createdAt)
	license.UpdatedAt = fromNanos(updatedAt)
	return license, nil
}

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return issuer.ErrNotFound
	}
	return err
}

func mapConflict(err error) error {
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return issuer.ErrAlreadyExists
	}
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return issuer.ErrNotFound
	}
	return nil
}

func mapOptionalTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func mapTimePtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

var _ issuer.Store = (*Store)(nil)
